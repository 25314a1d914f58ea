// Package auth verifies ed25519 signatures from users.
//
// A user's principal is the base58 text of their 32-byte ed25519 public
// key. Signatures are base58 text over a canonical, newline-separated
// message naming the action and its arguments.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/pumpdump/game-engine/internal/model"
	"github.com/pumpdump/game-engine/internal/principal"
)

const messageDomain = "pumpdump"

// ClaimMessage is signed to withdraw amount from the pump/dump ledger.
func ClaimMessage(sender string, amount decimal.Decimal) []byte {
	return message("claim", sender, amount.String())
}

// IdentifyMessage is signed to open a game socket.
func IdentifyMessage(sender, gameCanister, tokenRoot string) []byte {
	return message("identify", sender, gameCanister, tokenRoot)
}

// VoteMessage is signed to cast a hot-or-not vote.
func VoteMessage(sender, postCanister string, postID uint64, direction string, amount decimal.Decimal) []byte {
	return message("vote", sender, postCanister, fmt.Sprint(postID), direction, amount.String())
}

// WithdrawMessage is signed to withdraw hot-or-not winnings.
func WithdrawMessage(sender string, amount decimal.Decimal) []byte {
	return message("withdraw", sender, amount.String())
}

// AirdropMessage is signed to claim a hot-or-not airdrop.
func AirdropMessage(sender string, amount decimal.Decimal) []byte {
	return message("airdrop", sender, amount.String())
}

// ReferralMessage is signed by the referee to record who referred them.
func ReferralMessage(referrer, referee string) []byte {
	return message("referral", referrer, referee)
}

func message(action string, fields ...string) []byte {
	return []byte(messageDomain + "\n" + action + "\n" + strings.Join(fields, "\n"))
}

// PublicKey decodes a principal into an ed25519 key. The bytes must encode
// a point on the curve.
func PublicKey(sender string) (ed25519.PublicKey, error) {
	raw, err := principal.Parse(sender)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: not an ed25519 key", model.ErrInvalidPrincipal)
	}
	if _, err := new(edwards25519.Point).SetBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: not a curve point", model.ErrInvalidPrincipal)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks that signature is sender's signature over msg.
func Verify(sender string, msg []byte, signature string) error {
	pub, err := PublicKey(sender)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
	}
	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", model.ErrInvalidSignature)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return model.ErrInvalidSignature
	}
	return nil
}

// Keypair is a signing identity, used by clients and tests.
type Keypair struct {
	Principal string
	private   ed25519.PrivateKey
}

// GenerateKeypair creates a random identity.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{Principal: base58.Encode(pub), private: priv}, nil
}

// KeypairFromSecret restores an identity from its base58 secret.
func KeypairFromSecret(secret string) (*Keypair, error) {
	seed, err := base58.Decode(secret)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("auth: secret must be a base58 %d-byte seed", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{
		Principal: base58.Encode(priv.Public().(ed25519.PublicKey)),
		private:   priv,
	}, nil
}

// Secret returns the base58 seed of the keypair.
func (k *Keypair) Secret() string {
	return base58.Encode(k.private.Seed())
}

// Sign returns the base58 signature of msg.
func (k *Keypair) Sign(msg []byte) string {
	return base58.Encode(ed25519.Sign(k.private, msg))
}
