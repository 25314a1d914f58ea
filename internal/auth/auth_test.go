package auth

import (
	"testing"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpdump/game-engine/internal/model"
)

func TestSignVerify_Claim(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	amount := decimal.NewFromInt(1_000_000)
	sig := kp.Sign(ClaimMessage(kp.Principal, amount))

	assert.NoError(t, Verify(kp.Principal, ClaimMessage(kp.Principal, amount), sig))
	assert.ErrorIs(t,
		Verify(kp.Principal, ClaimMessage(kp.Principal, decimal.NewFromInt(2_000_000)), sig),
		model.ErrInvalidSignature)
}

func TestVerify_MessagesAreDistinct(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	amount := decimal.NewFromInt(5)
	sig := kp.Sign(ClaimMessage(kp.Principal, amount))
	assert.ErrorIs(t, Verify(kp.Principal, WithdrawMessage(kp.Principal, amount), sig), model.ErrInvalidSignature)
}

func TestVerify_WrongSigner(t *testing.T) {
	alice, err := GenerateKeypair()
	require.NoError(t, err)
	bob, err := GenerateKeypair()
	require.NoError(t, err)

	msg := IdentifyMessage(alice.Principal, "game", "token")
	assert.ErrorIs(t, Verify(alice.Principal, msg, bob.Sign(msg)), model.ErrInvalidSignature)
}

func TestVerify_Malformed(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	msg := IdentifyMessage(kp.Principal, "game", "token")

	assert.ErrorIs(t, Verify(kp.Principal, msg, "not-base58-0OIl"), model.ErrInvalidSignature)
	assert.ErrorIs(t, Verify(kp.Principal, msg, base58.Encode([]byte("short"))), model.ErrInvalidSignature)
	assert.ErrorIs(t, Verify(base58.Encode([]byte("too short for a key")), msg, kp.Sign(msg)), model.ErrInvalidSignature)
}

func TestPublicKey_RejectsOffCurve(t *testing.T) {
	// y = 2 has no valid x on edwards25519.
	raw := make([]byte, 32)
	raw[0] = 2
	_, err := PublicKey(base58.Encode(raw))
	assert.ErrorIs(t, err, model.ErrInvalidPrincipal)
}

func TestKeypairFromSecret_RoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	restored, err := KeypairFromSecret(kp.Secret())
	require.NoError(t, err)
	assert.Equal(t, kp.Principal, restored.Principal)

	_, err = KeypairFromSecret("abc")
	assert.Error(t, err)
}
