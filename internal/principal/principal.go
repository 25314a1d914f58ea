// Package principal validates principal identifiers and derives the actor
// keys that shard game and ledger state.
//
// A principal's text form is the base58 encoding of its raw bytes: a user's
// ed25519 public key, or an opaque canister id issued by the backend.
package principal

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/pumpdump/game-engine/internal/model"
)

// MaxLen is the longest raw principal accepted, in bytes.
const MaxLen = 32

// textRegex matches the base58 alphabet; length is checked after decoding.
var textRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)

// Actor kinds, used as key prefixes in the store.
const (
	KindRound  = "round"
	KindLedger = "ledger"
	KindHon    = "hon"
)

var ErrInvalidKey = errors.New("principal: invalid actor key")

// Parse validates a principal's text form and returns its raw bytes.
func Parse(text string) ([]byte, error) {
	if !textRegex.MatchString(text) {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidPrincipal, text)
	}
	raw, err := base58.Decode(text)
	if err != nil || len(raw) == 0 || len(raw) > MaxLen {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidPrincipal, text)
	}
	return raw, nil
}

// Validate is Parse without the decoded bytes.
func Validate(text string) error {
	_, err := Parse(text)
	return err
}

// FromBytes returns the text form of raw principal bytes.
func FromBytes(raw []byte) string {
	return base58.Encode(raw)
}

// RoundKey is the actor key of the round for a game canister and token.
func RoundKey(gameCanister, tokenRoot string) string {
	return KindRound + ":" + gameCanister + ":" + tokenRoot
}

// LedgerKey is the actor key of a user's ledger.
func LedgerKey(userCanister string) string {
	return KindLedger + ":" + userCanister
}

// HonKey is the actor key of a user's hot-or-not balance.
func HonKey(user string) string {
	return KindHon + ":" + user
}

// SplitKey returns the kind and principal parts of an actor key.
func SplitKey(key string) (kind string, parts []string, err error) {
	fields := strings.Split(key, ":")
	if len(fields) < 2 {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, f := range fields[1:] {
		if err := Validate(f); err != nil {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return fields[0], fields[1:], nil
}
