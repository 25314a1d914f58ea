package principal

import (
	"errors"
	"testing"

	"github.com/pumpdump/game-engine/internal/model"
)

func TestParse_Valid(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	text := FromBytes(raw)

	got, err := Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("round trip mismatch: %v != %v", got, raw)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"zero is not base58", "abc0def"},
		{"capital O is not base58", "OOOO"},
		{"separator", "abc:def"},
		{"too long", FromBytes(make([]byte, MaxLen+1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			if !errors.Is(err, model.ErrInvalidPrincipal) {
				t.Errorf("expected ErrInvalidPrincipal, got %v", err)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	game := FromBytes([]byte("game-canister"))
	token := FromBytes([]byte("token-root"))
	user := FromBytes([]byte("user-canister"))

	kind, parts, err := SplitKey(RoundKey(game, token))
	if err != nil {
		t.Fatalf("SplitKey round: %v", err)
	}
	if kind != KindRound || len(parts) != 2 || parts[0] != game || parts[1] != token {
		t.Errorf("round key split = %s %v", kind, parts)
	}

	kind, parts, err = SplitKey(LedgerKey(user))
	if err != nil {
		t.Fatalf("SplitKey ledger: %v", err)
	}
	if kind != KindLedger || len(parts) != 1 || parts[0] != user {
		t.Errorf("ledger key split = %s %v", kind, parts)
	}

	if _, _, err := SplitKey("ledger"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}
