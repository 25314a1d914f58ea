// Package backend abstracts the authoritative ledger and identity service.
//
// Two implementations exist: Mock, an in-memory ledger for tests and local
// runs, and HTTPClient, a rate-limited JSON client for the real service.
package backend

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pumpdump/game-engine/internal/model"
)

// GameBackend receives the liquidity share of settled rounds.
type GameBackend interface {
	AddToLiquidityPool(ctx context.Context, creator, tokenRoot string, amount decimal.Decimal) error
}

// LedgerBackend is the authoritative per-user balance ledger.
type LedgerBackend interface {
	Balance(ctx context.Context, userCanister string) (model.BalanceInfo, error)
	// ReconcileUserState applies diffs on-chain: each CompletedGame moves the
	// balance by reward minus stake, each CreatorReward credits its amount.
	ReconcileUserState(ctx context.Context, userCanister string, diffs []model.StateDiff) error
	Redeem(ctx context.Context, userCanister string, amount decimal.Decimal) error
	GameCount(ctx context.Context, userCanister string) (uint64, error)
	NetEarnings(ctx context.Context, userCanister string) (decimal.Decimal, error)
}

// IdentityBackend resolves users and token ownership.
type IdentityBackend interface {
	// UserCanister returns the canister of a user principal, or
	// model.ErrUnauthorized if the user is unknown.
	UserCanister(ctx context.Context, user string) (string, error)
	// ValidateToken fails with model.ErrInvalidToken unless tokenRoot was
	// created by gameCanister.
	ValidateToken(ctx context.Context, gameCanister, tokenRoot string) error
}

// SatsBackend pays out hot-or-not winnings.
type SatsBackend interface {
	TransferSats(ctx context.Context, user string, amount decimal.Decimal) error
}

// Backend is everything the engine needs from the outside world.
type Backend interface {
	GameBackend
	LedgerBackend
	IdentityBackend
	SatsBackend
}

var (
	_ Backend = (*Mock)(nil)
	_ Backend = (*HTTPClient)(nil)
)
