package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pumpdump/game-engine/internal/model"
)

// Operation names accepted by Mock.FailNext.
const (
	OpBalance    = "balance"
	OpReconcile  = "reconcile"
	OpRedeem     = "redeem"
	OpLiquidity  = "liquidity"
	OpTransfer   = "transfer"
	OpGameCount  = "game_count"
	OpEarnings   = "earnings"
	OpIdentity   = "identity"
	OpValidation = "validation"
)

// MockAccount is the on-chain state of one user in the mock ledger.
type MockAccount struct {
	Balance    decimal.Decimal
	Airdrop    decimal.Decimal
	Games      uint64
	Earnings   decimal.Decimal
	Redeemed   decimal.Decimal
	Reconciles int
}

// Mock is an in-memory Backend. Unknown users start with a zero balance.
// Every user principal maps to itself as its canister unless overridden.
type Mock struct {
	mu        sync.Mutex
	stake     decimal.Decimal
	accounts  map[string]*MockAccount
	canisters map[string]string
	invalid   map[string]bool
	liquidity map[string]decimal.Decimal
	sats      map[string]decimal.Decimal
	failures  map[string]int
	lost      map[string]int
	applied   map[string]bool
}

// NewMock creates a mock ledger charging stake per bet on reconciliation.
func NewMock(stake decimal.Decimal) *Mock {
	return &Mock{
		stake:     stake,
		accounts:  make(map[string]*MockAccount),
		canisters: make(map[string]string),
		invalid:   make(map[string]bool),
		liquidity: make(map[string]decimal.Decimal),
		sats:      make(map[string]decimal.Decimal),
		failures:  make(map[string]int),
		lost:      make(map[string]int),
		applied:   make(map[string]bool),
	}
}

// Fund credits balance to a user; airdrop marks part of it as non-withdrawable.
func (m *Mock) Fund(user string, balance, airdrop decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.account(user)
	acc.Balance = acc.Balance.Add(balance)
	acc.Airdrop = acc.Airdrop.Add(airdrop)
}

// Account returns a copy of the user's on-chain state.
func (m *Mock) Account(user string) MockAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.account(user)
}

// Liquidity returns the total added to a token's liquidity pool.
func (m *Mock) Liquidity(tokenRoot string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liquidity[tokenRoot]
}

// Sats returns the total transferred to a hot-or-not user.
func (m *Mock) Sats(user string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sats[user]
}

// MapCanister overrides the canister a user principal resolves to.
func (m *Mock) MapCanister(user, canister string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canisters[user] = canister
}

// InvalidateToken makes ValidateToken reject tokenRoot.
func (m *Mock) InvalidateToken(tokenRoot string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalid[tokenRoot] = true
}

// FailNext makes the next n calls of op fail with ErrBackendUnavailable.
func (m *Mock) FailNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] += n
}

// LoseReplyNext makes the next n calls of op apply their write and then
// fail with ErrBackendUnavailable, as if the reply never arrived.
func (m *Mock) LoseReplyNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost[op] += n
}

func (m *Mock) account(user string) *MockAccount {
	acc, ok := m.accounts[user]
	if !ok {
		acc = &MockAccount{}
		m.accounts[user] = acc
	}
	return acc
}

// fail consumes one scripted failure of op. Caller holds mu.
func (m *Mock) fail(op string) error {
	if m.failures[op] > 0 {
		m.failures[op]--
		return fmt.Errorf("%w: mock %s failure", model.ErrBackendUnavailable, op)
	}
	return nil
}

// seen reports whether a write of op under the context's idempotency key
// was already applied. Caller holds mu.
func (m *Mock) seen(ctx context.Context, op string) bool {
	key := IdempotencyKey(ctx)
	return key != "" && m.applied[op+"/"+key]
}

// done records an applied write and consumes a scripted lost reply.
// Caller holds mu.
func (m *Mock) done(ctx context.Context, op string) error {
	if key := IdempotencyKey(ctx); key != "" {
		m.applied[op+"/"+key] = true
	}
	if m.lost[op] > 0 {
		m.lost[op]--
		return fmt.Errorf("%w: mock %s reply lost", model.ErrBackendUnavailable, op)
	}
	return nil
}

// AddToLiquidityPool moves amount from the creator to the token's pool. The
// creator's balance may dip below zero until its queued creator reward is
// reconciled.
func (m *Mock) AddToLiquidityPool(ctx context.Context, creator, tokenRoot string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpLiquidity); err != nil {
		return err
	}
	if m.seen(ctx, OpLiquidity) {
		return nil
	}
	acc := m.account(creator)
	acc.Balance = acc.Balance.Sub(amount)
	m.liquidity[tokenRoot] = m.liquidity[tokenRoot].Add(amount)
	return m.done(ctx, OpLiquidity)
}

func (m *Mock) Balance(_ context.Context, user string) (model.BalanceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpBalance); err != nil {
		return model.BalanceInfo{}, err
	}
	acc := m.account(user)
	return model.BalanceInfo{
		Balance:          acc.Balance,
		Withdrawable:     decimal.Max(acc.Balance.Sub(acc.Airdrop), decimal.Zero),
		NetAirdropReward: acc.Airdrop,
	}, nil
}

func (m *Mock) ReconcileUserState(ctx context.Context, user string, diffs []model.StateDiff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpReconcile); err != nil {
		return err
	}
	if m.seen(ctx, OpReconcile) {
		return nil
	}

	acc := m.account(user)
	delta := decimal.Zero
	earnings := decimal.Zero
	games := uint64(0)
	for _, d := range diffs {
		switch v := d.(type) {
		case model.CompletedGame:
			net := v.Amount.Sub(v.Staked(m.stake))
			delta = delta.Add(net)
			earnings = earnings.Add(net)
			games++
		case model.CreatorReward:
			delta = delta.Add(v.Amount)
			earnings = earnings.Add(v.Amount)
		default:
			return fmt.Errorf("%w: unknown diff %T", model.ErrInternal, d)
		}
	}
	if acc.Balance.Add(delta).IsNegative() {
		return fmt.Errorf("%w: reconcile would overdraw %s", model.ErrInternal, user)
	}
	acc.Balance = acc.Balance.Add(delta)
	acc.Earnings = acc.Earnings.Add(earnings)
	acc.Games += games
	acc.Reconciles++
	return m.done(ctx, OpReconcile)
}

func (m *Mock) Redeem(ctx context.Context, user string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpRedeem); err != nil {
		return err
	}
	if m.seen(ctx, OpRedeem) {
		return nil
	}
	acc := m.account(user)
	if amount.GreaterThan(acc.Balance.Sub(acc.Airdrop)) {
		return fmt.Errorf("%w: redeem %s exceeds withdrawable", model.ErrInsufficientBalance, amount)
	}
	acc.Balance = acc.Balance.Sub(amount)
	acc.Redeemed = acc.Redeemed.Add(amount)
	return m.done(ctx, OpRedeem)
}

func (m *Mock) GameCount(_ context.Context, user string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpGameCount); err != nil {
		return 0, err
	}
	return m.account(user).Games, nil
}

func (m *Mock) NetEarnings(_ context.Context, user string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpEarnings); err != nil {
		return decimal.Zero, err
	}
	return m.account(user).Earnings, nil
}

func (m *Mock) UserCanister(_ context.Context, user string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpIdentity); err != nil {
		return "", err
	}
	if c, ok := m.canisters[user]; ok {
		if c == "" {
			return "", model.ErrUnauthorized
		}
		return c, nil
	}
	return user, nil
}

func (m *Mock) ValidateToken(_ context.Context, _, tokenRoot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpValidation); err != nil {
		return err
	}
	if m.invalid[tokenRoot] {
		return model.ErrInvalidToken
	}
	return nil
}

func (m *Mock) TransferSats(ctx context.Context, user string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpTransfer); err != nil {
		return err
	}
	if m.seen(ctx, OpTransfer) {
		return nil
	}
	m.sats[user] = m.sats[user].Add(amount)
	return m.done(ctx, OpTransfer)
}
