// Package ledger implements the per-user balance actor.
//
// Each user canister owns one actor holding the off-chain balance delta,
// the diffs not yet reconciled with the backend, the tokens with
// outstanding bets, and the treasury counter. Bets are charged against the
// delta optimistically; credits are queued and pushed to the backend in
// batches by a settlement alarm.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pumpdump/game-engine/internal/actor"
	"github.com/pumpdump/game-engine/internal/backend"
	"github.com/pumpdump/game-engine/internal/metrics"
	"github.com/pumpdump/game-engine/internal/model"
	"github.com/pumpdump/game-engine/internal/principal"
	"github.com/pumpdump/game-engine/internal/store"
	"github.com/pumpdump/game-engine/internal/treasury"
)

// DefaultReconcileDelay is how long credits are batched before settlement.
const DefaultReconcileDelay = 60 * time.Second

// Store keys of a ledger actor.
const (
	keyDelta    = "delta"
	keyEarnings = "earnings"
	keyPending  = "pending"
	keyDiffs    = "diffs"
	keyTreasury = "treasury"
	keyAlarm    = "alarm"
	keyBatch    = "batch"
	keyRedeem   = "redemption"
)

// settleBatch tags the leading Count queued diffs as sent to the backend
// under ID. It is kept until the backend acknowledges them, so every retry
// of the same diffs reuses the same idempotency key.
type settleBatch struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// redemption is a redeem whose outcome is unknown. A later claim of the
// same amount reuses its ID.
type redemption struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
}

// Config holds the ledger policy.
type Config struct {
	// Stake is the amount charged per bet.
	Stake decimal.Decimal

	// ReconcileDelay is the settlement batching window.
	ReconcileDelay time.Duration

	// TreasuryMax is the per-user daily withdrawal cap.
	TreasuryMax decimal.Decimal

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Service routes operations to ledger actors and owns their alarm timers.
type Service struct {
	actors  *actor.Registry[*state]
	store   store.Store
	backend backend.LedgerBackend
	stake   decimal.Decimal
	delay   time.Duration
	limiter *treasury.Limiter
	now     func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// state is one user's actor. Only the actor goroutine touches it.
type state struct {
	user     string
	key      string
	delta    *store.Cell[decimal.Decimal]
	earnings *store.Cell[decimal.Decimal]
	pending  *store.Cell[map[string]bool]
	diffs    *store.Cell[model.Diffs]
	treasury *store.Cell[treasury.Counter]
	alarm    *store.Cell[int64] // unix ms, 0 when unarmed
	batch    *store.Cell[settleBatch]
	redeem   *store.Cell[redemption]
}

func zeroDecimal() decimal.Decimal { return decimal.Zero }

// NewService creates the ledger service.
func NewService(st store.Store, be backend.LedgerBackend, cfg Config) *Service {
	if cfg.ReconcileDelay <= 0 {
		cfg.ReconcileDelay = DefaultReconcileDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	limiter := treasury.NewLimiter(cfg.TreasuryMax)
	limiter.Now = cfg.Now

	s := &Service{
		store:   st,
		backend: be,
		stake:   cfg.Stake,
		delay:   cfg.ReconcileDelay,
		limiter: limiter,
		now:     cfg.Now,
		timers:  make(map[string]*time.Timer),
	}
	s.actors = actor.NewRegistry(func(user string) *state {
		return &state{
			user:     user,
			key:      principal.LedgerKey(user),
			delta:    store.NewCell(keyDelta, zeroDecimal),
			earnings: store.NewCell(keyEarnings, zeroDecimal),
			pending:  store.NewCell(keyPending, func() map[string]bool { return map[string]bool{} }),
			diffs:    store.NewCell(keyDiffs, func() model.Diffs { return model.Diffs{} }),
			treasury: store.NewCell(keyTreasury, func() treasury.Counter { return treasury.Counter{} }),
			alarm:    store.NewCell(keyAlarm, func() int64 { return 0 }),
			batch:    store.NewCell(keyBatch, func() settleBatch { return settleBatch{} }),
			redeem:   store.NewCell(keyRedeem, func() redemption { return redemption{} }),
		}
	})
	return s
}

// Close stops all alarm timers and drains the actors.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for user, t := range s.timers {
		t.Stop()
		delete(s.timers, user)
	}
	s.mu.Unlock()
	s.actors.Close()
}

// Stake returns the amount charged per bet.
func (s *Service) Stake() decimal.Decimal {
	return s.stake
}

func (s *Service) do(ctx context.Context, user string, fn func(context.Context, *state) error) error {
	return s.actors.Do(ctx, user, fn)
}

// Decrement charges one stake for a bet on tokenRoot. It fails with
// model.ErrInsufficientBalance unless the effective balance covers it.
func (s *Service) Decrement(ctx context.Context, user, tokenRoot string) error {
	return s.do(ctx, user, func(ctx context.Context, st *state) error {
		info, err := s.backend.Balance(ctx, user)
		if err != nil {
			return fmt.Errorf("ledger: balance of %s: %w", user, err)
		}
		delta, err := st.delta.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		pending, err := st.pending.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}

		effective := info.Balance.Add(delta)
		if effective.LessThan(s.stake) {
			return fmt.Errorf("%w: have %s, need %s", model.ErrInsufficientBalance, effective, s.stake)
		}

		next := maps.Clone(pending)
		next[tokenRoot] = true

		var tx store.Txn
		if err := st.delta.Stage(&tx, delta.Sub(s.stake)); err != nil {
			return err
		}
		if err := st.pending.Stage(&tx, next); err != nil {
			return err
		}
		return tx.Commit(ctx, s.store, st.key)
	})
}

// AddStateDiff queues a credit for settlement and arms the alarm.
func (s *Service) AddStateDiff(ctx context.Context, user string, diff model.StateDiff) error {
	var armAt time.Time
	err := s.do(ctx, user, func(ctx context.Context, st *state) error {
		delta, err := st.delta.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		earnings, err := st.earnings.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		diffs, err := st.diffs.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		pending, err := st.pending.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}

		var tx store.Txn
		reward := diff.Reward()
		if err := st.delta.Stage(&tx, delta.Add(reward)); err != nil {
			return err
		}
		if err := st.earnings.Stage(&tx, earnings.Add(reward)); err != nil {
			return err
		}
		next := append(slices.Clone(diffs), diff)
		if err := st.diffs.Stage(&tx, next); err != nil {
			return err
		}

		switch d := diff.(type) {
		case model.CompletedGame:
			if pending[d.TokenRoot] {
				p := maps.Clone(pending)
				delete(p, d.TokenRoot)
				if err := st.pending.Stage(&tx, p); err != nil {
					return err
				}
			}
		case model.CreatorReward:
		default:
			return fmt.Errorf("%w: unknown state diff %T", model.ErrInternal, diff)
		}

		at, changed, err := s.stageAlarm(ctx, st, &tx)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx, s.store, st.key); err != nil {
			return err
		}
		if changed {
			armAt = at
		}
		return nil
	})
	if err == nil && !armAt.IsZero() {
		s.schedule(user, armAt)
	}
	return err
}

// stageAlarm arms the alarm for now+delay unless an earlier one is set.
func (s *Service) stageAlarm(ctx context.Context, st *state, tx *store.Txn) (time.Time, bool, error) {
	current, err := st.alarm.Get(ctx, s.store, st.key)
	if err != nil {
		return time.Time{}, false, err
	}
	at := s.now().Add(s.delay)
	if current != 0 && current <= at.UnixMilli() {
		return time.Time{}, false, nil
	}
	if err := st.alarm.Stage(tx, at.UnixMilli()); err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// Settle pushes all queued diffs to the backend.
func (s *Service) Settle(ctx context.Context, user string) error {
	return s.do(ctx, user, func(ctx context.Context, st *state) error {
		return s.settle(ctx, st)
	})
}

// settle pushes the queued diffs to the backend one batch at a time. A
// batch left over from a failed call is resent first, under its original
// key, before newer diffs get a batch of their own.
func (s *Service) settle(ctx context.Context, st *state) error {
	for {
		diffs, err := st.diffs.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		if len(diffs) == 0 {
			return nil
		}
		batch, err := st.batch.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		if batch.ID == "" || batch.Count <= 0 || batch.Count > len(diffs) {
			batch = settleBatch{ID: uuid.NewString(), Count: len(diffs)}
			var tx store.Txn
			if err := st.batch.Stage(&tx, batch); err != nil {
				return err
			}
			if err := tx.Commit(ctx, s.store, st.key); err != nil {
				return err
			}
		}
		if err := s.reconcile(ctx, st, diffs, batch); err != nil {
			return err
		}
	}
}

// reconcile sends the diffs of batch and, once the backend acknowledges
// them, drops them from the queue. The delta moves by the negation of what
// the backend applies, so the effective balance is unchanged. Until the
// acknowledgement nothing local changes, so a failed call leaves the state
// exactly as it was.
func (s *Service) reconcile(ctx context.Context, st *state, diffs model.Diffs, batch settleBatch) error {
	delta, err := st.delta.Get(ctx, s.store, st.key)
	if err != nil {
		return err
	}
	earnings, err := st.earnings.Get(ctx, s.store, st.key)
	if err != nil {
		return err
	}

	sent := diffs[:batch.Count]
	settled := delta
	credited := decimal.Zero
	for _, d := range sent {
		switch v := d.(type) {
		case model.CompletedGame:
			settled = settled.Add(v.Staked(s.stake)).Sub(v.Amount)
		case model.CreatorReward:
			settled = settled.Sub(v.Amount)
		default:
			return fmt.Errorf("%w: unknown state diff %T", model.ErrInternal, d)
		}
		credited = credited.Add(d.Reward())
	}

	if err := s.backend.ReconcileUserState(backend.WithIdempotencyKey(ctx, batch.ID), st.user, sent); err != nil {
		metrics.Settlements.WithLabelValues("failed").Inc()
		return fmt.Errorf("ledger: reconcile %s: %w", st.user, err)
	}

	var tx store.Txn
	if err := st.diffs.Stage(&tx, slices.Clone(diffs[batch.Count:])); err != nil {
		return err
	}
	if err := st.delta.Stage(&tx, settled); err != nil {
		return err
	}
	if err := st.earnings.Stage(&tx, earnings.Sub(credited)); err != nil {
		return err
	}
	st.batch.StageDelete(&tx)
	// The backend has applied the batch; record it even if ctx ended.
	if err := tx.Commit(context.WithoutCancel(ctx), s.store, st.key); err != nil {
		slog.Error("settled batch not recorded; it will be resent under the same key",
			"user", st.user, "batch", batch.ID, "err", err)
		return err
	}

	metrics.Settlements.WithLabelValues("ok").Inc()
	slog.Info("ledger settled", "user", st.user, "diffs", len(sent), "batch", batch.ID, "delta", settled.String())
	return nil
}

// Claim redeems amount to the user's wallet, settling first if the
// on-chain withdrawable balance alone does not cover it.
func (s *Service) Claim(ctx context.Context, user string, amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}
	return s.do(ctx, user, func(ctx context.Context, st *state) error {
		info, err := s.backend.Balance(ctx, user)
		if err != nil {
			return fmt.Errorf("ledger: balance of %s: %w", user, err)
		}
		delta, err := st.delta.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		counter, err := st.treasury.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		effective := info.Balance.Add(delta)

		// On-chain funds are enough and redeeming them cannot push the
		// effective balance below zero.
		if info.Withdrawable.GreaterThanOrEqual(amount) && effective.GreaterThanOrEqual(amount) {
			return s.redeem(ctx, st, amount)
		}

		withdrawable := decimal.Min(
			decimal.Max(effective.Sub(info.NetAirdropReward), decimal.Zero),
			s.limiter.Remaining(&counter),
		)
		if withdrawable.LessThan(amount) {
			return fmt.Errorf("%w: withdrawable %s, requested %s", model.ErrInsufficientBalance, withdrawable, amount)
		}
		if err := s.settle(ctx, st); err != nil {
			return err
		}
		return s.redeem(ctx, st, amount)
	})
}

// redeem consumes the treasury and calls the backend, rolling the
// treasury back if the backend fails. A redemption whose outcome is
// unknown keeps its key so that repeating the same claim cannot pay twice.
func (s *Service) redeem(ctx context.Context, st *state, amount decimal.Decimal) error {
	counter, err := st.treasury.Get(ctx, s.store, st.key)
	if err != nil {
		return err
	}
	if err := s.limiter.TryConsume(&counter, amount); err != nil {
		metrics.TreasuryRejections.WithLabelValues("pumpdump").Inc()
		return err
	}
	pending, err := st.redeem.Get(ctx, s.store, st.key)
	if err != nil {
		return err
	}
	if pending.ID == "" || !pending.Amount.Equal(amount) {
		pending = redemption{ID: uuid.NewString(), Amount: amount}
	}

	var tx store.Txn
	if err := st.treasury.Stage(&tx, counter); err != nil {
		return err
	}
	if err := st.redeem.Stage(&tx, pending); err != nil {
		return err
	}
	if err := tx.Commit(ctx, s.store, st.key); err != nil {
		return err
	}

	if err := s.backend.Redeem(backend.WithIdempotencyKey(ctx, pending.ID), st.user, amount); err != nil {
		s.limiter.Rollback(&counter, amount)
		var undo store.Txn
		if serr := st.treasury.Stage(&undo, counter); serr != nil {
			slog.Error("treasury rollback failed", "user", st.user, "err", serr)
			return errors.Join(fmt.Errorf("ledger: redeem for %s: %w", st.user, err), serr)
		}
		if !errors.Is(err, model.ErrBackendUnavailable) {
			st.redeem.StageDelete(&undo)
		}
		if cerr := undo.Commit(context.WithoutCancel(ctx), s.store, st.key); cerr != nil {
			slog.Error("treasury rollback failed", "user", st.user, "err", cerr)
			return errors.Join(fmt.Errorf("ledger: redeem for %s: %w", st.user, err), cerr)
		}
		return fmt.Errorf("ledger: redeem for %s: %w", st.user, err)
	}

	var done store.Txn
	st.redeem.StageDelete(&done)
	if err := done.Commit(context.WithoutCancel(ctx), s.store, st.key); err != nil {
		slog.Warn("redemption key not cleared", "user", st.user, "err", err)
	}
	slog.Info("claim redeemed", "user", st.user, "amount", amount.String())
	return nil
}

// Alarm handles a settlement alarm. It settles queued diffs and re-arms
// on failure.
func (s *Service) Alarm(ctx context.Context, user string) error {
	var armAt time.Time
	err := s.do(ctx, user, func(ctx context.Context, st *state) error {
		var tx store.Txn
		st.alarm.StageDelete(&tx)
		if err := tx.Commit(ctx, s.store, st.key); err != nil {
			return err
		}

		diffs, err := st.diffs.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		if len(diffs) == 0 {
			return nil
		}
		settleErr := s.settle(ctx, st)
		if settleErr == nil {
			return nil
		}

		var retry store.Txn
		at, _, err := s.stageAlarm(ctx, st, &retry)
		if err != nil {
			return err
		}
		if err := retry.Commit(context.WithoutCancel(ctx), s.store, st.key); err != nil {
			slog.Error("alarm re-arm failed", "user", user, "err", err)
		} else {
			armAt = at
		}
		return settleErr
	})
	if !armAt.IsZero() {
		s.schedule(user, armAt)
	}
	return err
}

// schedule fires Alarm for user at t unless an earlier timer is pending.
// The persisted alarm is authoritative; the sweep delivers it if this
// timer is lost.
func (s *Service) schedule(user string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[user]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(at.Sub(s.now()), func() {
		s.mu.Lock()
		if s.timers[user] == t {
			delete(s.timers, user)
		}
		s.mu.Unlock()

		if err := s.Alarm(context.Background(), user); err != nil {
			slog.Warn("settlement alarm failed", "user", user, "err", err)
		}
	})
	s.timers[user] = t
}

// DueAlarms lists users whose persisted alarm is at or before now.
func (s *Service) DueAlarms(ctx context.Context) ([]string, error) {
	actors, err := s.store.ActorsWithKey(ctx, keyAlarm)
	if err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	var due []string
	for _, a := range actors {
		kind, parts, err := principal.SplitKey(a)
		if err != nil || kind != principal.KindLedger || len(parts) != 1 {
			continue
		}
		var at int64
		ok, err := store.GetJSON(ctx, s.store, a, keyAlarm, &at)
		if err != nil {
			return nil, err
		}
		if ok && at != 0 && at <= now {
			due = append(due, parts[0])
		}
	}
	sort.Strings(due)
	return due, nil
}

// Balance returns the effective balance including unsettled deltas.
func (s *Service) Balance(ctx context.Context, user string) (model.BalanceInfo, error) {
	var out model.BalanceInfo
	err := s.do(ctx, user, func(ctx context.Context, st *state) error {
		info, err := s.backend.Balance(ctx, user)
		if err != nil {
			return fmt.Errorf("ledger: balance of %s: %w", user, err)
		}
		delta, err := st.delta.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		counter, err := st.treasury.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		effective := info.Balance.Add(delta)
		out = model.BalanceInfo{
			Balance: effective,
			Withdrawable: decimal.Min(
				decimal.Max(effective.Sub(info.NetAirdropReward), decimal.Zero),
				s.limiter.Remaining(&counter),
			),
			NetAirdropReward: info.NetAirdropReward,
		}
		return nil
	})
	return out, err
}

// GameCount returns the games played, including those not yet on-chain.
func (s *Service) GameCount(ctx context.Context, user string) (uint64, error) {
	var out uint64
	err := s.do(ctx, user, func(ctx context.Context, st *state) error {
		n, err := s.backend.GameCount(ctx, user)
		if err != nil {
			return fmt.Errorf("ledger: game count of %s: %w", user, err)
		}
		diffs, err := st.diffs.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		pending, err := st.pending.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		for _, d := range diffs {
			if _, ok := d.(model.CompletedGame); ok {
				n++
			}
		}
		out = n + uint64(len(pending))
		return nil
	})
	return out, err
}

// Earnings returns net earnings including queued rewards.
func (s *Service) Earnings(ctx context.Context, user string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := s.do(ctx, user, func(ctx context.Context, st *state) error {
		onChain, err := s.backend.NetEarnings(ctx, user)
		if err != nil {
			return fmt.Errorf("ledger: earnings of %s: %w", user, err)
		}
		earnings, err := st.earnings.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		out = onChain.Add(earnings)
		return nil
	})
	return out, err
}

// Uncommitted lists pending bets by token, then queued game results.
func (s *Service) Uncommitted(ctx context.Context, user string) ([]model.UncommittedGame, error) {
	var out []model.UncommittedGame
	err := s.do(ctx, user, func(ctx context.Context, st *state) error {
		pending, err := st.pending.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		diffs, err := st.diffs.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}

		out = make([]model.UncommittedGame, 0, len(pending)+len(diffs))
		for _, token := range slices.Sorted(maps.Keys(pending)) {
			out = append(out, model.UncommittedGame{Pending: &model.PendingGame{TokenRoot: token}})
		}
		for _, d := range diffs {
			if g, ok := d.(model.CompletedGame); ok {
				out = append(out, model.UncommittedGame{Completed: &g})
			}
		}
		return nil
	})
	return out, err
}

// Snapshot is the raw off-chain state of a ledger.
type Snapshot struct {
	Delta    decimal.Decimal
	Earnings decimal.Decimal
	Pending  []string
	Diffs    model.Diffs
	Treasury treasury.Counter
	Alarm    int64
	// Batch is the idempotency key of diffs sent but not acknowledged.
	Batch string
	// Redemption is the key of a redeem whose outcome is unknown.
	Redemption string
}

// Snapshot returns a copy of the user's off-chain state.
func (s *Service) Snapshot(ctx context.Context, user string) (Snapshot, error) {
	var out Snapshot
	err := s.do(ctx, user, func(ctx context.Context, st *state) error {
		var err error
		if out.Delta, err = st.delta.Get(ctx, s.store, st.key); err != nil {
			return err
		}
		if out.Earnings, err = st.earnings.Get(ctx, s.store, st.key); err != nil {
			return err
		}
		pending, err := st.pending.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		out.Pending = slices.Sorted(maps.Keys(pending))
		diffs, err := st.diffs.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		out.Diffs = slices.Clone(diffs)
		if out.Treasury, err = st.treasury.Get(ctx, s.store, st.key); err != nil {
			return err
		}
		if out.Alarm, err = st.alarm.Get(ctx, s.store, st.key); err != nil {
			return err
		}
		batch, err := st.batch.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		out.Batch = batch.ID
		pendingRedeem, err := st.redeem.Get(ctx, s.store, st.key)
		if err != nil {
			return err
		}
		out.Redemption = pendingRedeem.ID
		return nil
	})
	return out, err
}
