// Package game runs the pump/dump rounds.
//
// One actor owns each (game canister, token root) pair. It charges every
// bet against the bettor's ledger, keeps the round's tallies, and ends the
// round on the second tide shift, handing payouts to a Dispatcher.
// Connected websockets belong to the same actor, so broadcasts are ordered
// with the state changes that cause them.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pumpdump/game-engine/internal/actor"
	"github.com/pumpdump/game-engine/internal/backend"
	"github.com/pumpdump/game-engine/internal/metrics"
	"github.com/pumpdump/game-engine/internal/model"
	"github.com/pumpdump/game-engine/internal/principal"
	"github.com/pumpdump/game-engine/internal/reward"
	"github.com/pumpdump/game-engine/internal/store"
)

// Config holds the round policy.
type Config struct {
	// TideShiftDelta is the lead that shifts the tide. Defaults to 10.
	TideShiftDelta uint64

	// DispatchConcurrency bounds concurrent payout deliveries.
	DispatchConcurrency int

	// DispatchTimeout bounds a single payout delivery.
	DispatchTimeout time.Duration
}

// Service routes bets and reads to round actors.
type Service struct {
	rounds   *actor.Registry[*round]
	store    store.Store
	ledger   Ledger
	alloc    *reward.Allocator
	dispatch *Dispatcher
	delta    uint64
}

// NewService creates the round service.
func NewService(st store.Store, ledger Ledger, alloc *reward.Allocator, be backend.GameBackend, cfg Config) *Service {
	if cfg.TideShiftDelta == 0 {
		cfg.TideShiftDelta = DefaultTideShiftDelta
	}
	return &Service{
		rounds: actor.NewRegistry(func(key string) *round {
			parts := strings.SplitN(key, ":", 3)
			if len(parts) != 3 {
				return newRound(key, "", "")
			}
			return newRound(key, parts[1], parts[2])
		}),
		store:    st,
		ledger:   ledger,
		alloc:    alloc,
		dispatch: NewDispatcher(ledger, be, cfg.DispatchConcurrency, cfg.DispatchTimeout),
		delta:    cfg.TideShiftDelta,
	}
}

// Close drains the round actors, then delivers outstanding payouts.
func (s *Service) Close() {
	s.rounds.Close()
	s.dispatch.Close()
}

// Dispatcher exposes the payout dispatcher.
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatch
}

func (s *Service) do(ctx context.Context, gameCanister, tokenRoot string, fn func(context.Context, *round) error) error {
	return s.rounds.Do(ctx, principal.RoundKey(gameCanister, tokenRoot), fn)
}

// BetResult is the outcome of an accepted bet.
type BetResult struct {
	// Round is the round the bet was placed in.
	Round uint64

	// Result is set when the bet ended the round.
	Result *model.GameResultEvent
}

// PlaceBet charges user one stake and records a bet on direction. The bet
// is rejected with model.ErrRoundMismatch unless roundNo is the current
// round; nothing is charged or changed in that case.
func (s *Service) PlaceBet(ctx context.Context, gameCanister, tokenRoot, user string, direction model.Direction, roundNo uint64) (BetResult, error) {
	if !direction.Valid() {
		return BetResult{}, fmt.Errorf("%w: direction %q", model.ErrUnknownRequest, direction)
	}
	start := time.Now()
	var res BetResult
	err := s.do(ctx, gameCanister, tokenRoot, func(ctx context.Context, r *round) error {
		var err error
		res, err = s.bet(ctx, r, user, direction, roundNo)
		return err
	})
	if err != nil {
		metrics.BetsRejected.WithLabelValues(rejectReason(err)).Inc()
		return BetResult{}, err
	}
	metrics.BetsTotal.WithLabelValues(string(direction)).Inc()
	metrics.BetLatency.WithLabelValues(string(direction)).Observe(time.Since(start).Seconds())
	return res, nil
}

func (s *Service) bet(ctx context.Context, r *round, user string, direction model.Direction, roundNo uint64) (BetResult, error) {
	c, err := r.load(ctx, s.store)
	if err != nil {
		return BetResult{}, err
	}
	if roundNo != c.round {
		return BetResult{}, fmt.Errorf("%w: bet for round %d, current round is %d", model.ErrRoundMismatch, roundNo, c.round)
	}
	bets, err := r.loadBets(ctx, s.store)
	if err != nil {
		return BetResult{}, err
	}

	if err := s.ledger.Decrement(ctx, user, r.tokenRoot); err != nil {
		return BetResult{}, err
	}

	tally := bets[user]
	var shift bool
	if direction == model.Pump {
		tally.Pumps++
		c.pumps++
		c.cumPumps++
		shift = tideShift(c.cumPumps, c.cumDumps, s.delta)
	} else {
		tally.Dumps++
		c.dumps++
		c.cumDumps++
		shift = tideShift(c.cumDumps, c.cumPumps, s.delta)
	}

	// The first shift of a round only arms the latch.
	if shift && !c.shifted {
		c.shifted = true
		shift = false
	}

	if shift {
		result, err := s.endRound(ctx, r, c, betsWith(bets, user, tally))
		if err != nil {
			s.refund(ctx, r, user, direction)
			return BetResult{}, err
		}
		return BetResult{Round: roundNo, Result: result}, nil
	}

	var tx store.Txn
	if err := r.stage(&tx, c); err != nil {
		s.refund(ctx, r, user, direction)
		return BetResult{}, err
	}
	if err := tx.PutJSON(betPrefix+user, tally); err != nil {
		s.refund(ctx, r, user, direction)
		return BetResult{}, err
	}
	if err := tx.Commit(ctx, s.store, r.key); err != nil {
		s.refund(ctx, r, user, direction)
		return BetResult{}, err
	}
	r.bets[user] = tally

	r.broadcast(model.WsResp{WinningPoolEvent: &model.WinningPoolEvent{
		NewPool: c.pumps + c.dumps,
		Round:   c.round,
	}})
	return BetResult{Round: roundNo}, nil
}

// endRound settles the round: payouts go to the dispatcher, the round's
// tallies are cleared, and the round number advances. Cumulative counters
// carry over.
func (s *Service) endRound(ctx context.Context, r *round, c counters, bets map[string]model.Tally) (*model.GameResultEvent, error) {
	alloc := s.alloc.Allocate(c.pumps, c.dumps, r.gameCanister, r.tokenRoot, bets)

	next := counters{
		round:    c.round + 1,
		cumPumps: c.cumPumps,
		cumDumps: c.cumDumps,
	}
	var tx store.Txn
	if err := r.stage(&tx, next); err != nil {
		return nil, err
	}
	for user := range bets {
		tx.Batch().Delete(betPrefix + user)
	}
	if err := tx.Commit(ctx, s.store, r.key); err != nil {
		return nil, err
	}
	r.bets = make(map[string]model.Tally)

	payouts := make([]reward.Payout, 0, alloc.Len())
	for p, ok := alloc.Next(); ok; p, ok = alloc.Next() {
		payouts = append(payouts, p)
	}
	s.dispatch.submit(settlement{
		creator:   r.gameCanister,
		tokenRoot: r.tokenRoot,
		round:     c.round,
		liquidity: alloc.LiquidityShare,
		payouts:   payouts,
	})

	result := &model.GameResultEvent{
		Direction:  alloc.Outcome,
		RewardPool: alloc.RewardPool,
		BetCount:   alloc.BetCount,
		NewRound:   next.round,
	}
	metrics.RoundsSettled.WithLabelValues(string(alloc.Outcome)).Inc()
	slog.Info("round settled",
		"game", r.gameCanister,
		"token", r.tokenRoot,
		"round", c.round,
		"outcome", alloc.Outcome,
		"pumps", c.pumps,
		"dumps", c.dumps,
		"reward_pool", alloc.RewardPool.String(),
		"participants", len(bets),
	)

	r.broadcast(model.WsResp{GameResultEvent: result})
	return result, nil
}

// refund returns the stake of a bet whose round state could not be
// persisted. The diff nets to zero on-chain.
func (s *Service) refund(ctx context.Context, r *round, user string, direction model.Direction) {
	g := model.CompletedGame{
		Amount:    s.alloc.Stake(),
		TokenRoot: r.tokenRoot,
		Outcome:   direction,
	}
	if direction == model.Pump {
		g.Pumps = 1
	} else {
		g.Dumps = 1
	}
	if err := s.ledger.AddStateDiff(context.WithoutCancel(ctx), user, g); err != nil {
		slog.Error("bet refund failed", "user", user, "token", r.tokenRoot, "err", err)
	}
}

// Bets returns user's tally in the current round.
func (s *Service) Bets(ctx context.Context, gameCanister, tokenRoot, user string) (model.Tally, error) {
	var out model.Tally
	err := s.do(ctx, gameCanister, tokenRoot, func(ctx context.Context, r *round) error {
		bets, err := r.loadBets(ctx, s.store)
		if err != nil {
			return err
		}
		out = bets[user]
		return nil
	})
	return out, err
}

// Pool is the current round and its bet count.
type Pool struct {
	Round uint64 `json:"round"`
	Pool  uint64 `json:"pool"`
}

// Pool returns the current round number and bet count.
func (s *Service) Pool(ctx context.Context, gameCanister, tokenRoot string) (Pool, error) {
	var out Pool
	err := s.do(ctx, gameCanister, tokenRoot, func(ctx context.Context, r *round) error {
		c, err := r.load(ctx, s.store)
		if err != nil {
			return err
		}
		out = Pool{Round: c.round, Pool: c.pumps + c.dumps}
		return nil
	})
	return out, err
}

// PlayerCount returns the sockets connected to a round.
func (s *Service) PlayerCount(ctx context.Context, gameCanister, tokenRoot string) (int, error) {
	var n int
	err := s.do(ctx, gameCanister, tokenRoot, func(_ context.Context, r *round) error {
		n = len(r.clients)
		return nil
	})
	return n, err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrRoundMismatch):
		return "round_mismatch"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, model.ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "other"
	}
}
