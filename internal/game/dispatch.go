package game

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/pumpdump/game-engine/internal/backend"
	"github.com/pumpdump/game-engine/internal/metrics"
	"github.com/pumpdump/game-engine/internal/model"
	"github.com/pumpdump/game-engine/internal/reward"
)

// Ledger is the part of the user ledger a round talks to.
type Ledger interface {
	Decrement(ctx context.Context, user, tokenRoot string) error
	AddStateDiff(ctx context.Context, user string, diff model.StateDiff) error
}

// settlement is the outbound work of one settled round.
type settlement struct {
	creator   string
	tokenRoot string
	round     uint64
	liquidity decimal.Decimal
	payouts   []reward.Payout
}

// Dispatcher delivers round payouts to ledgers and the liquidity share to
// the backend. Delivery is fire-and-forget: failures are logged and counted
// and the round never waits for them.
type Dispatcher struct {
	ledger  Ledger
	backend backend.GameBackend
	timeout time.Duration

	queue   chan settlement
	group   errgroup.Group
	pending sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

// NewDispatcher starts a dispatcher running at most concurrency deliveries
// at a time.
func NewDispatcher(ledger Ledger, be backend.GameBackend, concurrency int, timeout time.Duration) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 16
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &Dispatcher{
		ledger:  ledger,
		backend: be,
		timeout: timeout,
		queue:   make(chan settlement, 256),
		done:    make(chan struct{}),
	}
	d.group.SetLimit(concurrency)
	go d.run()
	return d
}

func (d *Dispatcher) submit(s settlement) {
	d.pending.Add(len(s.payouts) + 1)
	d.queue <- s
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for s := range d.queue {
		for _, p := range s.payouts {
			d.group.Go(func() error {
				defer d.pending.Done()
				d.deliver(p)
				return nil
			})
		}
		d.group.Go(func() error {
			defer d.pending.Done()
			d.addLiquidity(s)
			return nil
		})
	}
	d.group.Wait()
}

func (d *Dispatcher) deliver(p reward.Payout) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.ledger.AddStateDiff(ctx, p.Participant, p.Diff); err != nil {
		metrics.RewardDispatchFailures.Inc()
		slog.Error("reward delivery failed",
			"user", p.Participant,
			"reward", p.Diff.Reward().String(),
			"err", err,
		)
	}
}

func (d *Dispatcher) addLiquidity(s settlement) {
	if !s.liquidity.IsPositive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	// One top-up per settled round.
	ctx = backend.WithIdempotencyKey(ctx, fmt.Sprintf("liquidity/%s/%s/%d", s.creator, s.tokenRoot, s.round))
	if err := d.backend.AddToLiquidityPool(ctx, s.creator, s.tokenRoot, s.liquidity); err != nil {
		slog.Error("liquidity pool top-up failed",
			"creator", s.creator,
			"token", s.tokenRoot,
			"amount", s.liquidity.String(),
			"err", err,
		)
	}
}

// Wait blocks until everything submitted so far has been delivered.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Close delivers what is queued and stops the dispatcher.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.queue) })
	<-d.done
}
