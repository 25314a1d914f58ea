// Package sweep delivers settlement alarms whose in-process timer was lost,
// such as alarms persisted before a restart.
package sweep

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep every minute.
const DefaultSchedule = "@every 1m"

// Ledger is the part of the ledger service the sweep drives.
type Ledger interface {
	DueAlarms(ctx context.Context) ([]string, error)
	Alarm(ctx context.Context, user string) error
}

// Sweeper runs the alarm sweep on a cron schedule.
type Sweeper struct {
	cron   *cron.Cron
	ledger Ledger
	logger *slog.Logger
	ctx    context.Context
}

// New creates a Sweeper. ctx bounds every sweep run.
func New(ctx context.Context, ledger Ledger, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ledger: ledger,
		logger: logger,
		ctx:    ctx,
	}
}

// Register schedules the sweep. schedule is a standard cron expression or
// a descriptor such as "@every 30s".
func (s *Sweeper) Register(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return fmt.Errorf("sweep: register %q: %w", schedule, err)
	}
	return nil
}

// Start starts the scheduler in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("settlement sweep started")
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("settlement sweep stopped")
}

func (s *Sweeper) run() {
	if _, err := s.RunNow(s.ctx); err != nil {
		s.logger.Error("settlement sweep failed", "err", err)
	}
}

// RunNow delivers every due alarm once and returns how many settled. A
// failed alarm re-arms itself and does not stop the sweep.
func (s *Sweeper) RunNow(ctx context.Context) (int, error) {
	users, err := s.ledger.DueAlarms(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: list due alarms: %w", err)
	}
	settled := 0
	for _, user := range users {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if err := s.ledger.Alarm(ctx, user); err != nil {
			s.logger.Warn("swept alarm failed", "user", user, "err", err)
			continue
		}
		settled++
	}
	if len(users) > 0 {
		s.logger.Info("settlement sweep", "due", len(users), "settled", settled)
	}
	return settled, nil
}
