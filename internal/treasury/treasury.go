// Package treasury implements the per-user daily withdrawal cap.
//
// A Counter holds what is left of today's allowance. It is embedded in the
// owning ledger actor's persisted state; the Limiter carries the policy and
// the clock and never holds state of its own.
package treasury

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pumpdump/game-engine/internal/model"
)

// DefaultPeriod is the reset interval of a Counter.
const DefaultPeriod = 24 * time.Hour

// Counter is the persisted allowance. The zero value is due for reset.
type Counter struct {
	Amount    decimal.Decimal `json:"amount"`
	LastReset int64           `json:"last_reset"` // unix seconds
}

// Limiter enforces a fixed allowance per period.
type Limiter struct {
	// Max is the allowance restored at every reset.
	Max decimal.Decimal

	// Period is the minimum time between resets.
	Period time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NewLimiter creates a limiter with the default 24h period.
func NewLimiter(limit decimal.Decimal) *Limiter {
	return &Limiter{Max: limit, Period: DefaultPeriod, Now: time.Now}
}

func (l *Limiter) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// refresh resets c if at least one period has elapsed since its last reset.
func (l *Limiter) refresh(c *Counter) {
	now := l.now().Unix()
	if now-c.LastReset >= int64(l.Period/time.Second) {
		c.Amount = l.Max
		c.LastReset = now
	}
}

// Remaining returns what can still be consumed today.
func (l *Limiter) Remaining(c *Counter) decimal.Decimal {
	l.refresh(c)
	return c.Amount
}

// TryConsume deducts amount or fails with model.ErrDailyLimitReached,
// leaving c untouched.
func (l *Limiter) TryConsume(c *Counter, amount decimal.Decimal) error {
	l.refresh(c)
	if amount.GreaterThan(c.Amount) {
		return fmt.Errorf("%w: requested %s, remaining %s", model.ErrDailyLimitReached, amount, c.Amount)
	}
	c.Amount = c.Amount.Sub(amount)
	return nil
}

// Rollback returns amount to the allowance, capped at Max.
func (l *Limiter) Rollback(c *Counter, amount decimal.Decimal) {
	l.refresh(c)
	c.Amount = decimal.Min(c.Amount.Add(amount), l.Max)
}
