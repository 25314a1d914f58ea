package hotornot

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pumpdump/game-engine/internal/model"
	"github.com/pumpdump/game-engine/internal/store"
)

// ClaimAirdrop credits an airdrop of up to MaxAirdrop sats and returns the
// amount credited. Claims closer together than the cooldown fail with
// model.ErrAirdropNotReady.
func (s *Service) ClaimAirdrop(ctx context.Context, user string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validAmount(amount); err != nil {
		return decimal.Zero, err
	}
	amount = decimal.Min(amount, s.maxAirdrop)

	err := s.do(ctx, user, func(ctx context.Context, p *player) error {
		last, err := p.lastDrop.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		now := s.now()
		if last != 0 {
			if next := time.UnixMilli(last).Add(s.cooldown); now.Before(next) {
				return fmt.Errorf("%w: next claim at %s", model.ErrAirdropNotReady, next.UTC().Format(time.RFC3339))
			}
		}
		balance, err := p.balance.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		airdrop, err := p.airdrop.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}

		var tx store.Txn
		if err := p.balance.Stage(&tx, balance.Add(amount)); err != nil {
			return err
		}
		if err := p.airdrop.Stage(&tx, airdrop.Add(amount)); err != nil {
			return err
		}
		if err := p.lastDrop.Stage(&tx, now.UnixMilli()); err != nil {
			return err
		}
		return tx.Commit(ctx, s.store, p.key)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// LastAirdropClaimedAt returns when the user last claimed an airdrop. ok is
// false if they never have.
func (s *Service) LastAirdropClaimedAt(ctx context.Context, user string) (at time.Time, ok bool, err error) {
	err = s.do(ctx, user, func(ctx context.Context, p *player) error {
		ms, err := p.lastDrop.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		if ms != 0 {
			at, ok = time.UnixMilli(ms), true
		}
		return nil
	})
	return at, ok, err
}
