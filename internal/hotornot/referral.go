package hotornot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/pumpdump/game-engine/internal/model"
	"github.com/pumpdump/game-engine/internal/store"
)

// ReferralItem records one referral.
type ReferralItem struct {
	Referrer  string          `json:"referrer"`
	Referee   string          `json:"referee"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt int64           `json:"created_at"` // unix ms
}

// referrals is a user's referral state. A user can be referred once, and
// only before referring anyone.
type referrals struct {
	History    []ReferralItem `json:"referral_history"`
	ReferredBy *ReferralItem  `json:"referred_by,omitempty"`
}

// ReferralPage is one page of a user's referral history. Next is the
// cursor of the following page, nil on the last page.
type ReferralPage struct {
	Items []ReferralItem `json:"items"`
	Next  *int           `json:"next,omitempty"`
}

// Referral rewards both sides of a referral with ReferralReward sats. The
// referee is credited first; if crediting the referrer fails, the
// referee's side is undone so the referral can be retried.
func (s *Service) Referral(ctx context.Context, referrer, referee string) (ReferralItem, error) {
	if referrer == referee {
		return ReferralItem{}, fmt.Errorf("%w: self referral", model.ErrUnknownRequest)
	}
	item := ReferralItem{
		Referrer:  referrer,
		Referee:   referee,
		Amount:    s.referral,
		CreatedAt: s.now().UnixMilli(),
	}

	err := s.do(ctx, referee, func(ctx context.Context, p *player) error {
		r, err := p.referrals.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		if r.ReferredBy != nil || len(r.History) > 0 {
			return fmt.Errorf("%w: %s", model.ErrAlreadyReferred, referee)
		}
		r.ReferredBy = &item
		return s.creditReferral(ctx, p, r, item.Amount)
	})
	if err != nil {
		return ReferralItem{}, err
	}

	err = s.do(ctx, referrer, func(ctx context.Context, p *player) error {
		r, err := p.referrals.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		r.History = append(slices.Clone(r.History), item)
		return s.creditReferral(ctx, p, r, item.Amount)
	})
	if err != nil {
		rewardErr := fmt.Errorf("hotornot: reward referrer %s: %w", referrer, err)
		if uerr := s.undoReferee(context.WithoutCancel(ctx), item); uerr != nil {
			slog.Error("referral rollback failed", "referee", referee, "err", uerr)
			return ReferralItem{}, errors.Join(rewardErr, uerr)
		}
		return ReferralItem{}, rewardErr
	}
	return item, nil
}

// creditReferral stores r and adds amount to the balance and the airdrop
// total.
func (s *Service) creditReferral(ctx context.Context, p *player, r referrals, amount decimal.Decimal) error {
	balance, err := p.balance.Get(ctx, s.store, p.key)
	if err != nil {
		return err
	}
	airdrop, err := p.airdrop.Get(ctx, s.store, p.key)
	if err != nil {
		return err
	}
	var tx store.Txn
	if err := p.referrals.Stage(&tx, r); err != nil {
		return err
	}
	if err := p.balance.Stage(&tx, balance.Add(amount)); err != nil {
		return err
	}
	if err := p.airdrop.Stage(&tx, airdrop.Add(amount)); err != nil {
		return err
	}
	return tx.Commit(ctx, s.store, p.key)
}

func (s *Service) undoReferee(ctx context.Context, item ReferralItem) error {
	return s.do(ctx, item.Referee, func(ctx context.Context, p *player) error {
		r, err := p.referrals.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		if r.ReferredBy == nil || r.ReferredBy.Referrer != item.Referrer || r.ReferredBy.CreatedAt != item.CreatedAt {
			return nil
		}
		balance, err := p.balance.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		airdrop, err := p.airdrop.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		r.ReferredBy = nil
		var tx store.Txn
		if err := p.referrals.Stage(&tx, r); err != nil {
			return err
		}
		if err := p.balance.Stage(&tx, decimal.Max(balance.Sub(item.Amount), decimal.Zero)); err != nil {
			return err
		}
		if err := p.airdrop.Stage(&tx, decimal.Max(airdrop.Sub(item.Amount), decimal.Zero)); err != nil {
			return err
		}
		return tx.Commit(ctx, s.store, p.key)
	})
}

// ReferralHistory returns up to limit referrals made by the user, oldest
// first, starting at cursor. limit is clamped to [MinPageSize, MaxPageSize].
func (s *Service) ReferralHistory(ctx context.Context, user string, cursor, limit int) (ReferralPage, error) {
	limit = max(MinPageSize, min(limit, MaxPageSize))
	cursor = max(cursor, 0)

	var page ReferralPage
	err := s.do(ctx, user, func(ctx context.Context, p *player) error {
		r, err := p.referrals.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		start := min(cursor, len(r.History))
		end := min(start+limit, len(r.History))
		page.Items = append(make([]ReferralItem, 0, end-start), r.History[start:end]...)
		if end < len(r.History) {
			page.Next = &end
		}
		return nil
	})
	return page, err
}
