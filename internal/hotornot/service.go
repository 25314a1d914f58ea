// Package hotornot runs the hot-or-not side game.
//
// Each user owns one actor holding a sats balance, the posts they voted
// on, their airdrop claims and their referrals. A vote is settled instantly
// against a SentimentOracle; winnings are withdrawn through the backend
// under a daily treasury cap.
package hotornot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
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

// Defaults, in sats.
const (
	DefaultOnboardingReward = 1000
	DefaultMaxVote          = 200
	DefaultTreasuryMax      = 10_000
	DefaultMaxAirdrop       = 100
	DefaultReferralReward   = 100
)

// DefaultAirdropCooldown is the minimum time between airdrop claims.
const DefaultAirdropCooldown = 24 * time.Hour

// Page size bounds of Games.
const (
	MinPageSize = 1
	MaxPageSize = 100
)

const (
	keyBalance  = "sats_balance"
	keyAirdrop  = "airdrop_amount"
	keyTreasury = "treasury"
	keyLastDrop = "last_airdrop_claimed_at"
	keyReferral = "referral"
	keyWithdraw = "withdrawal"
	gamePrefix  = "games-"
)

// Config holds the hot-or-not policy.
type Config struct {
	// OnboardingReward is the balance of a user seen for the first time.
	OnboardingReward decimal.Decimal

	// MaxVote caps a single vote. Larger votes are reduced to it.
	MaxVote decimal.Decimal

	// TreasuryMax is the per-user daily withdrawal cap.
	TreasuryMax decimal.Decimal

	// MaxAirdrop caps a single airdrop claim.
	MaxAirdrop decimal.Decimal

	// AirdropCooldown is the minimum time between airdrop claims.
	AirdropCooldown time.Duration

	// ReferralReward is paid to both sides of a referral.
	ReferralReward decimal.Decimal

	// Oracle decides votes. Defaults to ClockOracle.
	Oracle SentimentOracle

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Outcome is how a vote went.
type Outcome struct {
	Win    bool            `json:"win"`
	Amount decimal.Decimal `json:"amount"`
}

// GameInfo is a settled vote.
type GameInfo struct {
	VoteAmount decimal.Decimal `json:"vote_amount"`
	Direction  Sentiment       `json:"direction"`
	Outcome    Outcome         `json:"outcome"`
}

// Game is a GameInfo with the post it was cast on.
type Game struct {
	PostCanister string   `json:"post_canister"`
	PostID       uint64   `json:"post_id"`
	Info         GameInfo `json:"info"`
}

// Page is one page of a user's games. Next is empty on the last page.
type Page struct {
	Games []Game `json:"games"`
	Next  string `json:"next,omitempty"`
}

// Vote is a request to vote on a post.
type Vote struct {
	PostCanister string
	PostID       uint64
	Direction    Sentiment
	Amount       decimal.Decimal

	// Creator receives a share of the vote when set.
	Creator string
}

// VoteResult is the settled vote and the balance after it.
type VoteResult struct {
	Sentiment Sentiment       `json:"sentiment"`
	Outcome   Outcome         `json:"outcome"`
	Balance   decimal.Decimal `json:"balance"`
}

// Service routes operations to per-user hot-or-not actors.
type Service struct {
	actors     *actor.Registry[*player]
	store      store.Store
	backend    backend.SatsBackend
	oracle     SentimentOracle
	limiter    *treasury.Limiter
	onboarding decimal.Decimal
	maxVote    decimal.Decimal
	maxAirdrop decimal.Decimal
	cooldown   time.Duration
	referral   decimal.Decimal
	now        func() time.Time

	rewards sync.WaitGroup
}

type player struct {
	key        string
	balance    *store.Cell[decimal.Decimal]
	airdrop    *store.Cell[decimal.Decimal]
	lastDrop   *store.Cell[int64] // unix ms, 0 if never claimed
	referrals  *store.Cell[referrals]
	treasury   *store.Cell[treasury.Counter]
	withdrawal *store.Cell[withdrawal]
}

// withdrawal is a transfer whose outcome is unknown. A later withdrawal of
// the same amount reuses its ID.
type withdrawal struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
}

// NewService creates the hot-or-not service.
func NewService(st store.Store, be backend.SatsBackend, cfg Config) *Service {
	if cfg.OnboardingReward.IsZero() {
		cfg.OnboardingReward = decimal.NewFromInt(DefaultOnboardingReward)
	}
	if cfg.MaxVote.IsZero() {
		cfg.MaxVote = decimal.NewFromInt(DefaultMaxVote)
	}
	if cfg.TreasuryMax.IsZero() {
		cfg.TreasuryMax = decimal.NewFromInt(DefaultTreasuryMax)
	}
	if cfg.MaxAirdrop.IsZero() {
		cfg.MaxAirdrop = decimal.NewFromInt(DefaultMaxAirdrop)
	}
	if cfg.AirdropCooldown <= 0 {
		cfg.AirdropCooldown = DefaultAirdropCooldown
	}
	if cfg.ReferralReward.IsZero() {
		cfg.ReferralReward = decimal.NewFromInt(DefaultReferralReward)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Oracle == nil {
		cfg.Oracle = ClockOracle{Now: cfg.Now}
	}
	limiter := treasury.NewLimiter(cfg.TreasuryMax)
	limiter.Now = cfg.Now

	onboarding := cfg.OnboardingReward
	return &Service{
		actors: actor.NewRegistry(func(user string) *player {
			return &player{
				key:        principal.HonKey(user),
				balance:    store.NewCell(keyBalance, func() decimal.Decimal { return onboarding }),
				airdrop:    store.NewCell(keyAirdrop, func() decimal.Decimal { return onboarding }),
				lastDrop:   store.NewCell(keyLastDrop, func() int64 { return 0 }),
				referrals:  store.NewCell(keyReferral, func() referrals { return referrals{} }),
				treasury:   store.NewCell(keyTreasury, func() treasury.Counter { return treasury.Counter{} }),
				withdrawal: store.NewCell(keyWithdraw, func() withdrawal { return withdrawal{} }),
			}
		}),
		store:      st,
		backend:    be,
		oracle:     cfg.Oracle,
		limiter:    limiter,
		onboarding: onboarding,
		maxVote:    cfg.MaxVote,
		maxAirdrop: cfg.MaxAirdrop,
		cooldown:   cfg.AirdropCooldown,
		referral:   cfg.ReferralReward,
		now:        cfg.Now,
	}
}

// Close waits for creator rewards in flight, then drains the actors.
func (s *Service) Close() {
	s.rewards.Wait()
	s.actors.Close()
}

// Wait blocks until creator rewards sent so far have landed.
func (s *Service) Wait() {
	s.rewards.Wait()
}

func (s *Service) do(ctx context.Context, user string, fn func(context.Context, *player) error) error {
	return s.actors.Do(ctx, user, fn)
}

func gameKey(postCanister string, postID uint64) string {
	return gamePrefix + postCanister + "-" + strconv.FormatUint(postID, 10)
}

func parseGameKey(key string) (string, uint64, error) {
	rest := strings.TrimPrefix(key, gamePrefix)
	i := strings.LastIndexByte(rest, '-')
	if i <= 0 {
		return "", 0, fmt.Errorf("hotornot: bad game key %q", key)
	}
	id, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("hotornot: bad game key %q: %w", key, err)
	}
	return rest[:i], id, nil
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}
	return nil
}

// Vote settles a vote on a post. A post can be voted on once.
func (s *Service) Vote(ctx context.Context, user string, v Vote) (VoteResult, error) {
	if !v.Direction.Valid() {
		return VoteResult{}, fmt.Errorf("%w: direction %q", model.ErrUnknownRequest, v.Direction)
	}
	if err := validAmount(v.Amount); err != nil {
		return VoteResult{}, err
	}
	amount := decimal.Min(v.Amount, s.maxVote)

	var res VoteResult
	err := s.do(ctx, user, func(ctx context.Context, p *player) error {
		key := gameKey(v.PostCanister, v.PostID)
		_, exists, err := s.store.Get(ctx, p.key, key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s/%d", model.ErrAlreadyVoted, v.PostCanister, v.PostID)
		}
		balance, err := p.balance.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		if balance.LessThan(amount) {
			return fmt.Errorf("%w: have %s, need %s", model.ErrInsufficientBalance, balance, amount)
		}

		sentiment, err := s.oracle.Sentiment(ctx, v.PostCanister, v.PostID)
		if err != nil {
			return fmt.Errorf("hotornot: sentiment of %s/%d: %w", v.PostCanister, v.PostID, err)
		}

		var out Outcome
		if sentiment == v.Direction {
			win, _ := amount.Mul(decimal.NewFromInt(8)).QuoRem(decimal.NewFromInt(10), 0)
			out = Outcome{Win: true, Amount: win}
			balance = balance.Add(win)
		} else {
			out = Outcome{Amount: amount}
			balance = balance.Sub(amount)
		}

		var tx store.Txn
		if err := p.balance.Stage(&tx, balance); err != nil {
			return err
		}
		if err := tx.PutJSON(key, GameInfo{VoteAmount: amount, Direction: v.Direction, Outcome: out}); err != nil {
			return err
		}
		if err := tx.Commit(ctx, s.store, p.key); err != nil {
			return err
		}
		res = VoteResult{Sentiment: sentiment, Outcome: out, Balance: balance}
		return nil
	})
	if err != nil {
		return VoteResult{}, err
	}

	if res.Outcome.Win {
		metrics.HotOrNotVotes.WithLabelValues("win").Inc()
	} else {
		metrics.HotOrNotVotes.WithLabelValues("loss").Inc()
	}

	if v.Creator != "" {
		share, _ := amount.QuoRem(decimal.NewFromInt(10), 0)
		if share.IsPositive() {
			s.sendCreatorReward(v.Creator, share)
		}
	}
	return res, nil
}

// sendCreatorReward credits the creator in the background. The voter's
// actor has already returned, so a creator voting on their own post does
// not deadlock.
func (s *Service) sendCreatorReward(creator string, amount decimal.Decimal) {
	s.rewards.Add(1)
	go func() {
		defer s.rewards.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.CreatorReward(ctx, creator, amount); err != nil {
			slog.Error("hon creator reward failed", "creator", creator, "amount", amount.String(), "err", err)
		}
	}()
}

// CreatorReward adds amount to a creator's balance.
func (s *Service) CreatorReward(ctx context.Context, user string, amount decimal.Decimal) error {
	return s.do(ctx, user, func(ctx context.Context, p *player) error {
		balance, err := p.balance.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		var tx store.Txn
		if err := p.balance.Stage(&tx, balance.Add(amount)); err != nil {
			return err
		}
		return tx.Commit(ctx, s.store, p.key)
	})
}

// Balance returns the user's sats balance.
func (s *Service) Balance(ctx context.Context, user string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := s.do(ctx, user, func(ctx context.Context, p *player) error {
		var err error
		out, err = p.balance.Get(ctx, s.store, p.key)
		return err
	})
	return out, err
}

// Airdrop returns the total airdropped to the user, onboarding included.
func (s *Service) Airdrop(ctx context.Context, user string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := s.do(ctx, user, func(ctx context.Context, p *player) error {
		var err error
		out, err = p.airdrop.Get(ctx, s.store, p.key)
		return err
	})
	return out, err
}

// Games returns up to pageSize games starting at cursor, in key order.
// pageSize is clamped to [MinPageSize, MaxPageSize].
func (s *Service) Games(ctx context.Context, user string, pageSize int, cursor string) (Page, error) {
	pageSize = max(MinPageSize, min(pageSize, MaxPageSize))

	var page Page
	err := s.do(ctx, user, func(ctx context.Context, p *player) error {
		entries, err := s.store.List(ctx, p.key, gamePrefix)
		if err != nil {
			return err
		}
		start := 0
		if cursor != "" {
			from := gamePrefix + cursor
			start = sort.Search(len(entries), func(i int) bool { return entries[i].Key >= from })
		}
		entries = entries[start:]
		if len(entries) > pageSize {
			page.Next = strings.TrimPrefix(entries[pageSize].Key, gamePrefix)
			entries = entries[:pageSize]
		}

		page.Games = make([]Game, 0, len(entries))
		for _, e := range entries {
			canister, id, err := parseGameKey(e.Key)
			if err != nil {
				return err
			}
			var info GameInfo
			if err := json.Unmarshal(e.Value, &info); err != nil {
				return fmt.Errorf("decode %s/%s: %w", p.key, e.Key, err)
			}
			page.Games = append(page.Games, Game{PostCanister: canister, PostID: id, Info: info})
		}
		return nil
	})
	return page, err
}

// GameInfo returns the user's vote on a post. ok is false if the user has
// not voted on it.
func (s *Service) GameInfo(ctx context.Context, user, postCanister string, postID uint64) (info GameInfo, ok bool, err error) {
	err = s.do(ctx, user, func(ctx context.Context, p *player) error {
		ok, err = store.GetJSON(ctx, s.store, p.key, gameKey(postCanister, postID), &info)
		return err
	})
	return info, ok, err
}

// Withdraw transfers amount of the user's balance out through the backend.
// The balance and today's treasury allowance are both charged first and
// restored if the transfer fails. A transfer whose outcome is unknown keeps
// its idempotency key for the next withdrawal of the same amount.
func (s *Service) Withdraw(ctx context.Context, user string, amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	return s.do(ctx, user, func(ctx context.Context, p *player) error {
		balance, err := p.balance.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		if balance.LessThan(amount) {
			return fmt.Errorf("%w: have %s, need %s", model.ErrInsufficientBalance, balance, amount)
		}
		counter, err := p.treasury.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		if err := s.limiter.TryConsume(&counter, amount); err != nil {
			metrics.TreasuryRejections.WithLabelValues("hon").Inc()
			return err
		}
		pending, err := p.withdrawal.Get(ctx, s.store, p.key)
		if err != nil {
			return err
		}
		if pending.ID == "" || !pending.Amount.Equal(amount) {
			pending = withdrawal{ID: uuid.NewString(), Amount: amount}
		}

		var tx store.Txn
		if err := p.balance.Stage(&tx, balance.Sub(amount)); err != nil {
			return err
		}
		if err := p.treasury.Stage(&tx, counter); err != nil {
			return err
		}
		if err := p.withdrawal.Stage(&tx, pending); err != nil {
			return err
		}
		if err := tx.Commit(ctx, s.store, p.key); err != nil {
			return err
		}

		if err := s.backend.TransferSats(backend.WithIdempotencyKey(ctx, pending.ID), user, amount); err != nil {
			transferErr := fmt.Errorf("hotornot: transfer to %s: %w", user, err)
			s.limiter.Rollback(&counter, amount)
			var undo store.Txn
			if serr := errors.Join(p.balance.Stage(&undo, balance), p.treasury.Stage(&undo, counter)); serr != nil {
				slog.Error("hon withdraw rollback failed", "user", user, "err", serr)
				return errors.Join(transferErr, serr)
			}
			if !errors.Is(err, model.ErrBackendUnavailable) {
				p.withdrawal.StageDelete(&undo)
			}
			if cerr := undo.Commit(context.WithoutCancel(ctx), s.store, p.key); cerr != nil {
				slog.Error("hon withdraw rollback failed", "user", user, "err", cerr)
				return errors.Join(transferErr, cerr)
			}
			return transferErr
		}

		var done store.Txn
		p.withdrawal.StageDelete(&done)
		if err := done.Commit(context.WithoutCancel(ctx), s.store, p.key); err != nil {
			slog.Warn("hon withdrawal key not cleared", "user", user, "err", err)
		}
		slog.Info("hon withdrawal", "user", user, "amount", amount.String())
		return nil
	})
}
