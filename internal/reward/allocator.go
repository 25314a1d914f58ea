// Package reward splits the stake of a settled round between the winning
// bettors, the content creator, and the token's liquidity pool.
//
// All arithmetic is integer e8s on shopspring/decimal. Division truncates and
// the creator's element absorbs every unit lost to truncation, so the sum of
// all emitted credits always equals the total staked.
package reward

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pumpdump/game-engine/internal/model"
)

var (
	// ErrInvalidStake is returned when the stake unit is not a positive integer.
	ErrInvalidStake = errors.New("reward: stake unit must be a positive integer")

	// ErrInvalidShare is returned when the creator and liquidity shares do
	// not leave a non-negative reward pool.
	ErrInvalidShare = errors.New("reward: shares must be within [0, 100] and sum to at most 100")
)

var hundred = decimal.NewFromInt(100)

// Allocator computes payouts for a round. It is stateless.
type Allocator struct {
	stake            decimal.Decimal
	creatorPercent   decimal.Decimal
	liquidityPercent decimal.Decimal
}

// NewAllocator creates an allocator charging stake per bet and taking the
// given whole-number percentages for creator and liquidity.
func NewAllocator(stake decimal.Decimal, creatorPercent, liquidityPercent int64) (*Allocator, error) {
	if !stake.IsPositive() || !stake.Equal(stake.Truncate(0)) {
		return nil, ErrInvalidStake
	}
	if creatorPercent < 0 || liquidityPercent < 0 || creatorPercent+liquidityPercent > 100 {
		return nil, ErrInvalidShare
	}
	return &Allocator{
		stake:            stake,
		creatorPercent:   decimal.NewFromInt(creatorPercent),
		liquidityPercent: decimal.NewFromInt(liquidityPercent),
	}, nil
}

// Stake returns the amount charged per bet.
func (a *Allocator) Stake() decimal.Decimal {
	return a.stake
}

// Payout is one credit produced by an allocation.
type Payout struct {
	Participant string
	Diff        model.StateDiff
}

// Allocation is the split of one round. Payouts are produced lazily by Next,
// one per bettor followed by the creator's element, and cannot be restarted.
type Allocation struct {
	Outcome        model.Direction
	BetCount       uint64
	Total          decimal.Decimal
	CreatorShare   decimal.Decimal
	LiquidityShare decimal.Decimal
	RewardPool     decimal.Decimal

	creator   string
	tokenRoot string
	bets      map[string]model.Tally
	order     []string
	next      int
	remaining decimal.Decimal
	done      bool
}

// Allocate splits a round with the given side counts. bets maps each
// participant to their tally; pumps and dumps must equal the tally sums.
func (a *Allocator) Allocate(pumps, dumps uint64, creator, tokenRoot string, bets map[string]model.Tally) *Allocation {
	total := a.stake.Mul(decimal.NewFromUint64(pumps + dumps))
	creatorShare, _ := total.Mul(a.creatorPercent).QuoRem(hundred, 0)
	liquidityShare, _ := total.Mul(a.liquidityPercent).QuoRem(hundred, 0)
	pool := total.Sub(creatorShare).Sub(liquidityShare)

	outcome := model.Winner(pumps, dumps)
	betCount := dumps
	if outcome == model.Pump {
		betCount = pumps
	}

	order := make([]string, 0, len(bets))
	for p := range bets {
		order = append(order, p)
	}
	sort.Strings(order)

	return &Allocation{
		Outcome:        outcome,
		BetCount:       betCount,
		Total:          total,
		CreatorShare:   creatorShare,
		LiquidityShare: liquidityShare,
		RewardPool:     pool,
		creator:        creator,
		tokenRoot:      tokenRoot,
		bets:           bets,
		order:          order,
		remaining:      pool,
	}
}

// Len returns how many payouts the allocation yields in total.
func (al *Allocation) Len() int {
	return len(al.order) + 1
}

// Next returns the next payout, or false once the creator's element has
// been produced.
func (al *Allocation) Next() (Payout, bool) {
	if al.done {
		return Payout{}, false
	}
	if al.next < len(al.order) {
		p := al.order[al.next]
		al.next++
		tally := al.bets[p]

		reward := decimal.Zero
		if al.BetCount > 0 {
			winning := decimal.NewFromUint64(tally.Count(al.Outcome))
			reward, _ = winning.Mul(al.RewardPool).QuoRem(decimal.NewFromUint64(al.BetCount), 0)
		}
		al.remaining = al.remaining.Sub(reward)

		return Payout{
			Participant: p,
			Diff: model.CompletedGame{
				Pumps:     tally.Pumps,
				Dumps:     tally.Dumps,
				Amount:    reward,
				TokenRoot: al.tokenRoot,
				Outcome:   al.Outcome,
			},
		}, true
	}

	al.done = true
	return Payout{
		Participant: al.creator,
		Diff:        model.CreatorReward{Amount: al.CreatorShare.Add(al.LiquidityShare).Add(al.remaining)},
	}, true
}

// Remainder returns the reward pool not yet paid to bettors. After the last
// bettor's payout it is the truncation loss carried by the creator's element.
func (al *Allocation) Remainder() decimal.Decimal {
	return al.remaining
}
