// Package model defines the core domain types for the pump/dump game engine.
//
// All token amounts are integer e8s carried as shopspring/decimal.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction is the side of a bet.
type Direction string

const (
	Pump Direction = "Pump"
	Dump Direction = "Dump"
)

// Valid reports whether d is one of the two known sides.
func (d Direction) Valid() bool {
	return d == Pump || d == Dump
}

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Pump {
		return Dump
	}
	return Pump
}

// Winner resolves the winning side of a round. A tie goes to Dump.
func Winner(pumps, dumps uint64) Direction {
	if pumps > dumps {
		return Pump
	}
	return Dump
}

// Tally is one participant's bet count in the current round.
type Tally struct {
	Pumps uint64 `json:"pumps"`
	Dumps uint64 `json:"dumps"`
}

// Count returns the bets placed on side d.
func (t Tally) Count(d Direction) uint64 {
	if d == Pump {
		return t.Pumps
	}
	return t.Dumps
}

// Total returns all bets in the tally.
func (t Tally) Total() uint64 {
	return t.Pumps + t.Dumps
}

// BalanceInfo is a balance snapshot. When returned by the backend it is the
// on-chain view; when returned by the ledger it includes off-chain deltas.
type BalanceInfo struct {
	Balance          decimal.Decimal `json:"balance"`
	Withdrawable     decimal.Decimal `json:"withdrawable"`
	NetAirdropReward decimal.Decimal `json:"net_airdrop_reward"`
}

// StateDiff is an off-chain credit not yet applied to the authoritative
// ledger. Implemented by CompletedGame and CreatorReward only.
type StateDiff interface {
	// Reward is the amount credited to the recipient's off-chain delta.
	Reward() decimal.Decimal
	isStateDiff()
}

// CompletedGame records a participant's bets in a settled round and the
// reward paid (zero for the losing side).
type CompletedGame struct {
	Pumps     uint64          `json:"pumps"`
	Dumps     uint64          `json:"dumps"`
	Amount    decimal.Decimal `json:"reward"`
	TokenRoot string          `json:"token_root"`
	Outcome   Direction       `json:"outcome"`
}

func (g CompletedGame) Reward() decimal.Decimal { return g.Amount }
func (CompletedGame) isStateDiff()              {}

// Staked returns the total stake charged for the game's bets.
func (g CompletedGame) Staked(unit decimal.Decimal) decimal.Decimal {
	return unit.Mul(decimal.NewFromUint64(g.Pumps + g.Dumps))
}

// CreatorReward is the content creator's share of a settled round.
type CreatorReward struct {
	Amount decimal.Decimal
}

func (c CreatorReward) Reward() decimal.Decimal { return c.Amount }
func (CreatorReward) isStateDiff()              {}

// diffEnvelope is the externally tagged JSON form of a StateDiff:
// {"CompletedGame": {...}} or {"CreatorReward": "123"}.
type diffEnvelope struct {
	CompletedGame *CompletedGame   `json:"CompletedGame,omitempty"`
	CreatorReward *decimal.Decimal `json:"CreatorReward,omitempty"`
}

// Diffs is an ordered list of state diffs with tagged JSON encoding.
type Diffs []StateDiff

func (ds Diffs) MarshalJSON() ([]byte, error) {
	out := make([]diffEnvelope, 0, len(ds))
	for _, d := range ds {
		switch v := d.(type) {
		case CompletedGame:
			g := v
			out = append(out, diffEnvelope{CompletedGame: &g})
		case CreatorReward:
			amt := v.Amount
			out = append(out, diffEnvelope{CreatorReward: &amt})
		default:
			return nil, fmt.Errorf("model: unknown state diff %T", d)
		}
	}
	return json.Marshal(out)
}

func (ds *Diffs) UnmarshalJSON(data []byte) error {
	var raw []diffEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Diffs, 0, len(raw))
	for i, e := range raw {
		switch {
		case e.CompletedGame != nil:
			out = append(out, *e.CompletedGame)
		case e.CreatorReward != nil:
			out = append(out, CreatorReward{Amount: *e.CreatorReward})
		default:
			return fmt.Errorf("model: state diff %d has no variant", i)
		}
	}
	*ds = out
	return nil
}

// UncommittedGame is a game the authoritative ledger does not know about yet:
// either a bet still awaiting its round result, or a result awaiting
// settlement.
type UncommittedGame struct {
	Pending   *PendingGame   `json:"Pending,omitempty"`
	Completed *CompletedGame `json:"Completed,omitempty"`
}

// PendingGame identifies a token with outstanding bets.
type PendingGame struct {
	TokenRoot string `json:"token_root"`
}
