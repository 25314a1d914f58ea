package game

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/pumpdump/game-engine/internal/model"
	"github.com/pumpdump/game-engine/internal/store"
)

// Store keys of a round actor.
const (
	keyRound    = "round"
	keyPumps    = "pumps"
	keyDumps    = "dumps"
	keyCumPumps = "total-pumps"
	keyCumDumps = "total-dumps"
	keyShifted  = "has_tide_shifted"
	betPrefix   = "bets-"
)

// DefaultTideShiftDelta is the lead one side needs to shift the tide.
const DefaultTideShiftDelta = 10

// round is the state of one (game canister, token) actor. Counters are
// persisted; sockets live only in memory.
type round struct {
	key          string
	gameCanister string
	tokenRoot    string

	number   *store.Cell[uint64]
	pumps    *store.Cell[uint64]
	dumps    *store.Cell[uint64]
	cumPumps *store.Cell[uint64]
	cumDumps *store.Cell[uint64]
	shifted  *store.Cell[bool]
	bets     map[string]model.Tally // nil until loaded

	clients map[*client]struct{}
}

func zeroCount() uint64 { return 0 }

func newRound(key, gameCanister, tokenRoot string) *round {
	return &round{
		key:          key,
		gameCanister: gameCanister,
		tokenRoot:    tokenRoot,
		number:       store.NewCell(keyRound, zeroCount),
		pumps:        store.NewCell(keyPumps, zeroCount),
		dumps:        store.NewCell(keyDumps, zeroCount),
		cumPumps:     store.NewCell(keyCumPumps, zeroCount),
		cumDumps:     store.NewCell(keyCumDumps, zeroCount),
		shifted:      store.NewCell(keyShifted, func() bool { return false }),
		clients:      make(map[*client]struct{}),
	}
}

// counters is a consistent read of the round's numbers.
type counters struct {
	round    uint64
	pumps    uint64
	dumps    uint64
	cumPumps uint64
	cumDumps uint64
	shifted  bool
}

func (r *round) load(ctx context.Context, st store.Store) (counters, error) {
	var c counters
	var err error
	if c.round, err = r.number.Get(ctx, st, r.key); err != nil {
		return c, err
	}
	if c.pumps, err = r.pumps.Get(ctx, st, r.key); err != nil {
		return c, err
	}
	if c.dumps, err = r.dumps.Get(ctx, st, r.key); err != nil {
		return c, err
	}
	if c.cumPumps, err = r.cumPumps.Get(ctx, st, r.key); err != nil {
		return c, err
	}
	if c.cumDumps, err = r.cumDumps.Get(ctx, st, r.key); err != nil {
		return c, err
	}
	c.shifted, err = r.shifted.Get(ctx, st, r.key)
	return c, err
}

func (r *round) stage(tx *store.Txn, c counters) error {
	for _, w := range []struct {
		cell *store.Cell[uint64]
		v    uint64
	}{
		{r.number, c.round},
		{r.pumps, c.pumps},
		{r.dumps, c.dumps},
		{r.cumPumps, c.cumPumps},
		{r.cumDumps, c.cumDumps},
	} {
		if err := w.cell.Stage(tx, w.v); err != nil {
			return err
		}
	}
	return r.shifted.Stage(tx, c.shifted)
}

// loadBets reads the current round's tallies on first use.
func (r *round) loadBets(ctx context.Context, st store.Store) (map[string]model.Tally, error) {
	if r.bets != nil {
		return r.bets, nil
	}
	entries, err := st.List(ctx, r.key, betPrefix)
	if err != nil {
		return nil, err
	}
	bets := make(map[string]model.Tally, len(entries))
	for _, e := range entries {
		var t model.Tally
		if err := json.Unmarshal(e.Value, &t); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", r.key, e.Key, err)
		}
		bets[strings.TrimPrefix(e.Key, betPrefix)] = t
	}
	r.bets = bets
	return bets, nil
}

// betsWith returns a copy of bets with user's tally replaced.
func betsWith(bets map[string]model.Tally, user string, t model.Tally) map[string]model.Tally {
	out := maps.Clone(bets)
	if out == nil {
		out = make(map[string]model.Tally, 1)
	}
	out[user] = t
	return out
}

// tideShift reports whether the latest bet on a side pushed its lead over
// the other side from below threshold to at least threshold. side already
// counts that bet.
func tideShift(side, other, threshold uint64) bool {
	prev := satSub(side-1, other)
	next := satSub(side, other)
	return prev < threshold && threshold <= next
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
