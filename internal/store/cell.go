package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Cell is a typed, lazily loaded field of one actor's state. The first Get
// reads through to the store; later reads are served from memory until the
// value is replaced by a committed write. Cells must only be used from the
// owning actor.
type Cell[T any] struct {
	key    string
	def    func() T
	loaded bool
	val    T
}

// NewCell creates a cell for key. def supplies the value of an absent key.
func NewCell[T any](key string, def func() T) *Cell[T] {
	return &Cell[T]{key: key, def: def}
}

// Key returns the store key backing the cell.
func (c *Cell[T]) Key() string {
	return c.key
}

// Get returns the current value, loading it on first use.
func (c *Cell[T]) Get(ctx context.Context, st Store, actor string) (T, error) {
	if c.loaded {
		return c.val, nil
	}

	raw, ok, err := st.Get(ctx, actor, c.key)
	if err != nil {
		var zero T
		return zero, err
	}

	val := c.def()
	if ok {
		if err := json.Unmarshal(raw, &val); err != nil {
			var zero T
			return zero, fmt.Errorf("decode %s/%s: %w", actor, c.key, err)
		}
	}
	c.val = val
	c.loaded = true
	return c.val, nil
}

// Stage records a write of v in tx. The cached value changes only when
// tx commits.
func (c *Cell[T]) Stage(tx *Txn, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.key, err)
	}
	tx.batch.Put(c.key, data)
	tx.onCommit = append(tx.onCommit, func() {
		c.val = v
		c.loaded = true
	})
	return nil
}

// StageDelete records removal of the key in tx. On commit the cell reads
// as its default value.
func (c *Cell[T]) StageDelete(tx *Txn) {
	tx.batch.Delete(c.key)
	tx.onCommit = append(tx.onCommit, c.reset)
}

// Reset drops the cached value so the next Get reloads it.
func (c *Cell[T]) Reset() {
	c.loaded = false
}

func (c *Cell[T]) reset() {
	c.val = c.def()
	c.loaded = true
}

// Txn groups cell writes into one atomic batch.
type Txn struct {
	batch    Batch
	onCommit []func()
}

// Batch exposes the underlying batch for raw key writes.
func (tx *Txn) Batch() *Batch {
	return &tx.batch
}

// Commit applies the batch. Cached values are updated only on success.
func (tx *Txn) Commit(ctx context.Context, st Store, actor string) error {
	if err := st.Apply(ctx, actor, &tx.batch); err != nil {
		return err
	}
	for _, fn := range tx.onCommit {
		fn()
	}
	tx.batch = Batch{}
	tx.onCommit = nil
	return nil
}

// PutJSON stages a raw JSON write of v under key.
func (tx *Txn) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	tx.batch.Put(key, data)
	return nil
}

// GetJSON reads key into v. ok is false if the key is absent.
func GetJSON(ctx context.Context, st Store, actor, key string, v any) (bool, error) {
	raw, ok, err := st.Get(ctx, actor, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", actor, key, err)
	}
	return true, nil
}
