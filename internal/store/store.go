// Package store defines the persistence interface for actor state.
//
// Every actor owns a private key/value namespace. Values are opaque bytes
// (JSON in practice). Implementations include PostgreSQL (source of truth),
// SQLite (single node), Redis (read-through cache), and in-memory (tests).
package store

import "context"

// Entry is one key/value pair of an actor.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the persistence interface. Only the owning actor writes its
// namespace, so implementations need no cross-actor isolation beyond
// atomic Apply.
type Store interface {
	// Get returns the value of key, or ok=false if absent.
	Get(ctx context.Context, actor, key string) (value []byte, ok bool, err error)

	// List returns all entries of the actor whose key has prefix, sorted
	// by key.
	List(ctx context.Context, actor, prefix string) ([]Entry, error)

	// Apply executes the batch atomically.
	Apply(ctx context.Context, actor string, b *Batch) error

	// ActorsWithKey returns every actor that currently holds key.
	ActorsWithKey(ctx context.Context, key string) ([]string, error)
}

// OpKind is the type of a batch operation.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
	OpDeleteAll
)

// Op is one write in a batch.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
}

// Batch is an ordered list of writes applied atomically.
type Batch struct {
	Ops []Op
}

// Put stages a write of key.
func (b *Batch) Put(key string, value []byte) {
	b.Ops = append(b.Ops, Op{Kind: OpPut, Key: key, Value: value})
}

// Delete stages removal of key.
func (b *Batch) Delete(key string) {
	b.Ops = append(b.Ops, Op{Kind: OpDelete, Key: key})
}

// DeleteAll stages removal of every key of the actor. Later ops in the
// same batch still apply.
func (b *Batch) DeleteAll() {
	b.Ops = append(b.Ops, Op{Kind: OpDeleteAll})
}

// Empty reports whether the batch has no ops.
func (b *Batch) Empty() bool {
	return len(b.Ops) == 0
}
