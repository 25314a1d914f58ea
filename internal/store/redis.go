package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of single keys. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
//
// A key whose invalidation fails is marked stale. Reads of a stale key skip
// the cache and go to the primary until a later invalidation succeeds.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration

	mu          sync.Mutex
	staleKeys   map[string]struct{}
	staleActors map[string]struct{}
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary:     primary,
		rdb:         rdb,
		ttl:         ttl,
		staleKeys:   make(map[string]struct{}),
		staleActors: make(map[string]struct{}),
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, actor string, b *Batch) error {
	if err := s.primary.Apply(ctx, actor, b); err != nil {
		return err
	}

	var keys []string
	for _, op := range b.Ops {
		if op.Kind == OpDeleteAll {
			s.invalidateActor(ctx, actor)
			keys = keys[:0]
			continue
		}
		keys = append(keys, kvKey(actor, op.Key))
	}
	if len(keys) > 0 {
		s.invalidate(ctx, actor, keys)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Get(ctx context.Context, actor, key string) ([]byte, bool, error) {
	k := kvKey(actor, key)
	if !s.fresh(ctx, actor, k) {
		return s.primary.Get(ctx, actor, key)
	}

	data, err := s.rdb.Get(ctx, k).Bytes()
	if err == nil {
		return data, true, nil
	}

	// Cache miss: read from primary. Absent keys are not cached.
	value, ok, err := s.primary.Get(ctx, actor, key)
	if err != nil || !ok {
		return value, ok, err
	}

	s.rdb.Set(ctx, k, value, s.ttl)
	return value, true, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) List(ctx context.Context, actor, prefix string) ([]Entry, error) {
	return s.primary.List(ctx, actor, prefix)
}

func (s *CachedStore) ActorsWithKey(ctx context.Context, key string) ([]string, error) {
	return s.primary.ActorsWithKey(ctx, key)
}

// --- Cache helpers ---

// invalidate deletes keys from the cache, retrying once. Keys still not
// deleted are marked stale.
func (s *CachedStore) invalidate(ctx context.Context, actor string, keys []string) {
	err := s.rdb.Del(ctx, keys...).Err()
	if err != nil {
		err = s.rdb.Del(ctx, keys...).Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if err != nil {
			s.staleKeys[k] = struct{}{}
		} else {
			delete(s.staleKeys, k)
		}
	}
	if err != nil {
		slog.Warn("cache invalidation failed, bypassing cache", "actor", actor, "keys", len(keys), "err", err)
	}
}

func (s *CachedStore) invalidateActor(ctx context.Context, actor string) {
	var err error
	iter := s.rdb.Scan(ctx, 0, kvKey(actor, "*"), 100).Iterator()
	for iter.Next(ctx) {
		if derr := s.rdb.Del(ctx, iter.Val()).Err(); derr != nil {
			err = derr
		}
	}
	if ierr := iter.Err(); ierr != nil {
		err = ierr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.staleActors[actor] = struct{}{}
		slog.Warn("cache invalidation failed, bypassing cache", "actor", actor, "err", err)
		return
	}
	delete(s.staleActors, actor)
}

// fresh reports whether the cached copy of k may be served. A stale key or
// actor gets another invalidation attempt first.
func (s *CachedStore) fresh(ctx context.Context, actor, k string) bool {
	s.mu.Lock()
	_, staleActor := s.staleActors[actor]
	_, staleKey := s.staleKeys[k]
	s.mu.Unlock()

	if staleActor {
		s.invalidateActor(ctx, actor)
		s.mu.Lock()
		_, staleActor = s.staleActors[actor]
		s.mu.Unlock()
		if staleActor {
			return false
		}
	}
	if staleKey {
		s.invalidate(ctx, actor, []string{k})
		s.mu.Lock()
		_, staleKey = s.staleKeys[k]
		s.mu.Unlock()
	}
	return !staleKey
}

func kvKey(actor, key string) string { return fmt.Sprintf("kv:%s:%s", actor, key) }
