package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	actors map[string]map[string][]byte
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actors: make(map[string]map[string][]byte),
	}
}

func (s *MemoryStore) Get(_ context.Context, actor, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.actors[actor][key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (s *MemoryStore) List(_ context.Context, actor, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for k, v := range s.actors[actor] {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Entry{Key: k, Value: clone(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Apply(_ context.Context, actor string, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kv, ok := s.actors[actor]
	if !ok {
		kv = make(map[string][]byte)
		s.actors[actor] = kv
	}
	for _, op := range b.Ops {
		switch op.Kind {
		case OpPut:
			kv[op.Key] = clone(op.Value)
		case OpDelete:
			delete(kv, op.Key)
		case OpDeleteAll:
			clear(kv)
		}
	}
	if len(kv) == 0 {
		delete(s.actors, actor)
	}
	return nil
}

func (s *MemoryStore) ActorsWithKey(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for actor, kv := range s.actors {
		if _, ok := kv[key]; ok {
			out = append(out, actor)
		}
	}
	sort.Strings(out)
	return out, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
