// Package actor runs keyed single-owner actors.
//
// Each key gets its own goroutine draining an ordered mailbox, and that
// goroutine is the only one that touches the actor's state. Operations on
// one actor run one at a time in arrival order; operations on different
// actors run in parallel. The only shared structure is a sharded index from
// key to mailbox.
package actor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
)

var (
	// ErrStopped is returned for operations submitted after Close.
	ErrStopped = errors.New("actor: registry stopped")

	// ErrPanic is returned when a job panics. The actor keeps running.
	ErrPanic = errors.New("actor: job panicked")
)

const (
	shardCount  = 64
	mailboxSize = 64
)

// Registry owns every actor of one kind. A is the actor's state, created
// on first use of its key by New.
type Registry[A any] struct {
	New func(key string) A

	shards [shardCount]shard[A]
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type shard[A any] struct {
	mu    sync.Mutex
	boxes map[string]*mailbox[A]
}

type mailbox[A any] struct {
	jobs chan job[A]
	// exited is closed once the actor goroutine has drained and returned.
	exited chan struct{}
}

type job[A any] struct {
	ctx  context.Context
	fn   func(context.Context, A) error
	done chan error
}

// NewRegistry creates a registry that builds actor state with newActor.
func NewRegistry[A any](newActor func(key string) A) *Registry[A] {
	r := &Registry[A]{New: newActor, quit: make(chan struct{})}
	for i := range r.shards {
		r.shards[i].boxes = make(map[string]*mailbox[A])
	}
	return r
}

// Do runs fn on the actor for key and waits for it to finish. fn must not
// call Do on the same registry with the same key.
//
// If ctx ends while the job is still queued, Do returns ctx.Err() and the
// job is skipped when it reaches the front of the mailbox. Once started,
// the job runs to completion with its own ctx.
func (r *Registry[A]) Do(ctx context.Context, key string, fn func(context.Context, A) error) error {
	box, err := r.mailbox(key)
	if err != nil {
		return err
	}

	j := job[A]{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case <-r.quit:
		return ErrStopped
	default:
	}
	select {
	case box.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.quit:
		return ErrStopped
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-box.exited:
		// A job queued after the final drain never runs.
		select {
		case err := <-j.done:
			return err
		default:
			return ErrStopped
		}
	}
}

// Close stops accepting work, lets every mailbox drain what is already
// queued, and waits for all actor goroutines to exit.
func (r *Registry[A]) Close() {
	r.once.Do(func() { close(r.quit) })
	r.wg.Wait()
}

// Len returns the number of live actors.
func (r *Registry[A]) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.boxes)
		s.mu.Unlock()
	}
	return n
}

func (r *Registry[A]) mailbox(key string) (*mailbox[A], error) {
	select {
	case <-r.quit:
		return nil, ErrStopped
	default:
	}

	s := &r.shards[shardFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	if box, ok := s.boxes[key]; ok {
		return box, nil
	}
	box := &mailbox[A]{jobs: make(chan job[A], mailboxSize), exited: make(chan struct{})}
	s.boxes[key] = box

	r.wg.Add(1)
	go r.run(key, box)
	return box, nil
}

// run is the actor goroutine. State is created lazily on the goroutine so
// that New never races with other actors' state.
func (r *Registry[A]) run(key string, box *mailbox[A]) {
	defer r.wg.Done()
	defer close(box.exited)
	state := r.New(key)

	for {
		select {
		case j := <-box.jobs:
			r.exec(state, j)
		case <-r.quit:
			for {
				select {
				case j := <-box.jobs:
					r.exec(state, j)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry[A]) exec(state A, j job[A]) {
	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("actor job panicked", "panic", p)
			j.done <- fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	j.done <- j.fn(j.ctx, state)
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
