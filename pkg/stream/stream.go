// Package stream provides the fan-out hub behind every subscribe() sequence of
// the engine: samples, evaluations, alerts, health reports and snapshots.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Policy decides what Publish does when a subscriber's buffer is full.
type Policy int

const (
	// DropOldest discards the oldest buffered value to make room. Publish
	// never waits on the subscriber.
	DropOldest Policy = iota
	// Block waits until the subscriber has room, the subscription is closed
	// or the publish context ends.
	Block
)

// DefaultBuffer is used when Options.Buffer is not positive.
const DefaultBuffer = 16

// Options configure a subscription
type Options struct {
	Buffer int
	Policy Policy
}

// Hub fans each published value out to every open subscription.
type Hub[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription[T]
	next uint64
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscribe opens a new subscription. Each subscription sees only values
// published after it was opened.
func (h *Hub[T]) Subscribe(opts Options) *Subscription[T] {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	sub := &Subscription[T]{
		hub:    h,
		id:     h.next,
		policy: opts.Policy,
		ch:     make(chan T, opts.Buffer),
		done:   make(chan struct{}),
	}
	h.subs[sub.id] = sub
	return sub
}

// Publish delivers v to every subscription according to its policy.
func (h *Hub[T]) Publish(ctx context.Context, v T) {
	h.mu.RLock()
	subs := make([]*Subscription[T], 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.deliver(ctx, v)
	}
}

// CloseAll closes every open subscription. The hub stays usable: later
// Subscribe calls open fresh sequences.
func (h *Hub[T]) CloseAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription[T])
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// Len returns the number of open subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscription is one consumer's view of a hub.
type Subscription[T any] struct {
	hub    *Hub[T]
	id     uint64
	policy Policy
	ch     chan T
	done   chan struct{}

	mu      sync.Mutex // serializes deliveries with close
	closed  bool
	once    sync.Once
	dropped atomic.Uint64
}

// C returns the receive channel. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.hub.remove(s.id)
	s.close()
}

// Dropped returns how many values were discarded under DropOldest.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription[T]) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *Subscription[T]) deliver(ctx context.Context, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if s.policy == Block {
		select {
		case s.ch <- v:
		case <-s.done:
		case <-ctx.Done():
		}
		return
	}

	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}
