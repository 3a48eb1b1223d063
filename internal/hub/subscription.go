package hub

import (
	"context"
	"sync"
)

// Subscription is one consumer's live feed for a run.
type Subscription struct {
	RunID string

	mu      sync.Mutex
	queue   []Item
	ready   chan struct{}
	dropped bool
}

func newSubscription(runID string) *Subscription {
	return &Subscription{
		RunID: runID,
		ready: make(chan struct{}, 1),
	}
}

// Next blocks until an item is available or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Item, error) {
	for {
		if item, ok := s.TryNext(); ok {
			return item, nil
		}
		select {
		case <-s.ready:
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

// TryNext returns the next queued item without blocking.
func (s *Subscription) TryNext() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Item{}, false
	}
	item := s.queue[0]
	s.queue[0] = Item{}
	s.queue = s.queue[1:]
	return item, true
}

// Dropped reports whether the hub evicted this subscription for falling behind.
func (s *Subscription) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// push enqueues item. It returns false when limit > 0 and the backlog is full.
func (s *Subscription) push(item Item, limit int) bool {
	s.mu.Lock()
	if limit > 0 && len(s.queue) >= limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, item)
	s.mu.Unlock()
	s.signal()
	return true
}

// drop ends the subscription after eviction. The backlog is kept so the
// consumer can still flush what it has before seeing end-of-stream.
func (s *Subscription) drop() {
	s.mu.Lock()
	s.dropped = true
	s.queue = append(s.queue, endOfStream)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
