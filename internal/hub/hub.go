// Package hub fans run envelopes out to live subscribers and keeps a replay
// buffer per run so late joiners see the full history.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zhongli1990/saas-codex/internal/envelope"
)

var (
	// ErrUnknownRun is returned when subscribing to a run the hub does not hold.
	ErrUnknownRun = errors.New("hub: unknown run")
	// ErrClosed is returned when publishing to a run that was already closed.
	ErrClosed = errors.New("hub: run closed")
)

// Item is one delivery on a subscription: either an envelope or the
// end-of-stream marker.
type Item struct {
	Envelope envelope.Envelope
	eos      bool
}

// EndOfStream reports whether no further envelopes will follow.
func (i Item) EndOfStream() bool {
	return i.eos
}

var endOfStream = Item{eos: true}

// registration holds one run's buffer and subscribers. All fields are
// guarded by mu; runs never share a lock.
type registration struct {
	mu       sync.Mutex
	runID    string
	buffer   []envelope.Envelope
	subs     map[*Subscription]struct{}
	closed   bool
	closedAt time.Time
}

// Hub manages per-run registrations.
type Hub struct {
	// runs is only read or written to find a registration.
	runs map[string]*registration
	mu   sync.RWMutex

	maxPending int
	logger     *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithMaxPending drops subscribers whose undelivered backlog exceeds n.
// Zero keeps backlogs unbounded.
func WithMaxPending(n int) Option {
	return func(h *Hub) {
		h.maxPending = n
	}
}

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// New creates an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		runs:   make(map[string]*registration),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// Open creates the registration for a run. Opening an existing run is a no-op.
func (h *Hub) Open(runID string) {
	h.getOrCreate(runID)
}

// Publish appends env to the run's buffer and pushes it to every subscriber.
func (h *Hub) Publish(runID string, env envelope.Envelope) error {
	reg := h.getOrCreate(runID)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return ErrClosed
	}
	reg.buffer = append(reg.buffer, env)
	for sub := range reg.subs {
		if !sub.push(Item{Envelope: env}, h.maxPending) {
			h.logger.Warn("subscriber backlog full, dropping", "run_id", runID, "pending", h.maxPending)
			delete(reg.subs, sub)
			sub.drop()
		}
	}
	return nil
}

// Subscribe returns the envelopes published so far and a subscription that
// receives every later envelope. Both are taken under the run's lock, so an
// envelope is either in the snapshot or delivered live, never both.
func (h *Hub) Subscribe(runID string) ([]envelope.Envelope, *Subscription, error) {
	h.mu.RLock()
	reg := h.runs[runID]
	h.mu.RUnlock()
	if reg == nil {
		return nil, nil, ErrUnknownRun
	}

	sub := newSubscription(runID)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	snapshot := make([]envelope.Envelope, len(reg.buffer))
	copy(snapshot, reg.buffer)
	if reg.closed {
		sub.push(endOfStream, 0)
	} else {
		reg.subs[sub] = struct{}{}
	}
	return snapshot, sub, nil
}

// Unsubscribe removes a subscription. Removing it twice is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.RLock()
	reg := h.runs[sub.RunID]
	h.mu.RUnlock()
	if reg == nil {
		return
	}
	reg.mu.Lock()
	delete(reg.subs, sub)
	reg.mu.Unlock()
}

// Close marks the run finished and wakes every subscriber with end-of-stream.
// The buffer stays available for replay until swept.
func (h *Hub) Close(runID string) {
	h.mu.RLock()
	reg := h.runs[runID]
	h.mu.RUnlock()
	if reg == nil {
		return
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return
	}
	reg.closed = true
	reg.closedAt = time.Now()
	for sub := range reg.subs {
		sub.push(endOfStream, 0)
		delete(reg.subs, sub)
	}
}

// Sweep forgets runs closed for longer than retention and returns how many
// were removed.
func (h *Hub) Sweep(retention time.Duration, now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for runID, reg := range h.runs {
		reg.mu.Lock()
		expired := reg.closed && now.Sub(reg.closedAt) >= retention
		reg.mu.Unlock()
		if expired {
			delete(h.runs, runID)
			removed++
		}
	}
	return removed
}

// Stats returns the number of registered runs and live subscribers.
func (h *Hub) Stats() (runs, subscribers int) {
	h.mu.RLock()
	regs := make([]*registration, 0, len(h.runs))
	for _, reg := range h.runs {
		regs = append(regs, reg)
	}
	h.mu.RUnlock()

	for _, reg := range regs {
		reg.mu.Lock()
		subscribers += len(reg.subs)
		reg.mu.Unlock()
	}
	return len(regs), subscribers
}

func (h *Hub) getOrCreate(runID string) *registration {
	h.mu.RLock()
	reg := h.runs[runID]
	h.mu.RUnlock()
	if reg != nil {
		return reg
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if reg = h.runs[runID]; reg == nil {
		reg = &registration{
			runID: runID,
			subs:  make(map[*Subscription]struct{}),
		}
		h.runs[runID] = reg
	}
	return reg
}
