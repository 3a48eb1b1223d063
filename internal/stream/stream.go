// Package stream serves one client's view of a run: replay of everything
// published so far, then live delivery until the run ends or the client leaves.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zhongli1990/saas-codex/internal/envelope"
	"github.com/zhongli1990/saas-codex/internal/hub"
)

// DefaultPollInterval bounds each wait for the next envelope so the loop can
// re-check whether the client disconnected.
const DefaultPollInterval = time.Second

// Sink is a client transport for one subscription.
type Sink interface {
	// Connected signals the stream is open before any envelope is sent.
	Connected() error
	Send(env envelope.Envelope) error
}

// ClientGone reports whether the client behind a sink disconnected.
type ClientGone interface {
	Gone() bool
}

// ClientGoneFunc adapts a function to ClientGone.
type ClientGoneFunc func() bool

// Gone implements ClientGone.
func (f ClientGoneFunc) Gone() bool { return f() }

// ContextGone treats a cancelled request context as a disconnected client.
func ContextGone(ctx context.Context) ClientGone {
	return ClientGoneFunc(func() bool { return ctx.Err() != nil })
}

// StatusFunc returns the current status of a run.
type StatusFunc func(runID string) envelope.Status

// Source is the subset of the hub a subscription reads from.
type Source interface {
	Subscribe(runID string) ([]envelope.Envelope, *hub.Subscription, error)
	Unsubscribe(sub *hub.Subscription)
}

// Server runs subscription loops against a hub.
type Server struct {
	source       Source
	status       StatusFunc
	provider     string
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProvider sets the provider stamped on synthetic envelopes.
func WithProvider(provider string) Option {
	return func(s *Server) {
		s.provider = provider
	}
}

// NewServer creates a Server.
func NewServer(source Source, status StatusFunc, opts ...Option) *Server {
	s := &Server{
		source:       source,
		status:       status,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "stream")
	return s
}

// Serve streams runID to sink. It returns hub.ErrUnknownRun before writing
// anything when the run is not registered, so callers can still answer 404.
// A client that disconnects ends Serve with a nil error. A subscription the
// hub evicts for falling behind is replaced by a fresh one that resumes after
// the last delivered seq.
func (s *Server) Serve(ctx context.Context, sink Sink, runID string, gone ClientGone) error {
	snapshot, sub, err := s.source.Subscribe(runID)
	if err != nil {
		return err
	}
	defer func() { s.source.Unsubscribe(sub) }()
	if gone == nil {
		gone = ContextGone(ctx)
	}

	logger := s.logger.With("run_id", runID)

	if err := sink.Connected(); err != nil {
		return nil
	}

	w := &writer{sink: sink, last: -1}
	for {
		resume, err := s.follow(ctx, w, snapshot, sub, runID, gone, logger)
		if !resume {
			return err
		}
		logger.Warn("subscriber dropped for falling behind, resubscribing", "last_seq", w.last)
		s.source.Unsubscribe(sub)
		snapshot, sub, err = s.source.Subscribe(runID)
		if err != nil {
			logger.Warn("resubscribe failed", "err", err)
			return nil
		}
	}
}

// follow replays snapshot past the last delivered seq and then delivers live
// items. It reports resume when the hub evicted sub before the run ended.
func (s *Server) follow(ctx context.Context, w *writer, snapshot []envelope.Envelope, sub *hub.Subscription, runID string, gone ClientGone, logger *slog.Logger) (bool, error) {
	for _, env := range snapshot {
		if env.Seq <= w.last {
			continue
		}
		if err := w.send(env); err != nil {
			logger.Debug("client gone during replay", "err", err)
			return false, nil
		}
	}

	if status := s.status(runID); status.Terminal() {
		return s.closeFast(w, sub, runID, status, logger)
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.pollInterval)
		item, err := sub.Next(waitCtx)
		cancel()

		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return false, err
			}
			if ctx.Err() != nil || gone.Gone() {
				logger.Debug("client disconnected")
				return false, nil
			}
			continue
		}
		if item.EndOfStream() {
			return sub.Dropped(), nil
		}
		if err := w.send(item.Envelope); err != nil {
			logger.Debug("client gone", "err", err)
			return false, nil
		}
	}
}

// closeFast serves a run that was already terminal at subscribe time. The
// terminal envelope may have been published after the snapshot was taken, so
// anything already queued is flushed before the synthetic stream.closed.
func (s *Server) closeFast(w *writer, sub *hub.Subscription, runID string, status envelope.Status, logger *slog.Logger) (bool, error) {
	for {
		item, ok := sub.TryNext()
		if !ok {
			break
		}
		if item.EndOfStream() {
			if sub.Dropped() {
				return true, nil
			}
			break
		}
		if err := w.send(item.Envelope); err != nil {
			return false, nil
		}
	}

	env, err := envelope.Synthetic(runID, s.provider, envelope.TypeStreamClosed, w.last+1, envelope.StreamClosedPayload{Status: status})
	if err != nil {
		return false, fmt.Errorf("failed to build stream.closed: %w", err)
	}
	if err := w.send(env); err != nil {
		logger.Debug("client gone before stream.closed", "err", err)
	}
	return false, nil
}

// writer remembers the last seq delivered to the sink.
type writer struct {
	sink Sink
	last int64
}

func (w *writer) send(env envelope.Envelope) error {
	if err := w.sink.Send(env); err != nil {
		return err
	}
	w.last = env.Seq
	return nil
}
