// Package relay proxies a run's event stream from the runner to a client,
// re-sequencing and journaling every envelope it can decode.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zhongli1990/saas-codex/internal/envelope"
)

// Upstream opens the producer's event stream for a run.
type Upstream interface {
	OpenEvents(ctx context.Context, upstreamRunID string) (io.ReadCloser, error)
}

// Journal is the durable side of the relay. Both calls are best effort: a
// failure is logged and never interrupts forwarding.
type Journal interface {
	// AppendEvent stores one envelope. Storing the same (runID, seq) twice is a no-op.
	AppendEvent(ctx context.Context, runID string, seq int64, at time.Time, eventType string, raw []byte) error
	// MarkTerminal moves a running run to status. It reports false when the
	// run already had a terminal status.
	MarkTerminal(ctx context.Context, runID string, status envelope.Status, at time.Time) (bool, error)
}

// Downstream receives frames byte-for-byte.
type Downstream interface {
	WriteFrame(frame []byte) error
}

// Target identifies the run on both sides of the hop.
type Target struct {
	RunID         string
	UpstreamRunID string
	Provider      string
}

// Relay forwards upstream streams and journals them.
type Relay struct {
	upstream Upstream
	journal  Journal
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the relay logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithClock overrides time.Now for received_at stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.now = now
	}
}

// New creates a Relay.
func New(upstream Upstream, journal Journal, opts ...Option) *Relay {
	r := &Relay{
		upstream: upstream,
		journal:  journal,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "relay")
	return r
}

// Stream relays one run until the upstream ends, the client leaves, or ctx
// is cancelled. The client always sees either a terminal envelope or a
// synthetic error before the stream ends, unless it left first.
func (r *Relay) Stream(ctx context.Context, target Target, down Downstream) error {
	s := &session{
		relay:  r,
		target: target,
		down:   down,
		logger: r.logger.With("run_id", target.RunID, "upstream_run_id", target.UpstreamRunID),
	}

	if err := down.WriteFrame(envelope.ConnectedFrame); err != nil {
		return nil
	}

	body, err := r.upstream.OpenEvents(ctx, target.UpstreamRunID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("upstream refused stream", "err", err)
		s.fail(ctx, err.Error())
		return nil
	}
	defer body.Close()

	reader := envelope.NewFrameReader(body)
	for {
		frame, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Debug("client disconnected")
				return nil
			}
			if s.terminal {
				return nil
			}
			if errors.Is(err, io.EOF) {
				s.fail(ctx, "upstream stream ended without a terminal event")
			} else {
				s.logger.Warn("upstream stream interrupted", "err", err)
				s.fail(ctx, fmt.Sprintf("upstream stream interrupted: %v", err))
			}
			return nil
		}

		if err := down.WriteFrame(frame); err != nil {
			s.logger.Debug("downstream write failed", "err", err)
			return nil
		}
		s.record(ctx, frame)
	}
}

// session holds the per-stream sequence counter. It is owned by one Stream
// call and never reset mid-stream.
type session struct {
	relay    *Relay
	target   Target
	down     Downstream
	logger   *slog.Logger
	seq      int64
	terminal bool
}

// record journals a forwarded frame. Frames that do not decode are only forwarded.
func (s *session) record(ctx context.Context, frame []byte) {
	env, err := envelope.Decode(frame)
	if err != nil {
		if !errors.Is(err, envelope.ErrNoData) {
			s.logger.Debug("skipping undecodable frame", "err", err)
		}
		return
	}
	data, _ := envelope.FrameData(frame)
	s.persist(ctx, env, data)
}

func (s *session) persist(ctx context.Context, env envelope.Envelope, raw []byte) {
	seq := s.seq
	s.seq++
	now := s.relay.now().UTC()
	ctx = context.WithoutCancel(ctx)

	if err := s.relay.journal.AppendEvent(ctx, s.target.RunID, seq, now, env.Type, raw); err != nil {
		s.logger.Warn("failed to journal event", "seq", seq, "type", env.Type, "err", err)
	}

	status, ok := envelope.TerminalStatus(env)
	if !ok {
		return
	}
	s.terminal = true
	changed, err := s.relay.journal.MarkTerminal(ctx, s.target.RunID, status, now)
	if err != nil {
		s.logger.Warn("failed to update run status", "status", status, "err", err)
		return
	}
	if changed {
		s.logger.Info("run finished", "status", status)
	}
}

// fail forwards and journals a synthetic error envelope.
func (s *session) fail(ctx context.Context, message string) {
	env, err := envelope.Synthetic(s.target.RunID, s.target.Provider, envelope.TypeError, s.seq, envelope.ErrorPayload{Message: message})
	if err != nil {
		s.logger.Error("failed to build error envelope", "err", err)
		return
	}
	frame, err := envelope.Encode(env)
	if err != nil {
		s.logger.Error("failed to encode error envelope", "err", err)
		return
	}
	if err := s.down.WriteFrame(frame); err != nil {
		s.logger.Debug("downstream write failed", "err", err)
	}
	data, _ := envelope.FrameData(frame)
	s.persist(ctx, env, data)
}
