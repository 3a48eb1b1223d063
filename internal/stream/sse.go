package stream

import (
	"net/http"

	"github.com/zhongli1990/saas-codex/internal/envelope"
)

// SetSSEHeaders prepares w for an unbuffered event stream.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// SSESink writes envelopes as SSE frames, flushing after each one.
type SSESink struct {
	w           http.ResponseWriter
	wroteHeader bool
}

// NewSSESink wraps an HTTP response.
func NewSSESink(w http.ResponseWriter) *SSESink {
	return &SSESink{w: w}
}

// Connected writes the headers and the liveness comment.
func (s *SSESink) Connected() error {
	return s.WriteFrame(envelope.ConnectedFrame)
}

// Send encodes env as one frame.
func (s *SSESink) Send(env envelope.Envelope) error {
	frame, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return s.WriteFrame(frame)
}

// WriteFrame writes pre-encoded bytes and flushes them.
func (s *SSESink) WriteFrame(frame []byte) error {
	if !s.wroteHeader {
		SetSSEHeaders(s.w.Header())
		s.w.WriteHeader(http.StatusOK)
		s.wroteHeader = true
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}
