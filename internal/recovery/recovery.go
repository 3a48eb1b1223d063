// Package recovery submits prompts against a session's runner thread and
// transparently replaces the thread once when the runner no longer knows it.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrStaleThread is returned by a Runner when the thread handle expired.
	ErrStaleThread = errors.New("thread not found")
	// ErrSessionNotFound is returned when the session does not exist.
	ErrSessionNotFound = errors.New("session not found")
)

// State of a session's thread binding.
type State string

const (
	StateBound State = "bound"
	StateStale State = "stale"
)

// Binding is what recovery needs to know about a session.
type Binding struct {
	SessionID        string
	RunnerType       string
	ThreadID         string
	WorkingDirectory string
}

// Sessions loads and updates session bindings.
type Sessions interface {
	// GetBinding returns nil, nil when the session does not exist.
	GetBinding(ctx context.Context, sessionID string) (*Binding, error)
	UpdateThreadID(ctx context.Context, sessionID, threadID string) error
}

// Runner is the upstream producer.
type Runner interface {
	CreateThread(ctx context.Context, workingDirectory string) (string, error)
	// StartRun returns an error wrapping ErrStaleThread when threadID is unknown.
	StartRun(ctx context.Context, threadID, prompt string) (string, error)
}

// RunnerResolver picks the runner serving a runner type.
type RunnerResolver func(runnerType string) (Runner, error)

// Submission is the outcome of a successful SubmitPrompt.
type Submission struct {
	ThreadID  string
	RunHandle string
	Recovered bool
}

// Submitter implements the single-shot recovery protocol.
type Submitter struct {
	sessions Sessions
	runners  RunnerResolver
	logger   *slog.Logger
}

// NewSubmitter creates a Submitter.
func NewSubmitter(sessions Sessions, runners RunnerResolver, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		sessions: sessions,
		runners:  runners,
		logger:   logger.With("component", "recovery"),
	}
}

// SubmitPrompt starts a run for the session. A stale thread is recreated from
// the session's working directory and the prompt retried exactly once.
func (s *Submitter) SubmitPrompt(ctx context.Context, sessionID, prompt string) (*Submission, error) {
	binding, err := s.sessions.GetBinding(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if binding == nil {
		return nil, ErrSessionNotFound
	}
	runner, err := s.runners(binding.RunnerType)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("session_id", sessionID, "runner", binding.RunnerType)
	state := StateBound

	runHandle, err := runner.StartRun(ctx, binding.ThreadID, prompt)
	if err == nil {
		return &Submission{ThreadID: binding.ThreadID, RunHandle: runHandle}, nil
	}
	if !errors.Is(err, ErrStaleThread) {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	state = StateStale
	logger.Warn("thread expired, recreating", "thread_id", binding.ThreadID, "state", state)

	threadID, err := runner.CreateThread(ctx, binding.WorkingDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to recreate thread: %w", err)
	}
	if err := s.sessions.UpdateThreadID(ctx, sessionID, threadID); err != nil {
		return nil, fmt.Errorf("failed to store recreated thread: %w", err)
	}
	state = StateBound
	logger.Info("thread recreated", "thread_id", threadID, "state", state)

	runHandle, err = runner.StartRun(ctx, threadID, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to start run after thread recovery: %w", err)
	}
	return &Submission{ThreadID: threadID, RunHandle: runHandle, Recovered: true}, nil
}
