// Package executor runs agent loops in the background and publishes their
// events through the hub, guaranteeing every run ends with one terminal event.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhongli1990/saas-codex/internal/agent"
	"github.com/zhongli1990/saas-codex/internal/envelope"
)

// ErrRunFinished is returned by the emitter once a terminal event went out.
var ErrRunFinished = errors.New("executor: run already finished")

// Publisher is the subset of the hub the executor drives.
type Publisher interface {
	Open(runID string)
	Publish(runID string, env envelope.Envelope) error
	Close(runID string)
}

// StatusRecorder receives the terminal status of each run before the hub is closed.
type StatusRecorder interface {
	RecordStatus(runID string, status envelope.Status, at time.Time)
}

// Run is one accepted prompt.
type Run struct {
	ID               string
	ThreadID         string
	Prompt           string
	WorkingDirectory string
}

// Executor starts runs against a single agent.
type Executor struct {
	hub      Publisher
	agent    agent.Agent
	recorder StatusRecorder
	timeout  time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout bounds each run's agent loop. Zero means no deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// New creates an Executor.
func New(hub Publisher, a agent.Agent, recorder StatusRecorder, opts ...Option) *Executor {
	e := &Executor{
		hub:      hub,
		agent:    a,
		recorder: recorder,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "executor", "provider", a.Provider())
	return e
}

// Start registers the run with the hub and executes it in the background.
func (e *Executor) Start(run Run) {
	e.hub.Open(run.ID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Execute(context.Background(), run)
	}()
}

// Wait blocks until every started run has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Execute runs the agent synchronously and returns the run's terminal status.
func (e *Executor) Execute(ctx context.Context, run Run) envelope.Status {
	e.hub.Open(run.ID)
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	em := &emitter{run: run, provider: e.agent.Provider(), hub: e.hub}
	logger := e.logger.With("run_id", run.ID)
	logger.Info("run started", "thread_id", run.ThreadID)

	err := e.runAgent(ctx, run, em)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("run exceeded deadline of %s: %w", e.timeout, err)
	}

	status := em.finish(err, logger)
	if e.recorder != nil {
		e.recorder.RecordStatus(run.ID, status, time.Now())
	}
	e.hub.Close(run.ID)

	logger.Info("run finished", "status", status, "events", em.count())
	return status
}

// runAgent converts a panic inside the agent loop into an error.
func (e *Executor) runAgent(ctx context.Context, run Run, em *emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()
	return e.agent.Run(ctx, agent.Request{
		RunID:            run.ID,
		ThreadID:         run.ThreadID,
		Prompt:           run.Prompt,
		WorkingDirectory: run.WorkingDirectory,
	}, em)
}

// emitter numbers and publishes one run's envelopes.
type emitter struct {
	run      Run
	provider string
	hub      Publisher

	mu       sync.Mutex
	seq      int64
	terminal bool
	status   envelope.Status
}

func (em *emitter) Emit(eventType string, payload interface{}) error {
	if eventType == envelope.TypeStreamClosed {
		return fmt.Errorf("%s is reserved for synthetic use", eventType)
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.emitLocked(eventType, payload)
}

func (em *emitter) emitLocked(eventType string, payload interface{}) error {
	if em.terminal {
		return ErrRunFinished
	}
	env, err := envelope.New(em.run.ID, em.provider, eventType, em.seq, payload)
	if err != nil {
		return err
	}
	if err := em.hub.Publish(em.run.ID, env); err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	em.seq++
	if status, ok := envelope.TerminalStatus(env); ok {
		em.terminal = true
		em.status = status
	}
	return nil
}

// finish emits the terminal event the agent did not emit itself.
func (em *emitter) finish(runErr error, logger *slog.Logger) envelope.Status {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.terminal {
		if runErr != nil {
			logger.Warn("agent returned after terminal event", "err", runErr)
		}
		return em.status
	}

	var err error
	if runErr != nil {
		logger.Error("run failed", "err", runErr)
		err = em.emitLocked(envelope.TypeError, envelope.ErrorPayload{Message: runErr.Error()})
	} else {
		err = em.emitLocked(envelope.TypeRunCompleted, envelope.CompletedPayload{ThreadID: em.run.ThreadID})
	}
	if err != nil {
		logger.Error("failed to emit terminal event", "err", err)
		if runErr != nil {
			return envelope.StatusError
		}
		return envelope.StatusCompleted
	}
	return em.status
}

func (em *emitter) count() int64 {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.seq
}
