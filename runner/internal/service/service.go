// Package service holds the runner's threads and runs and starts agent runs
// through the executor.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhongli1990/saas-codex/internal/agent"
	"github.com/zhongli1990/saas-codex/internal/envelope"
	"github.com/zhongli1990/saas-codex/internal/executor"
	"github.com/zhongli1990/saas-codex/internal/hub"
)

var (
	// ErrThreadNotFound is returned for unknown or expired threads.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrRunNotFound is returned for unknown runs.
	ErrRunNotFound = errors.New("run not found")
	// ErrInvalidWorkingDirectory is returned when a thread's directory is
	// outside the workspaces root or does not exist.
	ErrInvalidWorkingDirectory = errors.New("invalid working directory")
	// ErrPromptRequired is returned for blank prompts.
	ErrPromptRequired = errors.New("prompt is required")
)

// Thread is an execution context bound to a working directory.
type Thread struct {
	ID               string    `json:"threadId"`
	WorkingDirectory string    `json:"workingDirectory"`
	Provider         string    `json:"provider"`
	CreatedAt        time.Time `json:"createdAt"`
	LastUsedAt       time.Time `json:"lastUsedAt"`
}

// Run is the runner-side record of one prompt.
type Run struct {
	ID          string          `json:"runId"`
	ThreadID    string          `json:"threadId"`
	Prompt      string          `json:"prompt"`
	Status      envelope.Status `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Service owns the in-memory thread and run registries.
type Service struct {
	hub      *hub.Hub
	executor *executor.Executor
	provider string
	root     string

	threadTTL time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.RWMutex
	threads map[string]*Thread
	runs    map[string]*Run
}

// Option configures a Service.
type Option func(*settings)

type settings struct {
	agentTimeout time.Duration
	threadTTL    time.Duration
	retention    time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// WithAgentTimeout bounds each run. Zero means no deadline.
func WithAgentTimeout(d time.Duration) Option {
	return func(s *settings) { s.agentTimeout = d }
}

// WithThreadTTL expires threads idle for longer than d. Zero keeps them forever.
func WithThreadTTL(d time.Duration) Option {
	return func(s *settings) { s.threadTTL = d }
}

// WithRetention keeps finished runs and their hub registrations for d.
func WithRetention(d time.Duration) Option {
	return func(s *settings) { s.retention = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// New creates a Service running a on h. workspacesRoot confines thread
// working directories.
func New(h *hub.Hub, a agent.Agent, workspacesRoot string, opts ...Option) (*Service, error) {
	cfg := settings{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	root, err := filepath.Abs(workspacesRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspaces root: %w", err)
	}

	s := &Service{
		hub:       h,
		provider:  a.Provider(),
		root:      filepath.Clean(root),
		threadTTL: cfg.threadTTL,
		retention: cfg.retention,
		now:       cfg.now,
		logger:    cfg.logger.With("component", "service"),
		threads:   make(map[string]*Thread),
		runs:      make(map[string]*Run),
	}
	s.executor = executor.New(h, a, s, executor.WithTimeout(cfg.agentTimeout), executor.WithLogger(cfg.logger))
	return s, nil
}

// Provider returns the agent provider this runner hosts.
func (s *Service) Provider() string { return s.provider }

// Hub returns the broadcast hub the runs publish to.
func (s *Service) Hub() *hub.Hub { return s.hub }

// CreateThread registers a thread for workingDirectory. An empty directory
// means the workspaces root; relative paths are resolved against it.
func (s *Service) CreateThread(workingDirectory string) (*Thread, error) {
	dir, err := s.resolve(workingDirectory)
	if err != nil {
		return nil, err
	}

	now := s.now()
	t := &Thread{
		ID:               uuid.NewString(),
		WorkingDirectory: dir,
		Provider:         s.provider,
		CreatedAt:        now,
		LastUsedAt:       now,
	}

	s.mu.Lock()
	s.threads[t.ID] = t
	s.mu.Unlock()

	s.logger.Info("thread created", "thread_id", t.ID, "working_directory", dir)
	copied := *t
	return &copied, nil
}

func (s *Service) resolve(workingDirectory string) (string, error) {
	dir := strings.TrimSpace(workingDirectory)
	if dir == "" {
		dir = s.root
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.root, dir)
	}
	dir = filepath.Clean(dir)
	if dir != s.root && !strings.HasPrefix(dir, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: workingDirectory must be under WORKSPACES_ROOT", ErrInvalidWorkingDirectory)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: directory does not exist: %s", ErrInvalidWorkingDirectory, dir)
	}
	return dir, nil
}

// GetThread returns a copy of the thread.
func (s *Service) GetThread(threadID string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	copied := *t
	return &copied, nil
}

// StartRun accepts prompt on the thread and starts executing it. The run's
// hub registration exists before StartRun returns, so the run id is
// immediately subscribable.
func (s *Service) StartRun(threadID, prompt string) (*Run, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrPromptRequired
	}

	now := s.now()
	s.mu.Lock()
	t, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrThreadNotFound
	}
	t.LastUsedAt = now
	run := &Run{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Prompt:    prompt,
		Status:    envelope.StatusRunning,
		CreatedAt: now,
	}
	s.runs[run.ID] = run
	dir := t.WorkingDirectory
	copied := *run
	s.mu.Unlock()

	s.executor.Start(executor.Run{
		ID:               copied.ID,
		ThreadID:         threadID,
		Prompt:           prompt,
		WorkingDirectory: dir,
	})

	return &copied, nil
}

// GetRun returns a copy of the run record.
func (s *Service) GetRun(runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	copied := *run
	return &copied, nil
}

// RunStatus returns the status of runID, or running when it is unknown.
func (s *Service) RunStatus(runID string) envelope.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if run, ok := s.runs[runID]; ok {
		return run.Status
	}
	return envelope.StatusRunning
}

// RecordStatus implements executor.StatusRecorder. The first terminal status
// wins.
func (s *Service) RecordStatus(runID string, status envelope.Status, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.Status.Terminal() {
		return
	}
	run.Status = status
	run.CompletedAt = &at
}

// Counts returns the number of threads and runs held.
func (s *Service) Counts() (threads, runs int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads), len(s.runs)
}

// Wait blocks until every started run has finished.
func (s *Service) Wait() {
	s.executor.Wait()
}

// WaitContext is Wait bounded by ctx.
func (s *Service) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.executor.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
