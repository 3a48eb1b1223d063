// Package service implements the backend use cases: workspace and session
// bookkeeping, prompt submission with thread recovery, and run streaming.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhongli1990/saas-codex/backend/internal/domain"
	"github.com/zhongli1990/saas-codex/backend/internal/repository"
	"github.com/zhongli1990/saas-codex/backend/internal/runnerclient"
	"github.com/zhongli1990/saas-codex/internal/envelope"
	"github.com/zhongli1990/saas-codex/internal/recovery"
	"github.com/zhongli1990/saas-codex/internal/relay"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrSessionNotFound   = recovery.ErrSessionNotFound
	ErrRunNotFound       = errors.New("run not found")
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRunner wraps failures reported by a runner service.
	ErrRunner = errors.New("runner error")
)

const promptPreviewLen = 100

// Service is the backend application layer.
type Service struct {
	store     repository.Store
	runners   *runnerclient.Pool
	submitter *recovery.Submitter
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides time.Now for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service.
func New(store repository.Store, runners *runnerclient.Pool, opts ...Option) *Service {
	s := &Service{
		store:   store,
		runners: runners,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "service")
	s.submitter = recovery.NewSubmitter(store, runners.Resolve, s.logger)
	return s
}

// CreateWorkspaceInput registers an already checked out repository.
type CreateWorkspaceInput struct {
	DisplayName string            `json:"display_name"`
	SourceType  domain.SourceType `json:"source_type"`
	SourceURI   string            `json:"source_uri"`
	LocalPath   string            `json:"local_path"`
}

// CreateWorkspace validates and stores a workspace. LocalPath must be an
// absolute path as seen by the runners.
func (s *Service) CreateWorkspace(ctx context.Context, in CreateWorkspaceInput) (*domain.Workspace, error) {
	if in.SourceType == "" {
		in.SourceType = domain.SourceTypeLocal
	}
	if in.SourceType != domain.SourceTypeLocal && in.SourceType != domain.SourceTypeGitHub {
		return nil, fmt.Errorf("%w: unknown source_type %q", ErrInvalidInput, in.SourceType)
	}
	if in.LocalPath == "" && in.SourceType == domain.SourceTypeLocal {
		in.LocalPath = in.SourceURI
	}
	if in.LocalPath == "" || !filepath.IsAbs(in.LocalPath) {
		return nil, fmt.Errorf("%w: local_path must be an absolute path", ErrInvalidInput)
	}
	in.LocalPath = filepath.Clean(in.LocalPath)
	if in.SourceURI == "" {
		in.SourceURI = in.LocalPath
	}
	if in.DisplayName == "" {
		in.DisplayName = displayName(in.SourceURI)
	}

	ws := &domain.Workspace{
		WorkspaceID: uuid.New().String(),
		DisplayName: in.DisplayName,
		SourceType:  in.SourceType,
		SourceURI:   in.SourceURI,
		LocalPath:   in.LocalPath,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	s.logger.Info("workspace registered", "workspace_id", ws.WorkspaceID, "local_path", ws.LocalPath)
	return ws, nil
}

// displayName derives a name from the last path or URL element.
func displayName(uri string) string {
	name := strings.TrimSuffix(strings.TrimRight(uri, "/"), ".git")
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return uri
	}
	return name
}

// ListWorkspaces lists workspaces, newest first.
func (s *Service) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	return s.store.ListWorkspaces(ctx)
}

// GetWorkspace returns ErrWorkspaceNotFound for unknown ids.
func (s *Service) GetWorkspace(ctx context.Context, workspaceID string) (*domain.Workspace, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	if ws == nil {
		return nil, ErrWorkspaceNotFound
	}
	return ws, nil
}

// CreateSession opens a runner thread on the workspace checkout and binds
// it to a new session.
func (s *Service) CreateSession(ctx context.Context, workspaceID string, runnerType domain.RunnerType) (*domain.Session, error) {
	if runnerType == "" {
		runnerType = domain.RunnerTypeCodex
	}
	if !runnerType.Valid() {
		return nil, fmt.Errorf("%w: unknown runner_type %q", ErrInvalidInput, runnerType)
	}
	ws, err := s.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	runner, err := s.runners.Get(string(runnerType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	threadID, err := runner.CreateThread(ctx, ws.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRunner, err)
	}

	session := &domain.Session{
		SessionID:        uuid.New().String(),
		WorkspaceID:      ws.WorkspaceID,
		RunnerType:       runnerType,
		ThreadID:         threadID,
		WorkingDirectory: ws.LocalPath,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Info("session created", "session_id", session.SessionID, "runner", runnerType, "thread_id", threadID)
	return session, nil
}

// GetSession returns ErrSessionNotFound for unknown ids.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// ListSessions lists a workspace's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, workspaceID string) ([]domain.Session, error) {
	if _, err := s.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	return s.store.ListSessions(ctx, workspaceID)
}

// SubmitPrompt starts a run on the session's thread, recreating the thread
// once if the runner has forgotten it, and records the run as running.
func (s *Service) SubmitPrompt(ctx context.Context, sessionID, prompt string) (*domain.Run, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	sub, err := s.submitter.SubmitPrompt(ctx, sessionID, prompt)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRunner, err)
	}

	run := &domain.Run{
		RunID:       uuid.New().String(),
		SessionID:   sessionID,
		RunnerRunID: sub.RunHandle,
		Prompt:      prompt,
		Status:      envelope.StatusRunning,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	s.logger.Info("run submitted", "run_id", run.RunID, "session_id", sessionID, "runner_run_id", run.RunnerRunID, "recovered", sub.Recovered)
	return run, nil
}

// ListRuns lists a session's runs with prompts shortened for display.
func (s *Service) ListRuns(ctx context.Context, sessionID string) ([]domain.Run, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	runs, err := s.store.ListRuns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	for i := range runs {
		runs[i].Prompt = previewPrompt(runs[i].Prompt)
	}
	return runs, nil
}

func previewPrompt(prompt string) string {
	r := []rune(prompt)
	if len(r) <= promptPreviewLen {
		return prompt
	}
	return string(r[:promptPreviewLen]) + "..."
}

// GetRun returns ErrRunNotFound for unknown ids.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// Journal returns the persisted events of a run in seq order.
func (s *Service) Journal(ctx context.Context, runID string) ([]domain.RunEvent, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, runID)
}

// Transcript folds a run's journal into chat messages.
func (s *Service) Transcript(ctx context.Context, runID string) ([]domain.TranscriptMessage, error) {
	events, err := s.Journal(ctx, runID)
	if err != nil {
		return nil, err
	}
	return FoldTranscript(events), nil
}

// RunStream is a resolved run ready to be relayed.
type RunStream struct {
	relay  *relay.Relay
	target relay.Target
}

// OpenStream resolves the run and its runner. Lookup failures are returned
// before anything is written to the client.
func (s *Service) OpenStream(ctx context.Context, runID string) (*RunStream, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	session, err := s.GetSession(ctx, run.SessionID)
	if err != nil {
		return nil, err
	}
	runner, err := s.runners.Get(string(session.RunnerType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRunner, err)
	}
	return &RunStream{
		relay: relay.New(runner, s.store, relay.WithLogger(s.logger), relay.WithClock(s.now)),
		target: relay.Target{
			RunID:         run.RunID,
			UpstreamRunID: run.RunnerRunID,
			Provider:      string(session.RunnerType),
		},
	}, nil
}

// Relay forwards the run's events to down until the stream ends.
func (rs *RunStream) Relay(ctx context.Context, down relay.Downstream) error {
	return rs.relay.Stream(ctx, rs.target, down)
}

// Health reports the database and each runner as "ok" or an error string.
func (s *Service) Health(ctx context.Context) (bool, map[string]string) {
	healthy := true
	checks := make(map[string]string)
	if err := s.store.Ping(ctx); err != nil {
		healthy = false
		checks["database"] = err.Error()
	} else {
		checks["database"] = "ok"
	}
	for _, runnerType := range s.runners.Types() {
		runner, _ := s.runners.Get(runnerType)
		if err := runner.Health(ctx); err != nil {
			healthy = false
			checks["runner_"+runnerType] = err.Error()
			continue
		}
		checks["runner_"+runnerType] = "ok"
	}
	return healthy, checks
}
