// Package repository persists workspaces, sessions, runs and the run event
// journal.
package repository

import (
	"context"
	"time"

	"github.com/zhongli1990/saas-codex/backend/internal/domain"
	"github.com/zhongli1990/saas-codex/internal/envelope"
	"github.com/zhongli1990/saas-codex/internal/recovery"
)

// Store defines the interface for data persistence. Get* methods return
// nil, nil when the row does not exist.
type Store interface {
	// Workspace operations
	CreateWorkspace(ctx context.Context, ws *domain.Workspace) error
	GetWorkspace(ctx context.Context, workspaceID string) (*domain.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]domain.Workspace, error)

	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessions(ctx context.Context, workspaceID string) ([]domain.Session, error)
	GetBinding(ctx context.Context, sessionID string) (*recovery.Binding, error)
	UpdateThreadID(ctx context.Context, sessionID, threadID string) error

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, sessionID string) ([]domain.Run, error)
	MarkTerminal(ctx context.Context, runID string, status envelope.Status, at time.Time) (bool, error)

	// Event operations
	AppendEvent(ctx context.Context, runID string, seq int64, at time.Time, eventType string, raw []byte) error
	ListEvents(ctx context.Context, runID string) ([]domain.RunEvent, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
