package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/zhongli1990/saas-codex/backend/internal/domain"
	"github.com/zhongli1990/saas-codex/internal/envelope"
	"github.com/zhongli1990/saas-codex/internal/recovery"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			workspace_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_uri TEXT NOT NULL,
			local_path TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			runner_type TEXT NOT NULL,
			runner_thread_id TEXT NOT NULL,
			working_directory TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (workspace_id) REFERENCES workspaces(workspace_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			runner_run_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			received_at DATETIME NOT NULL,
			source TEXT NOT NULL,
			event_type TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			UNIQUE (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateWorkspace registers a workspace.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *domain.Workspace) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (workspace_id, display_name, source_type, source_uri, local_path, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ws.WorkspaceID, ws.DisplayName, string(ws.SourceType), ws.SourceURI, ws.LocalPath, ws.CreatedAt.UTC())
	return err
}

// GetWorkspace retrieves a workspace by ID.
func (s *SQLiteStore) GetWorkspace(ctx context.Context, workspaceID string) (*domain.Workspace, error) {
	var ws domain.Workspace
	var sourceType string
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, display_name, source_type, source_uri, local_path, created_at FROM workspaces WHERE workspace_id = ?`,
		workspaceID).Scan(&ws.WorkspaceID, &ws.DisplayName, &sourceType, &ws.SourceURI, &ws.LocalPath, &ws.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ws.SourceType = domain.SourceType(sourceType)
	return &ws, nil
}

// ListWorkspaces lists workspaces, newest first.
func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workspace_id, display_name, source_type, source_uri, local_path, created_at FROM workspaces ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workspaces := []domain.Workspace{}
	for rows.Next() {
		var ws domain.Workspace
		var sourceType string
		if err := rows.Scan(&ws.WorkspaceID, &ws.DisplayName, &sourceType, &ws.SourceURI, &ws.LocalPath, &ws.CreatedAt); err != nil {
			return nil, err
		}
		ws.SourceType = domain.SourceType(sourceType)
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// CreateSession creates a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, workspace_id, runner_type, runner_thread_id, working_directory, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.WorkspaceID, string(session.RunnerType), session.ThreadID, session.WorkingDirectory, session.CreatedAt.UTC())
	return err
}

const sessionColumns = `s.session_id, s.workspace_id, s.runner_type, s.runner_thread_id, s.working_directory, s.created_at,
	(SELECT COUNT(*) FROM runs r WHERE r.session_id = s.session_id)`

func scanSession(scan func(dest ...interface{}) error) (*domain.Session, error) {
	var session domain.Session
	var runnerType string
	if err := scan(&session.SessionID, &session.WorkspaceID, &runnerType, &session.ThreadID, &session.WorkingDirectory, &session.CreatedAt, &session.RunCount); err != nil {
		return nil, err
	}
	session.RunnerType = domain.RunnerType(runnerType)
	return &session, nil
}

// GetSession retrieves a session by ID with its run count.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.session_id = ?`, sessionID)
	session, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions lists a workspace's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, workspaceID string) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions s WHERE s.workspace_id = ? ORDER BY s.created_at DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []domain.Session{}
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// GetBinding implements recovery.Sessions.
func (s *SQLiteStore) GetBinding(ctx context.Context, sessionID string) (*recovery.Binding, error) {
	var b recovery.Binding
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, runner_type, runner_thread_id, working_directory FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&b.SessionID, &b.RunnerType, &b.ThreadID, &b.WorkingDirectory)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateThreadID rebinds a session to a new runner thread.
func (s *SQLiteStore) UpdateThreadID(ctx context.Context, sessionID, threadID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET runner_thread_id = ? WHERE session_id = ?`, threadID, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, recovery.ErrSessionNotFound)
	}
	return nil
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, session_id, runner_run_id, prompt, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SessionID, run.RunnerRunID, run.Prompt, string(run.Status), run.CreatedAt.UTC())
	return err
}

func scanRun(scan func(dest ...interface{}) error) (*domain.Run, error) {
	var run domain.Run
	var status string
	var completedAt sql.NullTime
	if err := scan(&run.RunID, &run.SessionID, &run.RunnerRunID, &run.Prompt, &status, &run.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	run.Status = envelope.Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, session_id, runner_run_id, prompt, status, created_at, completed_at FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns lists a session's runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, sessionID string) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, session_id, runner_run_id, prompt, status, created_at, completed_at FROM runs WHERE session_id = ? ORDER BY created_at DESC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// MarkTerminal implements relay.Journal. Only a running run changes status.
func (s *SQLiteStore) MarkTerminal(ctx context.Context, runID string, status envelope.Status, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ? AND status = ?`,
		string(status), at.UTC(), runID, string(envelope.StatusRunning))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppendEvent implements relay.Journal. A second row for the same
// (run_id, seq) is ignored.
func (s *SQLiteStore) AppendEvent(ctx context.Context, runID string, seq int64, at time.Time, eventType string, raw []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_events (event_id, run_id, seq, received_at, source, event_type, raw_json) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(), runID, seq, at.UTC(), domain.EventSourceRunner, eventType, string(raw))
	return err
}

// ListEvents returns a run's journal in seq order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]domain.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, run_id, seq, received_at, source, event_type, raw_json FROM run_events WHERE run_id = ? ORDER BY seq ASC`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.RunEvent{}
	for rows.Next() {
		var ev domain.RunEvent
		var raw string
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.Seq, &ev.At, &ev.Source, &ev.EventType, &raw); err != nil {
			return nil, err
		}
		ev.RawJSON = json.RawMessage(raw)
		events = append(events, ev)
	}
	return events, rows.Err()
}
