// Package domain defines the core domain models for the backend.
package domain

import (
	"encoding/json"
	"time"

	"github.com/zhongli1990/saas-codex/internal/envelope"
)

// RunnerType selects which runner service hosts a session.
type RunnerType string

const (
	RunnerTypeCodex  RunnerType = "codex"
	RunnerTypeClaude RunnerType = "claude"
)

// Valid reports whether t names a known runner.
func (t RunnerType) Valid() bool {
	return t == RunnerTypeCodex || t == RunnerTypeClaude
}

// SourceType records where a workspace came from.
type SourceType string

const (
	SourceTypeLocal  SourceType = "local"
	SourceTypeGitHub SourceType = "github"
)

// Workspace is a registered repository checkout.
type Workspace struct {
	WorkspaceID string     `json:"workspace_id"`
	DisplayName string     `json:"display_name"`
	SourceType  SourceType `json:"source_type"`
	SourceURI   string     `json:"source_uri"`
	LocalPath   string     `json:"local_path"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Session binds a workspace to a runner thread.
type Session struct {
	SessionID        string     `json:"session_id"`
	WorkspaceID      string     `json:"workspace_id"`
	RunnerType       RunnerType `json:"runner_type"`
	ThreadID         string     `json:"thread_id"`
	WorkingDirectory string     `json:"working_directory"`
	CreatedAt        time.Time  `json:"created_at"`
	RunCount         int        `json:"run_count"`
}

// Run is one prompt submitted on a session.
type Run struct {
	RunID       string          `json:"run_id"`
	SessionID   string          `json:"session_id"`
	RunnerRunID string          `json:"runner_run_id"`
	Prompt      string          `json:"prompt"`
	Status      envelope.Status `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// EventSourceRunner marks journal rows relayed from a runner.
const EventSourceRunner = "runner"

// RunEvent is one journaled frame of a run's stream.
type RunEvent struct {
	EventID   string          `json:"event_id"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	At        time.Time       `json:"at"`
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	RawJSON   json.RawMessage `json:"raw_json"`
}

// TranscriptMessage is one entry of a run transcript.
type TranscriptMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
	Blocked    string          `json:"blocked_reason,omitempty"`
}
