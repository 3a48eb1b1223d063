// Package v1 provides the backend's HTTP API.
package v1

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lmittmann/tint"

	"github.com/zhongli1990/saas-codex/backend/internal/domain"
	"github.com/zhongli1990/saas-codex/backend/internal/service"
	"github.com/zhongli1990/saas-codex/internal/stream"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	logger  *slog.Logger
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: svc,
		logger:  logger.With("component", "http"),
	}
}

// RegisterRoutes registers routes with the echo server. promptLimiter
// guards prompt submission and may be nil.
func (h *Handler) RegisterRoutes(e *echo.Echo, promptLimiter echo.MiddlewareFunc) {
	api := e.Group("/api")

	api.POST("/workspaces", h.CreateWorkspace)
	api.GET("/workspaces", h.ListWorkspaces)
	api.GET("/workspaces/:workspace_id", h.GetWorkspace)
	api.GET("/workspaces/:workspace_id/sessions", h.ListSessions)

	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions/:session_id", h.GetSession)
	api.GET("/sessions/:session_id/runs", h.ListRuns)
	if promptLimiter != nil {
		api.POST("/sessions/:session_id/prompt", h.SubmitPrompt, promptLimiter)
	} else {
		api.POST("/sessions/:session_id/prompt", h.SubmitPrompt)
	}

	api.GET("/runs/:run_id", h.GetRun)
	api.GET("/runs/:run_id/events", h.StreamRunEvents)
	api.GET("/runs/:run_id/journal", h.GetJournal)
	api.GET("/runs/:run_id/transcript", h.GetTranscript)

	e.GET("/health", h.Health)
}

func (h *Handler) writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrWorkspaceNotFound),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrRunner):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.Path(), tint.Err(err))
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// CreateWorkspace registers a workspace.
// POST /api/workspaces
func (h *Handler) CreateWorkspace(c echo.Context) error {
	var req service.CreateWorkspaceInput
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	ws, err := h.service.CreateWorkspace(c.Request().Context(), req)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, ws)
}

// ListWorkspaces lists all workspaces.
// GET /api/workspaces
func (h *Handler) ListWorkspaces(c echo.Context) error {
	items, err := h.service.ListWorkspaces(c.Request().Context())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
}

// GetWorkspace returns one workspace.
// GET /api/workspaces/:workspace_id
func (h *Handler) GetWorkspace(c echo.Context) error {
	ws, err := h.service.GetWorkspace(c.Request().Context(), c.Param("workspace_id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, ws)
}

// ListSessions lists a workspace's sessions.
// GET /api/workspaces/:workspace_id/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	items, err := h.service.ListSessions(c.Request().Context(), c.Param("workspace_id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	WorkspaceID string            `json:"workspace_id"`
	RunnerType  domain.RunnerType `json:"runner_type"`
}

// CreateSession opens a runner thread for a workspace.
// POST /api/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.WorkspaceID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "workspace_id is required"})
	}
	session, err := h.service.CreateSession(c.Request().Context(), req.WorkspaceID, req.RunnerType)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

// GetSession returns a session with its run count.
// GET /api/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.service.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// ListRuns lists a session's runs.
// GET /api/sessions/:session_id/runs
func (h *Handler) ListRuns(c echo.Context) error {
	items, err := h.service.ListRuns(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
}

// PromptRequest is the body of POST /api/sessions/:session_id/prompt.
type PromptRequest struct {
	Prompt string `json:"prompt"`
}

// SubmitPrompt starts a run on the session.
// POST /api/sessions/:session_id/prompt
func (h *Handler) SubmitPrompt(c echo.Context) error {
	var req PromptRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	run, err := h.service.SubmitPrompt(c.Request().Context(), c.Param("session_id"), req.Prompt)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"run_id":        run.RunID,
		"runner_run_id": run.RunnerRunID,
	})
}

// GetRun returns the run record.
// GET /api/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// StreamRunEvents relays the runner's event stream and journals it.
// GET /api/runs/:run_id/events
func (h *Handler) StreamRunEvents(c echo.Context) error {
	ctx := c.Request().Context()
	rs, err := h.service.OpenStream(ctx, c.Param("run_id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return rs.Relay(ctx, stream.NewSSESink(c.Response()))
}

// GetJournal returns the persisted events of a run.
// GET /api/runs/:run_id/journal
func (h *Handler) GetJournal(c echo.Context) error {
	runID := c.Param("run_id")
	events, err := h.service.Journal(c.Request().Context(), runID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"run_id": runID, "events": events})
}

// GetTranscript folds a run's journal into chat messages.
// GET /api/runs/:run_id/transcript
func (h *Handler) GetTranscript(c echo.Context) error {
	runID := c.Param("run_id")
	messages, err := h.service.Transcript(c.Request().Context(), runID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"run_id": runID, "messages": messages})
}

// Health reports database and runner reachability.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	healthy, checks := h.service.Health(c.Request().Context())
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}
