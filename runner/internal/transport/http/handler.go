package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lmittmann/tint"

	"github.com/zhongli1990/saas-codex/internal/hub"
	"github.com/zhongli1990/saas-codex/internal/stream"
	"github.com/zhongli1990/saas-codex/runner/internal/service"
)

// Handler serves the runner API.
type Handler struct {
	service *service.Service
	streams *stream.Server
	logger  *slog.Logger
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, streams *stream.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: svc,
		streams: streams,
		logger:  logger.With("component", "http"),
	}
}

// RegisterRoutes registers the runner routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/threads", h.CreateThread)
	e.POST("/runs", h.CreateRun)
	e.GET("/runs/:run_id", h.GetRun)
	e.GET("/runs/:run_id/events", h.StreamRunEvents)
	e.GET("/health", h.Health)
}

// CreateThreadRequest is the body of POST /threads.
type CreateThreadRequest struct {
	WorkingDirectory string `json:"workingDirectory"`
	SkipGitRepoCheck bool   `json:"skipGitRepoCheck"`
}

// CreateThread registers an execution context.
// POST /threads
func (h *Handler) CreateThread(c echo.Context) error {
	var req CreateThreadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	thread, err := h.service.CreateThread(req.WorkingDirectory)
	if err != nil {
		if errors.Is(err, service.ErrInvalidWorkingDirectory) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"threadId": thread.ID})
}

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	ThreadID string `json:"threadId"`
	Prompt   string `json:"prompt"`
}

// CreateRun starts a run on a thread.
// POST /runs
func (h *Handler) CreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.ThreadID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "threadId and prompt are required"})
	}

	run, err := h.service.StartRun(req.ThreadID, req.Prompt)
	switch {
	case errors.Is(err, service.ErrThreadNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "thread not found"})
	case errors.Is(err, service.ErrPromptRequired):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "threadId and prompt are required"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"runId": run.ID})
}

// GetRun returns the run record.
// GET /runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Param("run_id"))
	if err != nil {
		if errors.Is(err, service.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, run)
}

// StreamRunEvents replays and follows a run's events over SSE.
// GET /runs/:run_id/events
func (h *Handler) StreamRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	sink := stream.NewSSESink(c.Response())
	err := h.streams.Serve(ctx, sink, runID, stream.ContextGone(ctx))
	if errors.Is(err, hub.ErrUnknownRun) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	if err != nil {
		h.logger.Error("event stream failed", "run_id", runID, tint.Err(err))
	}
	return nil
}

// Health reports the runner's provider and load.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	runs, subscribers := h.service.Hub().Stats()
	threads, _ := h.service.Counts()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"provider":    h.service.Provider(),
		"threads":     threads,
		"runs":        runs,
		"subscribers": subscribers,
	})
}
