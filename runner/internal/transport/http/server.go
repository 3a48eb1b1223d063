// Package http provides the HTTP server implementation for the runner.
package http

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/zhongli1990/saas-codex/internal/stream"
	"github.com/zhongli1990/saas-codex/runner/internal/service"
	"github.com/zhongli1990/saas-codex/runner/internal/transport/ws"
)

// NewServer creates and configures the runner's HTTP server: the REST and
// SSE routes plus the WebSocket stream.
func NewServer(svc *service.Service, streams *stream.Server, wsServer *ws.Server, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Register Routes
	NewHandler(svc, streams, logger).RegisterRoutes(e)
	if wsServer != nil {
		e.GET("/runs/:run_id/ws", wsServer.HandleRunStream)
	}

	return e
}
