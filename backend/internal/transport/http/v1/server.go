package v1

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/zhongli1990/saas-codex/backend/internal/service"
)

// RateLimit bounds prompt submissions per client IP.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// NewPromptLimiter returns the per-IP limiter for prompt submission, or nil
// when limiting is disabled.
func NewPromptLimiter(limit RateLimit) echo.MiddlewareFunc {
	if limit.PerSecond <= 0 {
		return nil
	}
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(limit.PerSecond),
		Burst:     limit.Burst,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "unable to identify client"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "too many prompts, slow down"})
		},
	})
}

// NewServer creates and configures the backend's HTTP server.
func NewServer(svc *service.Service, limit RateLimit, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Register Routes
	NewHandler(svc, logger).RegisterRoutes(e, NewPromptLimiter(limit))

	return e
}
