package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/zhongli1990/saas-codex/backend/internal/config"
	"github.com/zhongli1990/saas-codex/backend/internal/repository"
	"github.com/zhongli1990/saas-codex/backend/internal/runnerclient"
	"github.com/zhongli1990/saas-codex/backend/internal/service"
	v1 "github.com/zhongli1990/saas-codex/backend/internal/transport/http/v1"
	"github.com/zhongli1990/saas-codex/internal/logging"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", tint.Err(err))
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting backend",
		"port", cfg.Port,
		"database", cfg.DatabaseURL,
		"runner_codex", cfg.RunnerCodexURL,
		"runner_claude", cfg.RunnerClaudeURL,
	)

	// Initialize store
	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to initialize store", tint.Err(err))
		os.Exit(1)
	}
	defer store.Close()

	// Initialize runner clients
	clients := make(map[string]*runnerclient.Client)
	for runnerType, url := range cfg.RunnerURLs() {
		clients[runnerType] = runnerclient.NewClient(url, cfg.RunnerConnectTimeout, cfg.RunnerRequestTimeout)
	}
	svc := service.New(store, runnerclient.NewPool(clients), service.WithLogger(logger))

	// Initialize server
	server := v1.NewServer(svc, v1.RateLimit{PerSecond: cfg.PromptRatePerSec, Burst: cfg.PromptBurst}, logger)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("failed to start server", tint.Err(err))
			os.Exit(1)
		}
	}()
	logger.Info("backend started", "port", cfg.Port)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down backend")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("failed to shutdown server gracefully", tint.Err(err))
	}

	logger.Info("backend stopped")
}
