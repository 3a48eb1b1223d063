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

	"github.com/zhongli1990/saas-codex/internal/agent"
	"github.com/zhongli1990/saas-codex/internal/agent/claude"
	"github.com/zhongli1990/saas-codex/internal/agent/codex"
	"github.com/zhongli1990/saas-codex/internal/hub"
	"github.com/zhongli1990/saas-codex/internal/llm"
	"github.com/zhongli1990/saas-codex/internal/logging"
	"github.com/zhongli1990/saas-codex/internal/policy"
	"github.com/zhongli1990/saas-codex/internal/stream"
	"github.com/zhongli1990/saas-codex/internal/tools"
	"github.com/zhongli1990/saas-codex/runner/internal/config"
	"github.com/zhongli1990/saas-codex/runner/internal/service"
	handler "github.com/zhongli1990/saas-codex/runner/internal/transport/http"
	"github.com/zhongli1990/saas-codex/runner/internal/transport/ws"
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

	logger.Info("starting runner",
		"port", cfg.Port,
		"provider", cfg.AgentProvider,
		"workspaces_root", cfg.WorkspacesRoot,
		"mode", cfg.RunnerMode,
		"hooks", cfg.EnableHooks,
	)

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy,
		policy.WithEnabled(cfg.EnableHooks),
		policy.WithWorkspaceRoot(cfg.WorkspacesRoot),
	)
	if err != nil {
		logger.Error("failed to initialize policy engine", tint.Err(err))
		os.Exit(1)
	}

	// Initialize agent
	toolbox := agent.NewToolbox(tools.NewWorkspaceRegistry(), policyEngine, cfg.WorkspacesRoot, cfg.ToolTimeout, logger)
	a, err := newAgent(cfg, toolbox, logger)
	if err != nil {
		logger.Error("failed to initialize agent", tint.Err(err))
		os.Exit(1)
	}

	// Initialize service
	var hubOpts []hub.Option
	if cfg.SubscriberMaxPending > 0 {
		hubOpts = append(hubOpts, hub.WithMaxPending(cfg.SubscriberMaxPending))
	}
	h := hub.New(append(hubOpts, hub.WithLogger(logger))...)
	svc, err := service.New(h, a, cfg.WorkspacesRoot,
		service.WithAgentTimeout(cfg.AgentTimeout),
		service.WithThreadTTL(cfg.ThreadTTL),
		service.WithRetention(cfg.HubRetention),
		service.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to initialize service", tint.Err(err))
		os.Exit(1)
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go svc.RunSweeper(sweepCtx, cfg.SweepInterval)

	// Initialize handlers
	streams := stream.NewServer(h, svc.RunStatus,
		stream.WithPollInterval(cfg.SubscriberPoll),
		stream.WithProvider(a.Provider()),
		stream.WithLogger(logger),
	)
	wsServer := ws.NewServer(ws.Config{PingInterval: cfg.WSPingInterval, WriteTimeout: cfg.WSWriteTimeout}, streams, h, logger)
	server := handler.NewServer(svc, streams, wsServer, logger)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("failed to start server", tint.Err(err))
			os.Exit(1)
		}
	}()
	logger.Info("runner started", "port", cfg.Port)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down runner")
	stopSweeper()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown server gracefully", tint.Err(err))
	}
	if err := svc.WaitContext(shutdownCtx); err != nil {
		logger.Warn("runs still in flight at shutdown", tint.Err(err))
	}

	logger.Info("runner stopped")
}

// newAgent builds the agent loop for AGENT_PROVIDER. MOCK mode always uses
// the chat-completions loop over the deterministic client.
func newAgent(cfg *config.Config, toolbox *agent.Toolbox, logger *slog.Logger) (agent.Agent, error) {
	if cfg.Mock() {
		client := llm.NewLLMClient(llm.ModeMock, "", "", cfg.LLMTimeout, logger)
		return codex.New(client, toolbox, "mock", cfg.MaxAgentTurns, logger), nil
	}

	switch cfg.AgentProvider {
	case codex.Provider:
		client := llm.NewLLMClient(cfg.RunnerMode, cfg.LiteLLMURL, cfg.LiteLLMAPIKey, cfg.LLMTimeout, logger)
		return codex.New(client, toolbox, cfg.CodexModel, cfg.MaxAgentTurns, logger), nil
	case claude.Provider:
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for the claude provider")
		}
		return claude.New(claude.NewMessagesClient(cfg.AnthropicKey), toolbox, cfg.ClaudeModel, cfg.MaxAgentTurns, logger), nil
	default:
		return nil, fmt.Errorf("unknown AGENT_PROVIDER %q", cfg.AgentProvider)
	}
}
