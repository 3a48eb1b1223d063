// Package config provides configuration for the runner.
package config

import (
	"time"

	"github.com/zhongli1990/saas-codex/internal/config"
)

// Config holds the runner configuration.
type Config struct {
	// Server settings
	Port           int
	WorkspacesRoot string

	// Agent settings
	AgentProvider string
	RunnerMode    string
	LiteLLMURL    string
	LiteLLMAPIKey string
	CodexModel    string
	AnthropicKey  string
	ClaudeModel   string
	MaxAgentTurns int
	EnableHooks   bool
	LLMTimeout    time.Duration
	AgentTimeout  time.Duration
	ToolTimeout   time.Duration

	// Streaming
	SubscriberPoll       time.Duration
	SubscriberMaxPending int
	WSPingInterval       time.Duration
	WSWriteTimeout       time.Duration

	// Lifecycle
	HubRetention  time.Duration
	ThreadTTL     time.Duration
	SweepInterval time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables and the optional
// CONFIG_FILE overlay.
func Load() (*Config, error) {
	src, err := config.Open()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Port:                 src.GetEnvInt("PORT", 8081),
		WorkspacesRoot:       src.GetEnv("WORKSPACES_ROOT", "/workspaces"),
		AgentProvider:        src.GetEnv("AGENT_PROVIDER", "codex"),
		RunnerMode:           src.GetEnv("RUNNER_MODE", ""),
		LiteLLMURL:           src.GetEnv("LITELLM_URL", "http://localhost:4000"),
		LiteLLMAPIKey:        src.GetEnv("LITELLM_API_KEY", ""),
		CodexModel:           src.GetEnv("CODEX_MODEL", "gpt-4o"),
		AnthropicKey:         src.GetEnv("ANTHROPIC_API_KEY", ""),
		ClaudeModel:          src.GetEnv("CLAUDE_MODEL", "claude-sonnet-4-20250514"),
		MaxAgentTurns:        src.GetEnvInt("MAX_AGENT_TURNS", 20),
		EnableHooks:          src.GetEnvBool("ENABLE_HOOKS", true),
		LLMTimeout:           src.GetEnvMillis("LLM_TIMEOUT_MS", 300000),
		AgentTimeout:         src.GetEnvMillis("AGENT_TIMEOUT_MS", 1800000),
		ToolTimeout:          src.GetEnvMillis("TOOL_TIMEOUT_MS", 60000),
		SubscriberPoll:       src.GetEnvMillis("SUBSCRIBER_POLL_MS", 1000),
		SubscriberMaxPending: src.GetEnvInt("SUBSCRIBER_MAX_PENDING", 0),
		WSPingInterval:       src.GetEnvMillis("WS_PING_INTERVAL_MS", 30000),
		WSWriteTimeout:       src.GetEnvMillis("WS_WRITE_TIMEOUT_MS", 10000),
		HubRetention:         src.GetEnvMillis("HUB_RETENTION_MS", 600000),
		ThreadTTL:            src.GetEnvMillis("THREAD_TTL_MS", 3600000),
		SweepInterval:        src.GetEnvMillis("SWEEP_INTERVAL_MS", 30000),
		LogLevel:             src.GetEnv("LOG_LEVEL", "info"),
	}
	return cfg, nil
}

// Mock reports whether the runner should use the deterministic LLM client.
func (c *Config) Mock() bool {
	return c.RunnerMode == "MOCK"
}
