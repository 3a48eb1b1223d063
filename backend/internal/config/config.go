// Package config provides configuration for the backend.
package config

import (
	"time"

	"github.com/zhongli1990/saas-codex/internal/config"
)

// Config holds the backend configuration.
type Config struct {
	// Server settings
	Port        int
	DatabaseURL string

	// Runner settings
	RunnerCodexURL       string
	RunnerClaudeURL      string
	RunnerConnectTimeout time.Duration
	RunnerRequestTimeout time.Duration

	// Prompt rate limit per client IP
	PromptRatePerSec float64
	PromptBurst      int

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
	return load(src), nil
}

func load(src *config.Source) *Config {
	return &Config{
		Port:                 src.GetEnvInt("PORT", 8000),
		DatabaseURL:          src.GetEnv("DATABASE_URL", "file:backend.db?cache=shared&mode=rwc"),
		RunnerCodexURL:       src.GetEnv("RUNNER_CODEX_URL", "http://localhost:8081"),
		RunnerClaudeURL:      src.GetEnv("RUNNER_CLAUDE_URL", "http://localhost:8082"),
		RunnerConnectTimeout: src.GetEnvMillis("RUNNER_CONNECT_TIMEOUT_MS", 10000),
		RunnerRequestTimeout: src.GetEnvMillis("RUNNER_REQUEST_TIMEOUT_MS", 60000),
		PromptRatePerSec:     src.GetEnvFloat("PROMPT_RATE_PER_SEC", 2),
		PromptBurst:          src.GetEnvInt("PROMPT_BURST", 5),
		LogLevel:             src.GetEnv("LOG_LEVEL", "info"),
	}
}

// RunnerURLs maps each runner type to its base URL. Runners with an empty
// URL are left out.
func (c *Config) RunnerURLs() map[string]string {
	urls := make(map[string]string, 2)
	if c.RunnerCodexURL != "" {
		urls["codex"] = c.RunnerCodexURL
	}
	if c.RunnerClaudeURL != "" {
		urls["claude"] = c.RunnerClaudeURL
	}
	return urls
}
