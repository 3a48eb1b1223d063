package llm

import (
	"log/slog"
	"time"
)

// ModeMock selects the deterministic mock client.
const ModeMock = "MOCK"

// NewLLMClient creates an LLM client for the runner mode. With mode MOCK it
// returns a MockClient; otherwise a real Client.
func NewLLMClient(mode, baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) LLMClient {
	if mode == ModeMock {
		logger.Info("RUNNER_MODE=MOCK detected, using mock LLM client")
		return NewMockClient()
	}
	return NewClient(baseURL, apiKey, timeout)
}
