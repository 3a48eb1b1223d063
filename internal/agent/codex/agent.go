// Package codex is the OpenAI-compatible agent loop served through LiteLLM.
package codex

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zhongli1990/saas-codex/internal/agent"
	"github.com/zhongli1990/saas-codex/internal/envelope"
	"github.com/zhongli1990/saas-codex/internal/llm"
)

// Provider is the provider name stamped on codex envelopes.
const Provider = "codex"

// Agent drives a chat-completions tool loop.
type Agent struct {
	client   llm.LLMClient
	toolbox  *agent.Toolbox
	model    string
	maxTurns int
	logger   *slog.Logger
}

// New creates a codex Agent.
func New(client llm.LLMClient, toolbox *agent.Toolbox, model string, maxTurns int, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &Agent{
		client:   client,
		toolbox:  toolbox,
		model:    model,
		maxTurns: maxTurns,
		logger:   logger.With("component", "agent", "provider", Provider),
	}
}

// Provider implements agent.Agent.
func (a *Agent) Provider() string { return Provider }

// Run implements agent.Agent.
func (a *Agent) Run(ctx context.Context, req agent.Request, emit agent.Emitter) error {
	if err := emit.Emit(envelope.TypeRunStarted, envelope.RunStartedPayload{ThreadID: req.ThreadID, Provider: Provider}); err != nil {
		return err
	}
	if err := emit.Emit(envelope.TypeUserMessage, envelope.TextPayload{Text: req.Prompt}); err != nil {
		return err
	}

	messages := []llm.ChatMessage{
		{Role: "system", Content: agent.SystemPrompt(req.WorkingDirectory)},
		{Role: "user", Content: req.Prompt},
	}
	tools := a.tools()

	for turn := 1; turn <= a.maxTurns; turn++ {
		if err := emit.Emit(envelope.TypeIteration, envelope.IterationPayload{Current: turn, Max: a.maxTurns}); err != nil {
			return err
		}

		acc := llm.NewAccumulator()
		_, err := a.client.CreateChatCompletionStream(ctx, &llm.ChatCompletionRequest{
			Model:    a.model,
			Messages: messages,
			Tools:    tools,
		}, func(chunk *llm.StreamChunk) error {
			delta, started := acc.Add(chunk)
			for _, tc := range started {
				if err := emit.Emit(envelope.TypeToolCallStart, envelope.ToolCallPayload{ToolID: tc.ID, ToolName: tc.Function.Name}); err != nil {
					return err
				}
			}
			if delta != "" {
				return emit.Emit(envelope.TypeAssistantDelta, envelope.DeltaPayload{TextDelta: delta})
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("chat completion failed: %w", err)
		}

		calls := acc.ToolCalls()
		for _, tc := range calls {
			if err := emit.Emit(envelope.TypeToolCall, envelope.ToolCallPayload{
				ToolID:   tc.ID,
				ToolName: tc.Function.Name,
				Input:    agent.InputOrEmpty(tc.Function.Arguments),
			}); err != nil {
				return err
			}
		}

		text := acc.Text()
		if text != "" {
			if err := emit.Emit(envelope.TypeAssistantFinal, envelope.FinalPayload{Text: text, Format: "markdown"}); err != nil {
				return err
			}
		}

		if len(calls) == 0 {
			return emit.Emit(envelope.TypeRunCompleted, envelope.CompletedPayload{ThreadID: req.ThreadID})
		}

		messages = append(messages, llm.ChatMessage{Role: "assistant", Content: text, ToolCalls: calls})
		for _, tc := range calls {
			output, err := a.toolbox.Invoke(ctx, emit, req.WorkingDirectory, agent.Call{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: agent.InputOrEmpty(tc.Function.Arguments),
			})
			if err != nil {
				return err
			}
			messages = append(messages, llm.ChatMessage{Role: "tool", ToolCallID: tc.ID, Content: output})
		}
		a.logger.Debug("turn finished", "run_id", req.RunID, "turn", turn, "tool_calls", len(calls))
	}

	return emit.Emit(envelope.TypeError, envelope.ErrorPayload{Message: "Max iterations reached"})
}

func (a *Agent) tools() []llm.Tool {
	defs := a.toolbox.Definitions()
	out := make([]llm.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Schema,
			},
		})
	}
	return out
}
