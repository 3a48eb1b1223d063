// Package claude is the Anthropic Messages agent loop.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/zhongli1990/saas-codex/internal/agent"
	"github.com/zhongli1990/saas-codex/internal/envelope"
)

// Provider is the provider name stamped on claude envelopes.
const Provider = "claude"

const maxTokens = 4096

// MessagesClient is the part of the Anthropic SDK the loop uses. It is
// satisfied by *sdk.MessageService.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// NewMessagesClient builds the SDK client for apiKey.
func NewMessagesClient(apiKey string) MessagesClient {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &client.Messages
}

// Agent drives an Anthropic tool-use loop.
type Agent struct {
	client   MessagesClient
	toolbox  *agent.Toolbox
	model    string
	maxTurns int
	logger   *slog.Logger
}

// New creates a claude Agent.
func New(client MessagesClient, toolbox *agent.Toolbox, model string, maxTurns int, logger *slog.Logger) *Agent {
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

type toolUse struct {
	id    string
	name  string
	input strings.Builder
}

type turnResult struct {
	text       string
	calls      []agent.Call
	stopReason string
}

// Run implements agent.Agent.
func (a *Agent) Run(ctx context.Context, req agent.Request, emit agent.Emitter) error {
	if err := emit.Emit(envelope.TypeRunStarted, envelope.RunStartedPayload{ThreadID: req.ThreadID, Provider: Provider}); err != nil {
		return err
	}
	if err := emit.Emit(envelope.TypeUserMessage, envelope.TextPayload{Text: req.Prompt}); err != nil {
		return err
	}

	messages := []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))}
	tools, err := a.tools()
	if err != nil {
		return err
	}

	for turn := 1; turn <= a.maxTurns; turn++ {
		if err := emit.Emit(envelope.TypeIteration, envelope.IterationPayload{Current: turn, Max: a.maxTurns}); err != nil {
			return err
		}

		params := sdk.MessageNewParams{
			MaxTokens: maxTokens,
			Model:     sdk.Model(a.model),
			System:    []sdk.TextBlockParam{{Text: agent.SystemPrompt(req.WorkingDirectory)}},
			Messages:  messages,
			Tools:     tools,
		}
		result, err := a.streamTurn(ctx, params, emit)
		if err != nil {
			return err
		}

		if result.text != "" {
			if err := emit.Emit(envelope.TypeAssistantFinal, envelope.FinalPayload{Text: result.text, Format: "markdown"}); err != nil {
				return err
			}
		}
		if len(result.calls) == 0 {
			return emit.Emit(envelope.TypeRunCompleted, envelope.CompletedPayload{ThreadID: req.ThreadID})
		}

		assistant := make([]sdk.ContentBlockParamUnion, 0, len(result.calls)+1)
		if result.text != "" {
			assistant = append(assistant, sdk.NewTextBlock(result.text))
		}
		for _, call := range result.calls {
			assistant = append(assistant, sdk.NewToolUseBlock(call.ID, call.Input, call.Name))
		}
		messages = append(messages, sdk.NewAssistantMessage(assistant...))

		results := make([]sdk.ContentBlockParamUnion, 0, len(result.calls))
		for _, call := range result.calls {
			output, err := a.toolbox.Invoke(ctx, emit, req.WorkingDirectory, call)
			if err != nil {
				return err
			}
			results = append(results, sdk.NewToolResultBlock(call.ID, output, false))
		}
		messages = append(messages, sdk.NewUserMessage(results...))
		a.logger.Debug("turn finished", "run_id", req.RunID, "turn", turn, "stop_reason", result.stopReason, "tool_calls", len(result.calls))
	}

	return emit.Emit(envelope.TypeError, envelope.ErrorPayload{Message: "Max iterations reached"})
}

// streamTurn consumes one streamed assistant message, emitting deltas and
// tool call events as the blocks arrive.
func (a *Agent) streamTurn(ctx context.Context, params sdk.MessageNewParams, emit agent.Emitter) (*turnResult, error) {
	stream := a.client.NewStreaming(ctx, params)
	defer stream.Close()

	result := &turnResult{}
	var text strings.Builder
	blocks := make(map[int64]*toolUse)

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				blocks[ev.Index] = &toolUse{id: block.ID, name: block.Name}
				if err := emit.Emit(envelope.TypeToolCallStart, envelope.ToolCallPayload{ToolID: block.ID, ToolName: block.Name}); err != nil {
					return nil, err
				}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				text.WriteString(delta.Text)
				if err := emit.Emit(envelope.TypeAssistantDelta, envelope.DeltaPayload{TextDelta: delta.Text}); err != nil {
					return nil, err
				}
			case sdk.InputJSONDelta:
				if block := blocks[ev.Index]; block != nil {
					block.input.WriteString(delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			block := blocks[ev.Index]
			if block == nil {
				continue
			}
			delete(blocks, ev.Index)
			call := agent.Call{ID: block.id, Name: block.name, Input: agent.InputOrEmpty(block.input.String())}
			result.calls = append(result.calls, call)
			if err := emit.Emit(envelope.TypeToolCall, envelope.ToolCallPayload{ToolID: call.ID, ToolName: call.Name, Input: call.Input}); err != nil {
				return nil, err
			}
		case sdk.MessageDeltaEvent:
			result.stopReason = string(ev.Delta.StopReason)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}

	result.text = text.String()
	return result, nil
}

func (a *Agent) tools() ([]sdk.ToolUnionParam, error) {
	defs := a.toolbox.Definitions()
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		raw, err := json.Marshal(def.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode schema for %s: %w", def.Name, err)
		}
		var schema map[string]any
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("failed to encode schema for %s: %w", def.Name, err)
		}
		delete(schema, "type")
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, def.Name)
		if def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}
