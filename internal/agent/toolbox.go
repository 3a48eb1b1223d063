package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/zhongli1990/saas-codex/internal/envelope"
	"github.com/zhongli1990/saas-codex/internal/policy"
	"github.com/zhongli1990/saas-codex/internal/tools"
)

// Guard decides whether a tool call may run.
type Guard interface {
	Evaluate(ctx context.Context, toolName string, args json.RawMessage) (policy.Decision, error)
}

// Toolbox runs tool calls for both agent loops: policy check, execution and
// the matching ui.tool.* events.
type Toolbox struct {
	registry *tools.Registry
	guard    Guard
	root     string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewToolbox creates a Toolbox. guard may be nil to allow every call.
func NewToolbox(registry *tools.Registry, guard Guard, workspacesRoot string, commandTimeout time.Duration, logger *slog.Logger) *Toolbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolbox{
		registry: registry,
		guard:    guard,
		root:     workspacesRoot,
		timeout:  commandTimeout,
		logger:   logger.With("component", "toolbox"),
	}
}

// Definitions lists the tools offered to the model.
func (t *Toolbox) Definitions() []tools.Definition {
	return t.registry.Definitions()
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Invoke runs call in dir and returns the JSON result handed back to the
// model. A blocked call emits ui.tool.blocked before its ui.tool.result.
func (t *Toolbox) Invoke(ctx context.Context, emit Emitter, dir string, call Call) (string, error) {
	var result tools.Result

	decision := policy.Decision{Allowed: true}
	if t.guard != nil {
		d, err := t.guard.Evaluate(ctx, call.Name, call.Input)
		if err != nil {
			t.logger.Error("policy evaluation failed", "tool", call.Name, "err", err)
			d = policy.Decision{Allowed: false, Reason: "policy evaluation failed"}
		}
		decision = d
	}

	if !decision.Allowed {
		t.logger.Warn("tool blocked", "tool", call.Name, "reason", decision.Reason)
		result = tools.Failure(fmt.Sprintf("Tool blocked: %s", decision.Reason))
		if err := emit.Emit(envelope.TypeToolBlocked, envelope.ToolBlockedPayload{
			ToolID:   call.ID,
			ToolName: call.Name,
			Reason:   decision.Reason,
		}); err != nil {
			return "", err
		}
	} else {
		result = t.registry.Execute(ctx, tools.Workspace{Root: t.root, Dir: dir, CommandTimeout: t.timeout}, call.Name, call.Input)
	}

	output, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool result: %w", err)
	}
	if err := emit.Emit(envelope.TypeToolResult, envelope.ToolResultPayload{
		ToolID:   call.ID,
		ToolName: call.Name,
		Output:   output,
	}); err != nil {
		return "", err
	}
	return string(output), nil
}

// InputOrEmpty returns raw when it is a JSON object and {} otherwise.
func InputOrEmpty(raw string) json.RawMessage {
	var probe map[string]interface{}
	if raw == "" || json.Unmarshal([]byte(raw), &probe) != nil {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}
