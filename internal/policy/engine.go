// Package policy evaluates pre-tool-use rules with OPA.
package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  string
}

var allow = Decision{Allowed: true}

// Engine is the OPA policy engine.
type Engine struct {
	query         rego.PreparedEvalQuery
	enabled       bool
	workspaceRoot string
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnabled turns evaluation on or off. A disabled engine allows everything.
func WithEnabled(enabled bool) Option {
	return func(e *Engine) {
		e.enabled = enabled
	}
}

// WithWorkspaceRoot is passed to the policy as input.workspaces_root.
func WithWorkspaceRoot(root string) Option {
	return func(e *Engine) {
		e.workspaceRoot = root
	}
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string, opts ...Option) (*Engine, error) {
	e := &Engine{enabled: true}
	for _, opt := range opts {
		opt(e)
	}

	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	e.query = query
	return e, nil
}

// Evaluate checks a tool call against the policy.
func (e *Engine) Evaluate(ctx context.Context, toolName string, args json.RawMessage) (Decision, error) {
	if !e.enabled {
		return allow, nil
	}

	var decoded interface{} = map[string]interface{}{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			decoded = map[string]interface{}{}
		}
	}
	input := map[string]interface{}{
		"tool_name":       toolName,
		"args":            decoded,
		"workspaces_root": e.workspaceRoot,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return allow, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result %T", results[0].Expressions[0].Value)
	}
	decision, _ := obj["decision"].(string)
	reason, _ := obj["reason"].(string)
	if decision == "block" {
		return Decision{Allowed: false, Reason: reason}, nil
	}
	return allow, nil
}

// DefaultPolicy blocks destructive shell commands and path escapes.
const DefaultPolicy = `
package tool_policy

default decision = {"decision": "allow", "reason": ""}

blocked_bash_patterns = [
	"rm -rf /",
	"rm -rf /*",
	"sudo rm",
	"chmod 777 /",
	"chown root",
	"> /dev/sda",
	"mkfs.",
	"dd if=",
	":(){:|:&};:",
	"curl | bash",
	"wget | bash",
	"curl | sh",
	"wget | sh",
]

path_escape_patterns = ["../", "..\\"]

file_tools = {"read_file", "write_file", "list_files"}

deny[msg] {
	input.tool_name == "bash"
	pattern := blocked_bash_patterns[_]
	contains(input.args.command, pattern)
	msg := sprintf("Blocked dangerous pattern: %s", [pattern])
}

deny[msg] {
	file_tools[input.tool_name]
	pattern := path_escape_patterns[_]
	contains(input.args.path, pattern)
	msg := sprintf("Path escape attempt blocked: %s", [pattern])
}

deny[msg] {
	file_tools[input.tool_name]
	input.workspaces_root != ""
	startswith(input.args.path, "/")
	not startswith(input.args.path, input.workspaces_root)
	msg := sprintf("Absolute paths outside %s are not allowed", [input.workspaces_root])
}

decision = {"decision": "block", "reason": reasons[0]} {
	count(deny) > 0
	reasons := sort(deny)
}
`
