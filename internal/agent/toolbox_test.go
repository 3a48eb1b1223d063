package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhongli1990/saas-codex/internal/envelope"
	"github.com/zhongli1990/saas-codex/internal/logging"
	"github.com/zhongli1990/saas-codex/internal/policy"
	"github.com/zhongli1990/saas-codex/internal/tools"
)

type emitted struct {
	Type    string
	Payload json.RawMessage
}

type recorder struct {
	events []emitted
}

func (r *recorder) Emit(eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.events = append(r.events, emitted{Type: eventType, Payload: raw})
	return nil
}

func (r *recorder) types() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type guardFunc func(toolName string) (policy.Decision, error)

func (f guardFunc) Evaluate(_ context.Context, toolName string, _ json.RawMessage) (policy.Decision, error) {
	return f(toolName)
}

func newWorkspace(t *testing.T) (root, dir string) {
	t.Helper()
	root = t.TempDir()
	dir = filepath.Join(root, "demo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0o644))
	return root, dir
}

func TestInvokeRunsAllowedTool(t *testing.T) {
	root, dir := newWorkspace(t)
	box := NewToolbox(tools.NewWorkspaceRegistry(), nil, root, 0, logging.Discard())
	rec := &recorder{}

	out, err := box.Invoke(context.Background(), rec, dir, Call{ID: "t1", Name: "read_file", Input: json.RawMessage(`{"path":"README.md"}`)})
	require.NoError(t, err)

	assert.JSONEq(t, `{"success":true,"content":"# demo\n"}`, out)
	assert.Equal(t, []string{envelope.TypeToolResult}, rec.types())

	var payload envelope.ToolResultPayload
	require.NoError(t, json.Unmarshal(rec.events[0].Payload, &payload))
	assert.Equal(t, "t1", payload.ToolID)
	assert.Equal(t, "read_file", payload.ToolName)
	assert.JSONEq(t, out, string(payload.Output))
}

func TestInvokeBlockedTool(t *testing.T) {
	root, dir := newWorkspace(t)
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy, policy.WithWorkspaceRoot(root))
	require.NoError(t, err)
	box := NewToolbox(tools.NewWorkspaceRegistry(), engine, root, 0, logging.Discard())
	rec := &recorder{}

	out, err := box.Invoke(context.Background(), rec, dir, Call{ID: "t2", Name: "bash", Input: json.RawMessage(`{"command":"sudo rm notes.txt"}`)})
	require.NoError(t, err)

	assert.JSONEq(t, `{"success":false,"error":"Tool blocked: Blocked dangerous pattern: sudo rm"}`, out)
	assert.Equal(t, []string{envelope.TypeToolBlocked, envelope.TypeToolResult}, rec.types())

	var blocked envelope.ToolBlockedPayload
	require.NoError(t, json.Unmarshal(rec.events[0].Payload, &blocked))
	assert.Equal(t, envelope.ToolBlockedPayload{ToolID: "t2", ToolName: "bash", Reason: "Blocked dangerous pattern: sudo rm"}, blocked)
}

func TestInvokeGuardErrorBlocks(t *testing.T) {
	root, dir := newWorkspace(t)
	guard := guardFunc(func(string) (policy.Decision, error) { return policy.Decision{}, errors.New("opa down") })
	box := NewToolbox(tools.NewWorkspaceRegistry(), guard, root, 0, logging.Discard())
	rec := &recorder{}

	out, err := box.Invoke(context.Background(), rec, dir, Call{ID: "t3", Name: "list_files", Input: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"Tool blocked: policy evaluation failed"}`, out)
	assert.Equal(t, []string{envelope.TypeToolBlocked, envelope.TypeToolResult}, rec.types())
}

func TestInvokeToolFailureIsAResult(t *testing.T) {
	root, dir := newWorkspace(t)
	box := NewToolbox(tools.NewWorkspaceRegistry(), nil, root, 0, logging.Discard())
	rec := &recorder{}

	out, err := box.Invoke(context.Background(), rec, dir, Call{ID: "t4", Name: "nope", Input: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"Unknown tool: nope"}`, out)
}

func TestInputOrEmpty(t *testing.T) {
	assert.JSONEq(t, `{}`, string(InputOrEmpty("")))
	assert.JSONEq(t, `{}`, string(InputOrEmpty(`{"path":`)))
	assert.JSONEq(t, `{}`, string(InputOrEmpty(`[1]`)))
	assert.JSONEq(t, `{"path":"."}`, string(InputOrEmpty(`{"path":"."}`)))
}
