package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T) Workspace {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "demo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return Workspace{Root: root, Dir: dir, CommandTimeout: 5 * time.Second}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	exec := func(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
		return Result{"success": true}, nil
	}
	require.NoError(t, r.Register(Definition{Name: "echo"}, exec))
	assert.Error(t, r.Register(Definition{Name: "echo"}, exec))
	assert.Error(t, r.Register(Definition{}, exec))
	assert.Error(t, r.Register(Definition{Name: "nil"}, nil))
}

func TestRegistryUnknownTool(t *testing.T) {
	res := NewRegistry().Execute(context.Background(), Workspace{}, "missing", nil)
	assert.False(t, res.Success())
	assert.Equal(t, "Unknown tool: missing", res["error"])
}

func TestWorkspaceRegistryDefinitions(t *testing.T) {
	var names []string
	for _, def := range NewWorkspaceRegistry().Definitions() {
		names = append(names, def.Name)
		assert.Equal(t, "object", def.Schema["type"])
	}
	assert.Equal(t, []string{"read_file", "write_file", "list_files", "bash"}, names)
}

func TestWriteReadList(t *testing.T) {
	ws := newWorkspace(t)
	r := NewWorkspaceRegistry()
	ctx := context.Background()

	res := r.Execute(ctx, ws, "write_file", json.RawMessage(`{"path":"pkg/a.go","content":"package pkg\n"}`))
	require.True(t, res.Success(), "%v", res)
	assert.Equal(t, "Wrote 12 bytes to pkg/a.go", res["message"])

	res = r.Execute(ctx, ws, "read_file", json.RawMessage(`{"path":"pkg/a.go"}`))
	require.True(t, res.Success())
	assert.Equal(t, "package pkg\n", res["content"])

	res = r.Execute(ctx, ws, "list_files", json.RawMessage(`{"path":"."}`))
	require.True(t, res.Success())
	assert.Equal(t, []map[string]string{{"name": "pkg", "type": "directory"}}, res["entries"])
}

func TestResolveRejectsEscape(t *testing.T) {
	ws := newWorkspace(t)

	_, err := ws.Resolve("../../etc/passwd")
	assert.True(t, errors.Is(err, ErrPathEscape))

	_, err = ws.Resolve("/etc/passwd")
	assert.True(t, errors.Is(err, ErrPathEscape))

	got, err := ws.Resolve("../demo/x.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Dir, "x.txt"), got)

	res := NewWorkspaceRegistry().Execute(context.Background(), ws, "read_file", json.RawMessage(`{"path":"../../etc/passwd"}`))
	assert.False(t, res.Success())
	assert.Contains(t, res["error"], "escapes")
}

func TestBash(t *testing.T) {
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("bash not available")
	}
	ws := newWorkspace(t)
	r := NewWorkspaceRegistry()

	res := r.Execute(context.Background(), ws, "bash", json.RawMessage(`{"command":"pwd; echo oops >&2; exit 3"}`))
	assert.False(t, res.Success())
	assert.Equal(t, 3, res["exit_code"])
	assert.Equal(t, "oops\n", res["stderr"])
	assert.Contains(t, res["stdout"], "demo")

	ws.CommandTimeout = 50 * time.Millisecond
	res = r.Execute(context.Background(), ws, "bash", json.RawMessage(`{"command":"sleep 5"}`))
	assert.False(t, res.Success())
	assert.Contains(t, res["error"], "timed out")
}
