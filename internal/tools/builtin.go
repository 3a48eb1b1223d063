package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds bash when the workspace sets no timeout.
const DefaultCommandTimeout = 60 * time.Second

// ErrPathEscape is returned when a path resolves outside the workspace root.
var ErrPathEscape = errors.New("path escapes workspaces root")

func pathSchema(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}

// NewWorkspaceRegistry returns a registry with read_file, write_file,
// list_files and bash.
func NewWorkspaceRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(Definition{
		Name:        "read_file",
		Description: "Read the contents of a file at the specified path",
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"path": pathSchema("File path relative to the working directory")},
			"required":   []string{"path"},
		},
	}, readFile)
	r.MustRegister(Definition{
		Name:        "write_file",
		Description: "Write content to a file at the specified path",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":    pathSchema("File path relative to the working directory"),
				"content": map[string]interface{}{"type": "string", "description": "Content to write to the file"},
			},
			"required": []string{"path", "content"},
		},
	}, writeFile)
	r.MustRegister(Definition{
		Name:        "list_files",
		Description: "List files and directories at the specified path",
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"path": pathSchema("Directory path relative to the working directory")},
			"required":   []string{"path"},
		},
	}, listFiles)
	r.MustRegister(Definition{
		Name:        "bash",
		Description: "Execute a bash command in the working directory",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{"type": "string", "description": "The bash command to execute"},
			},
			"required": []string{"command"},
		},
	}, runBash)
	return r
}

type pathArgs struct {
	Path    string  `json:"path"`
	Content *string `json:"content"`
}

func decodePath(args json.RawMessage) (pathArgs, error) {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return a, fmt.Errorf("invalid arguments: %w", err)
	}
	if a.Path == "" {
		a.Path = "."
	}
	return a, nil
}

// Resolve joins rel onto the working directory and rejects results outside Root.
func (ws Workspace) Resolve(rel string) (string, error) {
	root, err := filepath.Abs(ws.Root)
	if err != nil {
		return "", err
	}
	base, err := filepath.Abs(ws.Dir)
	if err != nil {
		return "", err
	}
	target := rel
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, rel)
	}
	target = filepath.Clean(target)
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s: %w", rel, ErrPathEscape)
	}
	return target, nil
}

func readFile(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	a, err := decodePath(args)
	if err != nil {
		return nil, err
	}
	path, err := ws.Resolve(a.Path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Result{"success": true, "content": string(content)}, nil
}

func writeFile(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	a, err := decodePath(args)
	if err != nil {
		return nil, err
	}
	if a.Content == nil {
		return nil, fmt.Errorf("content is required")
	}
	path, err := ws.Resolve(a.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(*a.Content), 0o644); err != nil {
		return nil, err
	}
	return Result{"success": true, "message": fmt.Sprintf("Wrote %d bytes to %s", len(*a.Content), a.Path)}, nil
}

func listFiles(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	a, err := decodePath(args)
	if err != nil {
		return nil, err
	}
	path, err := ws.Resolve(a.Path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	entries := make([]map[string]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		kind := "file"
		if de.IsDir() {
			kind = "directory"
		}
		entries = append(entries, map[string]string{"name": de.Name(), "type": kind})
	}
	return Result{"success": true, "entries": entries}, nil
}

func runBash(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	var a struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(a.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	timeout := ws.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", a.Command)
	cmd.Dir = ws.Dir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timed out after %s", timeout)
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		exitCode = exitErr.ExitCode()
	}
	return Result{
		"success":   exitCode == 0,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}, nil
}
