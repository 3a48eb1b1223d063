// Package tools executes the workspace tools offered to agents.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Workspace scopes tool execution to one run's working directory.
type Workspace struct {
	// Root is the directory no tool may leave.
	Root string
	// Dir is the run's working directory, inside Root.
	Dir string
	// CommandTimeout bounds bash. Zero uses DefaultCommandTimeout.
	CommandTimeout time.Duration
}

// Result is the JSON object returned to the model. Every result carries a
// boolean "success" key.
type Result map[string]interface{}

// Success reports the result's success flag.
func (r Result) Success() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// Failure builds an unsuccessful result.
func Failure(msg string) Result {
	return Result{"success": false, "error": msg}
}

// ExecutorFunc defines a tool executor.
type ExecutorFunc func(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error)

// Definition describes a tool to a model.
type Definition struct {
	Name        string
	Description string
	// Schema is a JSON Schema object for the tool input.
	Schema map[string]interface{}
}

type entry struct {
	def  Definition
	exec ExecutorFunc
}

// Registry stores tool executors keyed by tool name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

// NewRegistry creates an empty tool executor registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]entry),
	}
}

// Register adds a new executor for a tool.
func (r *Registry) Register(def Definition, exec ExecutorFunc) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("executor already registered for %s", def.Name)
	}
	r.entries[def.Name] = entry{def: def, exec: exec}
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister adds an executor or panics.
func (r *Registry) MustRegister(def Definition, exec ExecutorFunc) {
	if err := r.Register(def, exec); err != nil {
		panic(err)
	}
}

// Definitions returns the registered tools in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entries[name].def)
	}
	return defs
}

// Execute runs the named tool. Tool failures are reported in the result,
// never as a Go error, so the model can see and react to them.
func (r *Registry) Execute(ctx context.Context, ws Workspace, toolName string, args json.RawMessage) Result {
	r.mu.RLock()
	e, ok := r.entries[toolName]
	r.mu.RUnlock()
	if !ok {
		return Failure(fmt.Sprintf("Unknown tool: %s", toolName))
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := e.exec(ctx, ws, args)
	if err != nil {
		return Failure(err.Error())
	}
	return result
}
