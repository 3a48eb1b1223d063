// Package agent defines the contract between the run executor and the agent
// loops that produce a run's events.
package agent

import "context"

// Request describes one run handed to an agent.
type Request struct {
	RunID            string
	ThreadID         string
	Prompt           string
	WorkingDirectory string
}

// Emitter publishes one event of the running run. Implementations assign
// sequence numbers; agents only choose the type and payload.
type Emitter interface {
	Emit(eventType string, payload interface{}) error
}

// Agent drives one run to completion, emitting events as it goes. Returning
// an error ends the run with an error event carrying the message.
type Agent interface {
	Provider() string
	Run(ctx context.Context, req Request, emit Emitter) error
}

// SystemPrompt is the instruction both agent loops start from.
func SystemPrompt(workingDirectory string) string {
	return "You are a coding agent working in the repository at " + workingDirectory + ". " +
		"Use the provided tools to inspect and change files. Paths are relative to the working directory. " +
		"Explain what you did in markdown when you are finished."
}
