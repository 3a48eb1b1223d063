package envelope

import "encoding/json"

// RunStartedPayload is the payload of run.started.
type RunStartedPayload struct {
	ThreadID string `json:"threadId"`
	Provider string `json:"provider,omitempty"`
}

// TextPayload is the payload of ui.message.user.
type TextPayload struct {
	Text string `json:"text"`
}

// DeltaPayload is the payload of ui.message.assistant.delta.
type DeltaPayload struct {
	TextDelta string `json:"textDelta"`
}

// FinalPayload is the payload of ui.message.assistant.final.
type FinalPayload struct {
	Text   string `json:"text"`
	Format string `json:"format"`
}

// IterationPayload is the payload of ui.iteration.
type IterationPayload struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// ToolCallPayload is the payload of ui.tool.call and ui.tool.call.start.
type ToolCallPayload struct {
	ToolID   string          `json:"toolId"`
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload is the payload of ui.tool.result.
type ToolResultPayload struct {
	ToolID   string          `json:"toolId"`
	ToolName string          `json:"toolName"`
	Output   json.RawMessage `json:"output"`
}

// ToolBlockedPayload is the payload of ui.tool.blocked.
type ToolBlockedPayload struct {
	ToolID   string `json:"toolId"`
	ToolName string `json:"toolName"`
	Reason   string `json:"reason"`
}

// CompletedPayload is the payload of run.completed.
type CompletedPayload struct {
	ThreadID string `json:"threadId"`
}

// ErrorPayload is the payload of error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// StreamClosedPayload is the payload of stream.closed.
type StreamClosedPayload struct {
	Status Status `json:"status"`
}
