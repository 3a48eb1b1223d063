package llm

import "strings"

// Accumulator folds streamed chunks into a complete assistant message.
type Accumulator struct {
	text         strings.Builder
	calls        []ToolCall
	byIndex      map[int]int
	finishReason string
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{byIndex: make(map[int]int)}
}

// Add merges one chunk. It returns the text delta carried by the chunk and
// the tool calls that first appeared in it.
func (a *Accumulator) Add(chunk *StreamChunk) (string, []ToolCall) {
	var text strings.Builder
	var started []ToolCall
	for _, choice := range chunk.Choices {
		if choice.FinishReason != "" {
			a.finishReason = choice.FinishReason
		}
		if choice.Delta == nil {
			continue
		}
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			a.text.WriteString(choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := len(a.calls)
			if tc.Index != nil {
				idx = *tc.Index
			}
			pos, ok := a.byIndex[idx]
			if !ok {
				a.byIndex[idx] = len(a.calls)
				a.calls = append(a.calls, ToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: tc.Function,
				})
				started = append(started, a.calls[len(a.calls)-1])
				continue
			}
			call := &a.calls[pos]
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			call.Function.Arguments += tc.Function.Arguments
		}
	}
	return text.String(), started
}

// Text returns the concatenated assistant text.
func (a *Accumulator) Text() string {
	return a.text.String()
}

// ToolCalls returns the assembled tool calls in stream order.
func (a *Accumulator) ToolCalls() []ToolCall {
	out := make([]ToolCall, len(a.calls))
	copy(out, a.calls)
	return out
}

// FinishReason returns the last finish reason seen.
func (a *Accumulator) FinishReason() string {
	return a.finishReason
}
