package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockClient is a deterministic LLMClient for local runs and tests. A prompt
// that mentions listing files produces one list_files tool call when that
// tool is offered; everything else is echoed back as streamed text.
type MockClient struct{}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Ensure MockClient implements LLMClient interface.
var _ LLMClient = (*MockClient)(nil)

// CreateChatCompletionStream simulates a streaming response.
func (m *MockClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	id := fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano())
	created := time.Now().Unix()
	chunk := func(delta *ChatMessage, finishReason string) *StreamChunk {
		return &StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []Choice{{Index: 0, Delta: delta, FinishReason: finishReason}},
		}
	}

	if m.wantsListFiles(req) {
		idx := 0
		fragments := []ToolCall{
			{Index: &idx, ID: "call_mock_1", Type: "function", Function: ToolCallFunction{Name: "list_files", Arguments: `{"path":`}},
			{Index: &idx, Function: ToolCallFunction{Arguments: `"."}`}},
		}
		for i, fragment := range fragments {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			finish := ""
			if i == len(fragments)-1 {
				finish = "tool_calls"
			}
			if err := callback(chunk(&ChatMessage{Role: "assistant", ToolCalls: []ToolCall{fragment}}, finish)); err != nil {
				return nil, err
			}
		}
		return m.usage(req, 8), nil
	}

	responseContent := m.generateMockResponse(req)
	chunks := m.splitIntoChunks(responseContent, 10)
	for i, part := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		finishReason := ""
		if i == len(chunks)-1 {
			finishReason = "stop"
		}
		if err := callback(chunk(&ChatMessage{Role: "assistant", Content: part}, finishReason)); err != nil {
			return nil, err
		}
	}

	return m.usage(req, len(responseContent)/4), nil
}

// wantsListFiles reports whether the conversation is waiting on a file listing.
func (m *MockClient) wantsListFiles(req *ChatCompletionRequest) bool {
	if len(req.Messages) == 0 {
		return false
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || !strings.Contains(strings.ToLower(last.Content), "list") {
		return false
	}
	for _, tool := range req.Tools {
		if tool.Function.Name == "list_files" {
			return true
		}
	}
	return false
}

// generateMockResponse generates a mock response based on the request.
func (m *MockClient) generateMockResponse(req *ChatCompletionRequest) string {
	if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == "tool" {
		return fmt.Sprintf("[MOCK] The tool returned: %s", truncate(req.Messages[n-1].Content, 100))
	}

	var lastUserMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUserMessage = req.Messages[i].Content
			break
		}
	}

	if lastUserMessage == "" {
		return "[MOCK] This is a mock response from the LLM client."
	}

	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100))
}

func (m *MockClient) usage(req *ChatCompletionRequest, completion int) *Usage {
	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(msg.Content) / 4
	}
	return &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func (m *MockClient) splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return []string{""}
	}

	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
