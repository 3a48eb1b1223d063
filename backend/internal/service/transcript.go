package service

import (
	"encoding/json"
	"fmt"

	"github.com/zhongli1990/saas-codex/backend/internal/domain"
	"github.com/zhongli1990/saas-codex/internal/envelope"
)

// journalEntry is the part of a journaled envelope the fold reads.
type journalEntry struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Message string          `json:"message"`
}

// FoldTranscript turns a journal into user, assistant, tool and error
// messages. Streamed deltas are joined into one assistant message unless a
// final message supersedes them. Text streamed before a tool call is placed
// ahead of it, and the turn's final text then replaces that entry. Tool
// results and blocks attach to the call with the same tool id.
func FoldTranscript(events []domain.RunEvent) []domain.TranscriptMessage {
	messages := []domain.TranscriptMessage{}
	tools := make(map[string]int)
	var pending string
	// streamed is the index of the assistant entry flushed during the
	// current turn, or -1.
	streamed := -1

	flush := func() {
		if pending == "" {
			return
		}
		if streamed >= 0 && streamed == len(messages)-1 {
			messages[streamed].Content += pending
		} else {
			messages = append(messages, domain.TranscriptMessage{Role: "assistant", Content: pending})
			streamed = len(messages) - 1
		}
		pending = ""
	}
	toolEntry := func(id, name string) *domain.TranscriptMessage {
		if i, ok := tools[id]; ok && id != "" {
			return &messages[i]
		}
		flush()
		messages = append(messages, domain.TranscriptMessage{
			Role:     "tool",
			Content:  fmt.Sprintf("Calling %s", name),
			ToolName: name,
		})
		tools[id] = len(messages) - 1
		return &messages[len(messages)-1]
	}

	for _, ev := range events {
		var entry journalEntry
		if err := json.Unmarshal(ev.RawJSON, &entry); err != nil {
			continue
		}
		switch entry.Type {
		case envelope.TypeUserMessage:
			var p envelope.TextPayload
			_ = json.Unmarshal(entry.Payload, &p)
			flush()
			streamed = -1
			messages = append(messages, domain.TranscriptMessage{Role: "user", Content: p.Text})
		case envelope.TypeIteration:
			flush()
			streamed = -1
		case envelope.TypeAssistantDelta:
			var p envelope.DeltaPayload
			_ = json.Unmarshal(entry.Payload, &p)
			pending += p.TextDelta
		case envelope.TypeAssistantFinal:
			var p envelope.FinalPayload
			_ = json.Unmarshal(entry.Payload, &p)
			if streamed >= 0 {
				if p.Text != "" {
					messages[streamed].Content = p.Text
				} else {
					messages[streamed].Content += pending
				}
			} else {
				if p.Text == "" {
					p.Text = pending
				}
				if p.Text != "" {
					messages = append(messages, domain.TranscriptMessage{Role: "assistant", Content: p.Text})
				}
			}
			pending = ""
			streamed = -1
		case envelope.TypeToolCall:
			var p envelope.ToolCallPayload
			_ = json.Unmarshal(entry.Payload, &p)
			msg := toolEntry(p.ToolID, p.ToolName)
			msg.ToolInput = p.Input
		case envelope.TypeToolResult:
			var p envelope.ToolResultPayload
			_ = json.Unmarshal(entry.Payload, &p)
			msg := toolEntry(p.ToolID, p.ToolName)
			msg.ToolOutput = p.Output
			streamed = -1
		case envelope.TypeToolBlocked:
			var p envelope.ToolBlockedPayload
			_ = json.Unmarshal(entry.Payload, &p)
			msg := toolEntry(p.ToolID, p.ToolName)
			msg.Blocked = p.Reason
			streamed = -1
		case envelope.TypeError:
			flush()
			var p envelope.ErrorPayload
			_ = json.Unmarshal(entry.Payload, &p)
			if p.Message == "" {
				p.Message = entry.Message
			}
			messages = append(messages, domain.TranscriptMessage{Role: "error", Content: p.Message})
		}
	}
	flush()
	return messages
}
