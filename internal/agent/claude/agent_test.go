package claude

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhongli1990/saas-codex/internal/agent"
	"github.com/zhongli1990/saas-codex/internal/envelope"
	"github.com/zhongli1990/saas-codex/internal/logging"
	"github.com/zhongli1990/saas-codex/internal/tools"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return nil }

// scriptedMessages answers each NewStreaming call with the next script.
type scriptedMessages struct {
	scripts [][]ssestream.Event
	calls   []sdk.MessageNewParams
}

func (s *scriptedMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.calls = append(s.calls, body)
	var events []ssestream.Event
	if n := len(s.calls) - 1; n < len(s.scripts) {
		events = s.scripts[n]
	}
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)
}

func event(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func textTurn(text, stopReason string) []ssestream.Event {
	delta, _ := json.Marshal(text)
	return []ssestream.Event{
		event("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":1}}}`),
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":`+string(delta)+`}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"`+stopReason+`","stop_sequence":null},"usage":{"output_tokens":5}}`),
		event("message_stop", `{"type":"message_stop"}`),
	}
}

func toolTurn() []ssestream.Event {
	return []ssestream.Event{
		event("message_start", `{"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":1}}}`),
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Looking."}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"list_files","input":{}}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\".\"}"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":1}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":20}}`),
		event("message_stop", `{"type":"message_stop"}`),
	}
}

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

func newAgent(t *testing.T, client MessagesClient, maxTurns int) (*Agent, agent.Request) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "demo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module demo\n"), 0o644))

	box := agent.NewToolbox(tools.NewWorkspaceRegistry(), nil, root, 0, logging.Discard())
	a := New(client, box, "claude-sonnet-4-5", maxTurns, logging.Discard())
	return a, agent.Request{RunID: "run-1", ThreadID: "thread-1", Prompt: "what is here?", WorkingDirectory: dir}
}

func TestRunTextOnly(t *testing.T) {
	client := &scriptedMessages{scripts: [][]ssestream.Event{textTurn("Nothing to do.", "end_turn")}}
	a, req := newAgent(t, client, 0)
	rec := &recorder{}

	require.NoError(t, a.Run(context.Background(), req, rec))

	assert.Equal(t, []string{
		envelope.TypeRunStarted,
		envelope.TypeUserMessage,
		envelope.TypeIteration,
		envelope.TypeAssistantDelta,
		envelope.TypeAssistantFinal,
		envelope.TypeRunCompleted,
	}, rec.types())
	assert.JSONEq(t, `{"threadId":"thread-1","provider":"claude"}`, string(rec.events[0].Payload))
	assert.JSONEq(t, `{"current":1,"max":20}`, string(rec.events[2].Payload))
	assert.JSONEq(t, `{"text":"Nothing to do.","format":"markdown"}`, string(rec.events[4].Payload))

	require.Len(t, client.calls, 1)
	params := client.calls[0]
	assert.Equal(t, int64(maxTokens), params.MaxTokens)
	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), params.Model)
	require.Len(t, params.System, 1)
	assert.Contains(t, params.System[0].Text, req.WorkingDirectory)
	require.Len(t, params.Tools, 4)
	assert.Equal(t, "read_file", params.Tools[0].OfTool.Name)
}

func TestRunToolUse(t *testing.T) {
	client := &scriptedMessages{scripts: [][]ssestream.Event{toolTurn(), textTurn("One file: go.mod.", "end_turn")}}
	a, req := newAgent(t, client, 0)
	rec := &recorder{}

	require.NoError(t, a.Run(context.Background(), req, rec))

	assert.Equal(t, []string{
		envelope.TypeRunStarted,
		envelope.TypeUserMessage,
		envelope.TypeIteration,
		envelope.TypeAssistantDelta,
		envelope.TypeToolCallStart,
		envelope.TypeToolCall,
		envelope.TypeAssistantFinal,
		envelope.TypeToolResult,
		envelope.TypeIteration,
		envelope.TypeAssistantDelta,
		envelope.TypeAssistantFinal,
		envelope.TypeRunCompleted,
	}, rec.types())

	assert.JSONEq(t, `{"toolId":"toolu_1","toolName":"list_files"}`, string(rec.events[4].Payload))
	assert.JSONEq(t, `{"toolId":"toolu_1","toolName":"list_files","input":{"path":"."}}`, string(rec.events[5].Payload))

	var result envelope.ToolResultPayload
	require.NoError(t, json.Unmarshal(rec.events[7].Payload, &result))
	assert.JSONEq(t, `{"success":true,"entries":[{"name":"go.mod","type":"file"}]}`, string(result.Output))

	require.Len(t, client.calls, 2)
	assert.Len(t, client.calls[1].Messages, 3)
}

func TestRunStopsAtMaxTurns(t *testing.T) {
	client := &scriptedMessages{scripts: [][]ssestream.Event{toolTurn(), toolTurn(), toolTurn()}}
	a, req := newAgent(t, client, 2)
	rec := &recorder{}

	require.NoError(t, a.Run(context.Background(), req, rec))

	assert.Len(t, client.calls, 2)
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, envelope.TypeError, last.Type)
	assert.JSONEq(t, `{"message":"Max iterations reached"}`, string(last.Payload))
}

func TestRunStreamError(t *testing.T) {
	client := &scriptedMessages{scripts: [][]ssestream.Event{{
		event("error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`),
	}}}
	a, req := newAgent(t, client, 0)

	err := a.Run(context.Background(), req, &recorder{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic messages stream")
}
