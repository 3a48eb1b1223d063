// Package envelope defines the event envelope exchanged between the runner,
// the backend relay and clients, together with its SSE framing.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the wire version stamped on every envelope.
const SchemaVersion = 1

// Kind separates producer events from events injected by the hub or relay.
type Kind string

const (
	KindRaw       Kind = "raw"
	KindSynthetic Kind = "synthetic"
)

// Event types.
const (
	TypeRunStarted     = "run.started"
	TypeUserMessage    = "ui.message.user"
	TypeAssistantDelta = "ui.message.assistant.delta"
	TypeAssistantFinal = "ui.message.assistant.final"
	TypeToolCallStart  = "ui.tool.call.start"
	TypeToolCall       = "ui.tool.call"
	TypeToolResult     = "ui.tool.result"
	TypeToolBlocked    = "ui.tool.blocked"
	TypeIteration      = "ui.iteration"
	TypeRunCompleted   = "run.completed"
	TypeError          = "error"
	TypeStreamClosed   = "stream.closed"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status ends the run's active phase.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Envelope is one unit of a run's event stream.
type Envelope struct {
	Version  int             `json:"v"`
	RunID    string          `json:"runId"`
	Provider string          `json:"provider"`
	Kind     Kind            `json:"kind"`
	Type     string          `json:"type"`
	At       time.Time       `json:"at"`
	Seq      int64           `json:"seq"`
	Payload  json.RawMessage `json:"payload"`
}

// New builds a raw envelope stamped with the current time.
func New(runID, provider, eventType string, seq int64, payload interface{}) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Version:  SchemaVersion,
		RunID:    runID,
		Provider: provider,
		Kind:     KindRaw,
		Type:     eventType,
		At:       time.Now().UTC(),
		Seq:      seq,
		Payload:  raw,
	}, nil
}

// Synthetic builds an envelope injected by the hub or relay rather than the producer.
func Synthetic(runID, provider, eventType string, seq int64, payload interface{}) (Envelope, error) {
	env, err := New(runID, provider, eventType, seq, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Kind = KindSynthetic
	return env, nil
}

// IsTerminal reports whether an event type ends a run's active phase.
func IsTerminal(eventType string) bool {
	switch eventType {
	case TypeRunCompleted, TypeStreamClosed, TypeError:
		return true
	}
	return false
}

// TerminalStatus maps a terminal envelope to the run status it implies.
// A stream.closed envelope carries the status it observed; anything other
// than "error" there counts as completed.
func TerminalStatus(env Envelope) (Status, bool) {
	switch env.Type {
	case TypeRunCompleted:
		return StatusCompleted, true
	case TypeError:
		return StatusError, true
	case TypeStreamClosed:
		var p StreamClosedPayload
		if len(env.Payload) > 0 && json.Unmarshal(env.Payload, &p) == nil && p.Status == StatusError {
			return StatusError, true
		}
		return StatusCompleted, true
	}
	return "", false
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return raw, nil
}
