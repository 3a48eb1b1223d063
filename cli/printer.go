package main

import (
	"fmt"
	"io"

	"github.com/zhongli1990/saas-codex/internal/envelope"
)

// Printer renders envelopes as a readable transcript.
type Printer struct {
	out       io.Writer
	streaming bool
}

// NewPrinter creates a Printer writing to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// Handle prints one envelope.
func (p *Printer) Handle(env envelope.Envelope) {
	switch env.Type {
	case envelope.TypeAssistantDelta:
		var payload envelope.DeltaPayload
		if env.DecodePayload(&payload) == nil {
			fmt.Fprint(p.out, payload.TextDelta)
			p.streaming = true
		}
		return
	case envelope.TypeAssistantFinal:
		// Deltas already printed the text.
		if !p.streaming {
			var payload envelope.FinalPayload
			if env.DecodePayload(&payload) == nil {
				fmt.Fprint(p.out, payload.Text)
			}
		}
		fmt.Fprintln(p.out)
		p.streaming = false
		return
	}

	if p.streaming {
		fmt.Fprintln(p.out)
		p.streaming = false
	}

	switch env.Type {
	case envelope.TypeToolCall:
		var payload envelope.ToolCallPayload
		_ = env.DecodePayload(&payload)
		fmt.Fprintf(p.out, "[tool] %s %s\n", payload.ToolName, string(payload.Input))
	case envelope.TypeToolBlocked:
		var payload envelope.ToolBlockedPayload
		_ = env.DecodePayload(&payload)
		fmt.Fprintf(p.out, "[blocked] %s: %s\n", payload.ToolName, payload.Reason)
	case envelope.TypeToolResult:
		var payload envelope.ToolResultPayload
		_ = env.DecodePayload(&payload)
		fmt.Fprintf(p.out, "[result] %s %s\n", payload.ToolName, string(payload.Output))
	case envelope.TypeIteration:
		var payload envelope.IterationPayload
		_ = env.DecodePayload(&payload)
		fmt.Fprintf(p.out, "--- turn %d/%d ---\n", payload.Current, payload.Max)
	case envelope.TypeError:
		var payload envelope.ErrorPayload
		_ = env.DecodePayload(&payload)
		fmt.Fprintf(p.out, "[error] %s\n", payload.Message)
	case envelope.TypeRunCompleted:
		fmt.Fprintln(p.out, "[done]")
	case envelope.TypeStreamClosed:
		var payload envelope.StreamClosedPayload
		_ = env.DecodePayload(&payload)
		fmt.Fprintf(p.out, "[closed] %s\n", payload.Status)
	}
}
