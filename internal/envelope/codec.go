package envelope

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrDecode is returned for frames whose data is not a valid envelope.
	ErrDecode = errors.New("envelope: malformed frame")
	// ErrNoData is returned for frames without a data field, such as comments.
	ErrNoData = errors.New("envelope: frame has no data")
)

// ConnectedFrame is the liveness comment written when a stream opens.
var ConnectedFrame = []byte(": connected\n\n")

var dataPrefix = []byte("data:")

// Encode renders an envelope as a single SSE frame.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// Comment renders an SSE comment frame.
func Comment(text string) []byte {
	return []byte(": " + text + "\n\n")
}

// wireEnvelope tolerates producers that stamp "at" in a non-RFC3339 layout
// or report errors with a top-level message instead of a payload.
type wireEnvelope struct {
	Version  int             `json:"v"`
	RunID    string          `json:"runId"`
	Provider string          `json:"provider"`
	Kind     Kind            `json:"kind"`
	Type     string          `json:"type"`
	At       json.RawMessage `json:"at"`
	Seq      int64           `json:"seq"`
	Payload  json.RawMessage `json:"payload"`
	Message  string          `json:"message"`
}

// Decode parses one SSE frame into an envelope.
func Decode(frame []byte) (Envelope, error) {
	data, ok := FrameData(frame)
	if !ok {
		return Envelope{}, ErrNoData
	}
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if w.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrDecode)
	}
	env := Envelope{
		Version:  w.Version,
		RunID:    w.RunID,
		Provider: w.Provider,
		Kind:     w.Kind,
		Type:     w.Type,
		At:       parseAt(w.At),
		Seq:      w.Seq,
		Payload:  w.Payload,
	}
	if env.Kind == "" {
		env.Kind = KindRaw
	}
	if isNull(env.Payload) && w.Message != "" {
		env.Payload, _ = json.Marshal(ErrorPayload{Message: w.Message})
	}
	return env, nil
}

// FrameData returns the joined data field of a frame.
func FrameData(frame []byte) ([]byte, bool) {
	var data []byte
	found := false
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		value := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))
		if found {
			data = append(data, '\n')
		}
		data = append(data, value...)
		found = true
	}
	return data, found
}

// FrameReader splits an SSE byte stream into raw frames.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next frame including its terminating blank line.
// A trailing frame without a terminator is returned before io.EOF.
func (fr *FrameReader) Next() ([]byte, error) {
	var frame []byte
	for {
		line, err := fr.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				frame = append(frame, line...)
				if len(bytes.TrimSpace(frame)) > 0 {
					return frame, nil
				}
				return nil, io.EOF
			}
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			if len(frame) == 0 {
				continue
			}
			return append(frame, line...), nil
		}
		frame = append(frame, line...)
	}
}

func parseAt(raw json.RawMessage) time.Time {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
