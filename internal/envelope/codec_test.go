package envelope

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	env, err := New("r1", "codex", TypeAssistantDelta, 3, DeltaPayload{TextDelta: "hi"})
	require.NoError(t, err)

	frame, err := Encode(env)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(frame), "data: {"))
	assert.True(t, strings.HasSuffix(string(frame), "\n\n"))

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, got.Version)
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, KindRaw, got.Kind)
	assert.Equal(t, int64(3), got.Seq)
	assert.True(t, env.At.Equal(got.At))

	var p DeltaPayload
	require.NoError(t, got.DecodePayload(&p))
	assert.Equal(t, "hi", p.TextDelta)
}

func TestDecodeComment(t *testing.T) {
	_, err := Decode(ConnectedFrame)
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("data: {not json\n\n"))
	assert.True(t, errors.Is(err, ErrDecode))

	_, err = Decode([]byte("data: {\"runId\":\"r1\"}\n\n"))
	assert.True(t, errors.Is(err, ErrDecode), "type is required")
}

func TestDecodeLenientProducerFields(t *testing.T) {
	frame := []byte("data: {\"v\":1,\"runId\":\"r1\",\"type\":\"run.started\",\"at\":\"2025-01-02T03:04:05.123456\",\"seq\":0,\"payload\":{}}\n\n")
	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, 2025, env.At.Year())

	env, err = Decode([]byte("data: {\"type\":\"error\",\"message\":\"boom\"}\n\n"))
	require.NoError(t, err)
	var p ErrorPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "boom", p.Message)
}

func TestFrameDataJoinsMultipleLines(t *testing.T) {
	data, ok := FrameData([]byte("event: x\ndata: first\ndata: second\n\n"))
	require.True(t, ok)
	assert.Equal(t, "first\nsecond", string(data))
}

func TestFrameReader(t *testing.T) {
	input := ": connected\n\n" +
		"data: {\"type\":\"run.started\"}\n\n" +
		"\n" +
		"data: garbage\n\n" +
		"data: {\"type\":\"run.completed\"}"

	fr := NewFrameReader(strings.NewReader(input))
	var frames []string
	for {
		frame, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		frames = append(frames, string(frame))
	}

	require.Len(t, frames, 4)
	assert.Equal(t, ": connected\n\n", frames[0])
	assert.Equal(t, "data: garbage\n\n", frames[2])
	assert.Equal(t, "data: {\"type\":\"run.completed\"}", frames[3])
}

func TestTerminalStatus(t *testing.T) {
	completed, _ := New("r1", "codex", TypeRunCompleted, 0, nil)
	status, ok := TerminalStatus(completed)
	assert.True(t, ok)
	assert.Equal(t, StatusCompleted, status)

	failed, _ := New("r1", "codex", TypeError, 0, ErrorPayload{Message: "x"})
	status, _ = TerminalStatus(failed)
	assert.Equal(t, StatusError, status)

	closedErr, _ := Synthetic("r1", "codex", TypeStreamClosed, 0, StreamClosedPayload{Status: StatusError})
	status, _ = TerminalStatus(closedErr)
	assert.Equal(t, StatusError, status)

	delta, _ := New("r1", "codex", TypeAssistantDelta, 0, nil)
	_, ok = TerminalStatus(delta)
	assert.False(t, ok)
	assert.False(t, IsTerminal(TypeToolBlocked))
	assert.True(t, IsTerminal(TypeStreamClosed))
}
