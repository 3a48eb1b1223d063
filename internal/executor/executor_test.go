package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhongli1990/saas-codex/internal/agent"
	"github.com/zhongli1990/saas-codex/internal/envelope"
	"github.com/zhongli1990/saas-codex/internal/hub"
	"github.com/zhongli1990/saas-codex/internal/logging"
)

type scriptedAgent struct {
	run func(ctx context.Context, req agent.Request, emit agent.Emitter) error
}

func (a scriptedAgent) Provider() string { return "test" }

func (a scriptedAgent) Run(ctx context.Context, req agent.Request, emit agent.Emitter) error {
	return a.run(ctx, req, emit)
}

type statusLog struct {
	mu       sync.Mutex
	statuses map[string]envelope.Status
}

func (s *statusLog) RecordStatus(runID string, status envelope.Status, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = make(map[string]envelope.Status)
	}
	s.statuses[runID] = status
}

func (s *statusLog) get(runID string) envelope.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[runID]
}

func replay(t *testing.T, h *hub.Hub, runID string) []envelope.Envelope {
	t.Helper()
	snapshot, sub, err := h.Subscribe(runID)
	require.NoError(t, err)
	defer h.Unsubscribe(sub)
	item, ok := sub.TryNext()
	require.True(t, ok)
	require.True(t, item.EndOfStream(), "run should be closed")
	return snapshot
}

func types(envs []envelope.Envelope) []string {
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.Type
	}
	return out
}

func newExecutor(h *hub.Hub, a agent.Agent, rec StatusRecorder, opts ...Option) *Executor {
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return New(h, a, rec, opts...)
}

func TestExecuteExampleRun(t *testing.T) {
	h := hub.New()
	rec := &statusLog{}
	a := scriptedAgent{run: func(ctx context.Context, req agent.Request, emit agent.Emitter) error {
		_ = emit.Emit(envelope.TypeRunStarted, envelope.RunStartedPayload{ThreadID: req.ThreadID})
		_ = emit.Emit(envelope.TypeUserMessage, envelope.TextPayload{Text: req.Prompt})
		for _, d := range []string{"a", "b", "c"} {
			_ = emit.Emit(envelope.TypeAssistantDelta, envelope.DeltaPayload{TextDelta: d})
		}
		return emit.Emit(envelope.TypeAssistantFinal, envelope.FinalPayload{Text: "abc", Format: "markdown"})
	}}

	status := newExecutor(h, a, rec).Execute(context.Background(), Run{ID: "r1", ThreadID: "t1", Prompt: "hi"})
	assert.Equal(t, envelope.StatusCompleted, status)
	assert.Equal(t, envelope.StatusCompleted, rec.get("r1"))

	envs := replay(t, h, "r1")
	require.Len(t, envs, 7)
	for i, env := range envs {
		assert.Equal(t, int64(i), env.Seq)
		assert.Equal(t, "r1", env.RunID)
		assert.Equal(t, "test", env.Provider)
		assert.Equal(t, envelope.SchemaVersion, env.Version)
	}
	assert.Equal(t, envelope.TypeRunCompleted, envs[6].Type)

	var p envelope.CompletedPayload
	require.NoError(t, envs[6].DecodePayload(&p))
	assert.Equal(t, "t1", p.ThreadID)
}

func TestExecuteAgentError(t *testing.T) {
	h := hub.New()
	rec := &statusLog{}
	a := scriptedAgent{run: func(ctx context.Context, req agent.Request, emit agent.Emitter) error {
		_ = emit.Emit(envelope.TypeRunStarted, nil)
		return errors.New("model unavailable")
	}}

	status := newExecutor(h, a, rec).Execute(context.Background(), Run{ID: "r1"})
	assert.Equal(t, envelope.StatusError, status)
	assert.Equal(t, envelope.StatusError, rec.get("r1"))

	envs := replay(t, h, "r1")
	assert.Equal(t, []string{envelope.TypeRunStarted, envelope.TypeError}, types(envs))
	var p envelope.ErrorPayload
	require.NoError(t, envs[1].DecodePayload(&p))
	assert.Equal(t, "model unavailable", p.Message)
}

func TestExecuteRecoversPanic(t *testing.T) {
	h := hub.New()
	a := scriptedAgent{run: func(ctx context.Context, req agent.Request, emit agent.Emitter) error {
		panic("nil map")
	}}

	status := newExecutor(h, a, nil).Execute(context.Background(), Run{ID: "r1"})
	assert.Equal(t, envelope.StatusError, status)

	envs := replay(t, h, "r1")
	require.Len(t, envs, 1)
	var p envelope.ErrorPayload
	require.NoError(t, envs[0].DecodePayload(&p))
	assert.Contains(t, p.Message, "nil map")
}

func TestEmitAfterTerminalIsRejected(t *testing.T) {
	h := hub.New()
	var lateErr, reservedErr error
	a := scriptedAgent{run: func(ctx context.Context, req agent.Request, emit agent.Emitter) error {
		reservedErr = emit.Emit(envelope.TypeStreamClosed, nil)
		_ = emit.Emit(envelope.TypeError, envelope.ErrorPayload{Message: "Max iterations reached"})
		lateErr = emit.Emit(envelope.TypeAssistantDelta, nil)
		return nil
	}}

	status := newExecutor(h, a, nil).Execute(context.Background(), Run{ID: "r1"})
	assert.Equal(t, envelope.StatusError, status)
	assert.True(t, errors.Is(lateErr, ErrRunFinished))
	assert.Error(t, reservedErr)
	assert.Equal(t, []string{envelope.TypeError}, types(replay(t, h, "r1")))
}

func TestExecuteTimeout(t *testing.T) {
	h := hub.New()
	a := scriptedAgent{run: func(ctx context.Context, req agent.Request, emit agent.Emitter) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	status := newExecutor(h, a, nil, WithTimeout(10*time.Millisecond)).Execute(context.Background(), Run{ID: "r1"})
	assert.Equal(t, envelope.StatusError, status)

	envs := replay(t, h, "r1")
	var p envelope.ErrorPayload
	require.NoError(t, envs[0].DecodePayload(&p))
	assert.Contains(t, p.Message, "deadline")
}

func TestStartWakesLiveSubscriber(t *testing.T) {
	h := hub.New()
	release := make(chan struct{})
	a := scriptedAgent{run: func(ctx context.Context, req agent.Request, emit agent.Emitter) error {
		<-release
		return emit.Emit(envelope.TypeAssistantFinal, envelope.FinalPayload{Text: "done"})
	}}
	ex := newExecutor(h, a, nil)
	ex.Start(Run{ID: "r1"})

	_, sub, err := h.Subscribe("r1")
	require.NoError(t, err)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []string
	for {
		item, err := sub.Next(ctx)
		require.NoError(t, err)
		if item.EndOfStream() {
			break
		}
		got = append(got, item.Envelope.Type)
	}
	ex.Wait()
	assert.Equal(t, []string{envelope.TypeAssistantFinal, envelope.TypeRunCompleted}, got)
}
