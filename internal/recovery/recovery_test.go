package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhongli1990/saas-codex/internal/logging"
)

type memSessions struct {
	bindings  map[string]*Binding
	updateErr error
}

func (m *memSessions) GetBinding(ctx context.Context, sessionID string) (*Binding, error) {
	b, ok := m.bindings[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *memSessions) UpdateThreadID(ctx context.Context, sessionID, threadID string) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.bindings[sessionID].ThreadID = threadID
	return nil
}

type scriptedRunner struct {
	startErrs   []error
	createErr   error
	startCalls  []string
	createCalls []string
}

func (r *scriptedRunner) CreateThread(ctx context.Context, workingDirectory string) (string, error) {
	r.createCalls = append(r.createCalls, workingDirectory)
	if r.createErr != nil {
		return "", r.createErr
	}
	return fmt.Sprintf("thread-%d", len(r.createCalls)+1), nil
}

func (r *scriptedRunner) StartRun(ctx context.Context, threadID, prompt string) (string, error) {
	r.startCalls = append(r.startCalls, threadID)
	i := len(r.startCalls) - 1
	if i < len(r.startErrs) && r.startErrs[i] != nil {
		return "", r.startErrs[i]
	}
	return "run-" + threadID, nil
}

func stale() error {
	return fmt.Errorf("runner returned 404: %w", ErrStaleThread)
}

func newFixture(runner *scriptedRunner) (*Submitter, *memSessions) {
	sessions := &memSessions{bindings: map[string]*Binding{
		"s1": {SessionID: "s1", RunnerType: "codex", ThreadID: "thread-1", WorkingDirectory: "/workspaces/demo"},
	}}
	resolve := func(runnerType string) (Runner, error) {
		if runnerType != "codex" {
			return nil, errors.New("unknown runner")
		}
		return runner, nil
	}
	return NewSubmitter(sessions, resolve, logging.Discard()), sessions
}

func TestSubmitPromptBoundThread(t *testing.T) {
	runner := &scriptedRunner{}
	sub, sessions := newFixture(runner)

	got, err := sub.SubmitPrompt(context.Background(), "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, &Submission{ThreadID: "thread-1", RunHandle: "run-thread-1"}, got)
	assert.Empty(t, runner.createCalls)
	assert.Equal(t, "thread-1", sessions.bindings["s1"].ThreadID)
}

func TestSubmitPromptRecoversOnce(t *testing.T) {
	runner := &scriptedRunner{startErrs: []error{stale()}}
	sub, sessions := newFixture(runner)

	got, err := sub.SubmitPrompt(context.Background(), "s1", "hello")
	require.NoError(t, err)
	assert.True(t, got.Recovered)
	assert.Equal(t, "thread-2", got.ThreadID)
	assert.Equal(t, "run-thread-2", got.RunHandle)
	assert.Equal(t, []string{"/workspaces/demo"}, runner.createCalls)
	assert.Equal(t, []string{"thread-1", "thread-2"}, runner.startCalls)
	assert.Equal(t, "thread-2", sessions.bindings["s1"].ThreadID)
}

func TestSubmitPromptNoThirdAttempt(t *testing.T) {
	runner := &scriptedRunner{startErrs: []error{stale(), stale()}}
	sub, _ := newFixture(runner)

	_, err := sub.SubmitPrompt(context.Background(), "s1", "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleThread))
	assert.Len(t, runner.startCalls, 2)
	assert.Len(t, runner.createCalls, 1)
}

func TestSubmitPromptOtherErrorsSurface(t *testing.T) {
	runner := &scriptedRunner{startErrs: []error{errors.New("runner returned 500: boom")}}
	sub, _ := newFixture(runner)

	_, err := sub.SubmitPrompt(context.Background(), "s1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, runner.startCalls, 1)
	assert.Empty(t, runner.createCalls)
}

func TestSubmitPromptRecreateFailure(t *testing.T) {
	runner := &scriptedRunner{startErrs: []error{stale()}, createErr: errors.New("working directory missing")}
	sub, sessions := newFixture(runner)

	_, err := sub.SubmitPrompt(context.Background(), "s1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "working directory missing")
	assert.Len(t, runner.startCalls, 1)
	assert.Equal(t, "thread-1", sessions.bindings["s1"].ThreadID)
}

func TestSubmitPromptUnknownSession(t *testing.T) {
	sub, _ := newFixture(&scriptedRunner{})
	_, err := sub.SubmitPrompt(context.Background(), "missing", "hello")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}
