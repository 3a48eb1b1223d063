package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
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

type echoAgent struct{}

func (echoAgent) Provider() string { return "codex" }

func (echoAgent) Run(ctx context.Context, req agent.Request, emit agent.Emitter) error {
	if req.Prompt == "fail" {
		return errors.New("model unavailable")
	}
	if req.Prompt == "block" {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := emit.Emit(envelope.TypeRunStarted, envelope.RunStartedPayload{ThreadID: req.ThreadID, Provider: "codex"}); err != nil {
		return err
	}
	if err := emit.Emit(envelope.TypeAssistantFinal, envelope.FinalPayload{Text: req.WorkingDirectory, Format: "markdown"}); err != nil {
		return err
	}
	return emit.Emit(envelope.TypeRunCompleted, envelope.CompletedPayload{ThreadID: req.ThreadID})
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newService(t *testing.T, opts ...Option) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "repo"), 0o755))
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	s, err := New(hub.New(), echoAgent{}, root, opts...)
	require.NoError(t, err)
	return s, root
}

func TestCreateThread(t *testing.T) {
	s, root := newService(t)

	tests := []struct {
		name    string
		dir     string
		want    string
		wantErr bool
	}{
		{"absolute", filepath.Join(root, "repo"), filepath.Join(root, "repo"), false},
		{"relative", "repo", filepath.Join(root, "repo"), false},
		{"empty is root", "", root, false},
		{"outside root", t.TempDir(), "", true},
		{"dot dot", filepath.Join(root, "repo", "..", ".."), "", true},
		{"missing", filepath.Join(root, "missing"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th, err := s.CreateThread(tt.dir)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidWorkingDirectory)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, th.WorkingDirectory)
			assert.Equal(t, "codex", th.Provider)
			assert.NotEmpty(t, th.ID)
		})
	}
}

func TestStartRunValidation(t *testing.T) {
	s, root := newService(t)
	th, err := s.CreateThread(filepath.Join(root, "repo"))
	require.NoError(t, err)

	_, err = s.StartRun("nope", "hi")
	assert.ErrorIs(t, err, ErrThreadNotFound)

	_, err = s.StartRun(th.ID, "   ")
	assert.ErrorIs(t, err, ErrPromptRequired)

	_, err = s.GetRun("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.Equal(t, envelope.StatusRunning, s.RunStatus("nope"))
}

func TestStartRunCompletes(t *testing.T) {
	s, root := newService(t)
	th, err := s.CreateThread("repo")
	require.NoError(t, err)

	run, err := s.StartRun(th.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusRunning, run.Status)
	s.Wait()

	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	snapshot, sub, err := s.Hub().Subscribe(run.ID)
	require.NoError(t, err)
	defer s.Hub().Unsubscribe(sub)
	require.Len(t, snapshot, 3)
	assert.Equal(t, envelope.TypeRunCompleted, snapshot[2].Type)

	var final envelope.FinalPayload
	require.NoError(t, snapshot[1].DecodePayload(&final))
	assert.Equal(t, filepath.Join(root, "repo"), final.Text)
}

func TestStartRunError(t *testing.T) {
	s, _ := newService(t)
	th, err := s.CreateThread("repo")
	require.NoError(t, err)

	run, err := s.StartRun(th.ID, "fail")
	require.NoError(t, err)
	s.Wait()

	assert.Equal(t, envelope.StatusError, s.RunStatus(run.ID))
}

func TestStartRunSnapshotIsRunning(t *testing.T) {
	s, _ := newService(t)
	th, err := s.CreateThread("repo")
	require.NoError(t, err)

	var wg sync.WaitGroup
	runs := make(chan *Run, 20)
	for i := 0; i < 20; i++ {
		prompt := "hello"
		if i%2 == 0 {
			prompt = "fail"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := s.StartRun(th.ID, prompt)
			if assert.NoError(t, err) {
				runs <- run
			}
		}()
	}
	wg.Wait()
	close(runs)
	s.Wait()

	for run := range runs {
		assert.Equal(t, envelope.StatusRunning, run.Status)
		assert.Nil(t, run.CompletedAt)
		assert.True(t, s.RunStatus(run.ID).Terminal())
	}
}

func TestWaitContext(t *testing.T) {
	s, _ := newService(t, WithAgentTimeout(300*time.Millisecond))
	th, err := s.CreateThread("repo")
	require.NoError(t, err)

	run, err := s.StartRun(th.ID, "block")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitContext(ctx), context.DeadlineExceeded)

	require.NoError(t, s.WaitContext(context.Background()))
	assert.Equal(t, envelope.StatusError, s.RunStatus(run.ID))
}

func TestRecordStatusFirstTerminalWins(t *testing.T) {
	s, _ := newService(t)
	s.runs["r1"] = &Run{ID: "r1", Status: envelope.StatusRunning}

	s.RecordStatus("r1", envelope.StatusError, time.Now())
	s.RecordStatus("r1", envelope.StatusCompleted, time.Now())
	s.RecordStatus("ghost", envelope.StatusCompleted, time.Now())

	assert.Equal(t, envelope.StatusError, s.RunStatus("r1"))
}

func TestSweepExpiresThreadsAndRuns(t *testing.T) {
	c := &clock{now: time.Now()}
	s, _ := newService(t, WithClock(c.Now), WithThreadTTL(time.Hour), WithRetention(10*time.Minute))

	idle, err := s.CreateThread("repo")
	require.NoError(t, err)
	busy, err := s.CreateThread("repo")
	require.NoError(t, err)

	c.Advance(50 * time.Minute)
	run, err := s.StartRun(busy.ID, "hello")
	require.NoError(t, err)
	s.Wait()

	c.Advance(20 * time.Minute)
	threads, runs, _ := s.Sweep()
	assert.Equal(t, 1, threads)
	assert.Equal(t, 1, runs)

	_, err = s.StartRun(idle.ID, "hello")
	assert.ErrorIs(t, err, ErrThreadNotFound, "expired threads surface as not found")
	_, err = s.GetThread(busy.ID)
	assert.NoError(t, err)
	_, err = s.GetRun(run.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, _, err = s.Hub().Subscribe(run.ID)
	assert.ErrorIs(t, err, hub.ErrUnknownRun)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	s, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
