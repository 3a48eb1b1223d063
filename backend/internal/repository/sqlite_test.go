package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhongli1990/saas-codex/backend/internal/domain"
	"github.com/zhongli1990/saas-codex/internal/envelope"
	"github.com/zhongli1990/saas-codex/internal/recovery"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *SQLiteStore) (*domain.Session, *domain.Run) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	ws := &domain.Workspace{WorkspaceID: "w1", DisplayName: "demo", SourceType: domain.SourceTypeLocal, SourceURI: "/workspaces/demo", LocalPath: "/workspaces/demo", CreatedAt: now}
	require.NoError(t, store.CreateWorkspace(ctx, ws))

	session := &domain.Session{SessionID: "s1", WorkspaceID: "w1", RunnerType: domain.RunnerTypeCodex, ThreadID: "t1", WorkingDirectory: "/workspaces/demo", CreatedAt: now}
	require.NoError(t, store.CreateSession(ctx, session))

	run := &domain.Run{RunID: "r1", SessionID: "s1", RunnerRunID: "up-1", Prompt: "hello", Status: envelope.StatusRunning, CreatedAt: now}
	require.NoError(t, store.CreateRun(ctx, run))
	return session, run
}

func TestWorkspacesAndSessions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store)

	ws, err := store.GetWorkspace(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, ws)
	assert.Equal(t, domain.SourceTypeLocal, ws.SourceType)

	missing, err := store.GetWorkspace(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := store.ListWorkspaces(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	session, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, domain.RunnerTypeCodex, session.RunnerType)
	assert.Equal(t, 1, session.RunCount)

	sessions, err := store.ListSessions(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "t1", sessions[0].ThreadID)

	noSession, err := store.GetSession(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, noSession)
}

func TestBinding(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store)

	b, err := store.GetBinding(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, &recovery.Binding{SessionID: "s1", RunnerType: "codex", ThreadID: "t1", WorkingDirectory: "/workspaces/demo"}, b)

	require.NoError(t, store.UpdateThreadID(ctx, "s1", "t2"))
	b, err = store.GetBinding(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "t2", b.ThreadID)

	b, err = store.GetBinding(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, b)

	err = store.UpdateThreadID(ctx, "nope", "t3")
	assert.ErrorIs(t, err, recovery.ErrSessionNotFound)
}

func TestRunsAndTerminalIdempotence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store)

	done := time.Now().UTC()
	updated, err := store.MarkTerminal(ctx, "r1", envelope.StatusCompleted, done)
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = store.MarkTerminal(ctx, "r1", envelope.StatusError, done.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, updated, "first terminal wins")

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, envelope.StatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.WithinDuration(t, done, *run.CompletedAt, time.Millisecond)

	runs, err := store.ListRuns(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	noRun, err := store.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, noRun)
}

func TestJournal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store)

	at := time.Now()
	for _, seq := range []int64{2, 0, 1} {
		raw := fmt.Sprintf(`{"type":"ui.message.assistant.delta","seq":%d}`, seq)
		require.NoError(t, store.AppendEvent(ctx, "r1", seq, at, envelope.TypeAssistantDelta, []byte(raw)))
	}
	require.NoError(t, store.AppendEvent(ctx, "r1", 1, at, envelope.TypeError, []byte(`{"type":"error"}`)), "duplicate seq is ignored")

	events, err := store.ListEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Seq)
		assert.Equal(t, envelope.TypeAssistantDelta, ev.EventType)
		assert.Equal(t, domain.EventSourceRunner, ev.Source)
		assert.NotEmpty(t, ev.EventID)
	}
	assert.JSONEq(t, `{"type":"ui.message.assistant.delta","seq":1}`, string(events[1].RawJSON))

	err = store.AppendEvent(ctx, "ghost", 0, at, envelope.TypeError, []byte(`{}`))
	assert.Error(t, err, "foreign key on run_id")
}
