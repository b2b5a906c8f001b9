// Package persistencetest runs the behavioral contract every Store
// implementation must satisfy. The in-memory and Mongo stores both pass the
// same suite, so callers can swap backends without semantic drift.
package persistencetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execbroker/execbroker/persistence"
)

// Run exercises the Store contract against store.
func Run(t *testing.T, store persistence.Store) {
	t.Run("task lifecycle", func(t *testing.T) { taskLifecycle(t, store) })
	t.Run("event sequences", func(t *testing.T) { eventSequences(t, store) })
	t.Run("approval idempotence", func(t *testing.T) { approvalIdempotence(t, store) })
	t.Run("registry build publish", func(t *testing.T) { registryBuildPublish(t, store) })
}

func taskLifecycle(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	created, err := store.CreateTask(ctx, &persistence.Task{
		WorkspaceID: "ws-suite", RuntimeID: "script", Code: "exit 0",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, persistence.TaskQueued, created.Status)
	assert.Nil(t, created.StartedAt)

	running, err := store.MarkTaskRunning(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, persistence.TaskRunning, running.Status)
	assert.NotNil(t, running.StartedAt)

	// The compare-and-set only fires from queued.
	again, err := store.MarkTaskRunning(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, again)

	code := 0
	finished, err := store.MarkTaskFinished(ctx, created.ID, persistence.TaskCompleted, "out", "", &code, "")
	require.NoError(t, err)
	require.NotNil(t, finished)
	assert.Equal(t, persistence.TaskCompleted, finished.Status)
	assert.NotNil(t, finished.CompletedAt)

	loaded, err := store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, persistence.TaskCompleted, loaded.Status)

	missing, err := store.GetTask(ctx, "no-such-task")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func eventSequences(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		e, err := store.AppendTaskEvent(ctx, "suite-t1", "task.stdout", map[string]any{"line": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i), e.Sequence)
	}
	e, err := store.AppendTaskEvent(ctx, "suite-t2", "task.created", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Sequence)

	events, err := store.ListTaskEvents(ctx, "suite-t1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func approvalIdempotence(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	a, err := store.CreateApproval(ctx, "suite-t1", "ws-suite", "demo.ping", map[string]any{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, persistence.ApprovalPending, a.Status)

	first, transitioned, err := store.ResolveApproval(ctx, a.ID, persistence.ApprovalApproved, "rev1", "ok")
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, persistence.ApprovalApproved, first.Status)
	assert.NotNil(t, first.ResolvedAt)

	second, transitioned, err := store.ResolveApproval(ctx, a.ID, persistence.ApprovalDenied, "rev2", "no")
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, persistence.ApprovalApproved, second.Status)
	assert.Equal(t, "rev1", second.ReviewerID)
}

func registryBuildPublish(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	const ws = "ws-suite-reg"

	require.NoError(t, store.BeginBuild(ctx, ws, "sig1", "b1"))
	require.NoError(t, store.PutToolsBatch(ctx, ws, "b1", []persistence.ToolEntry{{Path: "demo.ping"}}))
	require.NoError(t, store.PutNamespacesBatch(ctx, ws, "b1", []string{"demo"}))

	state, err := store.GetRegistryState(ctx, ws)
	require.NoError(t, err)
	assert.Empty(t, state.ReadyBuildID)

	require.NoError(t, store.FinishBuild(ctx, ws, "b1", []string{"w"}))
	state, err = store.GetRegistryState(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, "b1", state.ReadyBuildID)
	assert.Equal(t, "sig1", state.ReadySignature)
	require.Len(t, state.Tools, 1)

	require.NoError(t, store.BeginBuild(ctx, ws, "sig2", "b2"))
	require.NoError(t, store.FailBuild(ctx, ws, "b2"))
	state, err = store.GetRegistryState(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, "b1", state.ReadyBuildID)
	assert.Empty(t, state.BuildingBuildID)
}
