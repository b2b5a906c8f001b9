package persistence_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/persistence/persistencetest"
)

func newTask(t *testing.T, store persistence.Store) *persistence.Task {
	t.Helper()
	created, err := store.CreateTask(context.Background(), &persistence.Task{
		WorkspaceID: "ws1",
		ActorID:     "alice",
		RuntimeID:   "script",
		Code:        "print stdout hi",
		TimeoutMs:   1000,
	})
	require.NoError(t, err)
	return created
}

func TestCreateTaskDefaults(t *testing.T) {
	store := persistence.NewMemoryStore()
	created := newTask(t, store)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, persistence.TaskQueued, created.Status)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Nil(t, created.StartedAt)
	assert.Nil(t, created.CompletedAt)
}

func TestMarkTaskRunningIsCompareAndSet(t *testing.T) {
	store := persistence.NewMemoryStore()
	created := newTask(t, store)
	ctx := context.Background()

	running, err := store.MarkTaskRunning(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, persistence.TaskRunning, running.Status)
	assert.NotNil(t, running.StartedAt)

	// Second attempt observes the lost race as nil.
	again, err := store.MarkTaskRunning(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestMarkTaskRunningConcurrent(t *testing.T) {
	store := persistence.NewMemoryStore()
	created := newTask(t, store)

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.MarkTaskRunning(context.Background(), created.ID)
			assert.NoError(t, err)
			if got != nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestMarkTaskFinished(t *testing.T) {
	store := persistence.NewMemoryStore()
	created := newTask(t, store)
	ctx := context.Background()
	_, err := store.MarkTaskRunning(ctx, created.ID)
	require.NoError(t, err)

	code := 0
	finished, err := store.MarkTaskFinished(ctx, created.ID, persistence.TaskCompleted, "out", "err", &code, "")
	require.NoError(t, err)
	require.NotNil(t, finished)
	assert.Equal(t, persistence.TaskCompleted, finished.Status)
	assert.Equal(t, "out", finished.Stdout)
	assert.NotNil(t, finished.CompletedAt)
	require.NotNil(t, finished.ExitCode)
	assert.Equal(t, 0, *finished.ExitCode)
}

func TestAppendTaskEventSequences(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		e, err := store.AppendTaskEvent(ctx, "t1", "task.stdout", map[string]any{"line": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i), e.Sequence)
	}
	// Sequences are per task.
	e, err := store.AppendTaskEvent(ctx, "t2", "task.created", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Sequence)

	events, err := store.ListTaskEvents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestAppendTaskEventConcurrentMonotone(t *testing.T) {
	store := persistence.NewMemoryStore()
	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				_, err := store.AppendTaskEvent(context.Background(), "t1", "task.stdout", nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	events, err := store.ListTaskEvents(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	seen := make(map[int64]bool)
	for _, e := range events {
		assert.False(t, seen[e.Sequence], "duplicate sequence %d", e.Sequence)
		seen[e.Sequence] = true
	}
	// Contiguous from 1.
	for i := int64(1); i <= int64(writers*perWriter); i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}
}

func TestResolveApprovalIdempotent(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	a, err := store.CreateApproval(ctx, "t1", "ws1", "demo.ping", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, persistence.ApprovalPending, a.Status)

	first, transitioned, err := store.ResolveApproval(ctx, a.ID, persistence.ApprovalApproved, "rev1", "ok")
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, persistence.ApprovalApproved, first.Status)
	assert.NotNil(t, first.ResolvedAt)

	// A second resolve with a different decision is a no-op.
	second, transitioned, err := store.ResolveApproval(ctx, a.ID, persistence.ApprovalDenied, "rev2", "nope")
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, persistence.ApprovalApproved, second.Status)
	assert.Equal(t, "rev1", second.ReviewerID)
}

func TestResolveApprovalConcurrent(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	a, err := store.CreateApproval(ctx, "t1", "ws1", "demo.ping", nil)
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	transitions := make(chan persistence.ApprovalStatus, racers)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision := persistence.ApprovalApproved
			if i%2 == 1 {
				decision = persistence.ApprovalDenied
			}
			_, transitioned, err := store.ResolveApproval(ctx, a.ID, decision, "rev", "")
			assert.NoError(t, err)
			if transitioned {
				transitions <- decision
			}
		}()
	}
	wg.Wait()
	close(transitions)
	var winners []persistence.ApprovalStatus
	for d := range transitions {
		winners = append(winners, d)
	}
	require.Len(t, winners, 1)

	final, err := store.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], final.Status)
}

func TestRegistryBuildLifecycle(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()

	// No build yet.
	state, err := store.GetRegistryState(ctx, "ws1")
	require.NoError(t, err)
	assert.Empty(t, state.ReadyBuildID)

	require.NoError(t, store.BeginBuild(ctx, "ws1", "sig1", "b1"))
	require.NoError(t, store.PutToolsBatch(ctx, "ws1", "b1", []persistence.ToolEntry{{Path: "demo.ping"}}))
	require.NoError(t, store.PutNamespacesBatch(ctx, "ws1", "b1", []string{"demo"}))

	// Readers see no ready build while building.
	state, err = store.GetRegistryState(ctx, "ws1")
	require.NoError(t, err)
	assert.Empty(t, state.ReadyBuildID)
	assert.Equal(t, "b1", state.BuildingBuildID)

	require.NoError(t, store.FinishBuild(ctx, "ws1", "b1", []string{"w1"}))
	state, err = store.GetRegistryState(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "b1", state.ReadyBuildID)
	assert.Equal(t, "sig1", state.ReadySignature)
	require.Len(t, state.Tools, 1)
	assert.Equal(t, []string{"w1"}, state.Warnings)

	// A new build keeps the old ready state visible until it finishes,
	// and a failed build discards the builder.
	require.NoError(t, store.BeginBuild(ctx, "ws1", "sig2", "b2"))
	state, err = store.GetRegistryState(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "b1", state.ReadyBuildID)
	assert.Equal(t, "b2", state.BuildingBuildID)

	require.NoError(t, store.FailBuild(ctx, "ws1", "b2"))
	state, err = store.GetRegistryState(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "b1", state.ReadyBuildID)
	assert.Empty(t, state.BuildingBuildID)

	// Batches against a discarded build id are rejected.
	assert.Error(t, store.PutToolsBatch(ctx, "ws1", "b2", []persistence.ToolEntry{{Path: "x"}}))
}

func TestResolveCredentialDisabled(t *testing.T) {
	store := persistence.NewMemoryStore()
	store.PutCredential(&persistence.Credential{
		WorkspaceID: "ws1", SourceKey: "gh", Scope: persistence.CredentialScopeWorkspace, Disabled: true,
		SecretJSON: map[string]any{"token": "t"},
	})
	c, err := store.ResolveCredential(context.Background(), "ws1", "gh", persistence.CredentialScopeWorkspace, "")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestMemoryStoreConformance(t *testing.T) {
	persistencetest.Run(t, persistence.NewMemoryStore())
}
