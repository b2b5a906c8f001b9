package approval_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execbroker/execbroker/approval"
	"github.com/execbroker/execbroker/eventlog"
	"github.com/execbroker/execbroker/persistence"
)

func newManager(t *testing.T) (*approval.Manager, *persistence.MemoryStore, *persistence.Task) {
	t.Helper()
	store := persistence.NewMemoryStore()
	task, err := store.CreateTask(context.Background(), &persistence.Task{WorkspaceID: "ws1", RuntimeID: "script"})
	require.NoError(t, err)
	m := approval.New(approval.Options{
		Store:        store,
		Log:          eventlog.New(store),
		PollInterval: 10 * time.Millisecond,
	})
	return m, store, task
}

func eventTypes(t *testing.T, store persistence.Store, taskID string) []string {
	t.Helper()
	events, err := store.ListTaskEvents(context.Background(), taskID)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestCreatePublishesRequested(t *testing.T) {
	m, store, task := newManager(t)
	a, err := m.Create(context.Background(), task, "c1", "demo.ping", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, persistence.ApprovalPending, a.Status)
	assert.Equal(t, []string{eventlog.ApprovalRequested}, eventTypes(t, store, task.ID))
}

func TestWaitForResolvedByPoll(t *testing.T) {
	m, _, task := newManager(t)
	a, err := m.Create(context.Background(), task, "c1", "demo.ping", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, rerr := m.Resolve(context.Background(), a.ID, persistence.ApprovalApproved, "rev1", "ok")
		assert.NoError(t, rerr)
	}()

	verdict, err := m.WaitFor(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ApprovalApproved, verdict)
}

func TestWaitForAlreadyResolved(t *testing.T) {
	m, _, task := newManager(t)
	a, err := m.Create(context.Background(), task, "c1", "demo.ping", nil)
	require.NoError(t, err)
	_, err = m.Resolve(context.Background(), a.ID, persistence.ApprovalDenied, "rev1", "no")
	require.NoError(t, err)

	verdict, err := m.WaitFor(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ApprovalDenied, verdict)
}

func TestWaitForCancellable(t *testing.T) {
	m, _, task := newManager(t)
	a, err := m.Create(context.Background(), task, "c1", "demo.ping", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, werr := m.WaitFor(ctx, a.ID)
		done <- werr
	}()
	cancel()
	select {
	case werr := <-done:
		assert.ErrorIs(t, werr, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not unwind on cancellation")
	}
}

func TestResolveIdempotentPublishesOnce(t *testing.T) {
	m, store, task := newManager(t)
	a, err := m.Create(context.Background(), task, "c1", "demo.ping", nil)
	require.NoError(t, err)

	first, err := m.Resolve(context.Background(), a.ID, persistence.ApprovalApproved, "rev1", "ok")
	require.NoError(t, err)
	assert.Equal(t, persistence.ApprovalApproved, first.Status)

	second, err := m.Resolve(context.Background(), a.ID, persistence.ApprovalDenied, "rev2", "no")
	require.NoError(t, err)
	assert.Equal(t, persistence.ApprovalApproved, second.Status)

	types := eventTypes(t, store, task.ID)
	assert.Equal(t, []string{eventlog.ApprovalRequested, eventlog.ApprovalResolved}, types)
}

func TestResolveConcurrentExactlyOneWins(t *testing.T) {
	m, store, task := newManager(t)
	a, err := m.Create(context.Background(), task, "c1", "demo.ping", nil)
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision := persistence.ApprovalApproved
			if i%2 == 1 {
				decision = persistence.ApprovalDenied
			}
			_, rerr := m.Resolve(context.Background(), a.ID, decision, "rev", "")
			assert.NoError(t, rerr)
		}()
	}
	wg.Wait()

	resolved := 0
	for _, typ := range eventTypes(t, store, task.ID) {
		if typ == eventlog.ApprovalResolved {
			resolved++
		}
	}
	assert.Equal(t, 1, resolved)
}

func TestResolveRejectsInvalidDecision(t *testing.T) {
	m, _, task := newManager(t)
	a, err := m.Create(context.Background(), task, "c1", "demo.ping", nil)
	require.NoError(t, err)
	_, err = m.Resolve(context.Background(), a.ID, persistence.ApprovalPending, "rev", "")
	assert.Error(t, err)
}
