package persistence_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/persistence/persistencetest"
)

var (
	mongoSetupOnce sync.Once
	mongoClient    *mongo.Client
	mongoSkip      string
)

// setupMongo starts an ephemeral MongoDB container once per test binary.
// Without Docker the Mongo tests skip instead of failing.
func setupMongo() {
	ctx := context.Background()

	var container testcontainers.Container
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForLog("Waiting for connections"),
				Tmpfs:        map[string]string{"/data/db": "rw"},
			},
			Started: true,
		})
	}()
	if containerErr != nil {
		mongoSkip = fmt.Sprintf("Docker not available, skipping MongoDB tests: %v", containerErr)
		return
	}

	host, err := container.Host(ctx)
	if err != nil {
		mongoSkip = fmt.Sprintf("failed to get container host: %v", err)
		return
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		mongoSkip = fmt.Sprintf("failed to get container port: %v", err)
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mongoClient, err = mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		mongoSkip = fmt.Sprintf("failed to connect to MongoDB: %v", err)
		return
	}
	if err := mongoClient.Ping(cctx, nil); err != nil {
		mongoSkip = fmt.Sprintf("failed to ping MongoDB: %v", err)
	}
}

// newMongoStore returns a store backed by the shared test container. Each
// call gets a fresh database so tests do not interfere.
func newMongoStore(t *testing.T) *persistence.MongoStore {
	t.Helper()
	mongoSetupOnce.Do(setupMongo)
	if mongoSkip != "" {
		t.Skip(mongoSkip)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dbName := "execbroker_test_" + uuid.NewString()[:8]
	t.Cleanup(func() {
		_ = mongoClient.Database(dbName).Drop(context.Background())
	})
	store, err := persistence.NewMongoStore(ctx, persistence.MongoOptions{Client: mongoClient, Database: dbName})
	require.NoError(t, err)
	return store
}

func TestMongoTaskLifecycle(t *testing.T) {
	store := newMongoStore(t)
	ctx := context.Background()

	created, err := store.CreateTask(ctx, &persistence.Task{
		WorkspaceID: "ws1", RuntimeID: "script", Code: "exit 0", TimeoutMs: 1000,
	})
	require.NoError(t, err)
	require.Equal(t, persistence.TaskQueued, created.Status)

	running, err := store.MarkTaskRunning(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.NotNil(t, running.StartedAt)

	again, err := store.MarkTaskRunning(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, again)

	code := 0
	finished, err := store.MarkTaskFinished(ctx, created.ID, persistence.TaskCompleted, "out", "", &code, "")
	require.NoError(t, err)
	require.NotNil(t, finished)
	assert.Equal(t, persistence.TaskCompleted, finished.Status)
	assert.NotNil(t, finished.CompletedAt)
}

func TestMongoEventSequences(t *testing.T) {
	store := newMongoStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		e, err := store.AppendTaskEvent(ctx, "t1", "task.stdout", map[string]any{"line": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i), e.Sequence)
	}
	events, err := store.ListTaskEvents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestMongoApprovalIdempotence(t *testing.T) {
	store := newMongoStore(t)
	ctx := context.Background()

	a, err := store.CreateApproval(ctx, "t1", "ws1", "demo.ping", nil)
	require.NoError(t, err)

	first, transitioned, err := store.ResolveApproval(ctx, a.ID, persistence.ApprovalApproved, "rev1", "ok")
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, persistence.ApprovalApproved, first.Status)

	second, transitioned, err := store.ResolveApproval(ctx, a.ID, persistence.ApprovalDenied, "rev2", "no")
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, persistence.ApprovalApproved, second.Status)
}

func TestMongoRegistryBuildPublish(t *testing.T) {
	store := newMongoStore(t)
	ctx := context.Background()

	require.NoError(t, store.BeginBuild(ctx, "ws1", "sig1", "b1"))
	require.NoError(t, store.PutToolsBatch(ctx, "ws1", "b1", []persistence.ToolEntry{{Path: "demo.ping"}}))
	require.NoError(t, store.FinishBuild(ctx, "ws1", "b1", nil))

	state, err := store.GetRegistryState(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "b1", state.ReadyBuildID)
	assert.Equal(t, "sig1", state.ReadySignature)
	require.Len(t, state.Tools, 1)
}

func TestMongoStoreConformance(t *testing.T) {
	persistencetest.Run(t, newMongoStore(t))
}
