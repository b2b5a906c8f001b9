package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execbroker/execbroker/mcpclient"
	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/registry"
	"github.com/execbroker/execbroker/toolsource"
)

type stubConn struct {
	tools []mcpclient.Tool
	delay time.Duration
}

func (s *stubConn) ListTools(ctx context.Context) ([]mcpclient.Tool, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.tools, nil
}

func (s *stubConn) Close() {}

func newRegistry(t *testing.T, store persistence.Store, conn *stubConn, budget time.Duration) *registry.Registry {
	t.Helper()
	compiler := toolsource.NewCompiler(toolsource.CompilerOptions{
		DialMCP: func(context.Context, mcpclient.Options) (toolsource.MCPConn, error) {
			return conn, nil
		},
	})
	return registry.New(registry.Options{Store: store, Compiler: compiler, SourceBudget: budget})
}

func seedSource(t *testing.T, store persistence.Store, name string) *persistence.ToolSource {
	t.Helper()
	src := &persistence.ToolSource{
		WorkspaceID: "ws1",
		Name:        name,
		Type:        persistence.ToolSourceMCP,
		Config:      map[string]any{"url": "https://mcp.example/rpc"},
		Enabled:     true,
	}
	require.NoError(t, toolsource.Normalize(src))
	saved, err := store.PutToolSource(context.Background(), src)
	require.NoError(t, err)
	return saved
}

func TestSignatureInvariance(t *testing.T) {
	now := time.Now().UTC()
	sources := []*persistence.ToolSource{
		{ID: "s1", SpecHash: "h1", AuthFingerprint: "a1", UpdatedAt: now, Enabled: true},
		{ID: "s2", SpecHash: "h2", AuthFingerprint: "a2", UpdatedAt: now, Enabled: true},
	}
	sig := registry.Signature(sources)

	// Order does not matter.
	reversed := []*persistence.ToolSource{sources[1], sources[0]}
	assert.Equal(t, sig, registry.Signature(reversed))

	// Disabled sources drop out of the signature entirely.
	withDisabled := append([]*persistence.ToolSource{
		{ID: "s3", SpecHash: "h3", AuthFingerprint: "a3", UpdatedAt: now, Enabled: false},
	}, sources...)
	assert.Equal(t, sig, registry.Signature(withDisabled))

	// Any enabled-source change invalidates.
	changed := []*persistence.ToolSource{
		{ID: "s1", SpecHash: "h1-new", AuthFingerprint: "a1", UpdatedAt: now, Enabled: true},
		sources[1],
	}
	assert.NotEqual(t, sig, registry.Signature(changed))
}

func TestRebuildAndFreshRead(t *testing.T) {
	store := persistence.NewMemoryStore()
	conn := &stubConn{tools: []mcpclient.Tool{{Name: "ping", Description: "pong"}}}
	reg := newRegistry(t, store, conn, 0)
	seedSource(t, store, "demo")

	snap, err := reg.Rebuild(context.Background(), "ws1")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.BuildID)
	assert.Contains(t, snap.Tools, "demo.ping")
	// Base tools are merged after externals.
	assert.Contains(t, snap.Tools, "discover")
	assert.Contains(t, snap.Tools, "catalog.namespaces")
	assert.Contains(t, snap.Tools, "catalog.tools")
	assert.Contains(t, snap.Namespaces, "demo")

	res, err := reg.GetTools(context.Background(), "ws1")
	require.NoError(t, err)
	assert.True(t, res.Fresh)
	assert.Equal(t, snap.BuildID, res.Snapshot.BuildID)
}

func TestRebuildIsIdempotentWhileFresh(t *testing.T) {
	store := persistence.NewMemoryStore()
	conn := &stubConn{tools: []mcpclient.Tool{{Name: "ping"}}}
	reg := newRegistry(t, store, conn, 0)
	seedSource(t, store, "demo")

	first, err := reg.Rebuild(context.Background(), "ws1")
	require.NoError(t, err)
	second, err := reg.Rebuild(context.Background(), "ws1")
	require.NoError(t, err)
	assert.Equal(t, first.BuildID, second.BuildID)
}

func TestSourceChangeTriggersNewBuild(t *testing.T) {
	store := persistence.NewMemoryStore()
	conn := &stubConn{tools: []mcpclient.Tool{{Name: "ping"}}}
	reg := newRegistry(t, store, conn, 0)
	src := seedSource(t, store, "demo")

	first, err := reg.Rebuild(context.Background(), "ws1")
	require.NoError(t, err)

	// Touch the source config; UpdatedAt moves, signature changes.
	src.Config["queryParams"] = map[string]any{"env": "prod"}
	require.NoError(t, toolsource.Normalize(src))
	_, err = store.PutToolSource(context.Background(), src)
	require.NoError(t, err)

	second, err := reg.Rebuild(context.Background(), "ws1")
	require.NoError(t, err)
	assert.NotEqual(t, first.BuildID, second.BuildID)
}

func TestGetToolsStaleServesPreviousBuild(t *testing.T) {
	store := persistence.NewMemoryStore()
	conn := &stubConn{tools: []mcpclient.Tool{{Name: "ping"}}}
	reg := newRegistry(t, store, conn, 0)
	src := seedSource(t, store, "demo")

	first, err := reg.Rebuild(context.Background(), "ws1")
	require.NoError(t, err)

	src.Config["queryParams"] = map[string]any{"env": "prod"}
	require.NoError(t, toolsource.Normalize(src))
	_, err = store.PutToolSource(context.Background(), src)
	require.NoError(t, err)

	// A fresh registry instance has no in-memory snapshot; the stale ready
	// build is served with a refresh warning.
	reg2 := newRegistry(t, store, conn, 0)
	res, err := reg2.GetTools(context.Background(), "ws1")
	require.NoError(t, err)
	assert.False(t, res.Fresh)
	assert.Equal(t, first.BuildID, res.Snapshot.BuildID)
	assert.Contains(t, res.Warnings, registry.WarnRefreshing)
}

func TestGetToolsEmptyWorkspaceLoading(t *testing.T) {
	store := persistence.NewMemoryStore()
	conn := &stubConn{tools: nil}
	reg := newRegistry(t, store, conn, 0)
	seedSource(t, store, "demo")

	res, err := reg.GetTools(context.Background(), "ws1")
	require.NoError(t, err)
	assert.False(t, res.Fresh)
	assert.Contains(t, res.Warnings, registry.WarnLoading)
	assert.Empty(t, res.Snapshot.Tools)
}

func TestSlowSourceContributesWarning(t *testing.T) {
	store := persistence.NewMemoryStore()
	conn := &stubConn{tools: []mcpclient.Tool{{Name: "ping"}}, delay: 200 * time.Millisecond}
	reg := newRegistry(t, store, conn, 20*time.Millisecond)
	seedSource(t, store, "demo")

	snap, err := reg.Rebuild(context.Background(), "ws1")
	require.NoError(t, err)
	assert.NotContains(t, snap.Tools, "demo.ping")
	require.NotEmpty(t, snap.Warnings)
	// Base tools still present even though the only source timed out.
	assert.Contains(t, snap.Tools, "discover")
}
