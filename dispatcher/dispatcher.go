// Package dispatcher executes a compiled tool definition against its
// protocol runtime: an in-process built-in handler, an HTTP request built
// from an OpenAPI operation or Postman request, a pooled MCP connection, or
// a GraphQL endpoint.
package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/machinebox/graphql"

	"github.com/execbroker/execbroker/toolerrors"
	"github.com/execbroker/execbroker/toolsource"
)

type (
	// Env carries per-invocation context into a dispatch: resolved
	// credential headers and the policy guard nested calls consult.
	Env struct {
		// WorkspaceID scopes built-in handlers (discovery, catalogs).
		WorkspaceID string
		// Credential headers merge over the run spec's static auth headers.
		Credential map[string]string
		// IsToolAllowed lets built-ins (discovery, catalogs) hide tools the
		// caller could never invoke. Nil means allow-all.
		IsToolAllowed func(path string) bool
	}

	// BuiltinHandler is an in-process tool implementation.
	BuiltinHandler func(ctx context.Context, input map[string]any, env Env) (any, error)

	// Dispatcher routes run specs to protocol executors. Safe for
	// concurrent use; the MCP connection pool is shared process-wide.
	Dispatcher struct {
		http *http.Client
		mcp  *MCPPool

		mu       sync.RWMutex
		builtins map[string]BuiltinHandler

		gqlMu      sync.Mutex
		gqlClients map[string]*graphql.Client
	}

	// Options configures New.
	Options struct {
		// HTTPClient serves OpenAPI, Postman, and GraphQL dispatches.
		// Defaults to a 30s-timeout client.
		HTTPClient *http.Client
		// MCPPool is the shared connection pool. Defaults to a new pool.
		MCPPool *MCPPool
	}
)

// New constructs a Dispatcher.
func New(opts Options) *Dispatcher {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	pool := opts.MCPPool
	if pool == nil {
		pool = NewMCPPool(MCPPoolOptions{})
	}
	return &Dispatcher{
		http:       httpClient,
		mcp:        pool,
		builtins:   make(map[string]BuiltinHandler),
		gqlClients: make(map[string]*graphql.Client),
	}
}

// RegisterBuiltin binds name to an in-process handler.
func (d *Dispatcher) RegisterBuiltin(name string, handler BuiltinHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.builtins[name] = handler
}

// Execute runs the tool's run spec with the given input. Failures surface as
// ToolExecutionError; callers publish and rethrow.
func (d *Dispatcher) Execute(ctx context.Context, tool toolsource.Definition, input map[string]any, env Env) (any, error) {
	value, err := d.execute(ctx, tool, input, env)
	if err != nil {
		return nil, &toolerrors.ToolExecutionError{Path: tool.Path, Cause: err}
	}
	return value, nil
}

func (d *Dispatcher) execute(ctx context.Context, tool toolsource.Definition, input map[string]any, env Env) (any, error) {
	switch tool.Run.Kind {
	case toolsource.RunBuiltin:
		return d.execBuiltin(ctx, tool, input, env)
	case toolsource.RunOpenAPI:
		return d.execOpenAPI(ctx, tool.Run.OpenAPI, input, env)
	case toolsource.RunPostman:
		return d.execPostman(ctx, tool.Run.Postman, input, env)
	case toolsource.RunMCP:
		return d.execMCP(ctx, tool.Run.MCP, input, env)
	case toolsource.RunGraphQLRaw:
		return d.execGraphQLRaw(ctx, tool.Run.GraphQL, input, env)
	case toolsource.RunGraphQLField:
		return d.execGraphQLField(ctx, tool.Run.GraphQL, input, env)
	default:
		return nil, fmt.Errorf("unsupported run spec kind %q", tool.Run.Kind)
	}
}

func (d *Dispatcher) execBuiltin(ctx context.Context, tool toolsource.Definition, input map[string]any, env Env) (any, error) {
	name := tool.Path
	if tool.Run.Builtin != nil && tool.Run.Builtin.Name != "" {
		name = tool.Run.Builtin.Name
	}
	d.mu.RLock()
	handler, ok := d.builtins[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no builtin handler registered for %q", name)
	}
	return handler(ctx, input, env)
}

// Close releases pooled connections. Call on process shutdown.
func (d *Dispatcher) Close() {
	d.mcp.Close()
}
