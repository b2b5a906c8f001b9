package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/execbroker/execbroker/mcpclient"
	"github.com/execbroker/execbroker/toolsource"
)

const defaultPoolSize = 64

type (
	// MCPConn is the slice of the MCP client the dispatcher drives.
	MCPConn interface {
		CallTool(ctx context.Context, name string, arguments map[string]any) (string, error)
		Close()
	}

	// MCPDialer opens a connection. Defaults to mcpclient.Dial.
	MCPDialer func(ctx context.Context, opts mcpclient.Options) (MCPConn, error)

	// MCPPool caches live MCP connections process-wide, keyed by
	// (url, transport, header-set-hash). Entries are lazy and reused
	// across tasks; eviction closes the connection.
	MCPPool struct {
		dial  MCPDialer
		mu    sync.Mutex
		cache *lru.Cache[string, MCPConn]
	}

	// MCPPoolOptions configures NewMCPPool.
	MCPPoolOptions struct {
		// Size bounds the number of cached connections. Defaults to 64.
		Size int
		// Dial overrides the connection factory, for tests.
		Dial MCPDialer
	}
)

// NewMCPPool constructs a pool.
func NewMCPPool(opts MCPPoolOptions) *MCPPool {
	size := opts.Size
	if size <= 0 {
		size = defaultPoolSize
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context, o mcpclient.Options) (MCPConn, error) {
			return mcpclient.Dial(ctx, o)
		}
	}
	cache, _ := lru.NewWithEvict(size, func(_ string, conn MCPConn) { conn.Close() })
	return &MCPPool{dial: dial, cache: cache}
}

// get returns the cached connection for key, dialing on miss. Inserts and
// replacements are serialized so concurrent callers share one connection.
func (p *MCPPool) get(ctx context.Context, key string, opts mcpclient.Options) (MCPConn, error) {
	if conn, ok := p.cache.Get(key); ok {
		return conn, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.cache.Get(key); ok {
		return conn, nil
	}
	conn, err := p.dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	p.cache.Add(key, conn)
	return conn, nil
}

// replace drops the (presumed broken) connection for key and dials a fresh
// one.
func (p *MCPPool) replace(ctx context.Context, key string, opts mcpclient.Options) (MCPConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Remove(key)
	conn, err := p.dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	p.cache.Add(key, conn)
	return conn, nil
}

// Close evicts and closes every pooled connection.
func (p *MCPPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
}

// execMCP calls the remote tool over a pooled connection. A transport-level
// failure closes the connection, reconnects once, and retries; a tool-level
// error from the server is final.
func (d *Dispatcher) execMCP(ctx context.Context, run *toolsource.MCPRun, input map[string]any, env Env) (any, error) {
	opts := mcpclient.Options{
		URL:         run.URL,
		Transport:   run.Transport,
		QueryParams: run.QueryParams,
		Headers:     env.Credential,
	}
	key := mcpclient.ConnectionKey(run.URL, run.Transport, env.Credential)

	conn, err := d.mcp.get(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	text, err := conn.CallTool(ctx, run.ToolName, input)
	if err != nil && isTransportError(err) {
		conn, err = d.mcp.replace(ctx, key, opts)
		if err != nil {
			return nil, err
		}
		text, err = conn.CallTool(ctx, run.ToolName, input)
	}
	if err != nil {
		return nil, err
	}
	return decodeText(text), nil
}

// isTransportError separates connection faults worth a reconnect from
// server-reported errors, which retrying would only repeat.
func isTransportError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !mcpclient.ServerError(err)
}

// decodeText returns the parsed JSON value when the MCP reply text is JSON,
// the raw text otherwise.
func decodeText(text string) any {
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return text
	}
	return value
}
