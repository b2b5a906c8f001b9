package toolsource

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/execbroker/execbroker/mcpclient"
	"github.com/execbroker/execbroker/persistence"
)

type (
	// MCPConn is the slice of the MCP client the compiler needs. Narrowed so
	// tests can stub remote inventories without a live server.
	MCPConn interface {
		ListTools(ctx context.Context) ([]mcpclient.Tool, error)
		Close()
	}

	// MCPDialer opens an MCP connection. Defaults to mcpclient.Dial.
	MCPDialer func(ctx context.Context, opts mcpclient.Options) (MCPConn, error)

	// Result is a compiler's output for one source: the compiled tools in
	// deterministic order plus recoverable warnings. A source that fails
	// entirely still yields a Result with zero tools and a warning; hard
	// errors are reserved for malformed configs.
	Result struct {
		Tools    []Definition
		Warnings []string
	}

	// Compiler turns a normalized ToolSource into callable definitions.
	Compiler struct {
		dialMCP MCPDialer
		http    *http.Client
	}

	// CompilerOptions configures NewCompiler.
	CompilerOptions struct {
		// DialMCP overrides the MCP dialer. Defaults to mcpclient.Dial.
		DialMCP MCPDialer
		// HTTPClient is used to fetch OpenAPI specs and Postman
		// collections. Defaults to a 30s-timeout client.
		HTTPClient *http.Client
	}
)

// NewCompiler constructs a Compiler.
func NewCompiler(opts CompilerOptions) *Compiler {
	dial := opts.DialMCP
	if dial == nil {
		dial = func(ctx context.Context, o mcpclient.Options) (MCPConn, error) {
			return mcpclient.Dial(ctx, o)
		}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Compiler{dialMCP: dial, http: httpClient}
}

// Compile dispatches on the source type. Given identical inputs it produces
// identical tool paths and ordering.
func (c *Compiler) Compile(ctx context.Context, src *persistence.ToolSource) (Result, error) {
	switch src.Type {
	case persistence.ToolSourceMCP:
		return c.compileMCP(ctx, src)
	case persistence.ToolSourceOpenAPI:
		return c.compileOpenAPI(ctx, src)
	case persistence.ToolSourceGraphQL:
		return c.compileGraphQL(ctx, src)
	default:
		return Result{}, fmt.Errorf("toolsource: unknown source type %q", src.Type)
	}
}

func approvalOr(override, fallback string, def ApprovalMode) ApprovalMode {
	if override != "" {
		return ApprovalMode(override)
	}
	if fallback != "" {
		return ApprovalMode(fallback)
	}
	return def
}
