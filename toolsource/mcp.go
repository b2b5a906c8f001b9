package toolsource

import (
	"context"
	"fmt"
	"sort"

	"github.com/execbroker/execbroker/mcpclient"
	"github.com/execbroker/execbroker/persistence"
)

// compileMCP connects to the remote MCP server, lists its tools, and emits
// one definition per remote tool. Connection or listing failures are
// recoverable: the source contributes a warning and zero tools.
func (c *Compiler) compileMCP(ctx context.Context, src *persistence.ToolSource) (Result, error) {
	var cfg MCPConfig
	if err := fromMap(src.Config, &cfg); err != nil {
		return Result{}, fmt.Errorf("toolsource: mcp config for %s: %w", src.Name, err)
	}
	transport := cfg.Transport
	if transport == "" {
		transport = "streamable-http"
	}

	conn, err := c.dialMCP(ctx, mcpclient.Options{
		URL:         cfg.URL,
		Transport:   transport,
		QueryParams: cfg.QueryParams,
	})
	if err != nil {
		return Result{Warnings: []string{fmt.Sprintf("mcp source %s: connect: %v", src.Name, err)}}, nil
	}
	defer conn.Close()

	remote, err := conn.ListTools(ctx)
	if err != nil {
		return Result{Warnings: []string{fmt.Sprintf("mcp source %s: list tools: %v", src.Name, err)}}, nil
	}
	sort.Slice(remote, func(i, j int) bool { return remote[i].Name < remote[j].Name })

	prefix := SanitizeSegment(src.Name)
	tools := make([]Definition, 0, len(remote))
	for _, rt := range remote {
		tools = append(tools, Definition{
			Path:        prefix + "." + SanitizeSegment(rt.Name),
			Description: rt.Description,
			Approval:    approvalOr(cfg.Overrides[rt.Name].Approval, cfg.DefaultApproval, ApprovalAuto),
			Source:      src.Name,
			Run: RunSpec{
				Kind: RunMCP,
				MCP: &MCPRun{
					URL:         cfg.URL,
					Transport:   transport,
					QueryParams: cfg.QueryParams,
					ToolName:    rt.Name,
				},
			},
			InputSchema: rt.InputSchema,
		})
	}
	return Result{Tools: tools}, nil
}
