package registry

import (
	"context"
	"sort"
	"strings"

	"github.com/execbroker/execbroker/dispatcher"
	"github.com/execbroker/execbroker/toolsource"
)

// BindBuiltins registers the base-tool handlers on d. Each handler reads
// the caller's workspace snapshot and filters out tools the invocation
// policy guard would deny, so discovery never advertises a tool the caller
// cannot invoke.
func (r *Registry) BindBuiltins(d *dispatcher.Dispatcher) {
	d.RegisterBuiltin(BuiltinDiscover, r.handleDiscover)
	d.RegisterBuiltin(BuiltinCatalogNamespaces, r.handleNamespaces)
	d.RegisterBuiltin(BuiltinCatalogTools, r.handleCatalogTools)
}

func (r *Registry) visibleTools(ctx context.Context, env dispatcher.Env) ([]toolsource.Definition, []string, error) {
	result, err := r.GetTools(ctx, env.WorkspaceID)
	if err != nil {
		return nil, nil, err
	}
	var tools []toolsource.Definition
	for _, path := range result.Snapshot.Order {
		if env.IsToolAllowed != nil && !env.IsToolAllowed(path) {
			continue
		}
		tools = append(tools, result.Snapshot.Tools[path])
	}
	return tools, result.Warnings, nil
}

func (r *Registry) handleDiscover(ctx context.Context, input map[string]any, env dispatcher.Env) (any, error) {
	query, _ := input["query"].(string)
	query = strings.ToLower(strings.TrimSpace(query))
	tools, warnings, err := r.visibleTools(ctx, env)
	if err != nil {
		return nil, err
	}
	var matches []map[string]any
	for _, def := range tools {
		if query != "" &&
			!strings.Contains(strings.ToLower(def.Path), query) &&
			!strings.Contains(strings.ToLower(def.Description), query) {
			continue
		}
		matches = append(matches, toolSummary(def))
	}
	return map[string]any{"tools": matches, "warnings": warnings}, nil
}

func (r *Registry) handleNamespaces(ctx context.Context, _ map[string]any, env dispatcher.Env) (any, error) {
	tools, warnings, err := r.visibleTools(ctx, env)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]int)
	var names []string
	for _, def := range tools {
		ns := def.Namespace()
		if _, ok := seen[ns]; !ok {
			names = append(names, ns)
		}
		seen[ns]++
	}
	sort.Strings(names)
	out := make([]map[string]any, len(names))
	for i, ns := range names {
		out[i] = map[string]any{"name": ns, "toolCount": seen[ns]}
	}
	return map[string]any{"namespaces": out, "warnings": warnings}, nil
}

func (r *Registry) handleCatalogTools(ctx context.Context, input map[string]any, env dispatcher.Env) (any, error) {
	namespace, _ := input["namespace"].(string)
	tools, warnings, err := r.visibleTools(ctx, env)
	if err != nil {
		return nil, err
	}
	var matches []map[string]any
	for _, def := range tools {
		if namespace != "" && def.Namespace() != namespace {
			continue
		}
		summary := toolSummary(def)
		if def.InputSchema != nil {
			summary["inputSchema"] = def.InputSchema
		}
		matches = append(matches, summary)
	}
	return map[string]any{"tools": matches, "warnings": warnings}, nil
}

func toolSummary(def toolsource.Definition) map[string]any {
	return map[string]any{
		"path":        def.Path,
		"description": def.Description,
		"approval":    string(def.Approval),
		"source":      def.Source,
	}
}
