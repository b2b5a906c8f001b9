package policy

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/toolsource"
)

// GraphQLResult is the outcome of evaluating a GraphQL tool call: the
// worst-wins combined decision, every effective field path that contributed,
// and the single path events should carry (the field path when the
// operation selects exactly one field, the tool's own path otherwise).
type GraphQLResult struct {
	Decision       persistence.PolicyDecision
	EffectivePaths []string
	EventPath      string
}

// GraphQLDecision derives per-field effective paths from the operation the
// input carries, evaluates each independently, and combines worst-wins:
// deny beats require_approval beats allow. A field tool invoked without an
// explicit query evaluates its own path; an operation that parses to zero
// fields falls back to the tool's path.
func (e *Engine) GraphQLDecision(tool toolsource.Definition, input map[string]any, tools map[string]toolsource.Definition, ctx Context, policies []*persistence.AccessPolicy) GraphQLResult {
	query, _ := input["query"].(string)
	if query == "" && tool.Run.Kind == toolsource.RunGraphQLField {
		decision := e.Decide(tool.Path, tool.Approval, ctx, policies)
		return GraphQLResult{Decision: decision, EffectivePaths: []string{tool.Path}, EventPath: tool.Path}
	}

	paths := effectivePaths(tool, query)
	if len(paths) == 0 {
		decision := e.Decide(tool.Path, tool.Approval, ctx, policies)
		return GraphQLResult{Decision: decision, EffectivePaths: []string{tool.Path}, EventPath: tool.Path}
	}

	combined := persistence.DecisionAllow
	for _, path := range paths {
		approval := tool.Approval
		if fieldTool, ok := tools[path]; ok {
			approval = fieldTool.Approval
		}
		decision := e.Decide(path, approval, ctx, policies)
		if worse(decision, combined) {
			combined = decision
		}
	}
	eventPath := tool.Path
	if len(paths) == 1 {
		eventPath = paths[0]
	}
	return GraphQLResult{Decision: combined, EffectivePaths: paths, EventPath: eventPath}
}

// worse reports whether a outranks b in the deny > require_approval > allow
// ordering.
func worse(a, b persistence.PolicyDecision) bool {
	return rank(a) > rank(b)
}

func rank(d persistence.PolicyDecision) int {
	switch d {
	case persistence.DecisionDeny:
		return 2
	case persistence.DecisionRequireApproval:
		return 1
	default:
		return 0
	}
}

// effectivePaths parses the operation selection set into
// <source>.<query|mutation>.<field> tuples. Unparseable operations yield
// nil, which callers treat as "fall back to the tool path".
func effectivePaths(tool toolsource.Definition, query string) []string {
	if query == "" {
		return nil
	}
	doc, err := parser.ParseQuery(&ast.Source{Name: tool.Path, Input: query})
	if err != nil {
		return nil
	}
	source := toolsource.SanitizeSegment(tool.Source)
	var paths []string
	seen := make(map[string]struct{})
	for _, op := range doc.Operations {
		opType := "query"
		if op.Operation == ast.Mutation {
			opType = "mutation"
		} else if op.Operation == ast.Subscription {
			continue
		}
		for _, sel := range op.SelectionSet {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			path := source + "." + opType + "." + toolsource.SanitizeSegment(field.Name)
			if _, dup := seen[path]; dup {
				continue
			}
			seen[path] = struct{}{}
			paths = append(paths, path)
		}
	}
	return paths
}
