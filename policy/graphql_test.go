package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/policy"
	"github.com/execbroker/execbroker/toolsource"
)

func rawTool() toolsource.Definition {
	return toolsource.Definition{
		Path:          "gh.raw",
		Source:        "gh",
		Approval:      toolsource.ApprovalAuto,
		GraphQLSource: true,
		Run: toolsource.RunSpec{
			Kind:    toolsource.RunGraphQLRaw,
			GraphQL: &toolsource.GraphQLRun{Endpoint: "https://gh.example/graphql"},
		},
	}
}

func TestGraphQLDecisionWorstWins(t *testing.T) {
	e := policy.NewEngine()
	ctx := policy.Context{WorkspaceID: "ws1"}
	policies := []*persistence.AccessPolicy{
		pol("", "", "gh.mutation.*", persistence.DecisionDeny, 0),
	}
	input := map[string]any{
		"query": `query { viewer }
mutation { createIssue(title: "x") }`,
	}
	res := e.GraphQLDecision(rawTool(), input, nil, ctx, policies)
	assert.Equal(t, persistence.DecisionDeny, res.Decision)
	assert.ElementsMatch(t, []string{"gh.query.viewer", "gh.mutation.create_issue"}, res.EffectivePaths)
	assert.Equal(t, "gh.raw", res.EventPath)
}

func TestGraphQLDecisionSingleField(t *testing.T) {
	e := policy.NewEngine()
	ctx := policy.Context{WorkspaceID: "ws1"}
	input := map[string]any{"query": `query { viewer }`}
	res := e.GraphQLDecision(rawTool(), input, nil, ctx, nil)
	assert.Equal(t, persistence.DecisionAllow, res.Decision)
	assert.Equal(t, []string{"gh.query.viewer"}, res.EffectivePaths)
	assert.Equal(t, "gh.query.viewer", res.EventPath)
}

func TestGraphQLDecisionFieldToolApproval(t *testing.T) {
	e := policy.NewEngine()
	ctx := policy.Context{WorkspaceID: "ws1"}
	tools := map[string]toolsource.Definition{
		"gh.mutation.create_issue": {
			Path:     "gh.mutation.create_issue",
			Approval: toolsource.ApprovalRequired,
		},
	}
	input := map[string]any{"query": `mutation { createIssue(title: "x") }`}
	res := e.GraphQLDecision(rawTool(), input, tools, ctx, nil)
	assert.Equal(t, persistence.DecisionRequireApproval, res.Decision)
}

func TestGraphQLDecisionUnparseableFallsBack(t *testing.T) {
	e := policy.NewEngine()
	ctx := policy.Context{WorkspaceID: "ws1"}
	policies := []*persistence.AccessPolicy{
		pol("", "", "gh.raw", persistence.DecisionDeny, 0),
	}
	input := map[string]any{"query": "not graphql {{{"}
	res := e.GraphQLDecision(rawTool(), input, nil, ctx, policies)
	assert.Equal(t, persistence.DecisionDeny, res.Decision)
	assert.Equal(t, []string{"gh.raw"}, res.EffectivePaths)
}

func TestGraphQLDecisionFieldToolWithoutQuery(t *testing.T) {
	e := policy.NewEngine()
	ctx := policy.Context{WorkspaceID: "ws1"}
	fieldTool := toolsource.Definition{
		Path:          "gh.query.viewer",
		Source:        "gh",
		Approval:      toolsource.ApprovalAuto,
		GraphQLSource: true,
		Run: toolsource.RunSpec{
			Kind:    toolsource.RunGraphQLField,
			GraphQL: &toolsource.GraphQLRun{OperationName: "viewer", OperationType: "query"},
		},
	}
	policies := []*persistence.AccessPolicy{
		pol("", "", "gh.query.*", persistence.DecisionRequireApproval, 0),
	}
	res := e.GraphQLDecision(fieldTool, map[string]any{}, nil, ctx, policies)
	assert.Equal(t, persistence.DecisionRequireApproval, res.Decision)
	assert.Equal(t, []string{"gh.query.viewer"}, res.EffectivePaths)
}
