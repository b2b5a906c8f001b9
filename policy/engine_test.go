package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/policy"
	"github.com/execbroker/execbroker/toolsource"
)

func pol(actor, client, pattern string, decision persistence.PolicyDecision, priority int) *persistence.AccessPolicy {
	return &persistence.AccessPolicy{
		WorkspaceID:     "ws1",
		ActorID:         actor,
		ClientID:        client,
		ToolPathPattern: pattern,
		Decision:        decision,
		Priority:        priority,
	}
}

func TestDecide(t *testing.T) {
	ctx := policy.Context{WorkspaceID: "ws1", ActorID: "alice", ClientID: "cli"}
	cases := []struct {
		name     string
		policies []*persistence.AccessPolicy
		path     string
		approval toolsource.ApprovalMode
		want     persistence.PolicyDecision
	}{
		{
			name:     "no policies, auto tool",
			path:     "demo.ping",
			approval: toolsource.ApprovalAuto,
			want:     persistence.DecisionAllow,
		},
		{
			name:     "no policies, required tool",
			path:     "demo.ping",
			approval: toolsource.ApprovalRequired,
			want:     persistence.DecisionRequireApproval,
		},
		{
			name: "wildcard deny",
			policies: []*persistence.AccessPolicy{
				pol("", "", "demo.*", persistence.DecisionDeny, 100),
			},
			path:     "demo.ping",
			approval: toolsource.ApprovalAuto,
			want:     persistence.DecisionDeny,
		},
		{
			name: "more specific pattern wins over wildcard",
			policies: []*persistence.AccessPolicy{
				pol("", "", "demo.*", persistence.DecisionDeny, 0),
				pol("", "", "demo.ping", persistence.DecisionAllow, 0),
			},
			path:     "demo.ping",
			approval: toolsource.ApprovalAuto,
			want:     persistence.DecisionAllow,
		},
		{
			name: "actor match outranks longer pattern",
			policies: []*persistence.AccessPolicy{
				pol("", "", "demo.pi*", persistence.DecisionDeny, 0),
				pol("alice", "", "demo.*", persistence.DecisionAllow, 0),
			},
			path:     "demo.ping",
			approval: toolsource.ApprovalAuto,
			want:     persistence.DecisionAllow,
		},
		{
			name: "policy for other actor is not a candidate",
			policies: []*persistence.AccessPolicy{
				pol("bob", "", "demo.*", persistence.DecisionDeny, 100),
			},
			path:     "demo.ping",
			approval: toolsource.ApprovalAuto,
			want:     persistence.DecisionAllow,
		},
		{
			name: "client filter matches",
			policies: []*persistence.AccessPolicy{
				pol("", "cli", "*", persistence.DecisionRequireApproval, 0),
			},
			path:     "demo.ping",
			approval: toolsource.ApprovalAuto,
			want:     persistence.DecisionRequireApproval,
		},
		{
			name: "priority breaks equal specificity",
			policies: []*persistence.AccessPolicy{
				pol("", "", "demo.ping", persistence.DecisionDeny, 0),
				pol("", "", "demo.ping", persistence.DecisionAllow, 5),
			},
			path:     "demo.ping",
			approval: toolsource.ApprovalAuto,
			want:     persistence.DecisionAllow,
		},
		{
			name: "tie keeps first policy in order",
			policies: []*persistence.AccessPolicy{
				pol("", "", "demo.ping", persistence.DecisionDeny, 0),
				pol("", "", "demo.ping", persistence.DecisionAllow, 0),
			},
			path:     "demo.ping",
			approval: toolsource.ApprovalAuto,
			want:     persistence.DecisionDeny,
		},
		{
			name: "glob star spans dots",
			policies: []*persistence.AccessPolicy{
				pol("", "", "gh.mutation.*", persistence.DecisionDeny, 0),
			},
			path:     "gh.mutation.create_issue",
			approval: toolsource.ApprovalAuto,
			want:     persistence.DecisionDeny,
		},
		{
			name: "non-star metacharacters are literal",
			policies: []*persistence.AccessPolicy{
				pol("", "", "demo.p?ng", persistence.DecisionDeny, 0),
			},
			path:     "demo.ping",
			approval: toolsource.ApprovalAuto,
			want:     persistence.DecisionAllow,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := policy.NewEngine()
			got := e.Decide(tc.path, tc.approval, ctx, tc.policies)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecideDeterministic(t *testing.T) {
	e := policy.NewEngine()
	ctx := policy.Context{WorkspaceID: "ws1", ActorID: "alice"}
	policies := []*persistence.AccessPolicy{
		pol("", "", "demo.*", persistence.DecisionDeny, 0),
		pol("alice", "", "demo.ping", persistence.DecisionAllow, 1),
		pol("", "cli", "*", persistence.DecisionRequireApproval, 2),
	}
	first := e.Decide("demo.ping", toolsource.ApprovalAuto, ctx, policies)
	for range 100 {
		assert.Equal(t, first, e.Decide("demo.ping", toolsource.ApprovalAuto, ctx, policies))
	}
}
