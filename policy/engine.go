// Package policy evaluates a tool path against a workspace's ordered access
// rules for a given actor and client, yielding allow, require_approval, or
// deny. Decisions are pure functions over a snapshot of policies: the engine
// performs no I/O.
package policy

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/toolsource"
)

type (
	// Context identifies who is calling: the workspace is mandatory, actor
	// and client filters are optional.
	Context struct {
		WorkspaceID string
		ActorID     string
		ClientID    string
	}

	// Engine caches compiled path patterns across decisions. Safe for
	// concurrent use.
	Engine struct {
		mu       sync.RWMutex
		compiled map[string]glob.Glob
	}
)

// NewEngine constructs an Engine with an empty pattern cache.
func NewEngine() *Engine {
	return &Engine{compiled: make(map[string]glob.Glob)}
}

// Decide evaluates toolPath against the policy snapshot. Candidates are
// policies whose actor/client filters are empty or match the context and
// whose pattern matches the path; the highest-scoring candidate wins, ties
// broken by slice order. With no candidate the tool's static approval
// default decides.
func (e *Engine) Decide(toolPath string, approval toolsource.ApprovalMode, ctx Context, policies []*persistence.AccessPolicy) persistence.PolicyDecision {
	var (
		best      *persistence.AccessPolicy
		bestScore int
	)
	for _, p := range policies {
		if p.ActorID != "" && p.ActorID != ctx.ActorID {
			continue
		}
		if p.ClientID != "" && p.ClientID != ctx.ClientID {
			continue
		}
		if !e.match(p.ToolPathPattern, toolPath) {
			continue
		}
		score := scorePolicy(p)
		if best == nil || score > bestScore {
			best = p
			bestScore = score
		}
	}
	if best != nil {
		return best.Decision
	}
	if approval == toolsource.ApprovalRequired {
		return persistence.DecisionRequireApproval
	}
	return persistence.DecisionAllow
}

// scorePolicy ranks specificity as a sum: 4 for an exact actor filter, 2 for
// a client filter, the pattern length without wildcards (at least 1), and
// the priority. A policy whose filter field is empty is a wildcard and
// earns no bonus.
func scorePolicy(p *persistence.AccessPolicy) int {
	score := p.Priority
	if p.ActorID != "" {
		score += 4
	}
	if p.ClientID != "" {
		score += 2
	}
	literal := len(strings.ReplaceAll(p.ToolPathPattern, "*", ""))
	if literal < 1 {
		literal = 1
	}
	return score + literal
}

// match compiles the pattern on first use and caches it. Only '*' is a
// metacharacter — it matches any run of characters, dots included — and
// every other character is literal, so patterns are quoted before compiling.
func (e *Engine) match(pattern, path string) bool {
	e.mu.RLock()
	g, ok := e.compiled[pattern]
	e.mu.RUnlock()
	if !ok {
		quoted := strings.ReplaceAll(glob.QuoteMeta(pattern), `\*`, `*`)
		var err error
		g, err = glob.Compile(quoted)
		if err != nil {
			return false
		}
		e.mu.Lock()
		e.compiled[pattern] = g
		e.mu.Unlock()
	}
	return g.Match(path)
}
