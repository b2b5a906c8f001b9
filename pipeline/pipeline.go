// Package pipeline orchestrates one tool invocation end to end: registry
// lookup, policy decision, credential resolution, event publication,
// approval wait, and dispatch. It is the only component that publishes
// tool.call.* events, which is what guarantees every started span gets
// exactly one terminal event.
package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/execbroker/execbroker/approval"
	"github.com/execbroker/execbroker/credential"
	"github.com/execbroker/execbroker/dispatcher"
	"github.com/execbroker/execbroker/eventlog"
	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/policy"
	"github.com/execbroker/execbroker/registry"
	"github.com/execbroker/execbroker/toolerrors"
	"github.com/execbroker/execbroker/toolsource"
)

type (
	// ToolCall is one invocation as issued by the sandbox. The sandbox
	// chooses CallID, unique per task; the pipeline never invents one.
	ToolCall struct {
		CallID   string
		ToolPath string
		Input    map[string]any
	}

	// Pipeline wires the invocation collaborators together.
	Pipeline struct {
		store       persistence.Store
		registry    *registry.Registry
		policies    *policy.Engine
		credentials *credential.Resolver
		approvals   *approval.Manager
		dispatcher  *dispatcher.Dispatcher
		log         *eventlog.Log
	}

	// Options configures New. All fields are required.
	Options struct {
		Store       persistence.Store
		Registry    *registry.Registry
		Policies    *policy.Engine
		Credentials *credential.Resolver
		Approvals   *approval.Manager
		Dispatcher  *dispatcher.Dispatcher
		Log         *eventlog.Log
	}
)

// New constructs a Pipeline.
func New(opts Options) *Pipeline {
	return &Pipeline{
		store:       opts.Store,
		registry:    opts.Registry,
		policies:    opts.Policies,
		credentials: opts.Credentials,
		approvals:   opts.Approvals,
		dispatcher:  opts.Dispatcher,
		log:         opts.Log,
	}
}

// Invoke runs one tool call for task. Errors belong to the typed taxonomy:
// UnknownTool, PolicyDenied, MissingCredential, ApprovalDenied are
// deterministic; ToolExecutionError wraps dispatcher failures.
func (p *Pipeline) Invoke(ctx context.Context, task *persistence.Task, call ToolCall) (any, error) {
	var (
		tools    *registry.Snapshot
		policies []*persistence.AccessPolicy
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tools, err = p.registry.Tools(gctx, task.WorkspaceID)
		return err
	})
	g.Go(func() error {
		var err error
		policies, err = p.store.ListAccessPolicies(gctx, task.WorkspaceID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline: load workspace state: %w", err)
	}

	tool, ok := tools.Tools[call.ToolPath]
	if !ok {
		return nil, &toolerrors.UnknownTool{Path: call.ToolPath}
	}

	pctx := policy.Context{WorkspaceID: task.WorkspaceID, ActorID: task.ActorID, ClientID: task.ClientID}
	decision, effectivePath, effectivePaths := p.decide(tool, call.Input, tools.Tools, pctx, policies)

	if decision == persistence.DecisionDeny {
		if _, err := p.log.Publish(ctx, task.ID, eventlog.ToolCallDenied, map[string]any{
			"callId":   call.CallID,
			"toolPath": effectivePath,
			"reason":   "policy_deny",
		}); err != nil {
			return nil, err
		}
		return nil, &toolerrors.PolicyDenied{Path: effectivePath, EffectivePaths: effectivePaths}
	}

	var cred map[string]string
	if tool.Credential != nil {
		var err error
		cred, err = p.credentials.Resolve(ctx, tool.Credential, task.WorkspaceID, task.ActorID)
		if err != nil {
			return nil, err
		}
		if cred == nil {
			return nil, &toolerrors.MissingCredential{SourceKey: tool.Credential.SourceKey, Mode: tool.Credential.Mode}
		}
	}

	approvalMode := "auto"
	if decision == persistence.DecisionRequireApproval {
		approvalMode = "required"
	}
	if _, err := p.log.Publish(ctx, task.ID, eventlog.ToolCallStarted, map[string]any{
		"callId":   call.CallID,
		"toolPath": effectivePath,
		"approval": approvalMode,
		"input":    call.Input,
	}); err != nil {
		return nil, err
	}

	if decision == persistence.DecisionRequireApproval {
		a, err := p.approvals.Create(ctx, task, call.CallID, effectivePath, call.Input)
		if err != nil {
			return nil, err
		}
		verdict, err := p.approvals.WaitFor(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if verdict == persistence.ApprovalDenied {
			if _, err := p.log.Publish(ctx, task.ID, eventlog.ToolCallDenied, map[string]any{
				"callId":     call.CallID,
				"toolPath":   effectivePath,
				"approvalId": a.ID,
			}); err != nil {
				return nil, err
			}
			return nil, &toolerrors.ApprovalDenied{Path: effectivePath, ApprovalID: a.ID}
		}
	}

	env := dispatcher.Env{
		WorkspaceID: task.WorkspaceID,
		Credential:  cred,
		IsToolAllowed: func(path string) bool {
			mode := toolsource.ApprovalAuto
			if t, ok := tools.Tools[path]; ok {
				mode = t.Approval
			}
			return p.policies.Decide(path, mode, pctx, policies) != persistence.DecisionDeny
		},
	}
	value, err := p.dispatcher.Execute(ctx, tool, call.Input, env)
	if err != nil {
		if _, perr := p.log.Publish(ctx, task.ID, eventlog.ToolCallFailed, map[string]any{
			"callId":   call.CallID,
			"toolPath": effectivePath,
			"error":    err.Error(),
		}); perr != nil {
			return nil, perr
		}
		return nil, err
	}

	if _, err := p.log.Publish(ctx, task.ID, eventlog.ToolCallCompleted, map[string]any{
		"callId":   call.CallID,
		"toolPath": effectivePath,
		"output":   value,
	}); err != nil {
		return nil, err
	}
	return value, nil
}

// decide evaluates the tool's policy decision. GraphQL tools derive their
// decision from the operation selection set, worst-wins across fields.
func (p *Pipeline) decide(tool toolsource.Definition, input map[string]any, tools map[string]toolsource.Definition, pctx policy.Context, policies []*persistence.AccessPolicy) (persistence.PolicyDecision, string, []string) {
	if tool.GraphQLSource {
		res := p.policies.GraphQLDecision(tool, input, tools, pctx, policies)
		return res.Decision, res.EventPath, res.EffectivePaths
	}
	decision := p.policies.Decide(tool.Path, tool.Approval, pctx, policies)
	return decision, tool.Path, nil
}
