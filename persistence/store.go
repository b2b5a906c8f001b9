package persistence

import (
	"context"
	"errors"
)

// ErrNotFound is returned by ResolveApproval when no approval has the given
// id, so callers can errors.Is against this sentinel. Plain lookups (GetTask,
// GetApproval, GetToolSource, ResolveCredential) return nil, nil instead.
var ErrNotFound = errors.New("persistence: not found")

// Store is the abstract persistence port the rest of the broker depends
// on. Implementations must make AppendTaskEvent's sequence assignment
// linearizable per task and MarkTaskRunning a compare-and-set keyed on the
// current status.
type Store interface {
	CreateTask(ctx context.Context, t *Task) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	// MarkTaskRunning succeeds only if the task's current status is
	// queued; it returns the updated task, or nil if the task was not in
	// queued status (lost race / already progressed).
	MarkTaskRunning(ctx context.Context, id string) (*Task, error)
	MarkTaskFinished(ctx context.Context, id string, status TaskStatus, stdout, stderr string, exitCode *int, errMsg string) (*Task, error)

	CreateApproval(ctx context.Context, taskID, workspaceID, toolPath string, input map[string]any) (*Approval, error)
	GetApproval(ctx context.Context, id string) (*Approval, error)
	// ResolveApproval transitions an approval to a terminal state only if
	// its current status is pending. Idempotent: once terminal, further
	// calls are no-ops that return the prior (already-resolved) state with
	// transitioned=false. Under concurrent resolves exactly one caller
	// observes transitioned=true.
	ResolveApproval(ctx context.Context, id string, decision ApprovalStatus, reviewerID, reason string) (a *Approval, transitioned bool, err error)

	AppendTaskEvent(ctx context.Context, taskID, eventType string, payload map[string]any) (*TaskEvent, error)
	ListTaskEvents(ctx context.Context, taskID string) ([]*TaskEvent, error)

	ListAccessPolicies(ctx context.Context, workspaceID string) ([]*AccessPolicy, error)

	ResolveCredential(ctx context.Context, workspaceID, sourceKey string, scope CredentialScope, actorID string) (*Credential, error)

	ListToolSources(ctx context.Context, workspaceID string) ([]*ToolSource, error)
	GetToolSource(ctx context.Context, workspaceID, id string) (*ToolSource, error)
	PutToolSource(ctx context.Context, s *ToolSource) (*ToolSource, error)

	// Registry build API. BeginBuild starts a building generation,
	// replacing any in-flight one; PutToolsBatch/PutNamespacesBatch append to the
	// in-flight build; FinishBuild atomically publishes it as the new
	// ready build; FailBuild discards it, leaving any previous ready
	// build visible to readers.
	BeginBuild(ctx context.Context, workspaceID, signature, buildID string) error
	PutToolsBatch(ctx context.Context, workspaceID, buildID string, tools []ToolEntry) error
	PutNamespacesBatch(ctx context.Context, workspaceID, buildID string, namespaces []string) error
	FinishBuild(ctx context.Context, workspaceID, buildID string, warnings []string) error
	FailBuild(ctx context.Context, workspaceID, buildID string) error
	GetRegistryState(ctx context.Context, workspaceID string) (*RegistryBuild, error)
}
