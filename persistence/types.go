// Package persistence defines the storage port the rest of the broker
// depends on and ships two implementations: an in-memory store for
// tests and local development, and a MongoDB-backed store for durable
// deployments.
package persistence

import "time"

// TaskStatus is the closed set of states a Task may occupy.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
	TaskDenied    TaskStatus = "denied"
)

// IsTerminal reports whether s is one of the sink states.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskDenied:
		return true
	default:
		return false
	}
}

// Task is a unit of sandboxed code execution.
type Task struct {
	ID          string
	WorkspaceID string
	ActorID     string
	ClientID    string
	RuntimeID   string
	// RuntimeLabel is a free-text runtime descriptor paired with the opaque
	// RuntimeID, surfaced in task.created events for UI display.
	RuntimeLabel string
	Code         string
	TimeoutMs    int
	Metadata     map[string]any
	Status       TaskStatus

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time

	Error    string
	Stdout   string
	Stderr   string
	ExitCode *int
}

// TaskEvent is an immutable, append-only audit record.
type TaskEvent struct {
	Sequence  int64
	TaskID    string
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
}

// ApprovalStatus is the closed set of states an Approval may occupy.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// Approval gates a single tool call pending human review.
type Approval struct {
	ID          string
	TaskID      string
	WorkspaceID string
	ToolPath    string
	Input       map[string]any
	Status      ApprovalStatus
	ReviewerID  string
	Reason      string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// PolicyDecision is the closed set of outcomes the policy engine produces.
type PolicyDecision string

const (
	DecisionAllow           PolicyDecision = "allow"
	DecisionRequireApproval PolicyDecision = "require_approval"
	DecisionDeny            PolicyDecision = "deny"
)

// AccessPolicy is a workspace-scoped rule mapping tool-path patterns and
// actor/client filters to a decision.
type AccessPolicy struct {
	ID              string
	WorkspaceID     string
	ActorID         string
	ClientID        string
	ToolPathPattern string
	Decision        PolicyDecision
	Priority        int
}

// CredentialScope is the closed set of scopes a Credential may carry.
type CredentialScope string

const (
	CredentialScopeWorkspace CredentialScope = "workspace"
	CredentialScopeActor     CredentialScope = "actor"
)

// Credential is an addressable secret bundle attached to a tool source.
// SecretJSON and OverridesJSON are opaque to the core;
// only the credential provider interprets SecretJSON.
type Credential struct {
	ID            string
	WorkspaceID   string
	SourceKey     string
	Scope         CredentialScope
	ActorID       string
	Provider      string
	SecretJSON    map[string]any
	OverridesJSON map[string]any
	// Disabled soft-disables a credential without deleting the audit row.
	Disabled  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolSourceType is the closed set of external tool origins.
type ToolSourceType string

const (
	ToolSourceMCP     ToolSourceType = "mcp"
	ToolSourceOpenAPI ToolSourceType = "openapi"
	ToolSourceGraphQL ToolSourceType = "graphql"
)

// ToolSource is a workspace-registered external tool origin.
// Config is typed per Type — see the toolsource package's config structs —
// but stored here as a raw JSON-like map so the persistence layer never
// needs to import toolsource.
type ToolSource struct {
	ID              string
	WorkspaceID     string
	Name            string
	Type            ToolSourceType
	Config          map[string]any
	Enabled         bool
	SpecHash        string
	AuthFingerprint string
	// LastCompiledAt/LastCompileWarnings are stored and returned as given;
	// the registry neither sets nor reads them.
	LastCompiledAt      *time.Time
	LastCompileWarnings []string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// BuildStatus is the state of a RegistryBuild row.
type BuildStatus string

const (
	BuildBuilding BuildStatus = "building"
	BuildReady    BuildStatus = "ready"
)

// RegistryBuild is the persisted cache row tracking a workspace's compiled
// tool registry.
type RegistryBuild struct {
	WorkspaceID       string
	Signature         string
	ReadyBuildID      string
	ReadySignature    string
	BuildingBuildID   string
	BuildingSignature string
	Tools             []ToolEntry
	Namespaces        []string
	Warnings          []string
	UpdatedAt         time.Time
}

// ToolEntry is a single compiled tool as persisted inside a RegistryBuild.
// It mirrors toolsource.Definition's externally-visible shape without the
// persistence layer depending on the toolsource package.
type ToolEntry struct {
	Path          string
	Description   string
	Approval      string
	Source        string
	RunSpecKind   string
	RunSpec       map[string]any
	Credential    map[string]any
	GraphQLSource bool
	InputSchema   map[string]any
}
