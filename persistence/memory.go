package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation for tests and local
// development: mutex-guarded record maps with clone-on-read, and a per-task
// monotonic counter backing AppendTaskEvent.
type MemoryStore struct {
	mu sync.Mutex

	tasks      map[string]*Task
	approvals  map[string]*Approval
	events     map[string][]*TaskEvent
	nextSeq    map[string]int64
	policies   map[string][]*AccessPolicy
	creds      map[string]*Credential
	sources    map[string]map[string]*ToolSource
	registries map[string]*registryState
}

type registryState struct {
	ready   *buildSnapshot
	current *buildSnapshot // building generation, nil when not building
}

type buildSnapshot struct {
	buildID    string
	signature  string
	tools      []ToolEntry
	namespaces []string
	warnings   []string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*Task),
		approvals:  make(map[string]*Approval),
		events:     make(map[string][]*TaskEvent),
		nextSeq:    make(map[string]int64),
		policies:   make(map[string][]*AccessPolicy),
		creds:      make(map[string]*Credential),
		sources:    make(map[string]map[string]*ToolSource),
		registries: make(map[string]*registryState),
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	dup := *t
	dup.Metadata = cloneMap(t.Metadata)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		dup.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		dup.CompletedAt = &ts
	}
	if t.ExitCode != nil {
		ec := *t.ExitCode
		dup.ExitCode = &ec
	}
	return &dup
}

func (s *MemoryStore) CreateTask(_ context.Context, t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dup := cloneTask(t)
	if dup.ID == "" {
		dup.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	dup.CreatedAt = now
	dup.UpdatedAt = now
	if dup.Status == "" {
		dup.Status = TaskQueued
	}
	s.tasks[dup.ID] = dup
	return cloneTask(dup), nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) MarkTaskRunning(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != TaskQueued {
		return nil, nil
	}
	now := time.Now().UTC()
	t.Status = TaskRunning
	t.StartedAt = &now
	t.UpdatedAt = now
	return cloneTask(t), nil
}

func (s *MemoryStore) MarkTaskFinished(_ context.Context, id string, status TaskStatus, stdout, stderr string, exitCode *int, errMsg string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	now := time.Now().UTC()
	t.Status = status
	t.Stdout = stdout
	t.Stderr = stderr
	t.Error = errMsg
	t.CompletedAt = &now
	t.UpdatedAt = now
	if exitCode != nil {
		ec := *exitCode
		t.ExitCode = &ec
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) CreateApproval(_ context.Context, taskID, workspaceID, toolPath string, input map[string]any) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &Approval{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		WorkspaceID: workspaceID,
		ToolPath:    toolPath,
		Input:       cloneMap(input),
		Status:      ApprovalPending,
		CreatedAt:   time.Now().UTC(),
	}
	s.approvals[a.ID] = a
	dup := *a
	return &dup, nil
}

func (s *MemoryStore) GetApproval(_ context.Context, id string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return nil, nil
	}
	dup := *a
	return &dup, nil
}

func (s *MemoryStore) ResolveApproval(_ context.Context, id string, decision ApprovalStatus, reviewerID, reason string) (*Approval, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if a.Status != ApprovalPending {
		dup := *a
		return &dup, false, nil
	}
	now := time.Now().UTC()
	a.Status = decision
	a.ReviewerID = reviewerID
	a.Reason = reason
	a.ResolvedAt = &now
	dup := *a
	return &dup, true, nil
}

func (s *MemoryStore) AppendTaskEvent(_ context.Context, taskID, eventType string, payload map[string]any) (*TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq[taskID] + 1
	s.nextSeq[taskID] = seq
	e := &TaskEvent{
		Sequence:  seq,
		TaskID:    taskID,
		Type:      eventType,
		Payload:   cloneMap(payload),
		CreatedAt: time.Now().UTC(),
	}
	s.events[taskID] = append(s.events[taskID], e)
	dup := *e
	return &dup, nil
}

func (s *MemoryStore) ListTaskEvents(_ context.Context, taskID string) ([]*TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.events[taskID]
	out := make([]*TaskEvent, len(src))
	for i, e := range src {
		dup := *e
		out[i] = &dup
	}
	return out, nil
}

func (s *MemoryStore) ListAccessPolicies(_ context.Context, workspaceID string) ([]*AccessPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.policies[workspaceID]
	out := make([]*AccessPolicy, len(src))
	copy(out, src)
	return out, nil
}

// PutAccessPolicy is a test/seed helper; the broker core only reads
// policies, leaving policy CRUD to an external collaborator.
func (s *MemoryStore) PutAccessPolicy(p *AccessPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.policies[p.WorkspaceID] = append(s.policies[p.WorkspaceID], p)
}

func credentialKey(workspaceID, sourceKey string, scope CredentialScope, actorID string) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", workspaceID, sourceKey, scope, actorID)
}

func (s *MemoryStore) ResolveCredential(_ context.Context, workspaceID, sourceKey string, scope CredentialScope, actorID string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[credentialKey(workspaceID, sourceKey, scope, actorID)]
	if !ok || c.Disabled {
		return nil, nil
	}
	dup := *c
	return &dup, nil
}

// PutCredential is a test/seed helper.
func (s *MemoryStore) PutCredential(c *Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.creds[credentialKey(c.WorkspaceID, c.SourceKey, c.Scope, c.ActorID)] = c
}

func (s *MemoryStore) ListToolSources(_ context.Context, workspaceID string) ([]*ToolSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.sources[workspaceID]
	out := make([]*ToolSource, 0, len(byID))
	for _, src := range byID {
		dup := *src
		out = append(out, &dup)
	}
	return out, nil
}

func (s *MemoryStore) GetToolSource(_ context.Context, workspaceID, id string) (*ToolSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.sources[workspaceID]
	src, ok := byID[id]
	if !ok {
		return nil, nil
	}
	dup := *src
	return &dup, nil
}

func (s *MemoryStore) PutToolSource(_ context.Context, src *ToolSource) (*ToolSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now

	byID := s.sources[src.WorkspaceID]
	if byID == nil {
		byID = make(map[string]*ToolSource)
		s.sources[src.WorkspaceID] = byID
	}
	dup := *src
	byID[src.ID] = &dup
	out := dup
	return &out, nil
}

func (s *MemoryStore) regState(workspaceID string) *registryState {
	rs, ok := s.registries[workspaceID]
	if !ok {
		rs = &registryState{}
		s.registries[workspaceID] = rs
	}
	return rs
}

func (s *MemoryStore) BeginBuild(_ context.Context, workspaceID, signature, buildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.regState(workspaceID)
	rs.current = &buildSnapshot{buildID: buildID, signature: signature}
	return nil
}

func (s *MemoryStore) PutToolsBatch(_ context.Context, workspaceID, buildID string, tools []ToolEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.regState(workspaceID)
	if rs.current == nil || rs.current.buildID != buildID {
		return fmt.Errorf("persistence: no in-flight build %q for workspace %q", buildID, workspaceID)
	}
	rs.current.tools = append(rs.current.tools, tools...)
	return nil
}

func (s *MemoryStore) PutNamespacesBatch(_ context.Context, workspaceID, buildID string, namespaces []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.regState(workspaceID)
	if rs.current == nil || rs.current.buildID != buildID {
		return fmt.Errorf("persistence: no in-flight build %q for workspace %q", buildID, workspaceID)
	}
	rs.current.namespaces = append(rs.current.namespaces, namespaces...)
	return nil
}

func (s *MemoryStore) FinishBuild(_ context.Context, workspaceID, buildID string, warnings []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.regState(workspaceID)
	if rs.current == nil || rs.current.buildID != buildID {
		return fmt.Errorf("persistence: no in-flight build %q for workspace %q", buildID, workspaceID)
	}
	rs.current.warnings = warnings
	rs.ready = rs.current
	rs.current = nil
	return nil
}

func (s *MemoryStore) FailBuild(_ context.Context, workspaceID, buildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.regState(workspaceID)
	if rs.current != nil && rs.current.buildID == buildID {
		rs.current = nil
	}
	return nil
}

func (s *MemoryStore) GetRegistryState(_ context.Context, workspaceID string) (*RegistryBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.registries[workspaceID]
	if !ok {
		return &RegistryBuild{WorkspaceID: workspaceID}, nil
	}
	out := &RegistryBuild{WorkspaceID: workspaceID, UpdatedAt: time.Now().UTC()}
	if rs.ready != nil {
		out.ReadyBuildID = rs.ready.buildID
		out.ReadySignature = rs.ready.signature
		out.Signature = rs.ready.signature
		out.Tools = append([]ToolEntry(nil), rs.ready.tools...)
		out.Namespaces = append([]string(nil), rs.ready.namespaces...)
		out.Warnings = append([]string(nil), rs.ready.warnings...)
	}
	if rs.current != nil {
		out.BuildingBuildID = rs.current.buildID
		out.BuildingSignature = rs.current.signature
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
