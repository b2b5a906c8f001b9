package persistence

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/google/uuid"
)

// MongoStore is a durable Store implementation backed by MongoDB:
// collection per entity, indexes ensured at construction, and atomic
// findOneAndUpdate for conditional transitions and counters.
type MongoStore struct {
	db      *mongo.Database
	tasks   *mongo.Collection
	events  *mongo.Collection
	seqs    *mongo.Collection
	apprs   *mongo.Collection
	polys   *mongo.Collection
	creds   *mongo.Collection
	sources *mongo.Collection
	builds  *mongo.Collection
	timeout time.Duration
}

// MongoOptions configures NewMongoStore.
type MongoOptions struct {
	Client   *mongo.Client
	Database string
	// Timeout bounds every individual operation. Defaults to 5s.
	Timeout time.Duration
}

const defaultMongoTimeout = 5 * time.Second

// NewMongoStore wires collections and ensures the indexes the query
// patterns above require: a compound (task_id, sequence) index for event
// pagination/ordering, and unique indexes enforcing the natural keys of
// Credential and ToolSource.
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("persistence: mongo client is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("persistence: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &MongoStore{
		db:      db,
		tasks:   db.Collection("tasks"),
		events:  db.Collection("task_events"),
		seqs:    db.Collection("task_event_seqs"),
		apprs:   db.Collection("approvals"),
		polys:   db.Collection("access_policies"),
		creds:   db.Collection("credentials"),
		sources: db.Collection("tool_sources"),
		builds:  db.Collection("registry_builds"),
		timeout: timeout,
	}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.events, mongo.IndexModel{Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "sequence", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.creds, mongo.IndexModel{Keys: bson.D{
			{Key: "workspace_id", Value: 1}, {Key: "source_key", Value: 1},
			{Key: "scope", Value: 1}, {Key: "actor_id", Value: 1},
		}, Options: options.Index().SetUnique(true)}},
		{s.sources, mongo.IndexModel{Keys: bson.D{{Key: "workspace_id", Value: 1}, {Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.builds, mongo.IndexModel{Keys: bson.D{{Key: "workspace_id", Value: 1}}, Options: options.Index().SetUnique(true)}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ictx, idx.model); err != nil {
			return nil, fmt.Errorf("persistence: ensure index on %s: %w", idx.coll.Name(), err)
		}
	}
	return s, nil
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

type taskDocument struct {
	ID           string         `bson:"_id"`
	WorkspaceID  string         `bson:"workspace_id"`
	ActorID      string         `bson:"actor_id"`
	ClientID     string         `bson:"client_id"`
	RuntimeID    string         `bson:"runtime_id"`
	RuntimeLabel string         `bson:"runtime_label"`
	Code         string         `bson:"code"`
	TimeoutMs    int            `bson:"timeout_ms"`
	Metadata     map[string]any `bson:"metadata,omitempty"`
	Status       TaskStatus     `bson:"status"`
	CreatedAt    time.Time      `bson:"created_at"`
	StartedAt    *time.Time     `bson:"started_at,omitempty"`
	CompletedAt  *time.Time     `bson:"completed_at,omitempty"`
	UpdatedAt    time.Time      `bson:"updated_at"`
	Error        string         `bson:"error,omitempty"`
	Stdout       string         `bson:"stdout,omitempty"`
	Stderr       string         `bson:"stderr,omitempty"`
	ExitCode     *int           `bson:"exit_code,omitempty"`
}

func taskToDoc(t *Task) taskDocument {
	return taskDocument{
		ID: t.ID, WorkspaceID: t.WorkspaceID, ActorID: t.ActorID, ClientID: t.ClientID,
		RuntimeID: t.RuntimeID, RuntimeLabel: t.RuntimeLabel, Code: t.Code, TimeoutMs: t.TimeoutMs,
		Metadata: t.Metadata, Status: t.Status, CreatedAt: t.CreatedAt, StartedAt: t.StartedAt,
		CompletedAt: t.CompletedAt, UpdatedAt: t.UpdatedAt, Error: t.Error, Stdout: t.Stdout,
		Stderr: t.Stderr, ExitCode: t.ExitCode,
	}
}

func docToTask(d taskDocument) *Task {
	return &Task{
		ID: d.ID, WorkspaceID: d.WorkspaceID, ActorID: d.ActorID, ClientID: d.ClientID,
		RuntimeID: d.RuntimeID, RuntimeLabel: d.RuntimeLabel, Code: d.Code, TimeoutMs: d.TimeoutMs,
		Metadata: d.Metadata, Status: d.Status, CreatedAt: d.CreatedAt, StartedAt: d.StartedAt,
		CompletedAt: d.CompletedAt, UpdatedAt: d.UpdatedAt, Error: d.Error, Stdout: d.Stdout,
		Stderr: d.Stderr, ExitCode: d.ExitCode,
	}
}

func (s *MongoStore) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	dup := *t
	if dup.ID == "" {
		dup.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	dup.CreatedAt = now
	dup.UpdatedAt = now
	if dup.Status == "" {
		dup.Status = TaskQueued
	}
	if _, err := s.tasks.InsertOne(ctx, taskToDoc(&dup)); err != nil {
		return nil, fmt.Errorf("persistence: insert task: %w", err)
	}
	return &dup, nil
}

func (s *MongoStore) GetTask(ctx context.Context, id string) (*Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc taskDocument
	err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get task: %w", err)
	}
	return docToTask(doc), nil
}

func (s *MongoStore) MarkTaskRunning(ctx context.Context, id string) (*Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	var doc taskDocument
	err := s.tasks.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": TaskQueued},
		bson.M{"$set": bson.M{"status": TaskRunning, "started_at": now, "updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: mark task running: %w", err)
	}
	return docToTask(doc), nil
}

func (s *MongoStore) MarkTaskFinished(ctx context.Context, id string, status TaskStatus, stdout, stderr string, exitCode *int, errMsg string) (*Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	update := bson.M{
		"status": status, "stdout": stdout, "stderr": stderr,
		"error": errMsg, "completed_at": now, "updated_at": now,
	}
	if exitCode != nil {
		update["exit_code"] = *exitCode
	}
	var doc taskDocument
	err := s.tasks.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": update},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: mark task finished: %w", err)
	}
	return docToTask(doc), nil
}

type approvalDocument struct {
	ID          string         `bson:"_id"`
	TaskID      string         `bson:"task_id"`
	WorkspaceID string         `bson:"workspace_id"`
	ToolPath    string         `bson:"tool_path"`
	Input       map[string]any `bson:"input,omitempty"`
	Status      ApprovalStatus `bson:"status"`
	ReviewerID  string         `bson:"reviewer_id,omitempty"`
	Reason      string         `bson:"reason,omitempty"`
	CreatedAt   time.Time      `bson:"created_at"`
	ResolvedAt  *time.Time     `bson:"resolved_at,omitempty"`
}

func docToApproval(d approvalDocument) *Approval {
	return &Approval{
		ID: d.ID, TaskID: d.TaskID, WorkspaceID: d.WorkspaceID, ToolPath: d.ToolPath,
		Input: d.Input, Status: d.Status, ReviewerID: d.ReviewerID, Reason: d.Reason,
		CreatedAt: d.CreatedAt, ResolvedAt: d.ResolvedAt,
	}
}

func (s *MongoStore) CreateApproval(ctx context.Context, taskID, workspaceID, toolPath string, input map[string]any) (*Approval, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := approvalDocument{
		ID: uuid.NewString(), TaskID: taskID, WorkspaceID: workspaceID, ToolPath: toolPath,
		Input: input, Status: ApprovalPending, CreatedAt: time.Now().UTC(),
	}
	if _, err := s.apprs.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("persistence: insert approval: %w", err)
	}
	return docToApproval(doc), nil
}

func (s *MongoStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc approvalDocument
	err := s.apprs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get approval: %w", err)
	}
	return docToApproval(doc), nil
}

func (s *MongoStore) ResolveApproval(ctx context.Context, id string, decision ApprovalStatus, reviewerID, reason string) (*Approval, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	var doc approvalDocument
	err := s.apprs.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": ApprovalPending},
		bson.M{"$set": bson.M{"status": decision, "reviewer_id": reviewerID, "reason": reason, "resolved_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		// Either missing entirely or already terminal; distinguish by a
		// plain read so idempotent re-resolve returns the prior state.
		existing, gerr := s.GetApproval(ctx, id)
		if gerr != nil {
			return nil, false, gerr
		}
		if existing == nil {
			return nil, false, ErrNotFound
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persistence: resolve approval: %w", err)
	}
	return docToApproval(doc), true, nil
}

type eventDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	TaskID    string             `bson:"task_id"`
	Sequence  int64              `bson:"sequence"`
	Type      string             `bson:"type"`
	Payload   map[string]any     `bson:"payload,omitempty"`
	CreatedAt time.Time          `bson:"created_at"`
}

type seqCounterDocument struct {
	ID   string `bson:"_id"`
	Next int64  `bson:"next"`
}

// nextSequence atomically increments the per-task counter document. Event
// order must be a contiguous integer sequence, not ObjectID order, so the
// counter lives in its own collection updated with an upserting $inc.
func (s *MongoStore) nextSequence(ctx context.Context, taskID string) (int64, error) {
	var doc seqCounterDocument
	err := s.seqs.FindOneAndUpdate(ctx,
		bson.M{"_id": taskID},
		bson.M{"$inc": bson.M{"next": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Next, nil
}

func (s *MongoStore) AppendTaskEvent(ctx context.Context, taskID, eventType string, payload map[string]any) (*TaskEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	seq, err := s.nextSequence(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("persistence: assign sequence: %w", err)
	}
	doc := eventDocument{TaskID: taskID, Sequence: seq, Type: eventType, Payload: payload, CreatedAt: time.Now().UTC()}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("persistence: insert event: %w", err)
	}
	return &TaskEvent{Sequence: seq, TaskID: taskID, Type: eventType, Payload: payload, CreatedAt: doc.CreatedAt}, nil
}

func (s *MongoStore) ListTaskEvents(ctx context.Context, taskID string) ([]*TaskEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.events.Find(ctx, bson.M{"task_id": taskID}, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("persistence: list events: %w", err)
	}
	defer cur.Close(ctx)

	var out []*TaskEvent
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, &TaskEvent{Sequence: doc.Sequence, TaskID: doc.TaskID, Type: doc.Type, Payload: doc.Payload, CreatedAt: doc.CreatedAt})
	}
	return out, cur.Err()
}

type policyDocument struct {
	ID              string         `bson:"_id"`
	WorkspaceID     string         `bson:"workspace_id"`
	ActorID         string         `bson:"actor_id,omitempty"`
	ClientID        string         `bson:"client_id,omitempty"`
	ToolPathPattern string         `bson:"tool_path_pattern"`
	Decision        PolicyDecision `bson:"decision"`
	Priority        int            `bson:"priority"`
}

func (s *MongoStore) ListAccessPolicies(ctx context.Context, workspaceID string) ([]*AccessPolicy, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.polys.Find(ctx, bson.M{"workspace_id": workspaceID})
	if err != nil {
		return nil, fmt.Errorf("persistence: list policies: %w", err)
	}
	defer cur.Close(ctx)

	var out []*AccessPolicy
	for cur.Next(ctx) {
		var doc policyDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, &AccessPolicy{
			ID: doc.ID, WorkspaceID: doc.WorkspaceID, ActorID: doc.ActorID, ClientID: doc.ClientID,
			ToolPathPattern: doc.ToolPathPattern, Decision: doc.Decision, Priority: doc.Priority,
		})
	}
	return out, cur.Err()
}

type credentialDocument struct {
	ID            string          `bson:"_id"`
	WorkspaceID   string          `bson:"workspace_id"`
	SourceKey     string          `bson:"source_key"`
	Scope         CredentialScope `bson:"scope"`
	ActorID       string          `bson:"actor_id"`
	Provider      string          `bson:"provider"`
	SecretJSON    map[string]any  `bson:"secret_json,omitempty"`
	OverridesJSON map[string]any  `bson:"overrides_json,omitempty"`
	Disabled      bool            `bson:"disabled"`
	CreatedAt     time.Time       `bson:"created_at"`
	UpdatedAt     time.Time       `bson:"updated_at"`
}

func (s *MongoStore) ResolveCredential(ctx context.Context, workspaceID, sourceKey string, scope CredentialScope, actorID string) (*Credential, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc credentialDocument
	err := s.creds.FindOne(ctx, bson.M{
		"workspace_id": workspaceID, "source_key": sourceKey, "scope": scope, "actor_id": actorID,
	}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: resolve credential: %w", err)
	}
	if doc.Disabled {
		return nil, nil
	}
	return &Credential{
		ID: doc.ID, WorkspaceID: doc.WorkspaceID, SourceKey: doc.SourceKey, Scope: doc.Scope,
		ActorID: doc.ActorID, Provider: doc.Provider, SecretJSON: doc.SecretJSON,
		OverridesJSON: doc.OverridesJSON, Disabled: doc.Disabled, CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt,
	}, nil
}

type toolSourceDocument struct {
	ID                  string         `bson:"_id"`
	WorkspaceID         string         `bson:"workspace_id"`
	Name                string         `bson:"name"`
	Type                ToolSourceType `bson:"type"`
	Config              map[string]any `bson:"config,omitempty"`
	Enabled             bool           `bson:"enabled"`
	SpecHash            string         `bson:"spec_hash"`
	AuthFingerprint     string         `bson:"auth_fingerprint"`
	LastCompiledAt      *time.Time     `bson:"last_compiled_at,omitempty"`
	LastCompileWarnings []string       `bson:"last_compile_warnings,omitempty"`
	CreatedAt           time.Time      `bson:"created_at"`
	UpdatedAt           time.Time      `bson:"updated_at"`
}

func docToToolSource(d toolSourceDocument) *ToolSource {
	return &ToolSource{
		ID: d.ID, WorkspaceID: d.WorkspaceID, Name: d.Name, Type: d.Type, Config: d.Config,
		Enabled: d.Enabled, SpecHash: d.SpecHash, AuthFingerprint: d.AuthFingerprint,
		LastCompiledAt: d.LastCompiledAt, LastCompileWarnings: d.LastCompileWarnings,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

func (s *MongoStore) ListToolSources(ctx context.Context, workspaceID string) ([]*ToolSource, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.sources.Find(ctx, bson.M{"workspace_id": workspaceID})
	if err != nil {
		return nil, fmt.Errorf("persistence: list tool sources: %w", err)
	}
	defer cur.Close(ctx)

	var out []*ToolSource
	for cur.Next(ctx) {
		var doc toolSourceDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, docToToolSource(doc))
	}
	return out, cur.Err()
}

func (s *MongoStore) GetToolSource(ctx context.Context, workspaceID, id string) (*ToolSource, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc toolSourceDocument
	err := s.sources.FindOne(ctx, bson.M{"workspace_id": workspaceID, "_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get tool source: %w", err)
	}
	return docToToolSource(doc), nil
}

func (s *MongoStore) PutToolSource(ctx context.Context, src *ToolSource) (*ToolSource, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now
	doc := toolSourceDocument{
		ID: src.ID, WorkspaceID: src.WorkspaceID, Name: src.Name, Type: src.Type, Config: src.Config,
		Enabled: src.Enabled, SpecHash: src.SpecHash, AuthFingerprint: src.AuthFingerprint,
		LastCompiledAt: src.LastCompiledAt, LastCompileWarnings: src.LastCompileWarnings,
		CreatedAt: src.CreatedAt, UpdatedAt: src.UpdatedAt,
	}
	_, err := s.sources.ReplaceOne(ctx, bson.M{"_id": src.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, fmt.Errorf("persistence: put tool source: %w", err)
	}
	out := *src
	return &out, nil
}

type registryBuildDocument struct {
	WorkspaceID       string      `bson:"_id"`
	ReadySignature    string      `bson:"ready_signature,omitempty"`
	ReadyBuildID      string      `bson:"ready_build_id,omitempty"`
	ReadyTools        []ToolEntry `bson:"ready_tools,omitempty"`
	ReadyNamespaces   []string    `bson:"ready_namespaces,omitempty"`
	ReadyWarnings     []string    `bson:"ready_warnings,omitempty"`
	BuildingSignature string      `bson:"building_signature,omitempty"`
	BuildingBuildID   string      `bson:"building_build_id,omitempty"`
	BuildingTools     []ToolEntry `bson:"building_tools,omitempty"`
	BuildingNamespace []string    `bson:"building_namespaces,omitempty"`
	UpdatedAt         time.Time   `bson:"updated_at"`
}

func (s *MongoStore) BeginBuild(ctx context.Context, workspaceID, signature, buildID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.builds.UpdateOne(ctx,
		bson.M{"_id": workspaceID},
		bson.M{"$set": bson.M{
			"building_signature": signature, "building_build_id": buildID,
			"building_tools": []ToolEntry{}, "building_namespaces": []string{}, "updated_at": time.Now().UTC(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("persistence: begin build: %w", err)
	}
	return nil
}

func (s *MongoStore) PutToolsBatch(ctx context.Context, workspaceID, buildID string, tools []ToolEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.builds.UpdateOne(ctx,
		bson.M{"_id": workspaceID, "building_build_id": buildID},
		bson.M{"$push": bson.M{"building_tools": bson.M{"$each": tools}}},
	)
	if err != nil {
		return fmt.Errorf("persistence: put tools batch: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("persistence: no in-flight build %q for workspace %q", buildID, workspaceID)
	}
	return nil
}

func (s *MongoStore) PutNamespacesBatch(ctx context.Context, workspaceID, buildID string, namespaces []string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.builds.UpdateOne(ctx,
		bson.M{"_id": workspaceID, "building_build_id": buildID},
		bson.M{"$push": bson.M{"building_namespaces": bson.M{"$each": namespaces}}},
	)
	if err != nil {
		return fmt.Errorf("persistence: put namespaces batch: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("persistence: no in-flight build %q for workspace %q", buildID, workspaceID)
	}
	return nil
}

func (s *MongoStore) FinishBuild(ctx context.Context, workspaceID, buildID string, warnings []string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Classic update operators cannot copy one field into another within
	// a single call, so read the building snapshot first and then
	// publish it explicitly as the ready snapshot.
	var doc registryBuildDocument
	cur, ferr := s.builds.Find(ctx, bson.M{"_id": workspaceID})
	if ferr != nil {
		return fmt.Errorf("persistence: finish build: %w", ferr)
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		return fmt.Errorf("persistence: no build record for workspace %q", workspaceID)
	}
	if derr := cur.Decode(&doc); derr != nil {
		return fmt.Errorf("persistence: finish build: %w", derr)
	}
	if doc.BuildingBuildID != buildID {
		return fmt.Errorf("persistence: no in-flight build %q for workspace %q", buildID, workspaceID)
	}
	_, err := s.builds.UpdateOne(ctx,
		bson.M{"_id": workspaceID},
		bson.M{"$set": bson.M{
			"ready_signature": doc.BuildingSignature, "ready_build_id": doc.BuildingBuildID,
			"ready_tools": doc.BuildingTools, "ready_namespaces": doc.BuildingNamespace, "ready_warnings": warnings,
			"building_signature": "", "building_build_id": "", "building_tools": []ToolEntry{}, "building_namespaces": []string{},
			"updated_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("persistence: finish build: %w", err)
	}
	return nil
}

func (s *MongoStore) FailBuild(ctx context.Context, workspaceID, buildID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.builds.UpdateOne(ctx,
		bson.M{"_id": workspaceID, "building_build_id": buildID},
		bson.M{"$set": bson.M{
			"building_signature": "", "building_build_id": "", "building_tools": []ToolEntry{}, "building_namespaces": []string{},
		}},
	)
	if err != nil {
		return fmt.Errorf("persistence: fail build: %w", err)
	}
	return nil
}

func (s *MongoStore) GetRegistryState(ctx context.Context, workspaceID string) (*RegistryBuild, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc registryBuildDocument
	err := s.builds.FindOne(ctx, bson.M{"_id": workspaceID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return &RegistryBuild{WorkspaceID: workspaceID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get registry state: %w", err)
	}
	return &RegistryBuild{
		WorkspaceID: workspaceID, Signature: doc.ReadySignature, ReadyBuildID: doc.ReadyBuildID,
		ReadySignature: doc.ReadySignature, BuildingBuildID: doc.BuildingBuildID, BuildingSignature: doc.BuildingSignature,
		Tools: doc.ReadyTools, Namespaces: doc.ReadyNamespaces, Warnings: doc.ReadyWarnings, UpdatedAt: doc.UpdatedAt,
	}, nil
}

var _ Store = (*MongoStore)(nil)
