// Package task drives the task-level state machine: queued tasks enter
// running through a compare-and-set, the sandbox adapter executes the user
// code with tool calls routed through the invocation pipeline, and exactly
// one terminal event records the outcome.
package task

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/execbroker/execbroker/eventlog"
	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/pipeline"
	"github.com/execbroker/execbroker/toolerrors"
)

type (
	// Runtime describes a sandbox runtime a task may target.
	Runtime struct {
		ID       string
		Label    string
		Disabled bool
	}

	// RuntimeResolver answers whether a task's runtime id is known and
	// enabled.
	RuntimeResolver interface {
		Lookup(id string) (Runtime, bool)
	}

	// StaticRuntimes is a fixed runtime table.
	StaticRuntimes map[string]Runtime

	// RunRequest is what the executor hands the sandbox.
	RunRequest struct {
		TaskID    string
		Code      string
		TimeoutMs int
	}

	// RunResult is the sandbox's terminal report. Status must be one of
	// the terminal task statuses; timeout enforcement is the sandbox's
	// responsibility and surfaces as timed_out.
	RunResult struct {
		Status     persistence.TaskStatus
		Stdout     string
		Stderr     string
		ExitCode   *int
		Error      string
		DurationMs int64
	}

	// Callbacks is the surface the sandbox calls back into while user code
	// runs. InvokeTool blocks the sandbox until the call settles; EmitOutput
	// streams one line of stdout or stderr.
	Callbacks interface {
		InvokeTool(ctx context.Context, call pipeline.ToolCall) (any, error)
		EmitOutput(ctx context.Context, stream, line string)
	}

	// SandboxAdapter executes user code. External contract: the core never
	// looks inside the sandbox, it only consumes the result.
	SandboxAdapter interface {
		Run(ctx context.Context, req RunRequest, callbacks Callbacks) (RunResult, error)
	}

	// Executor owns task mutation. Nothing else writes task status.
	Executor struct {
		store    persistence.Store
		log      *eventlog.Log
		pipeline *pipeline.Pipeline
		sandbox  SandboxAdapter
		runtimes RuntimeResolver
	}

	// Options configures NewExecutor. All fields are required.
	Options struct {
		Store    persistence.Store
		Log      *eventlog.Log
		Pipeline *pipeline.Pipeline
		Sandbox  SandboxAdapter
		Runtimes RuntimeResolver
	}
)

// Lookup implements RuntimeResolver.
func (s StaticRuntimes) Lookup(id string) (Runtime, bool) {
	r, ok := s[id]
	return r, ok
}

// NewExecutor constructs an Executor.
func NewExecutor(opts Options) *Executor {
	return &Executor{
		store:    opts.Store,
		log:      opts.Log,
		pipeline: opts.Pipeline,
		sandbox:  opts.Sandbox,
		runtimes: opts.Runtimes,
	}
}

// NewTask is the client-facing creation request.
type NewTask struct {
	WorkspaceID string
	ActorID     string
	ClientID    string
	RuntimeID   string
	Code        string
	TimeoutMs   int
	Metadata    map[string]any
}

// Create persists a queued task and publishes task.created and task.queued.
func (e *Executor) Create(ctx context.Context, req NewTask) (*persistence.Task, error) {
	t := &persistence.Task{
		WorkspaceID: req.WorkspaceID,
		ActorID:     req.ActorID,
		ClientID:    req.ClientID,
		RuntimeID:   req.RuntimeID,
		Code:        req.Code,
		TimeoutMs:   req.TimeoutMs,
		Metadata:    req.Metadata,
		Status:      persistence.TaskQueued,
	}
	if rt, ok := e.runtimes.Lookup(req.RuntimeID); ok {
		t.RuntimeLabel = rt.Label
	}
	created, err := e.store.CreateTask(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("task: create: %w", err)
	}
	if _, err := e.log.Publish(ctx, created.ID, eventlog.TaskCreated, map[string]any{
		"taskId":      created.ID,
		"status":      string(created.Status),
		"runtimeId":   created.RuntimeID,
		"timeoutMs":   created.TimeoutMs,
		"workspaceId": created.WorkspaceID,
		"actorId":     created.ActorID,
		"clientId":    created.ClientID,
		"createdAt":   created.CreatedAt,
	}); err != nil {
		return nil, err
	}
	if _, err := e.log.Publish(ctx, created.ID, eventlog.TaskQueued, map[string]any{
		"taskId": created.ID,
		"status": string(created.Status),
	}); err != nil {
		return nil, err
	}
	return created, nil
}

// Run drives one queued task to a terminal state. Safe to call from
// competing schedulers: the compare-and-set on MarkTaskRunning means at most
// one caller executes the sandbox.
func (e *Executor) Run(ctx context.Context, taskID string) error {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task: load %s: %w", taskID, err)
	}
	if t == nil || t.Status != persistence.TaskQueued {
		return nil
	}

	rt, known := e.runtimes.Lookup(t.RuntimeID)
	if !known || rt.Disabled {
		msg := fmt.Sprintf("unknown or disabled runtime: %s", t.RuntimeID)
		return e.finish(ctx, t, RunResult{Status: persistence.TaskFailed, Error: msg}, time.Now())
	}

	running, err := e.store.MarkTaskRunning(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task: mark running %s: %w", taskID, err)
	}
	if running == nil {
		// Lost the dispatch race; another worker owns the task.
		return nil
	}
	started := time.Now()
	if _, err := e.log.Publish(ctx, taskID, eventlog.TaskRunning, map[string]any{
		"taskId":    taskID,
		"status":    string(persistence.TaskRunning),
		"startedAt": running.StartedAt,
	}); err != nil {
		return err
	}

	result := e.execute(ctx, running)
	return e.finish(ctx, running, result, started)
}

// execute runs the sandbox, translating adapter-level failures into a
// terminal result. An approval denial surfacing from the invocation pipeline
// maps the task to denied; everything else, a policy denial included, maps
// to failed.
func (e *Executor) execute(ctx context.Context, t *persistence.Task) RunResult {
	callbacks := &executorCallbacks{executor: e, task: t}
	result, err := e.sandbox.Run(ctx, RunRequest{TaskID: t.ID, Code: t.Code, TimeoutMs: t.TimeoutMs}, callbacks)
	if err != nil {
		status := persistence.TaskFailed
		if toolerrors.IsDenied(err) {
			status = persistence.TaskDenied
		}
		return RunResult{Status: status, Stdout: result.Stdout, Stderr: result.Stderr, Error: err.Error(), DurationMs: result.DurationMs}
	}
	if !result.Status.IsTerminal() {
		result.Error = fmt.Sprintf("sandbox returned non-terminal status %q", result.Status)
		result.Status = persistence.TaskFailed
	}
	return result
}

// finish records the terminal state and publishes the terminal event. A nil
// MarkTaskFinished return (task already terminal) is tolerated.
func (e *Executor) finish(ctx context.Context, t *persistence.Task, result RunResult, started time.Time) error {
	finished, err := e.store.MarkTaskFinished(ctx, t.ID, result.Status, result.Stdout, result.Stderr, result.ExitCode, result.Error)
	if err != nil {
		return fmt.Errorf("task: mark finished %s: %w", t.ID, err)
	}
	status := result.Status
	completedAt := time.Now().UTC()
	if finished != nil {
		status = finished.Status
		if finished.CompletedAt != nil {
			completedAt = *finished.CompletedAt
		}
	}
	eventType, ok := eventlog.TerminalTaskEvent(status)
	if !ok {
		return fmt.Errorf("task: %s finished with non-terminal status %q", t.ID, status)
	}
	durationMs := result.DurationMs
	if durationMs == 0 {
		durationMs = time.Since(started).Milliseconds()
	}
	payload := map[string]any{
		"taskId":      t.ID,
		"status":      string(status),
		"durationMs":  durationMs,
		"completedAt": completedAt,
	}
	if result.ExitCode != nil {
		payload["exitCode"] = *result.ExitCode
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	if _, err := e.log.Publish(ctx, t.ID, eventType, payload); err != nil {
		return err
	}
	log.Debugf(ctx, "task %s finished status=%s duration_ms=%d", t.ID, status, durationMs)
	return nil
}

// executorCallbacks adapts the sandbox callback surface onto the pipeline
// and event log.
type executorCallbacks struct {
	executor *Executor
	task     *persistence.Task
}

// InvokeTool routes a sandbox tool call through the invocation pipeline.
func (c *executorCallbacks) InvokeTool(ctx context.Context, call pipeline.ToolCall) (any, error) {
	return c.executor.pipeline.Invoke(ctx, c.task, call)
}

// EmitOutput publishes one line of sandbox output. The callback carries no
// error channel back into the sandbox, so publication failures are logged
// and the stream continues; dropped lines leave a valid event prefix.
func (c *executorCallbacks) EmitOutput(ctx context.Context, stream, line string) {
	eventType := eventlog.TaskStdout
	if stream == "stderr" {
		eventType = eventlog.TaskStderr
	}
	if _, err := c.executor.log.Publish(ctx, c.task.ID, eventType, map[string]any{
		"taskId":    c.task.ID,
		"line":      line,
		"timestamp": time.Now().UTC(),
	}); err != nil {
		log.Error(ctx, err, log.KV{K: "task", V: c.task.ID}, log.KV{K: "msg", V: "emit output"})
	}
}
