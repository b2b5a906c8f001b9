// Package eventlog appends per-task audit events under a strictly monotone
// sequence. It is the single write path for the broker's event stream: every
// state transition, tool call span, and approval decision flows through
// Publish, and the persistence layer's linearizable sequence assignment
// totally orders events per task.
package eventlog

import (
	"context"
	"fmt"

	"github.com/execbroker/execbroker/persistence"
)

// Closed set of event types the broker publishes.
const (
	TaskCreated       = "task.created"
	TaskQueued        = "task.queued"
	TaskRunning       = "task.running"
	TaskCompleted     = "task.completed"
	TaskFailed        = "task.failed"
	TaskTimedOut      = "task.timed_out"
	TaskDenied        = "task.denied"
	TaskStdout        = "task.stdout"
	TaskStderr        = "task.stderr"
	ToolCallStarted   = "tool.call.started"
	ToolCallCompleted = "tool.call.completed"
	ToolCallFailed    = "tool.call.failed"
	ToolCallDenied    = "tool.call.denied"
	ApprovalRequested = "approval.requested"
	ApprovalResolved  = "approval.resolved"
)

// TerminalTaskEvent maps a terminal task status to its event type.
func TerminalTaskEvent(status persistence.TaskStatus) (string, bool) {
	switch status {
	case persistence.TaskCompleted:
		return TaskCompleted, true
	case persistence.TaskFailed:
		return TaskFailed, true
	case persistence.TaskTimedOut:
		return TaskTimedOut, true
	case persistence.TaskDenied:
		return TaskDenied, true
	default:
		return "", false
	}
}

// Log is the event publication port.
type Log struct {
	store persistence.Store
}

// New constructs a Log over store.
func New(store persistence.Store) *Log {
	return &Log{store: store}
}

// Publish appends one event and returns its assigned sequence. On append
// failure the caller aborts its current step; events already appended form a
// valid prefix of the intended sequence.
func (l *Log) Publish(ctx context.Context, taskID, eventType string, payload map[string]any) (int64, error) {
	event, err := l.store.AppendTaskEvent(ctx, taskID, eventType, payload)
	if err != nil {
		return 0, fmt.Errorf("eventlog: publish %s for task %s: %w", eventType, taskID, err)
	}
	return event.Sequence, nil
}
