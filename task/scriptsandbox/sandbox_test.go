package scriptsandbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/pipeline"
	"github.com/execbroker/execbroker/task"
	"github.com/execbroker/execbroker/task/scriptsandbox"
	"github.com/execbroker/execbroker/toolerrors"
)

type recordingCallbacks struct {
	calls  []pipeline.ToolCall
	lines  []string
	result any
	err    error
}

func (r *recordingCallbacks) InvokeTool(_ context.Context, call pipeline.ToolCall) (any, error) {
	r.calls = append(r.calls, call)
	return r.result, r.err
}

func (r *recordingCallbacks) EmitOutput(_ context.Context, stream, line string) {
	r.lines = append(r.lines, stream+": "+line)
}

func run(t *testing.T, code string, timeoutMs int, cb *recordingCallbacks) task.RunResult {
	t.Helper()
	result, err := scriptsandbox.New().Run(context.Background(), task.RunRequest{
		TaskID: "t1", Code: code, TimeoutMs: timeoutMs,
	}, cb)
	require.NoError(t, err)
	return result
}

func TestRunPrintAndExit(t *testing.T) {
	cb := &recordingCallbacks{}
	result := run(t, "print stdout hello\nprint stderr oops\nexit 0", 0, cb)
	assert.Equal(t, persistence.TaskCompleted, result.Status)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.Equal(t, []string{"stdout: hello", "stderr: oops"}, cb.lines)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
}

func TestRunCallEchoesResult(t *testing.T) {
	cb := &recordingCallbacks{result: map[string]any{"pong": true}}
	result := run(t, `call demo.ping {"msg":"hi"}`, 0, cb)
	assert.Equal(t, persistence.TaskCompleted, result.Status)
	require.Len(t, cb.calls, 1)
	assert.Equal(t, "t1-call-1", cb.calls[0].CallID)
	assert.Equal(t, "demo.ping", cb.calls[0].ToolPath)
	assert.Equal(t, map[string]any{"msg": "hi"}, cb.calls[0].Input)
	assert.Contains(t, result.Stdout, `"pong":true`)
}

func TestRunCallIDsUniquePerTask(t *testing.T) {
	cb := &recordingCallbacks{result: "ok"}
	run(t, "call a.b {}\ncall a.b {}\ncall a.b {}", 0, cb)
	seen := map[string]bool{}
	for _, call := range cb.calls {
		assert.False(t, seen[call.CallID])
		seen[call.CallID] = true
	}
}

func TestRunToolErrorClassification(t *testing.T) {
	denied := &recordingCallbacks{err: &toolerrors.ApprovalDenied{Path: "demo.ping", ApprovalID: "a1"}}
	result := run(t, "call demo.ping {}", 0, denied)
	assert.Equal(t, persistence.TaskDenied, result.Status)

	policyDenied := &recordingCallbacks{err: &toolerrors.PolicyDenied{Path: "demo.ping"}}
	result = run(t, "call demo.ping {}", 0, policyDenied)
	assert.Equal(t, persistence.TaskFailed, result.Status)
	assert.Contains(t, result.Error, "policy denied")

	failed := &recordingCallbacks{err: errors.New("boom")}
	result = run(t, "call demo.ping {}", 0, failed)
	assert.Equal(t, persistence.TaskFailed, result.Status)
}

func TestRunTimeout(t *testing.T) {
	cb := &recordingCallbacks{}
	result := run(t, "sleep 500", 20, cb)
	assert.Equal(t, persistence.TaskTimedOut, result.Status)
}

func TestRunUnknownStatement(t *testing.T) {
	cb := &recordingCallbacks{}
	result := run(t, "launch missiles", 0, cb)
	assert.Equal(t, persistence.TaskFailed, result.Status)
	assert.Contains(t, result.Error, "launch")
}

func TestRunNonZeroExit(t *testing.T) {
	cb := &recordingCallbacks{}
	result := run(t, "exit 3", 0, cb)
	assert.Equal(t, persistence.TaskFailed, result.Status)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 3, *result.ExitCode)
}

func TestRunSkipsCommentsAndBlanks(t *testing.T) {
	cb := &recordingCallbacks{}
	result := run(t, "# a comment\n\nprint stdout ok\n", 0, cb)
	assert.Equal(t, persistence.TaskCompleted, result.Status)
	assert.Equal(t, "ok\n", result.Stdout)
}
