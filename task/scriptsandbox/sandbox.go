// Package scriptsandbox is a reference SandboxAdapter that interprets a
// tiny line-oriented script instead of executing a real isolated runtime.
// It exists so the executor has something concrete to drive end to end in
// tests and local smoke runs; production deployments plug in a real VM or
// container adapter behind the same contract.
//
// Script grammar, one statement per line:
//
//	call <toolPath> <json-input>
//	print <stdout|stderr> <text>
//	sleep <ms>
//	exit <code>
//
// Blank lines and lines starting with '#' are skipped. Tool results are
// echoed to stdout as JSON. A failing tool call stops the script.
package scriptsandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/pipeline"
	"github.com/execbroker/execbroker/task"
	"github.com/execbroker/execbroker/toolerrors"
)

// Sandbox interprets task code as a script.
type Sandbox struct{}

// New constructs a Sandbox.
func New() *Sandbox {
	return &Sandbox{}
}

// Run executes the script. The task timeout is enforced here: expiry
// surfaces as a timed_out result, per the adapter contract.
func (s *Sandbox) Run(ctx context.Context, req task.RunRequest, callbacks task.Callbacks) (task.RunResult, error) {
	started := time.Now()
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var stdout, stderr strings.Builder
	exitCode := 0
	result := func(status persistence.TaskStatus, errMsg string) task.RunResult {
		ec := exitCode
		return task.RunResult{
			Status:     status,
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
			ExitCode:   &ec,
			Error:      errMsg,
			DurationMs: time.Since(started).Milliseconds(),
		}
	}

	callSeq := 0
	for _, rawLine := range strings.Split(req.Code, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if ctx.Err() != nil {
			exitCode = -1
			return result(persistence.TaskTimedOut, "task deadline exceeded"), nil
		}

		verb, rest, _ := strings.Cut(line, " ")
		switch verb {
		case "call":
			toolPath, rawInput, _ := strings.Cut(rest, " ")
			input := map[string]any{}
			if strings.TrimSpace(rawInput) != "" {
				if err := json.Unmarshal([]byte(rawInput), &input); err != nil {
					exitCode = 1
					return result(persistence.TaskFailed, fmt.Sprintf("invalid tool input on line %q: %v", line, err)), nil
				}
			}
			callSeq++
			call := pipeline.ToolCall{
				CallID:   fmt.Sprintf("%s-call-%d", req.TaskID, callSeq),
				ToolPath: toolPath,
				Input:    input,
			}
			value, err := callbacks.InvokeTool(ctx, call)
			if err != nil {
				if ctx.Err() != nil {
					exitCode = -1
					return result(persistence.TaskTimedOut, "task deadline exceeded"), nil
				}
				exitCode = 1
				status := persistence.TaskFailed
				if toolerrors.IsDenied(err) {
					status = persistence.TaskDenied
				}
				return result(status, err.Error()), nil
			}
			echo, merr := json.Marshal(value)
			if merr != nil {
				echo = []byte(fmt.Sprint(value))
			}
			stdout.Write(echo)
			stdout.WriteByte('\n')
			callbacks.EmitOutput(ctx, "stdout", string(echo))
		case "print":
			stream, text, _ := strings.Cut(rest, " ")
			if stream != "stderr" {
				stream = "stdout"
			}
			buf := &stdout
			if stream == "stderr" {
				buf = &stderr
			}
			buf.WriteString(text)
			buf.WriteByte('\n')
			callbacks.EmitOutput(ctx, stream, text)
		case "sleep":
			ms, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil || ms < 0 {
				exitCode = 1
				return result(persistence.TaskFailed, fmt.Sprintf("invalid sleep duration %q", rest)), nil
			}
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				exitCode = -1
				return result(persistence.TaskTimedOut, "task deadline exceeded"), nil
			}
		case "exit":
			code, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil {
				code = 0
			}
			exitCode = code
			if code != 0 {
				return result(persistence.TaskFailed, fmt.Sprintf("script exited with code %d", code)), nil
			}
			return result(persistence.TaskCompleted, ""), nil
		default:
			exitCode = 1
			return result(persistence.TaskFailed, fmt.Sprintf("unknown statement %q", verb)), nil
		}
	}
	return result(persistence.TaskCompleted, ""), nil
}
