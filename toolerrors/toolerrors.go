// Package toolerrors defines the typed error taxonomy surfaced by the tool
// invocation pipeline and the task executor. Every error a caller needs to
// branch on implements Error() string, Unwrap() error and an Is(target
// error) bool hook so callers use errors.Is/errors.As instead of sniffing
// message prefixes.
package toolerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors usable with errors.Is against any of the typed errors
// below. Each typed error's Is method treats the matching sentinel as
// equivalent regardless of the error's specific path/reason payload.
var (
	ErrUnknownTool       = errors.New("unknown tool")
	ErrPolicyDenied      = errors.New("policy denied")
	ErrApprovalDenied    = errors.New("approval denied")
	ErrMissingCredential = errors.New("missing credential")
	ErrToolExecution     = errors.New("tool execution error")
)

// UnknownTool is returned when a tool path does not resolve in the current
// workspace registry snapshot.
type UnknownTool struct {
	Path string
}

func (e *UnknownTool) Error() string {
	return fmt.Sprintf("Unknown tool: %s", e.Path)
}

func (e *UnknownTool) Unwrap() error { return ErrUnknownTool }

func (e *UnknownTool) Is(target error) bool { return target == ErrUnknownTool }

// PolicyDenied is returned when the policy engine's decision for a tool
// path (or, for GraphQL tools, the worst-wins combination of its effective
// paths) is deny.
type PolicyDenied struct {
	Path           string
	EffectivePaths []string
}

func (e *PolicyDenied) Error() string {
	if len(e.EffectivePaths) > 1 {
		return fmt.Sprintf("%s (policy denied): %v", e.Path, e.EffectivePaths)
	}
	return fmt.Sprintf("%s (policy denied)", e.Path)
}

func (e *PolicyDenied) Unwrap() error { return ErrPolicyDenied }

func (e *PolicyDenied) Is(target error) bool { return target == ErrPolicyDenied }

// ApprovalDenied is returned when a human reviewer denies a pending
// approval gating a tool call.
type ApprovalDenied struct {
	Path       string
	ApprovalID string
}

func (e *ApprovalDenied) Error() string {
	return fmt.Sprintf("%s (approval denied): %s", e.Path, e.ApprovalID)
}

func (e *ApprovalDenied) Unwrap() error { return ErrApprovalDenied }

func (e *ApprovalDenied) Is(target error) bool { return target == ErrApprovalDenied }

// MissingCredential is returned when a credential record is absent or the
// resolver produced no usable headers for it.
type MissingCredential struct {
	SourceKey string
	Mode      string
	Cause     error
}

func (e *MissingCredential) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("missing credential %s (%s): %v", e.SourceKey, e.Mode, e.Cause)
	}
	return fmt.Sprintf("missing credential %s (%s)", e.SourceKey, e.Mode)
}

func (e *MissingCredential) Unwrap() error { return ErrMissingCredential }

func (e *MissingCredential) Is(target error) bool { return target == ErrMissingCredential }

// ToolExecutionError wraps any failure raised inside the dispatcher: an
// HTTP non-2xx response, an MCP transport fault, a GraphQL envelope error,
// and so on. It is the only member of the taxonomy that is opaque.
type ToolExecutionError struct {
	Path  string
	Cause error
}

func (e *ToolExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Path, e.Cause)
	}
	return e.Path
}

func (e *ToolExecutionError) Unwrap() error { return ErrToolExecution }

func (e *ToolExecutionError) Is(target error) bool { return target == ErrToolExecution }

// Classify renders a taxonomy error back into the stable "denied" vs
// "failed" signal the sandbox adapter boundary needs, without resorting to
// message-prefix sniffing. ok is false when err does not belong to this
// taxonomy (the caller should treat it as a generic failure).
func Classify(err error) (kind string, ok bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, ErrApprovalDenied):
		return "denied", true
	case errors.Is(err, ErrPolicyDenied):
		return "failed", true
	case errors.Is(err, ErrUnknownTool):
		return "failed", true
	case errors.Is(err, ErrMissingCredential):
		return "failed", true
	case errors.Is(err, ErrToolExecution):
		return "failed", true
	default:
		return "", false
	}
}

// IsDenied reports whether err is a human approval denial — the one
// taxonomy member that maps a task's terminal status to "denied" rather
// than "failed". A policy deny fails the task: the call never had a human
// in the loop.
func IsDenied(err error) bool {
	return errors.Is(err, ErrApprovalDenied)
}
