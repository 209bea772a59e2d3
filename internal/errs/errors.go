// Package errs defines the core error taxonomy shared by every component:
// the six error kinds of the error handling design, as sentinels plus a
// structured CoreError carrying enough context to render a gateway
// {ok:false, error:{code,message}} response or a run.final error payload.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a CoreError into one of the taxonomy's buckets. It is
// not a Go type hierarchy (per the "exceptions as control flow" redesign
// note) — callers check Kind via errors.As, never via panic/recover.
type Kind string

const (
	// KindProtocol is a malformed frame, unknown method, or version mismatch.
	KindProtocol Kind = "protocol_error"
	// KindPolicyDenied is a permission denial; the run continues.
	KindPolicyDenied Kind = "policy_denied"
	// KindTool is a tool that executed but returned failure (incl. timeout).
	KindTool Kind = "tool_error"
	// KindProvider is an unrecoverable LLM stream failure; the run fails.
	KindProvider Kind = "provider_error"
	// KindStateConflict is an illegal state transition.
	KindStateConflict Kind = "state_conflict"
	// KindResourceExhausted is a full queue or an exceeded delegation depth.
	KindResourceExhausted Kind = "resource_exhausted"
)

// Sentinel errors for conditions that do not need per-instance context.
var (
	ErrRunNotFound      = errors.New("run not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrPermissionExists = errors.New("permission request already resolved")
	ErrScheduleLocked   = errors.New("schedule has a non-terminal run in flight")
	ErrNotTerminal      = errors.New("run has not reached a terminal state")
)

// CoreError is a structured error carrying a taxonomy Kind plus enough
// context to answer "what do I tell the client" without re-deriving it.
type CoreError struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// New builds a CoreError of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a CoreError of the given kind around an existing error.
func Wrap(kind Kind, cause error, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// As extracts a *CoreError from an error chain.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) a CoreError, or "" otherwise.
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return ""
}
