package engine

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning indicates that an execution for the same workflow is
// already live in the session registry.
var ErrAlreadyRunning = errors.New("workflow is already running")

// ErrEngineClosed indicates the engine has been shut down and no longer
// accepts work.
var ErrEngineClosed = errors.New("engine is shut down")

// EngineError represents a structured error from engine operations with an
// optional machine-readable code.
//
// Example:
//
//	if err := eng.Pause(ctx, id); err != nil {
//	    var engErr *engine.EngineError
//	    if errors.As(err, &engErr) {
//	        log.Printf("engine error [%s]: %s", engErr.Code, engErr.Message)
//	    }
//	}
type EngineError struct {
	// Message describes the error condition.
	Message string

	// Code is an optional machine-readable error code
	// (e.g. "CYCLE_DETECTED", "MAX_RETRIES_EXCEEDED").
	Code string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Kind classifies facade errors for transport mapping.
type Kind string

const (
	// KindNotFound maps to 404 semantics.
	KindNotFound Kind = "NotFound"

	// KindInvalidState maps to 409 semantics (resume while not paused,
	// retry while completed, admit while already running).
	KindInvalidState Kind = "InvalidState"

	// KindPermissionDenied maps to 403 semantics.
	KindPermissionDenied Kind = "PermissionDenied"

	// KindValidationFailed maps to 400 semantics with structured per-node
	// and per-edge issues.
	KindValidationFailed Kind = "ValidationFailed"

	// KindInternal maps to 500 semantics with an opaque trace id.
	KindInternal Kind = "Internal"
)

// FacadeError is the error type returned by Engine facade operations.
// Transports map Kind to their status vocabulary; everything else is
// internal detail.
type FacadeError struct {
	Kind    Kind
	Message string

	// Issues carries the structured validation result for
	// KindValidationFailed.
	Issues []ValidationIssue

	// TraceID is an opaque correlation id attached to KindInternal errors
	// so callers can reference the matching Critical log entry.
	TraceID string

	// Err is the wrapped cause, if any.
	Err error
}

// ValidationIssue is one structured validation problem surfaced to a facade
// caller.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"nodeId,omitempty"`
	Edge    string `json:"edge,omitempty"`
}

func (e *FacadeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *FacadeError) Unwrap() error {
	return e.Err
}

// notFound builds a KindNotFound error.
func notFound(format string, args ...any) *FacadeError {
	return &FacadeError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// invalidState builds a KindInvalidState error.
func invalidState(format string, args ...any) *FacadeError {
	return &FacadeError{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// engineClosed builds the InvalidState error for operations arriving after
// Shutdown. errors.Is(err, ErrEngineClosed) matches it.
func engineClosed() *FacadeError {
	return &FacadeError{
		Kind:    KindInvalidState,
		Message: ErrEngineClosed.Error(),
		Err:     ErrEngineClosed,
	}
}

// alreadyRunning builds the InvalidState error for a workflow admission
// conflict. errors.Is(err, ErrAlreadyRunning) matches it.
func alreadyRunning(workflowID, executionID string) *FacadeError {
	return &FacadeError{
		Kind:    KindInvalidState,
		Message: fmt.Sprintf("Workflow %s is already running. Execution ID: %s", workflowID, executionID),
		Err:     ErrAlreadyRunning,
	}
}

// permissionDenied builds a KindPermissionDenied error.
func permissionDenied(format string, args ...any) *FacadeError {
	return &FacadeError{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

// internalError wraps an unexpected failure with a trace id.
func internalError(traceID string, err error) *FacadeError {
	return &FacadeError{
		Kind:    KindInternal,
		Message: "internal error",
		TraceID: traceID,
		Err:     err,
	}
}
