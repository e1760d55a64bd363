package workflow

import (
	"context"
	"time"
)

// Program is the engine's view of an externally managed program.
type Program struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Status is the program lifecycle state. Anything other than "live"
	// produces a validation warning when referenced by a node.
	Status string `json:"status"`

	// UiType classifies the program's user interface. Programs whose
	// UiType is one of "console", "none", "cli", "batch" or "service"
	// never suspend for interactive input.
	UiType string `json:"uiType"`
}

// ProgramVersion is a published version of a program.
type ProgramVersion struct {
	ID        string `json:"id"`
	ProgramID string `json:"programId"`
	Number    int    `json:"number"`
}

// ProgramCatalog resolves program metadata for validation, data propagation
// and the UI interaction bridge. It is implemented by the external program
// management service.
type ProgramCatalog interface {
	// GetProgram returns the program with the given id, or an error when
	// it does not exist.
	GetProgram(ctx context.Context, programID string) (*Program, error)

	// GetVersion returns a specific program version.
	GetVersion(ctx context.Context, versionID string) (*ProgramVersion, error)

	// HasActiveUIComponents reports whether at least one active UI
	// component is registered for the program. A program without active
	// components runs non-interactively regardless of its UiType.
	HasActiveUIComponents(ctx context.Context, programID string) (bool, error)
}

// RunRequest is the prepared request handed to the program runner.
type RunRequest struct {
	ProgramID string `json:"programId"`
	VersionID string `json:"versionId,omitempty"`
	UserID    string `json:"userId"`

	// Parameters is the node's assembled input document.
	Parameters Document `json:"parameters,omitempty"`

	// Environment includes node overrides plus the engine's well-known
	// keys (WORKFLOW_INPUTS_CONTENT, UI_OUTPUT_DATA).
	Environment map[string]string `json:"environment,omitempty"`

	TimeoutMinutes int            `json:"timeoutMinutes,omitempty"`
	Resources      ResourceLimits `json:"resourceLimits,omitempty"`
}

// RunResult is the program runner's report for one sandboxed invocation.
//
// Success=false is a failure regardless of exit code; the scheduler
// preserves this contract explicitly.
type RunResult struct {
	Success     bool          `json:"success"`
	ExecutionID string        `json:"executionId"`
	ExitCode    int           `json:"exitCode"`
	Output      string        `json:"output"`
	ErrorOutput string        `json:"errorOutput,omitempty"`
	Duration    time.Duration `json:"duration"`

	// OutputFiles are sandbox-relative paths of files the program wrote.
	OutputFiles []string `json:"outputFiles,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`
}
