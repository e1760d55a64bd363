package workflow

import (
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle status of a whole workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "Pending"
	ExecutionRunning   ExecutionStatus = "Running"
	ExecutionPaused    ExecutionStatus = "Paused"
	ExecutionCompleted ExecutionStatus = "Completed"
	ExecutionFailed    ExecutionStatus = "Failed"
	ExecutionCancelled ExecutionStatus = "Cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// NodeStatus is the lifecycle status of a single node execution.
//
// Legal transitions:
//
//	Pending → Running
//	Retrying → Running
//	Running → WaitingForInput → Running
//	Running | WaitingForInput → Completed | Failed | Skipped
type NodeStatus string

const (
	NodePending         NodeStatus = "Pending"
	NodeRunning         NodeStatus = "Running"
	NodeWaitingForInput NodeStatus = "WaitingForInput"
	NodeCompleted       NodeStatus = "Completed"
	NodeFailed          NodeStatus = "Failed"
	NodeSkipped         NodeStatus = "Skipped"
	NodeRetrying        NodeStatus = "Retrying"
)

// Terminal reports whether a node status is final. WaitingForInput is not
// terminal: the completion latch of an execution stays open while any node
// waits for user input.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped:
		return true
	}
	return false
}

// Satisfied reports whether the status satisfies a successor's dependency.
// A skipped node counts as satisfied.
func (s NodeStatus) Satisfied() bool {
	return s == NodeCompleted || s == NodeSkipped
}

// ErrorType classifies node and execution failures.
type ErrorType string

const (
	ErrValidation ErrorType = "ValidationError"
	ErrDependency ErrorType = "DependencyError"
	ErrExecution  ErrorType = "ExecutionError"
	ErrTimeout    ErrorType = "TimeoutError"
	ErrResource   ErrorType = "ResourceError"
	ErrSystem     ErrorType = "SystemError"
	ErrPermission ErrorType = "PermissionError"
)

// ErrorDescriptor records a failure on a node or an execution.
type ErrorDescriptor struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	ExitCode  int       `json:"exitCode,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
}

func (e *ErrorDescriptor) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ExecutionContext carries the per-run parameters supplied by the executor.
type ExecutionContext struct {
	// UserInputs are keyed by "{nodeID}.{inputName}".
	UserInputs map[string]any `json:"userInputs,omitempty"`

	// MaxConcurrentNodes bounds concurrent nodes within this execution.
	MaxConcurrentNodes int `json:"maxConcurrentNodes"`

	// TimeoutMinutes bounds the whole execution.
	TimeoutMinutes int `json:"timeoutMinutes"`

	// ContinueOnError keeps scheduling other branches after a node fails.
	// When false, the first failure cancels the execution.
	ContinueOnError bool `json:"continueOnError,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// UserInput returns the user-supplied value for "{nodeID}.{name}".
func (c ExecutionContext) UserInput(nodeID, name string) (any, bool) {
	v, ok := c.UserInputs[nodeID+"."+name]
	return v, ok
}

// Progress summarizes how far an execution has come.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Running   int     `json:"running"`
	Percent   float64 `json:"percentComplete"`
	Phase     string  `json:"phase,omitempty"`
}

// LogEntry is one line of an execution's append-only log stream.
// Ordering across concurrent tasks is by wall-clock timestamp only.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	NodeID  string         `json:"nodeId,omitempty"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// OutputFile indexes a file produced by a node, fetched later through the
// file-storage collaborator by owning program id and path.
type OutputFile struct {
	NodeID    string `json:"nodeId"`
	ProgramID string `json:"programId"`
	FileName  string `json:"fileName"`
	Path      string `json:"path"`
}

// Results is the finalized outcome of a completed execution.
type Results struct {
	// FinalOutputs holds the output document of each terminal node.
	FinalOutputs map[string]Document `json:"finalOutputs,omitempty"`

	// Intermediate holds the output document of every completed node.
	Intermediate map[string]Document `json:"intermediateResults,omitempty"`

	OutputFiles []OutputFile `json:"outputFiles,omitempty"`
	Summary     string       `json:"summary,omitempty"`
}

// NodeExecution is the durable record of one node within one execution.
type NodeExecution struct {
	NodeID     string     `json:"nodeId"`
	Status     NodeStatus `json:"status"`
	RetryCount int        `json:"retryCount"`
	MaxRetries int        `json:"maxRetries"`

	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	Input  Document `json:"input,omitempty"`
	Output Document `json:"output,omitempty"`

	Error *ErrorDescriptor `json:"error,omitempty"`

	// RunnerExecutionID references the program-runner execution.
	RunnerExecutionID string `json:"runnerExecutionId,omitempty"`

	SkipReason string `json:"skipReason,omitempty"`

	// CanRetry marks a failed node as eligible for a user-initiated retry.
	CanRetry bool `json:"canRetry,omitempty"`
}

// WorkflowExecution is the durable record of one run of a workflow.
type WorkflowExecution struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflowId"`
	WorkflowVersion int             `json:"workflowVersion"`
	ExecutedBy      string          `json:"executedBy"`
	Status          ExecutionStatus `json:"status"`

	Context ExecutionContext `json:"executionContext"`

	// Nodes holds exactly one NodeExecution per workflow node.
	Nodes map[string]*NodeExecution `json:"nodeExecutions"`

	Progress Progress         `json:"progress"`
	Error    *ErrorDescriptor `json:"error,omitempty"`
	Results  *Results         `json:"results,omitempty"`

	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Node returns the node execution record for the given node id, or nil.
func (e *WorkflowExecution) Node(nodeID string) *NodeExecution {
	return e.Nodes[nodeID]
}

// Permission is an access level on a workflow.
type Permission string

const (
	PermView    Permission = "View"
	PermExecute Permission = "Execute"
	PermEdit    Permission = "Edit"
)
