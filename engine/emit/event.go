package emit

import "time"

// Level classifies the severity of an emitted event. Status transitions
// emit Info on success, Warning on skip or retry, Error on failure, and
// Critical on system errors.
type Level string

const (
	LevelInfo     Level = "Info"
	LevelWarning  Level = "Warning"
	LevelError    Level = "Error"
	LevelCritical Level = "Critical"
)

// Event is an observability event emitted during workflow execution.
//
// Every node and execution status transition produces one event. Events
// carry structured metadata (elapsed time, output-file counts, error
// descriptors) so emitters can forward them to logs, traces, or metrics
// without re-deriving context.
type Event struct {
	// ExecutionID identifies the workflow execution that emitted this
	// event. Empty only for engine-level events (startup, shutdown).
	ExecutionID string

	// NodeID identifies the node this event concerns.
	// Empty for execution-level events.
	NodeID string

	// Level is the event severity.
	Level Level

	// Msg is a short machine-friendly event name, e.g. "node_completed",
	// "execution_failed", "ui_interaction_created".
	Msg string

	// Time is when the event was produced.
	Time time.Time

	// Meta contains additional structured data. Common keys:
	//   - "duration_ms": elapsed time in milliseconds
	//   - "error": error descriptor or message
	//   - "output_files": count of files produced
	//   - "interaction_id": UI interaction identifier
	//   - "retry_count": current retry attempt
	Meta map[string]any
}
