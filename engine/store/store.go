// Package store provides persistence for workflow definitions, execution
// records, append-only execution logs, and UI interactions.
//
// Three backends are provided:
//   - MemStore: in-memory, for tests and single-process development
//   - SQLiteStore: single-file database with zero setup (modernc.org/sqlite)
//   - MySQLStore: production relational backend (go-sql-driver/mysql)
package store

import (
	"context"
	"errors"
	"time"

	"github.com/conductor-go/conductor/workflow"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// WorkflowRepository resolves workflow definitions and permissions.
// Definitions are owned by an external CRUD service; the engine only reads.
type WorkflowRepository interface {
	// GetWorkflow returns the workflow with the given id, or ErrNotFound.
	GetWorkflow(ctx context.Context, workflowID string) (*workflow.Workflow, error)

	// HasPermission reports whether the user holds at least the given
	// permission on the workflow.
	HasPermission(ctx context.Context, workflowID, userID string, perm workflow.Permission) (bool, error)
}

// ExecutionStore is the database of record for workflow executions.
//
// Every state mutation is a small idempotent update keyed by execution id
// (and node id for node updates) so that out-of-order writes from
// concurrent scheduler tasks converge.
type ExecutionStore interface {
	// CreateExecution persists a new execution record with its initial
	// per-node execution set.
	CreateExecution(ctx context.Context, exec *workflow.WorkflowExecution) error

	// GetExecution returns the execution record, or ErrNotFound.
	GetExecution(ctx context.Context, executionID string) (*workflow.WorkflowExecution, error)

	// UpdateExecutionStatus sets the execution status. A non-nil
	// finishedAt also stamps the finish time.
	UpdateExecutionStatus(ctx context.Context, executionID string, status workflow.ExecutionStatus, finishedAt *time.Time) error

	// UpdateExecutionProgress replaces the progress summary.
	UpdateExecutionProgress(ctx context.Context, executionID string, p workflow.Progress) error

	// UpdateNodeExecution replaces the node execution record for
	// (executionID, nodeID).
	UpdateNodeExecution(ctx context.Context, executionID, nodeID string, ne *workflow.NodeExecution) error

	// AddExecutionLog appends one entry to the execution's log stream.
	AddExecutionLog(ctx context.Context, executionID string, entry workflow.LogEntry) error

	// GetExecutionLogs returns a page of the log stream ordered by
	// append time. take <= 0 means "the rest".
	GetExecutionLogs(ctx context.Context, executionID string, skip, take int) ([]workflow.LogEntry, error)

	// SetExecutionError records the execution-level error descriptor.
	SetExecutionError(ctx context.Context, executionID string, desc *workflow.ErrorDescriptor) error

	// SetExecutionResults records the finalized results.
	SetExecutionResults(ctx context.Context, executionID string, res *workflow.Results) error

	// GetRunningExecutions returns executions whose status is Running or
	// Paused, used for orphan detection after a process restart.
	GetRunningExecutions(ctx context.Context) ([]*workflow.WorkflowExecution, error)
}

// InteractionStore persists UI interactions independently of the owning
// execution record.
type InteractionStore interface {
	// CreateInteraction persists a new interaction.
	CreateInteraction(ctx context.Context, it *workflow.UIInteraction) error

	// GetInteraction returns the interaction, or ErrNotFound.
	GetInteraction(ctx context.Context, interactionID string) (*workflow.UIInteraction, error)

	// UpdateInteractionStatus transitions the interaction and, for
	// Completed, records the output document and completion time.
	UpdateInteractionStatus(ctx context.Context, interactionID string, status workflow.InteractionStatus, output workflow.Document) error

	// GetPendingForUser returns open interactions addressed to a user.
	GetPendingForUser(ctx context.Context, userID string) ([]*workflow.UIInteraction, error)

	// GetByExecution returns all interactions of one execution.
	GetByExecution(ctx context.Context, executionID string) ([]*workflow.UIInteraction, error)

	// GetActiveInteractions returns every open interaction.
	GetActiveInteractions(ctx context.Context) ([]*workflow.UIInteraction, error)

	// GetTimedOutInteractions returns open interactions whose deadline
	// passed before now.
	GetTimedOutInteractions(ctx context.Context, now time.Time) ([]*workflow.UIInteraction, error)
}
