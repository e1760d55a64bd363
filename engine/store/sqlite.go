package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/conductor-go/conductor/workflow"
)

// SQLiteStore persists executions, logs and interactions in a single SQLite
// database file. It uses the pure-Go modernc.org/sqlite driver, so it builds
// without cgo.
//
// Records are stored as JSON documents with a few extracted columns for
// querying (status, user, timestamps). Log entries are append-only rows.
//
// SQLiteStore does not implement WorkflowRepository: workflow definitions
// live with the CRUD service, not with the engine.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists. Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer at a time. Funnel all access through a
	// single connection so concurrent scheduler tasks serialize instead
	// of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	executed_by TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	record      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id);

CREATE TABLE IF NOT EXISTS execution_logs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	entry        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_execution ON execution_logs(execution_id);

CREATE TABLE IF NOT EXISTS interactions (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	status       TEXT NOT NULL,
	deadline     TEXT NOT NULL,
	record       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interactions_execution ON interactions(execution_id);
CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id, status);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// loadExecution reads and decodes one execution record.
func (s *SQLiteStore) loadExecution(ctx context.Context, executionID string) (*workflow.WorkflowExecution, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM executions WHERE id = ?`, executionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	var exec workflow.WorkflowExecution
	if err := json.Unmarshal([]byte(raw), &exec); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", executionID, err)
	}
	return &exec, nil
}

// mutateExecution applies fn to the current record inside a transaction, so
// concurrent node updates against the same execution do not lose writes.
// The transaction pins the pool's single connection for the whole
// read-modify-write, excluding every other statement until commit.
func (s *SQLiteStore) mutateExecution(ctx context.Context, executionID string, fn func(*workflow.WorkflowExecution)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT record FROM executions WHERE id = ?`, executionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load execution %s: %w", executionID, err)
	}

	var exec workflow.WorkflowExecution
	if err := json.Unmarshal([]byte(raw), &exec); err != nil {
		return fmt.Errorf("decode execution %s: %w", executionID, err)
	}
	fn(&exec)

	updated, err := json.Marshal(&exec)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", executionID, err)
	}
	var finished any
	if exec.FinishedAt != nil {
		finished = exec.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, finished_at = ?, record = ? WHERE id = ?`,
		string(exec.Status), finished, string(updated), executionID)
	if err != nil {
		return fmt.Errorf("save execution %s: %w", executionID, err)
	}
	return tx.Commit()
}

// CreateExecution implements ExecutionStore.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *workflow.WorkflowExecution) error {
	raw, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", exec.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, executed_by, started_at, record)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), exec.ExecutedBy,
		exec.StartedAt.UTC().Format(time.RFC3339Nano), string(raw))
	if err != nil {
		return fmt.Errorf("create execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetExecution implements ExecutionStore.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*workflow.WorkflowExecution, error) {
	return s.loadExecution(ctx, executionID)
}

// UpdateExecutionStatus implements ExecutionStore.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, executionID string, status workflow.ExecutionStatus, finishedAt *time.Time) error {
	return s.mutateExecution(ctx, executionID, func(exec *workflow.WorkflowExecution) {
		exec.Status = status
		if finishedAt != nil {
			t := finishedAt.UTC()
			exec.FinishedAt = &t
		}
	})
}

// UpdateExecutionProgress implements ExecutionStore.
func (s *SQLiteStore) UpdateExecutionProgress(ctx context.Context, executionID string, p workflow.Progress) error {
	return s.mutateExecution(ctx, executionID, func(exec *workflow.WorkflowExecution) {
		exec.Progress = p
	})
}

// UpdateNodeExecution implements ExecutionStore.
func (s *SQLiteStore) UpdateNodeExecution(ctx context.Context, executionID, nodeID string, ne *workflow.NodeExecution) error {
	return s.mutateExecution(ctx, executionID, func(exec *workflow.WorkflowExecution) {
		if exec.Nodes == nil {
			exec.Nodes = make(map[string]*workflow.NodeExecution)
		}
		exec.Nodes[nodeID] = ne
	})
}

// AddExecutionLog implements ExecutionStore.
func (s *SQLiteStore) AddExecutionLog(ctx context.Context, executionID string, entry workflow.LogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (execution_id, entry) VALUES (?, ?)`,
		executionID, string(raw))
	if err != nil {
		return fmt.Errorf("append log for %s: %w", executionID, err)
	}
	return nil
}

// GetExecutionLogs implements ExecutionStore.
func (s *SQLiteStore) GetExecutionLogs(ctx context.Context, executionID string, skip, take int) ([]workflow.LogEntry, error) {
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = -1 // no LIMIT in sqlite means LIMIT -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM execution_logs WHERE execution_id = ? ORDER BY id LIMIT ? OFFSET ?`,
		executionID, take, skip)
	if err != nil {
		return nil, fmt.Errorf("query logs for %s: %w", executionID, err)
	}
	defer rows.Close()

	var out []workflow.LogEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var entry workflow.LogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode log entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// SetExecutionError implements ExecutionStore.
func (s *SQLiteStore) SetExecutionError(ctx context.Context, executionID string, desc *workflow.ErrorDescriptor) error {
	return s.mutateExecution(ctx, executionID, func(exec *workflow.WorkflowExecution) {
		exec.Error = desc
	})
}

// SetExecutionResults implements ExecutionStore.
func (s *SQLiteStore) SetExecutionResults(ctx context.Context, executionID string, res *workflow.Results) error {
	return s.mutateExecution(ctx, executionID, func(exec *workflow.WorkflowExecution) {
		exec.Results = res
	})
}

// GetRunningExecutions implements ExecutionStore.
func (s *SQLiteStore) GetRunningExecutions(ctx context.Context) ([]*workflow.WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM executions WHERE status IN (?, ?)`,
		string(workflow.ExecutionRunning), string(workflow.ExecutionPaused))
	if err != nil {
		return nil, fmt.Errorf("query running executions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.WorkflowExecution
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var exec workflow.WorkflowExecution
		if err := json.Unmarshal([]byte(raw), &exec); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

// CreateInteraction implements InteractionStore.
func (s *SQLiteStore) CreateInteraction(ctx context.Context, it *workflow.UIInteraction) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encode interaction %s: %w", it.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interactions (id, execution_id, user_id, status, deadline, record)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		it.ID, it.ExecutionID, it.UserID, string(it.Status),
		it.Deadline().UTC().Format(time.RFC3339Nano), string(raw))
	if err != nil {
		return fmt.Errorf("create interaction %s: %w", it.ID, err)
	}
	return nil
}

// GetInteraction implements InteractionStore.
func (s *SQLiteStore) GetInteraction(ctx context.Context, interactionID string) (*workflow.UIInteraction, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM interactions WHERE id = ?`, interactionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load interaction %s: %w", interactionID, err)
	}
	var it workflow.UIInteraction
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return nil, fmt.Errorf("decode interaction %s: %w", interactionID, err)
	}
	return &it, nil
}

// UpdateInteractionStatus implements InteractionStore.
func (s *SQLiteStore) UpdateInteractionStatus(ctx context.Context, interactionID string, status workflow.InteractionStatus, output workflow.Document) error {
	it, err := s.GetInteraction(ctx, interactionID)
	if err != nil {
		return err
	}
	it.Status = status
	if output != nil {
		it.Output = output
	}
	if status == workflow.InteractionCompleted || status == workflow.InteractionCancelled || status == workflow.InteractionTimeout {
		now := time.Now().UTC()
		it.CompletedAt = &now
	}
	raw, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encode interaction %s: %w", interactionID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE interactions SET status = ?, record = ? WHERE id = ?`,
		string(status), string(raw), interactionID)
	if err != nil {
		return fmt.Errorf("update interaction %s: %w", interactionID, err)
	}
	return nil
}

func (s *SQLiteStore) queryInteractions(ctx context.Context, query string, args ...any) ([]*workflow.UIInteraction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.UIInteraction
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var it workflow.UIInteraction
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			return nil, fmt.Errorf("decode interaction: %w", err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

// GetPendingForUser implements InteractionStore.
func (s *SQLiteStore) GetPendingForUser(ctx context.Context, userID string) ([]*workflow.UIInteraction, error) {
	return s.queryInteractions(ctx,
		`SELECT record FROM interactions WHERE user_id = ? AND status IN (?, ?)`,
		userID, string(workflow.InteractionPending), string(workflow.InteractionInProgress))
}

// GetByExecution implements InteractionStore.
func (s *SQLiteStore) GetByExecution(ctx context.Context, executionID string) ([]*workflow.UIInteraction, error) {
	return s.queryInteractions(ctx,
		`SELECT record FROM interactions WHERE execution_id = ?`, executionID)
}

// GetActiveInteractions implements InteractionStore.
func (s *SQLiteStore) GetActiveInteractions(ctx context.Context) ([]*workflow.UIInteraction, error) {
	return s.queryInteractions(ctx,
		`SELECT record FROM interactions WHERE status IN (?, ?)`,
		string(workflow.InteractionPending), string(workflow.InteractionInProgress))
}

// GetTimedOutInteractions implements InteractionStore.
func (s *SQLiteStore) GetTimedOutInteractions(ctx context.Context, now time.Time) ([]*workflow.UIInteraction, error) {
	return s.queryInteractions(ctx,
		`SELECT record FROM interactions WHERE status IN (?, ?) AND deadline < ?`,
		string(workflow.InteractionPending), string(workflow.InteractionInProgress),
		now.UTC().Format(time.RFC3339Nano))
}
