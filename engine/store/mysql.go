package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/conductor-go/conductor/workflow"
)

// MySQLStore is the production relational backend. It stores execution and
// interaction records as JSON documents alongside indexed columns, the same
// layout as SQLiteStore.
//
// The DSN must include parseTime=true so DATETIME columns scan into
// time.Time.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL and ensures the schema exists.
//
// Example DSN: "conductor:secret@tcp(localhost:3306)/conductor?parseTime=true"
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql database: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id          VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL,
			status      VARCHAR(32) NOT NULL,
			executed_by VARCHAR(64) NOT NULL,
			started_at  DATETIME(6) NOT NULL,
			finished_at DATETIME(6) NULL,
			record      JSON NOT NULL,
			INDEX idx_executions_status (status),
			INDEX idx_executions_workflow (workflow_id)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id           BIGINT AUTO_INCREMENT PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			entry        JSON NOT NULL,
			INDEX idx_logs_execution (execution_id)
		)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			id           VARCHAR(64) PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			user_id      VARCHAR(64) NOT NULL,
			status       VARCHAR(32) NOT NULL,
			deadline     DATETIME(6) NOT NULL,
			record       JSON NOT NULL,
			INDEX idx_interactions_execution (execution_id),
			INDEX idx_interactions_user (user_id, status)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

// mutateExecution applies fn to the current record inside a transaction with
// a row lock, so concurrent node updates against the same execution do not
// lose writes.
func (s *MySQLStore) mutateExecution(ctx context.Context, executionID string, fn func(*workflow.WorkflowExecution)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT record FROM executions WHERE id = ? FOR UPDATE`, executionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load execution %s: %w", executionID, err)
	}

	var exec workflow.WorkflowExecution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return fmt.Errorf("decode execution %s: %w", executionID, err)
	}
	fn(&exec)

	updated, err := json.Marshal(&exec)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", executionID, err)
	}
	var finished any
	if exec.FinishedAt != nil {
		finished = exec.FinishedAt.UTC()
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, finished_at = ?, record = ? WHERE id = ?`,
		string(exec.Status), finished, updated, executionID)
	if err != nil {
		return fmt.Errorf("save execution %s: %w", executionID, err)
	}
	return tx.Commit()
}

// CreateExecution implements ExecutionStore.
func (s *MySQLStore) CreateExecution(ctx context.Context, exec *workflow.WorkflowExecution) error {
	raw, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", exec.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, executed_by, started_at, record)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), exec.ExecutedBy,
		exec.StartedAt.UTC(), raw)
	if err != nil {
		return fmt.Errorf("create execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetExecution implements ExecutionStore.
func (s *MySQLStore) GetExecution(ctx context.Context, executionID string) (*workflow.WorkflowExecution, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM executions WHERE id = ?`, executionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	var exec workflow.WorkflowExecution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", executionID, err)
	}
	return &exec, nil
}

// UpdateExecutionStatus implements ExecutionStore.
func (s *MySQLStore) UpdateExecutionStatus(ctx context.Context, executionID string, status workflow.ExecutionStatus, finishedAt *time.Time) error {
	return s.mutateExecution(ctx, executionID, func(exec *workflow.WorkflowExecution) {
		exec.Status = status
		if finishedAt != nil {
			t := finishedAt.UTC()
			exec.FinishedAt = &t
		}
	})
}

// UpdateExecutionProgress implements ExecutionStore.
func (s *MySQLStore) UpdateExecutionProgress(ctx context.Context, executionID string, p workflow.Progress) error {
	return s.mutateExecution(ctx, executionID, func(exec *workflow.WorkflowExecution) {
		exec.Progress = p
	})
}

// UpdateNodeExecution implements ExecutionStore.
func (s *MySQLStore) UpdateNodeExecution(ctx context.Context, executionID, nodeID string, ne *workflow.NodeExecution) error {
	return s.mutateExecution(ctx, executionID, func(exec *workflow.WorkflowExecution) {
		if exec.Nodes == nil {
			exec.Nodes = make(map[string]*workflow.NodeExecution)
		}
		exec.Nodes[nodeID] = ne
	})
}

// AddExecutionLog implements ExecutionStore.
func (s *MySQLStore) AddExecutionLog(ctx context.Context, executionID string, entry workflow.LogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (execution_id, entry) VALUES (?, ?)`,
		executionID, raw)
	if err != nil {
		return fmt.Errorf("append log for %s: %w", executionID, err)
	}
	return nil
}

// GetExecutionLogs implements ExecutionStore.
func (s *MySQLStore) GetExecutionLogs(ctx context.Context, executionID string, skip, take int) ([]workflow.LogEntry, error) {
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		// MySQL has no "no limit" with OFFSET; use the documented trick.
		take = 1<<31 - 1
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
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var entry workflow.LogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("decode log entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// SetExecutionError implements ExecutionStore.
func (s *MySQLStore) SetExecutionError(ctx context.Context, executionID string, desc *workflow.ErrorDescriptor) error {
	return s.mutateExecution(ctx, executionID, func(exec *workflow.WorkflowExecution) {
		exec.Error = desc
	})
}

// SetExecutionResults implements ExecutionStore.
func (s *MySQLStore) SetExecutionResults(ctx context.Context, executionID string, res *workflow.Results) error {
	return s.mutateExecution(ctx, executionID, func(exec *workflow.WorkflowExecution) {
		exec.Results = res
	})
}

// GetRunningExecutions implements ExecutionStore.
func (s *MySQLStore) GetRunningExecutions(ctx context.Context) ([]*workflow.WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM executions WHERE status IN (?, ?)`,
		string(workflow.ExecutionRunning), string(workflow.ExecutionPaused))
	if err != nil {
		return nil, fmt.Errorf("query running executions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.WorkflowExecution
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var exec workflow.WorkflowExecution
		if err := json.Unmarshal(raw, &exec); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

// CreateInteraction implements InteractionStore.
func (s *MySQLStore) CreateInteraction(ctx context.Context, it *workflow.UIInteraction) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encode interaction %s: %w", it.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interactions (id, execution_id, user_id, status, deadline, record)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		it.ID, it.ExecutionID, it.UserID, string(it.Status), it.Deadline().UTC(), raw)
	if err != nil {
		return fmt.Errorf("create interaction %s: %w", it.ID, err)
	}
	return nil
}

// GetInteraction implements InteractionStore.
func (s *MySQLStore) GetInteraction(ctx context.Context, interactionID string) (*workflow.UIInteraction, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM interactions WHERE id = ?`, interactionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load interaction %s: %w", interactionID, err)
	}
	var it workflow.UIInteraction
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, fmt.Errorf("decode interaction %s: %w", interactionID, err)
	}
	return &it, nil
}

// UpdateInteractionStatus implements InteractionStore.
func (s *MySQLStore) UpdateInteractionStatus(ctx context.Context, interactionID string, status workflow.InteractionStatus, output workflow.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT record FROM interactions WHERE id = ? FOR UPDATE`, interactionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load interaction %s: %w", interactionID, err)
	}

	var it workflow.UIInteraction
	if err := json.Unmarshal(raw, &it); err != nil {
		return fmt.Errorf("decode interaction %s: %w", interactionID, err)
	}
	it.Status = status
	if output != nil {
		it.Output = output
	}
	if status == workflow.InteractionCompleted || status == workflow.InteractionCancelled || status == workflow.InteractionTimeout {
		now := time.Now().UTC()
		it.CompletedAt = &now
	}

	updated, err := json.Marshal(&it)
	if err != nil {
		return fmt.Errorf("encode interaction %s: %w", interactionID, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE interactions SET status = ?, record = ? WHERE id = ?`,
		string(status), updated, interactionID)
	if err != nil {
		return fmt.Errorf("update interaction %s: %w", interactionID, err)
	}
	return tx.Commit()
}

func (s *MySQLStore) queryInteractions(ctx context.Context, query string, args ...any) ([]*workflow.UIInteraction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.UIInteraction
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var it workflow.UIInteraction
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, fmt.Errorf("decode interaction: %w", err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

// GetPendingForUser implements InteractionStore.
func (s *MySQLStore) GetPendingForUser(ctx context.Context, userID string) ([]*workflow.UIInteraction, error) {
	return s.queryInteractions(ctx,
		`SELECT record FROM interactions WHERE user_id = ? AND status IN (?, ?)`,
		userID, string(workflow.InteractionPending), string(workflow.InteractionInProgress))
}

// GetByExecution implements InteractionStore.
func (s *MySQLStore) GetByExecution(ctx context.Context, executionID string) ([]*workflow.UIInteraction, error) {
	return s.queryInteractions(ctx,
		`SELECT record FROM interactions WHERE execution_id = ?`, executionID)
}

// GetActiveInteractions implements InteractionStore.
func (s *MySQLStore) GetActiveInteractions(ctx context.Context) ([]*workflow.UIInteraction, error) {
	return s.queryInteractions(ctx,
		`SELECT record FROM interactions WHERE status IN (?, ?)`,
		string(workflow.InteractionPending), string(workflow.InteractionInProgress))
}

// GetTimedOutInteractions implements InteractionStore.
func (s *MySQLStore) GetTimedOutInteractions(ctx context.Context, now time.Time) ([]*workflow.UIInteraction, error) {
	return s.queryInteractions(ctx,
		`SELECT record FROM interactions WHERE status IN (?, ?) AND deadline < ?`,
		string(workflow.InteractionPending), string(workflow.InteractionInProgress),
		now.UTC())
}
