package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/conductor-go/conductor/workflow"
)

// MemStore is an in-memory implementation of WorkflowRepository,
// ExecutionStore and InteractionStore.
//
// Designed for:
//   - Testing and development
//   - Single-process deployments where durability is not required
//
// MemStore is thread-safe. Records are deep-copied on write and on read so
// callers never share memory with the store.
type MemStore struct {
	mu           sync.RWMutex
	workflows    map[string]*workflow.Workflow
	permissions  map[string]map[workflow.Permission]bool // "workflowID/userID" -> perms
	executions   map[string]*workflow.WorkflowExecution
	logs         map[string][]workflow.LogEntry
	interactions map[string]*workflow.UIInteraction
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:    make(map[string]*workflow.Workflow),
		permissions:  make(map[string]map[workflow.Permission]bool),
		executions:   make(map[string]*workflow.WorkflowExecution),
		logs:         make(map[string][]workflow.LogEntry),
		interactions: make(map[string]*workflow.UIInteraction),
	}
}

// deepCopy round-trips a record through JSON. All store records are plain
// data, so this is a faithful clone.
func deepCopy[T any](in *T) *T {
	if in == nil {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		// Records are JSON-serializable by construction.
		panic(fmt.Sprintf("store: deep copy failed: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("store: deep copy failed: %v", err))
	}
	return out
}

// RegisterWorkflow adds or replaces a workflow definition. Test helper; in
// production definitions come from the workflow CRUD service.
func (m *MemStore) RegisterWorkflow(wf *workflow.Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = deepCopy(wf)
}

// GrantPermission grants a user a permission on a workflow.
func (m *MemStore) GrantPermission(workflowID, userID string, perm workflow.Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workflowID + "/" + userID
	if m.permissions[key] == nil {
		m.permissions[key] = make(map[workflow.Permission]bool)
	}
	m.permissions[key][perm] = true
}

// GetWorkflow implements WorkflowRepository.
func (m *MemStore) GetWorkflow(_ context.Context, workflowID string) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(wf), nil
}

// HasPermission implements WorkflowRepository. Edit implies Execute, and
// both imply View.
func (m *MemStore) HasPermission(_ context.Context, workflowID, userID string, perm workflow.Permission) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perms := m.permissions[workflowID+"/"+userID]
	if perms == nil {
		return false, nil
	}
	if perms[perm] {
		return true, nil
	}
	switch perm {
	case workflow.PermExecute:
		return perms[workflow.PermEdit], nil
	case workflow.PermView:
		return perms[workflow.PermExecute] || perms[workflow.PermEdit], nil
	}
	return false, nil
}

// CreateExecution implements ExecutionStore.
func (m *MemStore) CreateExecution(_ context.Context, exec *workflow.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[exec.ID]; exists {
		return fmt.Errorf("execution %q already exists", exec.ID)
	}
	m.executions[exec.ID] = deepCopy(exec)
	return nil
}

// GetExecution implements ExecutionStore.
func (m *MemStore) GetExecution(_ context.Context, executionID string) (*workflow.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(exec), nil
}

// UpdateExecutionStatus implements ExecutionStore.
func (m *MemStore) UpdateExecutionStatus(_ context.Context, executionID string, status workflow.ExecutionStatus, finishedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	exec.Status = status
	if finishedAt != nil {
		t := *finishedAt
		exec.FinishedAt = &t
	}
	return nil
}

// UpdateExecutionProgress implements ExecutionStore.
func (m *MemStore) UpdateExecutionProgress(_ context.Context, executionID string, p workflow.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	exec.Progress = p
	return nil
}

// UpdateNodeExecution implements ExecutionStore.
func (m *MemStore) UpdateNodeExecution(_ context.Context, executionID, nodeID string, ne *workflow.NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	if exec.Nodes == nil {
		exec.Nodes = make(map[string]*workflow.NodeExecution)
	}
	exec.Nodes[nodeID] = deepCopy(ne)
	return nil
}

// AddExecutionLog implements ExecutionStore.
func (m *MemStore) AddExecutionLog(_ context.Context, executionID string, entry workflow.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[executionID]; !ok {
		return ErrNotFound
	}
	m.logs[executionID] = append(m.logs[executionID], entry)
	return nil
}

// GetExecutionLogs implements ExecutionStore.
func (m *MemStore) GetExecutionLogs(_ context.Context, executionID string, skip, take int) ([]workflow.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.logs[executionID]
	if skip < 0 {
		skip = 0
	}
	if skip >= len(all) {
		return nil, nil
	}
	rest := all[skip:]
	if take > 0 && take < len(rest) {
		rest = rest[:take]
	}
	out := make([]workflow.LogEntry, len(rest))
	copy(out, rest)
	return out, nil
}

// SetExecutionError implements ExecutionStore.
func (m *MemStore) SetExecutionError(_ context.Context, executionID string, desc *workflow.ErrorDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	exec.Error = deepCopy(desc)
	return nil
}

// SetExecutionResults implements ExecutionStore.
func (m *MemStore) SetExecutionResults(_ context.Context, executionID string, res *workflow.Results) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	exec.Results = deepCopy(res)
	return nil
}

// GetRunningExecutions implements ExecutionStore.
func (m *MemStore) GetRunningExecutions(_ context.Context) ([]*workflow.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*workflow.WorkflowExecution
	for _, exec := range m.executions {
		if exec.Status == workflow.ExecutionRunning || exec.Status == workflow.ExecutionPaused {
			out = append(out, deepCopy(exec))
		}
	}
	return out, nil
}

// CreateInteraction implements InteractionStore.
func (m *MemStore) CreateInteraction(_ context.Context, it *workflow.UIInteraction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.interactions[it.ID]; exists {
		return fmt.Errorf("interaction %q already exists", it.ID)
	}
	m.interactions[it.ID] = deepCopy(it)
	return nil
}

// GetInteraction implements InteractionStore.
func (m *MemStore) GetInteraction(_ context.Context, interactionID string) (*workflow.UIInteraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.interactions[interactionID]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(it), nil
}

// UpdateInteractionStatus implements InteractionStore.
func (m *MemStore) UpdateInteractionStatus(_ context.Context, interactionID string, status workflow.InteractionStatus, output workflow.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.interactions[interactionID]
	if !ok {
		return ErrNotFound
	}
	it.Status = status
	if output != nil {
		it.Output = output.Clone()
	}
	if status == workflow.InteractionCompleted || status == workflow.InteractionCancelled || status == workflow.InteractionTimeout {
		now := time.Now().UTC()
		it.CompletedAt = &now
	}
	return nil
}

// GetPendingForUser implements InteractionStore.
func (m *MemStore) GetPendingForUser(_ context.Context, userID string) ([]*workflow.UIInteraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*workflow.UIInteraction
	for _, it := range m.interactions {
		if it.UserID == userID && it.Status.Open() {
			out = append(out, deepCopy(it))
		}
	}
	return out, nil
}

// GetByExecution implements InteractionStore.
func (m *MemStore) GetByExecution(_ context.Context, executionID string) ([]*workflow.UIInteraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*workflow.UIInteraction
	for _, it := range m.interactions {
		if it.ExecutionID == executionID {
			out = append(out, deepCopy(it))
		}
	}
	return out, nil
}

// GetActiveInteractions implements InteractionStore.
func (m *MemStore) GetActiveInteractions(_ context.Context) ([]*workflow.UIInteraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*workflow.UIInteraction
	for _, it := range m.interactions {
		if it.Status.Open() {
			out = append(out, deepCopy(it))
		}
	}
	return out, nil
}

// GetTimedOutInteractions implements InteractionStore.
func (m *MemStore) GetTimedOutInteractions(_ context.Context, now time.Time) ([]*workflow.UIInteraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*workflow.UIInteraction
	for _, it := range m.interactions {
		if it.Status.Open() && it.Expired(now) {
			out = append(out, deepCopy(it))
		}
	}
	return out, nil
}
