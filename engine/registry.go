package engine

import (
	"sync"
)

// SessionRegistry is the process-wide table of live execution sessions,
// keyed by execution id. It enforces the "at most one active execution per
// workflow" rule: admission reads "is any session for this workflow live"
// and inserts inside a single critical section, so two simultaneous start
// requests for the same workflow cannot both admit.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*ExecutionSession // execution id -> session
	byFlow   map[string]string            // workflow id -> execution id
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*ExecutionSession),
		byFlow:   make(map[string]string),
	}
}

// TryAdmit atomically admits a session. It fails when a live session for
// the same workflow already exists, returning that execution's id.
func (r *SessionRegistry) TryAdmit(session *ExecutionSession) (conflictID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, live := r.byFlow[session.WorkflowID]; live {
		return existing, false
	}
	r.sessions[session.ExecutionID] = session
	r.byFlow[session.WorkflowID] = session.ExecutionID
	return "", true
}

// Get returns the session for an execution id, or nil.
func (r *SessionRegistry) Get(executionID string) *ExecutionSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[executionID]
}

// Remove drops a session from the registry. Removing an unknown id is a
// no-op.
func (r *SessionRegistry) Remove(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[executionID]
	if !ok {
		return
	}
	delete(r.sessions, executionID)
	if r.byFlow[s.WorkflowID] == executionID {
		delete(r.byFlow, s.WorkflowID)
	}
}

// IsRunning reports whether a live session exists for the workflow.
func (r *SessionRegistry) IsRunning(workflowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byFlow[workflowID]
	return ok
}

// RunningExecutionOf returns the live execution id for a workflow, if any.
func (r *SessionRegistry) RunningExecutionOf(workflowID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byFlow[workflowID]
	return id, ok
}

// All returns a snapshot of every live session.
func (r *SessionRegistry) All() []*ExecutionSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ExecutionSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
