package engine

import (
	"context"
	"sync"

	"github.com/conductor-go/conductor/workflow"
)

// ExecutionSession is the in-memory scheduling state of one live execution.
//
// The session is created at admission and owned exclusively by the engine
// process. It is removed from the registry when every enabled node reached a
// terminal status and finalization completed, or when the execution was
// cancelled. A session with a node in WaitingForInput is retained even after
// the scheduling loop has drained: the pending UI interaction re-enters it.
//
// All fields behind mu have single-key update semantics: a node task writes
// its own entries and reads its predecessors' entries only after their
// completion became visible (the scheduler's sole happens-before edge).
type ExecutionSession struct {
	// ExecutionID identifies the durable execution record.
	ExecutionID string

	// WorkflowID identifies the workflow; the registry enforces at most
	// one live session per workflow id.
	WorkflowID string

	// Workflow is the immutable version snapshot this execution runs.
	Workflow *workflow.Workflow

	// Context carries the per-run parameters.
	Context workflow.ExecutionContext

	mu sync.RWMutex

	// nodeOutputs holds one data contract per completed node.
	nodeOutputs map[string]*workflow.DataContract

	// status sets; a node id lives in at most one of completed/failed/
	// skipped, and in running or waiting only transiently.
	running   map[string]bool
	completed map[string]bool
	failed    map[string]bool
	skipped   map[string]bool
	waiting   map[string]bool

	// nodeLocks provides the per-node single-admission lock.
	nodeLocks map[string]*nodeLock

	// nodeSem bounds concurrent nodes within this execution.
	nodeSem chan struct{}

	// done closes when every enabled node reached a terminal status.
	done     chan struct{}
	doneOnce sync.Once

	// enabledTotal is the latch target: the number of enabled nodes.
	enabledTotal int

	ctx    context.Context
	cancel context.CancelFunc

	// pauseRequested distinguishes a Pause cancellation from a Cancel.
	pauseRequested bool
}

// nodeLock is a non-blocking mutex. TryLock succeeds at most once until the
// matching Unlock.
type nodeLock struct {
	ch chan struct{}
}

func newNodeLock() *nodeLock {
	l := &nodeLock{ch: make(chan struct{}, 1)}
	return l
}

// TryLock attempts to acquire the lock without blocking.
func (l *nodeLock) TryLock() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the lock.
func (l *nodeLock) Unlock() {
	select {
	case <-l.ch:
	default:
	}
}

// NewExecutionSession builds a session for the given execution. parent is
// the engine's root context; the session derives its own cancellable
// context from it.
func NewExecutionSession(parent context.Context, executionID string, wf *workflow.Workflow, ec workflow.ExecutionContext) *ExecutionSession {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	maxNodes := ec.MaxConcurrentNodes
	if maxNodes <= 0 {
		maxNodes = 1
	}

	enabled := wf.EnabledNodes()
	s := &ExecutionSession{
		ExecutionID:  executionID,
		WorkflowID:   wf.ID,
		Workflow:     wf,
		Context:      ec,
		nodeOutputs:  make(map[string]*workflow.DataContract),
		running:      make(map[string]bool),
		completed:    make(map[string]bool),
		failed:       make(map[string]bool),
		skipped:      make(map[string]bool),
		waiting:      make(map[string]bool),
		nodeLocks:    make(map[string]*nodeLock, len(enabled)),
		nodeSem:      make(chan struct{}, maxNodes),
		done:         make(chan struct{}),
		enabledTotal: len(enabled),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, n := range enabled {
		s.nodeLocks[n.ID] = newNodeLock()
	}
	return s
}

// Ctx returns the session's cancellable context.
func (s *ExecutionSession) Ctx() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// Cancel cancels the session context. pause marks the cancellation as a
// pause rather than a terminal cancel.
func (s *ExecutionSession) Cancel(pause bool) {
	s.mu.Lock()
	s.pauseRequested = pause
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
}

// PauseRequested reports whether the last cancellation was a pause.
func (s *ExecutionSession) PauseRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pauseRequested
}

// ResetContext replaces a cancelled session context with a fresh one
// derived from parent. Used by Resume and RetryNode after a pause or a
// terminal status was recorded.
func (s *ExecutionSession) ResetContext(parent context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.ctx = ctx
	s.cancel = cancel
	s.pauseRequested = false
	s.mu.Unlock()
}

// Lock returns the single-admission lock for a node, or nil for unknown or
// disabled nodes.
func (s *ExecutionSession) Lock(nodeID string) *nodeLock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeLocks[nodeID]
}

// AcquireNodeSlot blocks until a per-execution node slot is free or ctx is
// done. Returns false on cancellation.
func (s *ExecutionSession) AcquireNodeSlot(ctx context.Context) bool {
	select {
	case s.nodeSem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// ReleaseNodeSlot frees a per-execution node slot.
func (s *ExecutionSession) ReleaseNodeSlot() {
	<-s.nodeSem
}

// MarkRunning records a node as running.
func (s *ExecutionSession) MarkRunning(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[nodeID] = true
	delete(s.waiting, nodeID)
}

// ClearRunning reverts a node that never started (cancelled before its
// slot was acquired) back to pending.
func (s *ExecutionSession) ClearRunning(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, nodeID)
}

// MarkWaiting records a node as suspended on a UI interaction. Waiting is
// not terminal: the completion latch stays open.
func (s *ExecutionSession) MarkWaiting(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, nodeID)
	s.waiting[nodeID] = true
}

// MarkCompleted records a node's terminal success and its output contract.
func (s *ExecutionSession) MarkCompleted(nodeID string, out *workflow.DataContract) {
	s.mu.Lock()
	delete(s.running, nodeID)
	delete(s.waiting, nodeID)
	delete(s.failed, nodeID)
	s.completed[nodeID] = true
	if out != nil {
		s.nodeOutputs[nodeID] = out
	}
	s.mu.Unlock()
	s.checkLatch()
}

// MarkFailed records a node's terminal failure.
func (s *ExecutionSession) MarkFailed(nodeID string) {
	s.mu.Lock()
	delete(s.running, nodeID)
	delete(s.waiting, nodeID)
	s.failed[nodeID] = true
	s.mu.Unlock()
	s.checkLatch()
}

// MarkSkipped records a node as skipped. Skipped satisfies successors.
func (s *ExecutionSession) MarkSkipped(nodeID string) {
	s.mu.Lock()
	delete(s.running, nodeID)
	delete(s.waiting, nodeID)
	s.skipped[nodeID] = true
	s.mu.Unlock()
	s.checkLatch()
}

// ReopenNode moves a failed node back to non-terminal state for a
// user-initiated retry.
func (s *ExecutionSession) ReopenNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, nodeID)
	delete(s.completed, nodeID)
	delete(s.skipped, nodeID)
}

// checkLatch closes the done channel once every enabled node is terminal.
func (s *ExecutionSession) checkLatch() {
	s.mu.RLock()
	terminal := len(s.completed) + len(s.failed) + len(s.skipped)
	target := s.enabledTotal
	s.mu.RUnlock()
	if terminal >= target {
		s.doneOnce.Do(func() { close(s.done) })
	}
}

// Done returns the completion latch: closed when all enabled nodes are
// terminal. Nodes in WaitingForInput keep the latch open.
func (s *ExecutionSession) Done() <-chan struct{} {
	return s.done
}

// IsRunning reports whether a node is currently running.
func (s *ExecutionSession) IsRunning(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[nodeID]
}

// IsTerminal reports whether a node reached Completed, Failed or Skipped.
func (s *ExecutionSession) IsTerminal(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed[nodeID] || s.failed[nodeID] || s.skipped[nodeID]
}

// IsSatisfied reports whether a node satisfies its successors' dependency
// (Completed or Skipped).
func (s *ExecutionSession) IsSatisfied(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed[nodeID] || s.skipped[nodeID]
}

// IsWaiting reports whether a node is suspended on a UI interaction.
func (s *ExecutionSession) IsWaiting(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.waiting[nodeID]
}

// HasWaitingNodes reports whether any node is suspended on a UI interaction.
func (s *ExecutionSession) HasWaitingNodes() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.waiting) > 0
}

// NodeOutput returns the node's output contract, or nil.
func (s *ExecutionSession) NodeOutput(nodeID string) *workflow.DataContract {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeOutputs[nodeID]
}

// SetNodeOutput stores an output contract without a status transition. Used
// when hydrating a session from the durable record.
func (s *ExecutionSession) SetNodeOutput(nodeID string, out *workflow.DataContract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeOutputs[nodeID] = out
}

// AllOutputs returns a snapshot of every stored output contract.
func (s *ExecutionSession) AllOutputs() map[string]*workflow.DataContract {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*workflow.DataContract, len(s.nodeOutputs))
	for k, v := range s.nodeOutputs {
		out[k] = v
	}
	return out
}

// CompletedNodes returns a snapshot of completed node ids.
func (s *ExecutionSession) CompletedNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setKeys(s.completed)
}

// FailedNodes returns a snapshot of failed node ids.
func (s *ExecutionSession) FailedNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setKeys(s.failed)
}

// SkippedNodes returns a snapshot of skipped node ids.
func (s *ExecutionSession) SkippedNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setKeys(s.skipped)
}

// RunningCount returns the number of currently running nodes.
func (s *ExecutionSession) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.running)
}

// Snapshot summarizes session progress for the durable record.
func (s *ExecutionSession) Snapshot() workflow.Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := workflow.Progress{
		Total:     s.enabledTotal,
		Completed: len(s.completed) + len(s.skipped),
		Failed:    len(s.failed),
		Running:   len(s.running),
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed+p.Failed) / float64(p.Total) * 100
	}
	return p
}

func setKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
