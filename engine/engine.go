// Package engine implements the workflow execution engine: DAG admission
// and validation, dependency-driven scheduling under two-level concurrency
// caps, data propagation between nodes, UI interaction pause/resume, and
// the operational facade (pause, cancel, retry, skip, status, logs,
// artifact download).
package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/conductor-go/conductor/engine/emit"
	"github.com/conductor-go/conductor/engine/store"
	"github.com/conductor-go/conductor/workflow"
)

// Engine is the workflow execution facade. It owns the process-wide session
// registry and the global execution semaphore, and wires the validator,
// propagator, scheduler, and UI bridge together.
//
// Construction:
//
//	eng := engine.New(repo, execs, interactions, runner, catalog,
//	    engine.WithMaxConcurrentExecutions(20),
//	    engine.WithLogger(logger),
//	)
//	defer eng.Shutdown(context.Background())
type Engine struct {
	repo         store.WorkflowRepository
	execs        store.ExecutionStore
	interactions store.InteractionStore
	runner       ProgramRunner
	catalog      workflow.ProgramCatalog

	cfg        *engineConfig
	validator  *workflow.Validator
	propagator *DataPropagator
	bridge     *UIBridge
	scheduler  *Scheduler
	registry   *SessionRegistry
	logger     zerolog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
	queue      BackgroundQueue
	ownQueue   *GoQueue

	sweepStop chan struct{}
	sweepDone chan struct{}

	mu     sync.Mutex
	closed bool
}

// ExecutionResponse is returned by Execute and Resume.
type ExecutionResponse struct {
	ExecutionID string                   `json:"executionId"`
	Status      workflow.ExecutionStatus `json:"status"`
	Message     string                   `json:"message,omitempty"`
}

// NodeResponse is returned by node-level operations.
type NodeResponse struct {
	NodeID  string              `json:"nodeId"`
	Status  workflow.NodeStatus `json:"status"`
	Message string              `json:"message,omitempty"`
}

// ExecutionStatistics summarizes one execution for dashboards.
type ExecutionStatistics struct {
	ExecutionID string                   `json:"executionId"`
	WorkflowID  string                   `json:"workflowId"`
	Status      workflow.ExecutionStatus `json:"status"`

	TotalNodes     int `json:"totalNodes"`
	CompletedNodes int `json:"completedNodes"`
	FailedNodes    int `json:"failedNodes"`
	SkippedNodes   int `json:"skippedNodes"`
	RunningNodes   int `json:"runningNodes"`
	WaitingNodes   int `json:"waitingNodes"`

	PercentComplete float64       `json:"percentComplete"`
	Elapsed         time.Duration `json:"elapsed"`
	OutputFileCount int           `json:"outputFileCount"`
}

// New creates an Engine. repo, execs, interactions, runner and catalog are
// required collaborators; everything else is configured through options.
func New(repo store.WorkflowRepository, execs store.ExecutionStore, interactions store.InteractionStore, runner ProgramRunner, catalog workflow.ProgramCatalog, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())

	e := &Engine{
		repo:         repo,
		execs:        execs,
		interactions: interactions,
		runner:       runner,
		catalog:      catalog,
		cfg:          cfg,
		validator:    workflow.NewValidator(catalog),
		registry:     NewSessionRegistry(),
		logger:       cfg.logger,
		rootCtx:      rootCtx,
		rootCancel:   rootCancel,
	}

	e.propagator = NewDataPropagator(catalog, cfg.logger, cfg.strictInputMappings)
	e.bridge = NewUIBridge(interactions, catalog, cfg.notifier, cfg.emitter, cfg.metrics, cfg.logger, cfg.defaultInteractionTimeout)
	e.scheduler = NewScheduler(execs, runner, e.propagator, e.bridge, cfg.emitter, cfg.metrics, cfg.logger, cfg.maxConcurrentExecutions, cfg.defaultNodeTimeout)

	if cfg.queue != nil {
		e.queue = cfg.queue
	} else {
		e.ownQueue = NewGoQueue(rootCtx)
		e.queue = e.ownQueue
	}

	if cfg.sweepInterval > 0 {
		e.sweepStop = make(chan struct{})
		e.sweepDone = make(chan struct{})
		go e.sweepLoop(cfg.sweepInterval)
	}

	return e
}

// isClosed reports whether Shutdown has begun.
func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Execute validates, persists, and admits a new execution of a workflow,
// then queues the scheduling work and returns the initial response.
//
// Failure modes:
//   - KindNotFound: unknown workflow
//   - KindPermissionDenied: user lacks Execute permission
//   - KindValidationFailed: structural or context validation errors
//   - KindInvalidState: an execution for the workflow is already live
func (e *Engine) Execute(ctx context.Context, workflowID string, ec workflow.ExecutionContext, userID string) (*ExecutionResponse, error) {
	if e.isClosed() {
		return nil, engineClosed()
	}

	wf, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("workflow %s not found", workflowID)
		}
		return nil, e.internal(err)
	}

	allowed, err := e.repo.HasPermission(ctx, workflowID, userID, workflow.PermExecute)
	if err != nil {
		return nil, e.internal(err)
	}
	if !allowed {
		return nil, permissionDenied("user %s may not execute workflow %s", userID, workflowID)
	}

	result := e.validator.Validate(ctx, wf, ec)
	if !result.IsValid() {
		return nil, &FacadeError{
			Kind:    KindValidationFailed,
			Message: fmt.Sprintf("workflow %s failed validation with %d errors", workflowID, len(result.Errors)),
			Issues:  toIssues(result.Errors),
		}
	}

	if ec.Metadata == nil {
		ec.Metadata = make(map[string]string)
	}
	ec.Metadata["executedBy"] = userID

	executionID := uuid.NewString()
	session := NewExecutionSession(e.rootCtx, executionID, wf, ec)

	if conflictID, ok := e.registry.TryAdmit(session); !ok {
		return nil, alreadyRunning(workflowID, conflictID)
	}

	exec := newExecutionRecord(executionID, wf, ec, userID)
	if err := e.execs.CreateExecution(ctx, exec); err != nil {
		e.registry.Remove(executionID)
		return nil, e.internal(fmt.Errorf("persist execution: %w", err))
	}

	e.setStatus(executionID, workflow.ExecutionRunning, nil)
	e.cfg.metrics.ExecutionStarted()
	e.cfg.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		Level:       emit.LevelInfo,
		Msg:         "execution_started",
		Time:        time.Now().UTC(),
		Meta:        map[string]any{"workflow_id": workflowID},
	})

	e.queue.Queue(func(bgCtx context.Context) {
		sess := e.registry.Get(executionID)
		if sess == nil {
			return
		}
		outcome, rerr := e.scheduler.RunWorkflow(bgCtx, sess)
		if rerr != nil {
			e.logger.Error().Err(rerr).
				Str("execution_id", executionID).
				Msg("scheduling pass failed")
		}
		e.finalize(sess, outcome)
	})

	return &ExecutionResponse{
		ExecutionID: executionID,
		Status:      workflow.ExecutionRunning,
		Message:     fmt.Sprintf("Execution of workflow %q started", wf.Name),
	}, nil
}

// newExecutionRecord builds the initial durable record with one Pending
// NodeExecution per workflow node.
func newExecutionRecord(executionID string, wf *workflow.Workflow, ec workflow.ExecutionContext, userID string) *workflow.WorkflowExecution {
	nodes := make(map[string]*workflow.NodeExecution, len(wf.Nodes))
	enabled := 0
	for _, n := range wf.Nodes {
		nodes[n.ID] = &workflow.NodeExecution{
			NodeID:     n.ID,
			Status:     workflow.NodePending,
			MaxRetries: n.Settings.MaxRetries,
		}
		if !n.Disabled {
			enabled++
		}
	}
	return &workflow.WorkflowExecution{
		ID:              executionID,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		ExecutedBy:      userID,
		Status:          workflow.ExecutionPending,
		Context:         ec,
		Nodes:           nodes,
		Progress:        workflow.Progress{Total: enabled},
		StartedAt:       time.Now().UTC(),
	}
}

// finalize records the terminal (or suspended) state of a drained session.
func (e *Engine) finalize(session *ExecutionSession, outcome Outcome) {
	switch outcome {
	case OutcomeWaiting:
		// Session retained; a UI completion or timeout resumes it.
		return

	case OutcomeCancelled:
		if session.PauseRequested() {
			e.setStatus(session.ExecutionID, workflow.ExecutionPaused, nil)
			e.emitExecution(session, emit.LevelInfo, "execution_paused")
			return
		}
		if len(session.FailedNodes()) > 0 {
			e.finalizeFailed(session)
			return
		}
		now := time.Now().UTC()
		e.setStatus(session.ExecutionID, workflow.ExecutionCancelled, &now)
		e.cancelOpenInteractions(session.ExecutionID)
		e.registry.Remove(session.ExecutionID)
		e.cfg.metrics.ExecutionFinished(session.WorkflowID, string(workflow.ExecutionCancelled))
		e.emitExecution(session, emit.LevelWarning, "execution_cancelled")
		return

	case OutcomeDrained:
		failed := session.FailedNodes()
		if len(failed) > 0 && !session.Context.ContinueOnError {
			e.finalizeFailed(session)
			return
		}

		// ContinueOnError runs leave the execution Completed; node-level
		// failures stay visible in the aggregate error and the per-node
		// records.
		results := e.buildResults(session)
		bg := context.WithoutCancel(e.rootCtx)
		if err := e.execs.SetExecutionResults(bg, session.ExecutionID, results); err != nil {
			e.logger.Error().Err(err).
				Str("execution_id", session.ExecutionID).
				Msg("failed to persist execution results")
		}
		if len(failed) > 0 {
			desc := &workflow.ErrorDescriptor{
				Type:    workflow.ErrExecution,
				Message: fmt.Sprintf("Workflow completed with %d failed nodes", len(failed)),
			}
			if err := e.execs.SetExecutionError(bg, session.ExecutionID, desc); err != nil {
				e.logger.Error().Err(err).
					Str("execution_id", session.ExecutionID).
					Msg("failed to persist execution error")
			}
		}
		now := time.Now().UTC()
		e.setStatus(session.ExecutionID, workflow.ExecutionCompleted, &now)
		e.registry.Remove(session.ExecutionID)
		e.cfg.metrics.ExecutionFinished(session.WorkflowID, string(workflow.ExecutionCompleted))
		e.emitExecution(session, emit.LevelInfo, "execution_completed")
	}
}

// finalizeFailed marks an execution Failed with the aggregate error.
func (e *Engine) finalizeFailed(session *ExecutionSession) {
	failed := session.FailedNodes()
	bg := context.WithoutCancel(e.rootCtx)
	desc := &workflow.ErrorDescriptor{
		Type:    workflow.ErrExecution,
		Message: fmt.Sprintf("Workflow failed due to %d failed nodes", len(failed)),
	}
	if err := e.execs.SetExecutionError(bg, session.ExecutionID, desc); err != nil {
		e.logger.Error().Err(err).
			Str("execution_id", session.ExecutionID).
			Msg("failed to persist execution error")
	}
	if err := e.execs.SetExecutionResults(bg, session.ExecutionID, e.buildResults(session)); err != nil {
		e.logger.Error().Err(err).
			Str("execution_id", session.ExecutionID).
			Msg("failed to persist execution results")
	}
	now := time.Now().UTC()
	e.setStatus(session.ExecutionID, workflow.ExecutionFailed, &now)
	e.cancelOpenInteractions(session.ExecutionID)
	e.registry.Remove(session.ExecutionID)
	e.cfg.metrics.ExecutionFinished(session.WorkflowID, string(workflow.ExecutionFailed))
	e.emitExecution(session, emit.LevelError, "execution_failed")
}

// buildResults assembles the Results record from session outputs, keeping
// any output files already persisted by the scheduler.
func (e *Engine) buildResults(session *ExecutionSession) *workflow.Results {
	outputs := session.AllOutputs()

	intermediate := make(map[string]workflow.Document, len(outputs))
	for id, contract := range outputs {
		intermediate[id] = contract.Payload
	}

	finals := make(map[string]workflow.Document)
	for _, n := range session.Workflow.TerminalNodes() {
		if contract := outputs[n.ID]; contract != nil {
			finals[n.ID] = contract.Payload
		}
	}

	res := &workflow.Results{
		FinalOutputs: finals,
		Intermediate: intermediate,
		Summary: fmt.Sprintf("%d of %d nodes completed, %d failed, %d skipped",
			len(session.CompletedNodes()), session.enabledTotal,
			len(session.FailedNodes()), len(session.SkippedNodes())),
	}

	bg := context.WithoutCancel(e.rootCtx)
	if exec, err := e.execs.GetExecution(bg, session.ExecutionID); err == nil && exec.Results != nil {
		res.OutputFiles = exec.Results.OutputFiles
	}
	return res
}

// Pause cancels the session's cooperative cancellation source and marks the
// execution Paused. In-flight nodes observe the cancellation at their next
// suspension point.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	session := e.registry.Get(executionID)
	if session == nil {
		exec, err := e.execs.GetExecution(ctx, executionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFound("execution %s not found", executionID)
			}
			return e.internal(err)
		}
		return invalidState("execution %s is %s and cannot be paused", executionID, exec.Status)
	}

	session.Cancel(true)
	e.setStatus(executionID, workflow.ExecutionPaused, nil)
	e.emitExecution(session, emit.LevelInfo, "execution_paused")
	return nil
}

// Resume re-admits a Paused execution and re-dispatches the remaining
// nodes.
func (e *Engine) Resume(ctx context.Context, executionID string) (*ExecutionResponse, error) {
	if e.isClosed() {
		return nil, engineClosed()
	}

	exec, err := e.execs.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("execution %s not found", executionID)
		}
		return nil, e.internal(err)
	}
	if exec.Status != workflow.ExecutionPaused {
		return nil, invalidState("execution %s is %s, only Paused executions can resume", executionID, exec.Status)
	}

	session := e.registry.Get(executionID)
	if session == nil {
		session, err = e.restoreSession(ctx, exec)
		if err != nil {
			return nil, err
		}
		if conflictID, ok := e.registry.TryAdmit(session); !ok {
			return nil, alreadyRunning(exec.WorkflowID, conflictID)
		}
	} else {
		session.ResetContext(e.rootCtx)
	}

	e.setStatus(executionID, workflow.ExecutionRunning, nil)
	e.emitExecution(session, emit.LevelInfo, "execution_resumed")

	candidates := make([]string, 0, len(session.Workflow.Nodes))
	for _, n := range session.Workflow.EnabledNodes() {
		candidates = append(candidates, n.ID)
	}
	e.queue.Queue(func(bgCtx context.Context) {
		sess := e.registry.Get(executionID)
		if sess == nil {
			return
		}
		outcome, rerr := e.scheduler.ContinueFrom(bgCtx, sess, candidates)
		if rerr != nil {
			e.logger.Error().Err(rerr).
				Str("execution_id", executionID).
				Msg("resume scheduling pass failed")
		}
		e.finalize(sess, outcome)
	})

	return &ExecutionResponse{
		ExecutionID: executionID,
		Status:      workflow.ExecutionRunning,
		Message:     "Execution resumed",
	}, nil
}

// restoreSession hydrates a fresh session from the durable record: node
// statuses become session sets and intermediate results become output
// contracts.
func (e *Engine) restoreSession(ctx context.Context, exec *workflow.WorkflowExecution) (*ExecutionSession, error) {
	wf, err := e.repo.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("workflow %s not found", exec.WorkflowID)
		}
		return nil, e.internal(err)
	}

	session := NewExecutionSession(e.rootCtx, exec.ID, wf, exec.Context)

	var intermediate map[string]workflow.Document
	if exec.Results != nil {
		intermediate = exec.Results.Intermediate
	}
	for id, ne := range exec.Nodes {
		n := wf.NodeByID(id)
		if n == nil || n.Disabled {
			continue
		}
		switch ne.Status {
		case workflow.NodeCompleted:
			payload := ne.Output
			if payload == nil && intermediate != nil {
				payload = intermediate[id]
			}
			session.MarkCompleted(id, workflow.NewDataContract(id, workflow.EngineTarget, payload))
		case workflow.NodeFailed:
			session.MarkFailed(id)
		case workflow.NodeSkipped:
			session.MarkSkipped(id)
		case workflow.NodeWaitingForInput:
			session.MarkWaiting(id)
		}
	}
	return session, nil
}

// Cancel cancels the session, marks the execution Cancelled, and removes it
// from the registry. Cancelling an already Cancelled execution is
// idempotent success.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	session := e.registry.Get(executionID)
	if session == nil {
		exec, err := e.execs.GetExecution(ctx, executionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFound("execution %s not found", executionID)
			}
			return e.internal(err)
		}
		if exec.Status == workflow.ExecutionCancelled {
			return nil
		}
		if exec.Status.Terminal() {
			return invalidState("execution %s is %s and cannot be cancelled", executionID, exec.Status)
		}
		// Orphaned record without a live session.
		now := time.Now().UTC()
		e.setStatus(executionID, workflow.ExecutionCancelled, &now)
		e.cancelOpenInteractions(executionID)
		return nil
	}

	session.Cancel(false)
	now := time.Now().UTC()
	e.setStatus(executionID, workflow.ExecutionCancelled, &now)
	e.cancelOpenInteractions(executionID)
	e.registry.Remove(executionID)
	e.cfg.metrics.ExecutionFinished(session.WorkflowID, string(workflow.ExecutionCancelled))
	e.emitExecution(session, emit.LevelWarning, "execution_cancelled")
	return nil
}

// cancelOpenInteractions transitions every open interaction of an execution
// to Cancelled.
func (e *Engine) cancelOpenInteractions(executionID string) {
	bg := context.WithoutCancel(e.rootCtx)
	open, err := e.interactions.GetByExecution(bg, executionID)
	if err != nil {
		e.logger.Error().Err(err).
			Str("execution_id", executionID).
			Msg("failed to list interactions for cancellation")
		return
	}
	for _, it := range open {
		if err := e.bridge.Cancel(bg, it); err != nil {
			e.logger.Error().Err(err).
				Str("interaction_id", it.ID).
				Msg("failed to cancel interaction")
		}
	}
}

// RetryNode re-runs a Failed node on user request. The scheduler never
// retries automatically; this is the only retry path.
//
// A Failed execution can be retried; Completed and Cancelled cannot.
func (e *Engine) RetryNode(ctx context.Context, executionID, nodeID string) (*NodeResponse, error) {
	if e.isClosed() {
		return nil, engineClosed()
	}

	exec, err := e.execs.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("execution %s not found", executionID)
		}
		return nil, e.internal(err)
	}
	if exec.Status == workflow.ExecutionCompleted || exec.Status == workflow.ExecutionCancelled {
		return nil, invalidState("execution %s is %s, nodes cannot be retried", executionID, exec.Status)
	}

	ne := exec.Node(nodeID)
	if ne == nil {
		return nil, notFound("node %s not found in execution %s", nodeID, executionID)
	}
	if ne.Status != workflow.NodeFailed {
		return nil, invalidState("node %s is %s, only Failed nodes can be retried", nodeID, ne.Status)
	}
	if ne.RetryCount >= ne.MaxRetries {
		return nil, &FacadeError{
			Kind:    KindInvalidState,
			Message: fmt.Sprintf("node %s exhausted its %d retries", nodeID, ne.MaxRetries),
			Err:     &EngineError{Code: "MAX_RETRIES_EXCEEDED", Message: "retry budget exhausted"},
		}
	}

	session := e.registry.Get(executionID)
	if session == nil {
		session, err = e.restoreSession(ctx, exec)
		if err != nil {
			return nil, err
		}
		if conflictID, ok := e.registry.TryAdmit(session); !ok {
			return nil, alreadyRunning(exec.WorkflowID, conflictID)
		}
	} else {
		session.ResetContext(e.rootCtx)
	}

	n := session.Workflow.NodeByID(nodeID)
	if n == nil {
		return nil, notFound("node %s not found in workflow %s", nodeID, exec.WorkflowID)
	}

	ne.RetryCount++
	ne.Status = workflow.NodeRetrying
	ne.Error = nil
	ne.CanRetry = false
	bg := context.WithoutCancel(ctx)
	if err := e.execs.UpdateNodeExecution(bg, executionID, nodeID, ne); err != nil {
		return nil, e.internal(fmt.Errorf("persist retry transition: %w", err))
	}
	e.cfg.metrics.NodeRetried(session.WorkflowID)
	e.setStatus(executionID, workflow.ExecutionRunning, nil)

	e.queue.Queue(func(bgCtx context.Context) {
		sess := e.registry.Get(executionID)
		if sess == nil {
			return
		}
		outcome, rerr := e.scheduler.RunSingleNode(bgCtx, sess, n)
		if rerr != nil {
			e.logger.Error().Err(rerr).
				Str("execution_id", executionID).
				Str("node_id", nodeID).
				Msg("retry scheduling pass failed")
		}
		e.finalize(sess, outcome)
	})

	return &NodeResponse{
		NodeID:  nodeID,
		Status:  workflow.NodeRetrying,
		Message: fmt.Sprintf("Retry %d of %d started", ne.RetryCount, ne.MaxRetries),
	}, nil
}

// ExecuteNode manually invokes one node. Forbidden while the execution is
// Running: a manual invocation must not compete with the scheduler.
func (e *Engine) ExecuteNode(ctx context.Context, executionID, nodeID string) (*NodeResponse, error) {
	if e.isClosed() {
		return nil, engineClosed()
	}

	exec, err := e.execs.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("execution %s not found", executionID)
		}
		return nil, e.internal(err)
	}
	if exec.Status == workflow.ExecutionRunning {
		return nil, invalidState("execution %s is Running, manual node invocation is not allowed", executionID)
	}
	if exec.Node(nodeID) == nil {
		return nil, notFound("node %s not found in execution %s", nodeID, executionID)
	}

	session := e.registry.Get(executionID)
	if session == nil {
		session, err = e.restoreSession(ctx, exec)
		if err != nil {
			return nil, err
		}
		if conflictID, ok := e.registry.TryAdmit(session); !ok {
			return nil, alreadyRunning(exec.WorkflowID, conflictID)
		}
	} else {
		session.ResetContext(e.rootCtx)
	}

	n := session.Workflow.NodeByID(nodeID)
	if n == nil {
		return nil, notFound("node %s not found in workflow %s", nodeID, exec.WorkflowID)
	}

	e.queue.Queue(func(bgCtx context.Context) {
		sess := e.registry.Get(executionID)
		if sess == nil {
			return
		}
		outcome, rerr := e.scheduler.RunSingleNode(bgCtx, sess, n)
		if rerr != nil {
			e.logger.Error().Err(rerr).
				Str("execution_id", executionID).
				Str("node_id", nodeID).
				Msg("manual node invocation failed")
		}
		e.finalize(sess, outcome)
	})

	return &NodeResponse{
		NodeID:  nodeID,
		Status:  workflow.NodeRunning,
		Message: "Manual node invocation started",
	}, nil
}

// SkipNode marks a node Skipped with the given reason, making its
// successors eligible. Skipping an already Skipped node is idempotent
// success.
func (e *Engine) SkipNode(ctx context.Context, executionID, nodeID, reason string) error {
	exec, err := e.execs.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("execution %s not found", executionID)
		}
		return e.internal(err)
	}
	ne := exec.Node(nodeID)
	if ne == nil {
		return notFound("node %s not found in execution %s", nodeID, executionID)
	}
	if ne.Status == workflow.NodeSkipped {
		return nil
	}
	if ne.Status == workflow.NodeCompleted {
		return invalidState("node %s is Completed and cannot be skipped", nodeID)
	}

	now := time.Now().UTC()
	ne.Status = workflow.NodeSkipped
	ne.FinishedAt = &now
	ne.SkipReason = reason
	bg := context.WithoutCancel(ctx)
	if err := e.execs.UpdateNodeExecution(bg, executionID, nodeID, ne); err != nil {
		return e.internal(fmt.Errorf("persist skip transition: %w", err))
	}

	session := e.registry.Get(executionID)
	if session == nil {
		return nil
	}
	session.MarkSkipped(nodeID)

	e.cfg.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Level:       emit.LevelWarning,
		Msg:         "node_skipped",
		Time:        now,
		Meta:        map[string]any{"reason": reason},
	})

	// Successors become eligible: run a continuation pass.
	var candidates []string
	for _, succ := range session.Workflow.Successors(nodeID) {
		candidates = append(candidates, succ.ID)
	}
	if len(candidates) > 0 && exec.Status == workflow.ExecutionRunning {
		e.queue.Queue(func(bgCtx context.Context) {
			sess := e.registry.Get(executionID)
			if sess == nil {
				return
			}
			outcome, rerr := e.scheduler.ContinueFrom(bgCtx, sess, candidates)
			if rerr != nil {
				e.logger.Error().Err(rerr).
					Str("execution_id", executionID).
					Msg("skip continuation failed")
			}
			e.finalize(sess, outcome)
		})
	} else {
		select {
		case <-session.Done():
			e.finalize(session, OutcomeDrained)
		default:
		}
	}
	return nil
}

// CompleteUIInteraction records a UI completion and queues the background
// continuation: the suspended node re-runs with the UI output, then the
// graph continues over its successors.
//
// Completing the same interaction twice with the same output is idempotent:
// the second call succeeds without a second transition.
func (e *Engine) CompleteUIInteraction(ctx context.Context, executionID, nodeID, interactionID string, outputData map[string]any) (*NodeResponse, error) {
	if e.isClosed() {
		return nil, engineClosed()
	}

	it, already, err := e.bridge.Complete(ctx, interactionID, outputData)
	if err != nil {
		var facadeErr *FacadeError
		if errors.As(err, &facadeErr) && facadeErr.Kind == KindInvalidState {
			// A timed-out completion attempt also fails the waiting node.
			if session := e.registry.Get(executionID); session != nil && session.IsWaiting(nodeID) {
				e.failWaitingNode(session, nodeID, &workflow.ErrorDescriptor{
					Type:    workflow.ErrTimeout,
					Message: "UI interaction timed out",
				})
			}
		}
		return nil, err
	}
	if it.ExecutionID != executionID || it.NodeID != nodeID {
		return nil, invalidState("interaction %s does not belong to execution %s node %s", interactionID, executionID, nodeID)
	}
	if already {
		return &NodeResponse{
			NodeID:  nodeID,
			Status:  workflow.NodeRunning,
			Message: "Interaction already completed",
		}, nil
	}

	session := e.registry.Get(executionID)
	if session == nil {
		return nil, invalidState("execution %s has no live session awaiting input", executionID)
	}
	n := session.Workflow.NodeByID(nodeID)
	if n == nil {
		return nil, notFound("node %s not found in workflow %s", nodeID, session.WorkflowID)
	}

	uiOutput := it.Output

	// The continuation runs on a fresh scope: it captures only ids and
	// re-resolves the session from the registry.
	e.queue.Queue(func(bgCtx context.Context) {
		sess := e.registry.Get(executionID)
		if sess == nil {
			return
		}
		node := sess.Workflow.NodeByID(nodeID)
		if node == nil {
			return
		}
		e.scheduler.ResumeSuspendedNode(sess, node, uiOutput)

		var candidates []string
		for _, succ := range sess.Workflow.Successors(nodeID) {
			candidates = append(candidates, succ.ID)
		}
		outcome, rerr := e.scheduler.ContinueFrom(bgCtx, sess, candidates)
		if rerr != nil {
			e.logger.Error().Err(rerr).
				Str("execution_id", executionID).
				Msg("UI continuation failed")
		}
		e.finalize(sess, outcome)
	})

	return &NodeResponse{
		NodeID:  nodeID,
		Status:  workflow.NodeRunning,
		Message: "Interaction completed, node resuming",
	}, nil
}

// failWaitingNode fails a node suspended on a UI interaction.
func (e *Engine) failWaitingNode(session *ExecutionSession, nodeID string, desc *workflow.ErrorDescriptor) {
	bg := context.WithoutCancel(e.rootCtx)
	exec, err := e.execs.GetExecution(bg, session.ExecutionID)
	if err == nil {
		if ne := exec.Node(nodeID); ne != nil {
			now := time.Now().UTC()
			ne.Status = workflow.NodeFailed
			ne.FinishedAt = &now
			ne.Error = desc
			ne.CanRetry = ne.RetryCount < ne.MaxRetries
			if perr := e.execs.UpdateNodeExecution(bg, session.ExecutionID, nodeID, ne); perr != nil {
				e.logger.Error().Err(perr).
					Str("execution_id", session.ExecutionID).
					Str("node_id", nodeID).
					Msg("failed to persist node timeout")
			}
		}
	}
	session.MarkFailed(nodeID)

	if !session.Context.ContinueOnError {
		session.Cancel(false)
		e.finalize(session, OutcomeCancelled)
		return
	}

	// Remaining branches proceed; blocked descendants resolve in a
	// continuation pass.
	var candidates []string
	for _, n := range session.Workflow.EnabledNodes() {
		candidates = append(candidates, n.ID)
	}
	e.queue.Queue(func(bgCtx context.Context) {
		sess := e.registry.Get(session.ExecutionID)
		if sess == nil {
			return
		}
		outcome, rerr := e.scheduler.ContinueFrom(bgCtx, sess, candidates)
		if rerr != nil {
			e.logger.Error().Err(rerr).
				Str("execution_id", session.ExecutionID).
				Msg("timeout continuation failed")
		}
		e.finalize(sess, outcome)
	})
}

// sweepLoop periodically expires open interactions past their deadline.
func (e *Engine) sweepLoop(interval time.Duration) {
	defer close(e.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.SweepTimedOutInteractions(time.Now().UTC())
		case <-e.sweepStop:
			return
		}
	}
}

// SweepTimedOutInteractions expires open interactions whose deadline passed
// before now and fails their suspended nodes with TimeoutError. Exported so
// operators and tests can trigger a sweep directly.
func (e *Engine) SweepTimedOutInteractions(now time.Time) int {
	bg := context.WithoutCancel(e.rootCtx)
	swept, err := e.bridge.SweepTimedOut(bg, now)
	if err != nil {
		e.logger.Error().Err(err).Msg("interaction sweep failed")
		return 0
	}
	for _, it := range swept {
		session := e.registry.Get(it.ExecutionID)
		if session == nil || !session.IsWaiting(it.NodeID) {
			continue
		}
		e.failWaitingNode(session, it.NodeID, &workflow.ErrorDescriptor{
			Type:    workflow.ErrTimeout,
			Message: fmt.Sprintf("UI interaction %s timed out", it.ID),
		})
	}
	return len(swept)
}

// GetExecutionStatus returns the durable execution record.
func (e *Engine) GetExecutionStatus(ctx context.Context, executionID string) (*workflow.WorkflowExecution, error) {
	exec, err := e.execs.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("execution %s not found", executionID)
		}
		return nil, e.internal(err)
	}
	return exec, nil
}

// GetActiveExecutions returns the records of all live sessions.
func (e *Engine) GetActiveExecutions(ctx context.Context) ([]*workflow.WorkflowExecution, error) {
	var out []*workflow.WorkflowExecution
	for _, session := range e.registry.All() {
		exec, err := e.execs.GetExecution(ctx, session.ExecutionID)
		if err != nil {
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

// GetNodeOutput returns a node's output document, preferring live session
// state and falling back to the persisted intermediate results.
func (e *Engine) GetNodeOutput(ctx context.Context, executionID, nodeID string) (workflow.Document, error) {
	if session := e.registry.Get(executionID); session != nil {
		if contract := session.NodeOutput(nodeID); contract != nil {
			return contract.Payload, nil
		}
	}
	exec, err := e.execs.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("execution %s not found", executionID)
		}
		return nil, e.internal(err)
	}
	if exec.Results != nil {
		if doc, ok := exec.Results.Intermediate[nodeID]; ok {
			return doc, nil
		}
	}
	if ne := exec.Node(nodeID); ne != nil && ne.Output != nil {
		return ne.Output, nil
	}
	return nil, notFound("no output recorded for node %s in execution %s", nodeID, executionID)
}

// GetAllNodeOutputs returns every recorded node output document.
func (e *Engine) GetAllNodeOutputs(ctx context.Context, executionID string) (map[string]workflow.Document, error) {
	if session := e.registry.Get(executionID); session != nil {
		outputs := session.AllOutputs()
		if len(outputs) > 0 {
			out := make(map[string]workflow.Document, len(outputs))
			for id, contract := range outputs {
				out[id] = contract.Payload
			}
			return out, nil
		}
	}
	exec, err := e.execs.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("execution %s not found", executionID)
		}
		return nil, e.internal(err)
	}
	out := make(map[string]workflow.Document)
	if exec.Results != nil {
		for id, doc := range exec.Results.Intermediate {
			out[id] = doc
		}
	}
	return out, nil
}

// GetExecutionStatistics summarizes an execution.
func (e *Engine) GetExecutionStatistics(ctx context.Context, executionID string) (*ExecutionStatistics, error) {
	exec, err := e.execs.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("execution %s not found", executionID)
		}
		return nil, e.internal(err)
	}

	stats := &ExecutionStatistics{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Status:      exec.Status,
	}
	for _, ne := range exec.Nodes {
		stats.TotalNodes++
		switch ne.Status {
		case workflow.NodeCompleted:
			stats.CompletedNodes++
		case workflow.NodeFailed:
			stats.FailedNodes++
		case workflow.NodeSkipped:
			stats.SkippedNodes++
		case workflow.NodeRunning:
			stats.RunningNodes++
		case workflow.NodeWaitingForInput:
			stats.WaitingNodes++
		}
	}
	if stats.TotalNodes > 0 {
		done := stats.CompletedNodes + stats.FailedNodes + stats.SkippedNodes
		stats.PercentComplete = float64(done) / float64(stats.TotalNodes) * 100
	}
	end := time.Now().UTC()
	if exec.FinishedAt != nil {
		end = *exec.FinishedAt
	}
	stats.Elapsed = end.Sub(exec.StartedAt)
	if exec.Results != nil {
		stats.OutputFileCount = len(exec.Results.OutputFiles)
	}
	return stats, nil
}

// GetExecutionLogs returns a page of the append-only log stream.
func (e *Engine) GetExecutionLogs(ctx context.Context, executionID string, skip, take int) ([]workflow.LogEntry, error) {
	if _, err := e.execs.GetExecution(ctx, executionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("execution %s not found", executionID)
		}
		return nil, e.internal(err)
	}
	logs, err := e.execs.GetExecutionLogs(ctx, executionID, skip, take)
	if err != nil {
		return nil, e.internal(err)
	}
	return logs, nil
}

// IsExecutionComplete reports whether an execution reached terminal status.
func (e *Engine) IsExecutionComplete(ctx context.Context, executionID string) (bool, error) {
	exec, err := e.execs.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, notFound("execution %s not found", executionID)
		}
		return false, e.internal(err)
	}
	return exec.Status.Terminal(), nil
}

// CleanupExecution drops the in-memory session of a terminal execution.
func (e *Engine) CleanupExecution(ctx context.Context, executionID string) error {
	exec, err := e.execs.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("execution %s not found", executionID)
		}
		return e.internal(err)
	}
	if !exec.Status.Terminal() {
		return invalidState("execution %s is %s, only terminal executions can be cleaned up", executionID, exec.Status)
	}
	e.registry.Remove(executionID)
	return nil
}

// DownloadExecutionFile fetches one output file's bytes by file name.
func (e *Engine) DownloadExecutionFile(ctx context.Context, executionID, fileName string) ([]byte, string, error) {
	if e.cfg.fileStor == nil {
		return nil, "", invalidState("no file store configured")
	}
	files, err := e.executionFiles(ctx, executionID)
	if err != nil {
		return nil, "", err
	}
	for _, f := range files {
		if f.FileName == fileName || f.Path == fileName {
			data, ferr := e.cfg.fileStor.GetFileContent(ctx, f.ProgramID, "", f.Path)
			if ferr != nil {
				return nil, "", e.internal(fmt.Errorf("fetch %s: %w", f.Path, ferr))
			}
			return data, f.FileName, nil
		}
	}
	return nil, "", notFound("file %s not found in execution %s", fileName, executionID)
}

// DownloadAllExecutionFiles packages every output file into a ZIP archive.
func (e *Engine) DownloadAllExecutionFiles(ctx context.Context, executionID string) ([]byte, error) {
	files, err := e.executionFiles(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return e.zipFiles(ctx, executionID, files)
}

// BulkDownloadExecutionFiles packages the named subset of output files into
// a ZIP archive. Unknown names are reported as NotFound.
func (e *Engine) BulkDownloadExecutionFiles(ctx context.Context, executionID string, fileNames []string) ([]byte, error) {
	files, err := e.executionFiles(ctx, executionID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]workflow.OutputFile, len(files))
	for _, f := range files {
		byName[f.FileName] = f
	}
	subset := make([]workflow.OutputFile, 0, len(fileNames))
	for _, name := range fileNames {
		f, ok := byName[name]
		if !ok {
			return nil, notFound("file %s not found in execution %s", name, executionID)
		}
		subset = append(subset, f)
	}
	return e.zipFiles(ctx, executionID, subset)
}

// executionFiles loads the output-file index of an execution.
func (e *Engine) executionFiles(ctx context.Context, executionID string) ([]workflow.OutputFile, error) {
	exec, err := e.execs.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("execution %s not found", executionID)
		}
		return nil, e.internal(err)
	}
	if exec.Results == nil || len(exec.Results.OutputFiles) == 0 {
		return nil, nil
	}
	return exec.Results.OutputFiles, nil
}

// zipFiles fetches each file through the file store and writes a ZIP
// archive. Entries are prefixed with their node id so files with the same
// name from different nodes do not collide.
func (e *Engine) zipFiles(ctx context.Context, executionID string, files []workflow.OutputFile) ([]byte, error) {
	if e.cfg.fileStor == nil {
		return nil, invalidState("no file store configured")
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		data, err := e.cfg.fileStor.GetFileContent(ctx, f.ProgramID, "", f.Path)
		if err != nil {
			zw.Close()
			return nil, e.internal(fmt.Errorf("fetch %s: %w", f.Path, err))
		}
		w, err := zw.Create(f.NodeID + "/" + f.FileName)
		if err != nil {
			zw.Close()
			return nil, e.internal(fmt.Errorf("archive %s: %w", f.FileName, err))
		}
		if _, err := w.Write(data); err != nil {
			zw.Close()
			return nil, e.internal(fmt.Errorf("archive %s: %w", f.FileName, err))
		}
	}
	if err := zw.Close(); err != nil {
		return nil, e.internal(fmt.Errorf("finalize archive for %s: %w", executionID, err))
	}
	return buf.Bytes(), nil
}

// FailOrphanedExecutions marks Running or Paused records without a live
// session as Failed. In-memory scheduling state does not survive a process
// restart; this operator action surfaces the loss.
func (e *Engine) FailOrphanedExecutions(ctx context.Context) (int, error) {
	running, err := e.execs.GetRunningExecutions(ctx)
	if err != nil {
		return 0, e.internal(err)
	}
	count := 0
	for _, exec := range running {
		if e.registry.Get(exec.ID) != nil {
			continue
		}
		desc := &workflow.ErrorDescriptor{
			Type:    workflow.ErrSystem,
			Message: "execution orphaned by process restart",
		}
		bg := context.WithoutCancel(ctx)
		if err := e.execs.SetExecutionError(bg, exec.ID, desc); err != nil {
			e.logger.Error().Err(err).
				Str("execution_id", exec.ID).
				Msg("failed to persist orphan error")
			continue
		}
		now := time.Now().UTC()
		e.setStatus(exec.ID, workflow.ExecutionFailed, &now)
		count++
	}
	return count, nil
}

// Shutdown drains the engine: it stops the sweep, cancels every live
// session, waits for their terminal transitions (bounded by ctx), and
// closes the background queue.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.sweepStop != nil {
		close(e.sweepStop)
		<-e.sweepDone
	}

	sessions := e.registry.All()
	for _, session := range sessions {
		session.Cancel(false)
	}
	for _, session := range sessions {
		select {
		case <-session.Done():
		case <-ctx.Done():
		case <-time.After(100 * time.Millisecond):
			// In-flight runner calls observe cancellation; nothing else
			// holds the latch open after that.
		}
		now := time.Now().UTC()
		e.setStatus(session.ExecutionID, workflow.ExecutionCancelled, &now)
		e.registry.Remove(session.ExecutionID)
	}

	e.rootCancel()
	if e.ownQueue != nil {
		e.ownQueue.Close()
	}
	return ctx.Err()
}

// setStatus persists an execution status transition.
func (e *Engine) setStatus(executionID string, status workflow.ExecutionStatus, finishedAt *time.Time) {
	bg := context.WithoutCancel(e.rootCtx)
	if err := e.execs.UpdateExecutionStatus(bg, executionID, status, finishedAt); err != nil {
		e.logger.Error().Err(err).
			Str("execution_id", executionID).
			Str("status", string(status)).
			Msg("failed to persist execution status")
	}
}

// emitExecution sends an execution-level event.
func (e *Engine) emitExecution(session *ExecutionSession, level emit.Level, msg string) {
	e.cfg.emitter.Emit(emit.Event{
		ExecutionID: session.ExecutionID,
		Level:       level,
		Msg:         msg,
		Time:        time.Now().UTC(),
		Meta:        map[string]any{"workflow_id": session.WorkflowID},
	})
}

// internal wraps an unexpected error, logs it at Critical level, and
// attaches a trace id.
func (e *Engine) internal(err error) *FacadeError {
	traceID := uuid.NewString()
	e.logger.Error().Err(err).Str("trace_id", traceID).Msg("internal engine error")
	return internalError(traceID, err)
}

// toIssues converts validator findings to facade issues.
func toIssues(issues []workflow.Issue) []ValidationIssue {
	out := make([]ValidationIssue, len(issues))
	for i, issue := range issues {
		out[i] = ValidationIssue{
			Code:    issue.Code,
			Message: issue.Message,
			NodeID:  issue.NodeID,
			Edge:    issue.Edge,
		}
	}
	return out
}
