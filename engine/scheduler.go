package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/conductor-go/conductor/engine/emit"
	"github.com/conductor-go/conductor/engine/store"
	"github.com/conductor-go/conductor/workflow"
)

// Outcome reports how a scheduling pass ended.
type Outcome int

const (
	// OutcomeDrained means every enabled node reached a terminal status.
	OutcomeDrained Outcome = iota

	// OutcomeWaiting means the loop drained with at least one node in
	// WaitingForInput. The session is retained; a UI completion resumes it.
	OutcomeWaiting

	// OutcomeCancelled means the session context was cancelled (pause or
	// cancel) before the latch closed.
	OutcomeCancelled
)

// Scheduler drives one execution by dependency-satisfaction events.
//
// It does not walk the workflow in topological order. Instead, each node
// completion invokes TryStartNode on the node's successors; a successor
// admits itself once all its enabled predecessors are satisfied. Two
// semaphores bound concurrency: a process-global execution cap shared
// across sessions, and a per-execution node cap from the execution context.
// A per-node single-entry lock makes admission race-free when two parents
// complete concurrently.
type Scheduler struct {
	execs      store.ExecutionStore
	runner     ProgramRunner
	propagator *DataPropagator
	bridge     *UIBridge
	emitter    emit.Emitter
	metrics    *PrometheusMetrics
	logger     zerolog.Logger

	defaultNodeTimeout time.Duration

	// execSem is the process-global execution semaphore.
	execSem chan struct{}
}

// NewScheduler wires a scheduler from its collaborators.
func NewScheduler(execs store.ExecutionStore, runner ProgramRunner, propagator *DataPropagator, bridge *UIBridge, emitter emit.Emitter, metrics *PrometheusMetrics, logger zerolog.Logger, maxConcurrentExecutions int, defaultNodeTimeout time.Duration) *Scheduler {
	if maxConcurrentExecutions <= 0 {
		maxConcurrentExecutions = 10
	}
	if defaultNodeTimeout <= 0 {
		defaultNodeTimeout = 30 * time.Minute
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Scheduler{
		execs:              execs,
		runner:             runner,
		propagator:         propagator,
		bridge:             bridge,
		emitter:            emitter,
		metrics:            metrics,
		logger:             logger,
		defaultNodeTimeout: defaultNodeTimeout,
		execSem:            make(chan struct{}, maxConcurrentExecutions),
	}
}

// RunWorkflow executes a freshly admitted session: it waits for a global
// execution slot, dispatches the initial ready set (enabled nodes with no
// enabled incoming edge), and drives the graph until the completion latch
// closes, the loop drains with waiting nodes, or the session is cancelled.
func (s *Scheduler) RunWorkflow(ctx context.Context, session *ExecutionSession) (Outcome, error) {
	var initial []string
	for _, n := range session.Workflow.StartNodes() {
		initial = append(initial, n.ID)
	}
	return s.runPass(ctx, session, initial)
}

// ContinueFrom resumes scheduling over the given candidate nodes. Used by
// Resume (all enabled nodes as candidates) and by the background
// continuation after a UI completion (the resumed node's successors).
func (s *Scheduler) ContinueFrom(ctx context.Context, session *ExecutionSession, candidates []string) (Outcome, error) {
	return s.runPass(ctx, session, candidates)
}

// runPass acquires a global slot, dispatches candidates, and waits for the
// spawned subtree to drain.
func (s *Scheduler) runPass(ctx context.Context, session *ExecutionSession, candidates []string) (Outcome, error) {
	select {
	case s.execSem <- struct{}{}:
	case <-ctx.Done():
		return OutcomeCancelled, ctx.Err()
	}
	defer func() { <-s.execSem }()

	var wg sync.WaitGroup
	for _, id := range candidates {
		s.TryStartNode(session, &wg, id)
	}
	wg.Wait()

	select {
	case <-session.Done():
		return OutcomeDrained, nil
	default:
	}

	if err := session.Ctx().Err(); err != nil {
		return OutcomeCancelled, nil
	}

	if session.HasWaitingNodes() {
		return OutcomeWaiting, nil
	}

	// The loop drained without closing the latch and nothing waits for
	// input: the remaining pending nodes are blocked behind failures.
	s.cascadeBlocked(session)

	select {
	case <-session.Done():
		return OutcomeDrained, nil
	default:
		// Latch still open after cascading: a bug, not a user error.
		s.logger.Error().
			Str("execution_id", session.ExecutionID).
			Msg("scheduling loop drained with open completion latch")
		return OutcomeDrained, fmt.Errorf("execution %s drained with unresolved nodes", session.ExecutionID)
	}
}

// TryStartNode attempts to admit one node. It is invoked for the initial
// ready set and again by every completing parent, so it must tolerate
// concurrent invocations: the per-node lock admits one caller, and the
// post-lock rechecks make repeated admission a no-op.
func (s *Scheduler) TryStartNode(session *ExecutionSession, wg *sync.WaitGroup, nodeID string) {
	lock := session.Lock(nodeID)
	if lock == nil {
		return
	}
	if !lock.TryLock() {
		// Another completion event is handling this node.
		return
	}

	if session.IsTerminal(nodeID) || session.IsRunning(nodeID) || session.IsWaiting(nodeID) {
		lock.Unlock()
		return
	}

	n := session.Workflow.NodeByID(nodeID)
	if n == nil || n.Disabled {
		lock.Unlock()
		return
	}

	if !s.dependenciesSatisfied(session, n) {
		lock.Unlock()
		// A parent may have completed while we held the lock; its own
		// TryStartNode failed against our hold, so re-examine once.
		// Satisfaction is monotone within a pass, so this terminates.
		if s.dependenciesSatisfied(session, n) {
			s.TryStartNode(session, wg, nodeID)
		}
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer lock.Unlock()
		s.executeNode(session, wg, n, nil, false)
	}()
}

// dependenciesSatisfied reports whether every enabled predecessor is
// Completed or Skipped, or is referenced only by optional input mappings.
func (s *Scheduler) dependenciesSatisfied(session *ExecutionSession, n *workflow.Node) bool {
	for _, pred := range session.Workflow.Predecessors(n.ID) {
		if session.IsSatisfied(pred.ID) {
			continue
		}
		if !session.IsTerminal(pred.ID) {
			// Predecessor still pending or running.
			return false
		}
		// Predecessor failed: acceptable only when the dependency is
		// declared optional through its input mappings.
		if !optionalDependency(n, pred.ID) {
			return false
		}
	}
	return true
}

// optionalDependency reports whether node n depends on pred only through
// optional input mappings.
func optionalDependency(n *workflow.Node, predID string) bool {
	found := false
	for _, m := range n.Input.Mappings {
		if m.SourceNodeID != predID {
			continue
		}
		if !m.Optional {
			return false
		}
		found = true
	}
	return found
}

// executeNode runs one node task: build input, suspend for UI input when
// the program is interactive, otherwise invoke the program runner, record
// the result, and fan out to successors.
//
// extraEnv carries resume-time additions (UI_OUTPUT_DATA). resumed marks a
// re-entry after a UI completion: the interactivity test is skipped so the
// node cannot suspend twice on the same input.
func (s *Scheduler) executeNode(session *ExecutionSession, wg *sync.WaitGroup, n *workflow.Node, extraEnv map[string]string, resumed bool) {
	ctx := session.Ctx()

	if !session.AcquireNodeSlot(ctx) {
		session.ClearRunning(n.ID)
		return
	}
	defer session.ReleaseNodeSlot()

	// Running becomes visible only once a node slot is held, so the
	// observable Running count never exceeds the per-execution cap.
	session.MarkRunning(n.ID)

	s.metrics.NodeStarted()
	startedAt := time.Now().UTC()
	status := "error"
	defer func() {
		s.metrics.NodeFinished(session.WorkflowID, status, time.Since(startedAt))
	}()

	ne, err := s.loadNodeExecution(session, n.ID)
	if err != nil {
		s.failNodeSystem(session, n, ne, fmt.Errorf("load node record: %w", err))
		return
	}
	ne.Status = workflow.NodeRunning
	ne.StartedAt = &startedAt
	s.persistNode(session, ne)
	s.logTransition(session, n.ID, "Info", "node started", nil)
	s.emit(session, n.ID, emit.LevelInfo, "node_started", nil)

	input, berr := s.propagator.BuildInput(ctx, session, n)
	if berr != nil {
		s.failNode(session, n, ne, toDescriptor(berr, workflow.ErrValidation), startedAt)
		return
	}

	if !resumed {
		interactive, ierr := s.bridge.IsInteractive(ctx, n.ProgramID)
		if ierr != nil {
			s.failNodeSystem(session, n, ne, ierr)
			return
		}
		if interactive {
			if _, serr := s.bridge.Suspend(ctx, session, n, input.Document); serr != nil {
				s.failNodeSystem(session, n, ne, serr)
				return
			}
			ne.Status = workflow.NodeWaitingForInput
			ne.Input = input.Document
			s.persistNode(session, ne)
			session.MarkWaiting(n.ID)
			s.logTransition(session, n.ID, "Info", "node waiting for user input", nil)
			status = "waiting"
			return
		}
	}

	env := make(map[string]string, len(n.Settings.Environment)+2)
	for k, v := range n.Settings.Environment {
		env[k] = v
	}
	env[EnvWorkflowInputs] = input.HelperArtifact
	for k, v := range extraEnv {
		env[k] = v
	}

	timeoutMinutes := n.Settings.TimeoutMinutes
	timeout := s.defaultNodeTimeout
	if timeoutMinutes > 0 {
		timeout = time.Duration(timeoutMinutes) * time.Minute
	} else {
		timeoutMinutes = int(timeout / time.Minute)
	}

	ne.Input = input.Document
	req := &workflow.RunRequest{
		ProgramID:      n.ProgramID,
		VersionID:      n.VersionID,
		UserID:         session.Context.Metadata["executedBy"],
		Parameters:     input.Document,
		Environment:    env,
		TimeoutMinutes: timeoutMinutes,
		Resources:      n.Settings.Resources,
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	res, rerr := s.runner.Run(runCtx, req)
	cancel()

	elapsed := time.Since(startedAt)

	switch {
	case rerr != nil && errors.Is(rerr, context.DeadlineExceeded):
		s.failNode(session, n, ne, &workflow.ErrorDescriptor{
			Type:      workflow.ErrTimeout,
			Message:   fmt.Sprintf("program execution exceeded %s", timeout),
			Retryable: true,
		}, startedAt)
		return

	case rerr != nil && errors.Is(rerr, context.Canceled):
		// Pause or cancel: the node did not finish and is not failed.
		ne.Status = workflow.NodePending
		ne.StartedAt = nil
		s.persistNode(session, ne)
		session.ClearRunning(n.ID)
		status = "cancelled"
		return

	case rerr != nil:
		s.failNodeSystem(session, n, ne, rerr)
		return
	}

	ne.RunnerExecutionID = res.ExecutionID

	// success=false is a failure regardless of exit code.
	if !res.Success {
		msg := res.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("program exited with code %d", res.ExitCode)
		}
		s.failNode(session, n, ne, &workflow.ErrorDescriptor{
			Type:      workflow.ErrExecution,
			Message:   msg,
			ExitCode:  res.ExitCode,
			Retryable: true,
		}, startedAt)
		return
	}

	contract, files := s.propagator.ProcessOutput(session, n, res)

	finishedAt := time.Now().UTC()
	ne.Status = workflow.NodeCompleted
	ne.FinishedAt = &finishedAt
	ne.Output = contract.Payload
	ne.Error = nil
	s.persistNode(session, ne)
	s.persistOutputFiles(session, files)

	session.MarkCompleted(n.ID, contract)
	s.persistProgress(session)
	s.logTransition(session, n.ID, "Info", "node completed", map[string]any{
		"duration_ms":  elapsed.Milliseconds(),
		"output_files": len(files),
	})
	s.emit(session, n.ID, emit.LevelInfo, "node_completed", map[string]any{
		"duration_ms":  elapsed.Milliseconds(),
		"output_files": len(files),
	})
	status = "success"

	s.fanOut(session, wg, n.ID)
}

// fanOut invokes TryStartNode for each enabled successor of a node.
func (s *Scheduler) fanOut(session *ExecutionSession, wg *sync.WaitGroup, nodeID string) {
	for _, succ := range session.Workflow.Successors(nodeID) {
		s.TryStartNode(session, wg, succ.ID)
	}
}

// failNode records a node's terminal failure. When ContinueOnError is off,
// it cancels the session so in-flight siblings observe cancellation.
func (s *Scheduler) failNode(session *ExecutionSession, n *workflow.Node, ne *workflow.NodeExecution, desc *workflow.ErrorDescriptor, startedAt time.Time) {
	finishedAt := time.Now().UTC()
	ne.Status = workflow.NodeFailed
	ne.FinishedAt = &finishedAt
	ne.Error = desc
	ne.CanRetry = desc.Retryable && ne.RetryCount < ne.MaxRetries
	s.persistNode(session, ne)

	session.MarkFailed(n.ID)
	s.persistProgress(session)
	s.logTransition(session, n.ID, "Error", "node failed", map[string]any{
		"error":       desc.Error(),
		"exit_code":   desc.ExitCode,
		"duration_ms": time.Since(startedAt).Milliseconds(),
	})
	s.emit(session, n.ID, emit.LevelError, "node_failed", map[string]any{
		"error": desc.Error(),
	})

	if !session.Context.ContinueOnError {
		session.Cancel(false)
	}
}

// failNodeSystem records an unexpected failure as a SystemError and flags
// the whole execution as retryable-failed.
func (s *Scheduler) failNodeSystem(session *ExecutionSession, n *workflow.Node, ne *workflow.NodeExecution, err error) {
	finishedAt := time.Now().UTC()
	desc := &workflow.ErrorDescriptor{
		Type:      workflow.ErrSystem,
		Message:   err.Error(),
		Retryable: true,
	}
	if ne != nil {
		ne.Status = workflow.NodeFailed
		ne.FinishedAt = &finishedAt
		ne.Error = desc
		ne.CanRetry = ne.RetryCount < ne.MaxRetries
		s.persistNode(session, ne)
	}
	session.MarkFailed(n.ID)
	s.persistProgress(session)

	bg := context.WithoutCancel(session.Ctx())
	if perr := s.execs.SetExecutionError(bg, session.ExecutionID, desc); perr != nil {
		s.logger.Error().Err(perr).
			Str("execution_id", session.ExecutionID).
			Msg("failed to persist execution error")
	}
	s.logTransition(session, n.ID, "Critical", "node failed with system error", map[string]any{
		"error": err.Error(),
	})
	s.emit(session, n.ID, emit.LevelCritical, "node_system_error", map[string]any{
		"error": err.Error(),
	})

	// A system error aborts the scheduler regardless of ContinueOnError.
	session.Cancel(false)
}

// cascadeBlocked fails every pending node that can no longer run because a
// required predecessor failed. Runs to fixpoint so whole blocked subtrees
// resolve and the completion latch can close.
func (s *Scheduler) cascadeBlocked(session *ExecutionSession) {
	for {
		progressed := false
		for _, n := range session.Workflow.EnabledNodes() {
			if session.IsTerminal(n.ID) || session.IsRunning(n.ID) || session.IsWaiting(n.ID) {
				continue
			}
			blockedBy := ""
			for _, pred := range session.Workflow.Predecessors(n.ID) {
				if session.IsTerminal(pred.ID) && !session.IsSatisfied(pred.ID) && !optionalDependency(n, pred.ID) {
					blockedBy = pred.ID
					break
				}
			}
			if blockedBy == "" {
				continue
			}

			ne, err := s.loadNodeExecution(session, n.ID)
			if err == nil {
				finishedAt := time.Now().UTC()
				ne.Status = workflow.NodeFailed
				ne.FinishedAt = &finishedAt
				ne.Error = &workflow.ErrorDescriptor{
					Type:    workflow.ErrDependency,
					Message: fmt.Sprintf("predecessor %q failed", blockedBy),
				}
				s.persistNode(session, ne)
			}
			session.MarkFailed(n.ID)
			s.logTransition(session, n.ID, "Warning", "node blocked by failed predecessor", map[string]any{
				"predecessor": blockedBy,
			})
			s.emit(session, n.ID, emit.LevelWarning, "node_blocked", map[string]any{
				"predecessor": blockedBy,
			})
			progressed = true
		}
		if !progressed {
			return
		}
		s.persistProgress(session)
	}
}

// ResumeSuspendedNode re-enters a node that was WaitingForInput, with the
// UI output merged into the node's input document and exported raw through
// UI_OUTPUT_DATA. It runs synchronously; the caller continues the graph
// over the node's successors afterwards.
func (s *Scheduler) ResumeSuspendedNode(session *ExecutionSession, n *workflow.Node, uiOutput workflow.Document) {
	raw, err := json.Marshal(uiOutput)
	if err != nil {
		raw = []byte("{}")
	}
	extraEnv := map[string]string{EnvUIOutputData: string(raw)}

	// Merge the UI output into the user-input channel so BuildInput picks
	// it up alongside predecessor outputs and statics.
	session.MarkRunning(n.ID)
	s.injectUIOutput(session, n, uiOutput)

	var wg sync.WaitGroup
	s.executeNode(session, &wg, n, extraEnv, true)
	wg.Wait()
}

// injectUIOutput merges UI output values into the session's user inputs
// under the node's key space so input assembly sees them.
func (s *Scheduler) injectUIOutput(session *ExecutionSession, n *workflow.Node, uiOutput workflow.Document) {
	if session.Context.UserInputs == nil {
		session.Context.UserInputs = make(map[string]any, len(uiOutput))
	}
	for k, v := range uiOutput {
		session.Context.UserInputs[n.ID+"."+k] = v
	}
	// Surface the keys as declared inputs so BuildInput includes them even
	// when the node declares none.
	declared := make(map[string]bool, len(n.Input.UserInputs))
	for _, d := range n.Input.UserInputs {
		declared[d.Name] = true
	}
	for k := range uiOutput {
		if !declared[k] {
			n.Input.UserInputs = append(n.Input.UserInputs, workflow.UserInputDecl{Name: k})
		}
	}
}

// RunSingleNode re-runs one node synchronously with the current
// predecessor outputs, then fans out to its successors and waits for the
// resulting subtree to drain. Used by user-initiated retry and manual node
// invocation.
func (s *Scheduler) RunSingleNode(ctx context.Context, session *ExecutionSession, n *workflow.Node) (Outcome, error) {
	session.ReopenNode(n.ID)
	session.MarkRunning(n.ID)

	select {
	case s.execSem <- struct{}{}:
	case <-ctx.Done():
		session.ClearRunning(n.ID)
		return OutcomeCancelled, ctx.Err()
	}
	defer func() { <-s.execSem }()

	var wg sync.WaitGroup
	s.executeNode(session, &wg, n, nil, false)
	wg.Wait()

	select {
	case <-session.Done():
		return OutcomeDrained, nil
	default:
	}
	if session.HasWaitingNodes() {
		return OutcomeWaiting, nil
	}
	if session.Ctx().Err() != nil {
		return OutcomeCancelled, nil
	}
	s.cascadeBlocked(session)
	return OutcomeDrained, nil
}

// loadNodeExecution fetches the durable node record from the store.
func (s *Scheduler) loadNodeExecution(session *ExecutionSession, nodeID string) (*workflow.NodeExecution, error) {
	bg := context.WithoutCancel(session.Ctx())
	exec, err := s.execs.GetExecution(bg, session.ExecutionID)
	if err != nil {
		return nil, err
	}
	ne := exec.Node(nodeID)
	if ne == nil {
		return nil, fmt.Errorf("node execution %s/%s not found", session.ExecutionID, nodeID)
	}
	return ne, nil
}

// persistNode writes a node transition. Persistence failures are logged,
// not propagated: the in-memory session is authoritative for scheduling and
// the next transition write converges the record.
func (s *Scheduler) persistNode(session *ExecutionSession, ne *workflow.NodeExecution) {
	bg := context.WithoutCancel(session.Ctx())
	if err := s.execs.UpdateNodeExecution(bg, session.ExecutionID, ne.NodeID, ne); err != nil {
		s.logger.Error().Err(err).
			Str("execution_id", session.ExecutionID).
			Str("node_id", ne.NodeID).
			Msg("failed to persist node execution")
	}
}

// persistProgress writes the session's progress snapshot.
func (s *Scheduler) persistProgress(session *ExecutionSession) {
	bg := context.WithoutCancel(session.Ctx())
	if err := s.execs.UpdateExecutionProgress(bg, session.ExecutionID, session.Snapshot()); err != nil {
		s.logger.Error().Err(err).
			Str("execution_id", session.ExecutionID).
			Msg("failed to persist execution progress")
	}
}

// persistOutputFiles appends new output files to the execution results.
func (s *Scheduler) persistOutputFiles(session *ExecutionSession, files []workflow.OutputFile) {
	if len(files) == 0 {
		return
	}
	bg := context.WithoutCancel(session.Ctx())
	exec, err := s.execs.GetExecution(bg, session.ExecutionID)
	if err != nil {
		s.logger.Error().Err(err).
			Str("execution_id", session.ExecutionID).
			Msg("failed to load execution for output files")
		return
	}
	res := exec.Results
	if res == nil {
		res = &workflow.Results{}
	}
	res.OutputFiles = append(res.OutputFiles, files...)
	if err := s.execs.SetExecutionResults(bg, session.ExecutionID, res); err != nil {
		s.logger.Error().Err(err).
			Str("execution_id", session.ExecutionID).
			Msg("failed to persist output files")
	}
}

// logTransition appends one entry to the execution's durable log stream.
func (s *Scheduler) logTransition(session *ExecutionSession, nodeID, level, msg string, meta map[string]any) {
	bg := context.WithoutCancel(session.Ctx())
	entry := workflow.LogEntry{
		Time:    time.Now().UTC(),
		Level:   level,
		NodeID:  nodeID,
		Message: msg,
		Meta:    meta,
	}
	if err := s.execs.AddExecutionLog(bg, session.ExecutionID, entry); err != nil {
		s.logger.Error().Err(err).
			Str("execution_id", session.ExecutionID).
			Msg("failed to append execution log")
	}
}

// emit sends an observability event.
func (s *Scheduler) emit(session *ExecutionSession, nodeID string, level emit.Level, msg string, meta map[string]any) {
	s.emitter.Emit(emit.Event{
		ExecutionID: session.ExecutionID,
		NodeID:      nodeID,
		Level:       level,
		Msg:         msg,
		Time:        time.Now().UTC(),
		Meta:        meta,
	})
}

// toDescriptor coerces an error into an ErrorDescriptor of the given
// default type.
func toDescriptor(err error, fallback workflow.ErrorType) *workflow.ErrorDescriptor {
	var desc *workflow.ErrorDescriptor
	if errors.As(err, &desc) {
		return desc
	}
	return &workflow.ErrorDescriptor{Type: fallback, Message: err.Error()}
}
