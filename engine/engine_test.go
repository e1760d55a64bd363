package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conductor-go/conductor/engine/store"
	"github.com/conductor-go/conductor/workflow"
)

const testUser = "user-1"

type runnerFunc func(ctx context.Context, req *workflow.RunRequest) (*workflow.RunResult, error)

// fakeRunner dispatches per-program handlers and records every request. A
// program without a handler succeeds immediately.
type fakeRunner struct {
	mu        sync.Mutex
	byProgram map[string]runnerFunc
	requests  []*workflow.RunRequest

	inflight    int32
	maxInflight int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{byProgram: make(map[string]runnerFunc)}
}

func (r *fakeRunner) Run(ctx context.Context, req *workflow.RunRequest) (*workflow.RunResult, error) {
	cur := atomic.AddInt32(&r.inflight, 1)
	defer atomic.AddInt32(&r.inflight, -1)
	for {
		max := atomic.LoadInt32(&r.maxInflight)
		if cur <= max || atomic.CompareAndSwapInt32(&r.maxInflight, max, cur) {
			break
		}
	}

	r.mu.Lock()
	r.requests = append(r.requests, req)
	fn := r.byProgram[req.ProgramID]
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return okResult("done"), nil
}

func (r *fakeRunner) handle(programID string, fn runnerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byProgram[programID] = fn
}

func (r *fakeRunner) requestsFor(programID string) []*workflow.RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*workflow.RunRequest
	for _, req := range r.requests {
		if req.ProgramID == programID {
			out = append(out, req)
		}
	}
	return out
}

func okResult(output string) *workflow.RunResult {
	return &workflow.RunResult{
		Success:     true,
		ExecutionID: "runner-exec",
		Output:      output,
		Duration:    5 * time.Millisecond,
	}
}

// stubCatalog resolves every program as a live console program unless an
// entry overrides it.
type stubCatalog struct {
	mu       sync.Mutex
	programs map[string]*workflow.Program
	activeUI map[string]bool
}

func newStubCatalog() *stubCatalog {
	return &stubCatalog{
		programs: make(map[string]*workflow.Program),
		activeUI: make(map[string]bool),
	}
}

func (c *stubCatalog) GetProgram(_ context.Context, id string) (*workflow.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[id]; ok {
		return p, nil
	}
	return &workflow.Program{ID: id, Name: id, Status: "live", UiType: "console"}, nil
}

func (c *stubCatalog) GetVersion(_ context.Context, id string) (*workflow.ProgramVersion, error) {
	return nil, errors.New("version not found")
}

func (c *stubCatalog) HasActiveUIComponents(_ context.Context, programID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeUI[programID], nil
}

func (c *stubCatalog) setInteractive(programID, uiType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs[programID] = &workflow.Program{ID: programID, Name: programID, Status: "live", UiType: uiType}
	c.activeUI[programID] = true
}

type rig struct {
	store   *store.MemStore
	runner  *fakeRunner
	catalog *stubCatalog
	eng     *Engine
}

func newRig(t *testing.T, wf *workflow.Workflow, opts ...Option) *rig {
	t.Helper()
	ms := store.NewMemStore()
	ms.RegisterWorkflow(wf)
	ms.GrantPermission(wf.ID, testUser, workflow.PermExecute)

	runner := newFakeRunner()
	catalog := newStubCatalog()

	opts = append([]Option{WithSweepInterval(0)}, opts...)
	eng := New(ms, ms, ms, runner, catalog, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})
	return &rig{store: ms, runner: runner, catalog: catalog, eng: eng}
}

func testNode(id string) *workflow.Node {
	return &workflow.Node{ID: id, Name: id, ProgramID: "prog-" + id}
}

func testEdge(src, dst string) *workflow.Edge {
	return &workflow.Edge{Source: src, Target: dst}
}

func testContext() workflow.ExecutionContext {
	return workflow.ExecutionContext{MaxConcurrentNodes: 4, TimeoutMinutes: 60}
}

func waitForStatus(t *testing.T, eng *Engine, executionID string, want workflow.ExecutionStatus) *workflow.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last workflow.ExecutionStatus
	for time.Now().Before(deadline) {
		exec, err := eng.GetExecutionStatus(context.Background(), executionID)
		if err == nil {
			last = exec.Status
			if exec.Status == want {
				return exec
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached %s (last %s)", executionID, want, last)
	return nil
}

func waitForNodeStatus(t *testing.T, eng *Engine, executionID, nodeID string, want workflow.NodeStatus) *workflow.NodeExecution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last workflow.NodeStatus
	for time.Now().Before(deadline) {
		exec, err := eng.GetExecutionStatus(context.Background(), executionID)
		if err == nil {
			if ne := exec.Node(nodeID); ne != nil {
				last = ne.Status
				if ne.Status == want {
					return ne
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node %s never reached %s (last %s)", nodeID, want, last)
	return nil
}

func facadeKind(t *testing.T, err error) Kind {
	t.Helper()
	var fe *FacadeError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FacadeError, got %T: %v", err, err)
	}
	return fe.Kind
}

func TestExecuteFanOutWorkflow(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf-fanout", Name: "fanout", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b"), testNode("c")},
		Edges: []*workflow.Edge{testEdge("a", "b"), testEdge("a", "c")},
	}
	r := newRig(t, wf)

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != workflow.ExecutionRunning {
		t.Fatalf("initial status = %s, want Running", resp.Status)
	}

	exec := waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)

	for _, id := range []string{"a", "b", "c"} {
		ne := exec.Node(id)
		if ne == nil || ne.Status != workflow.NodeCompleted {
			t.Errorf("node %s = %+v, want Completed", id, ne)
		}
	}
	if exec.Progress.Percent != 100 {
		t.Errorf("progress = %.1f, want 100", exec.Progress.Percent)
	}
	if exec.Results == nil {
		t.Fatal("results missing")
	}
	if len(exec.Results.Intermediate) != 3 {
		t.Errorf("intermediate results = %d, want 3", len(exec.Results.Intermediate))
	}
	if _, ok := exec.Results.FinalOutputs["b"]; !ok {
		t.Error("terminal node b missing from final outputs")
	}
	if _, ok := exec.Results.FinalOutputs["a"]; ok {
		t.Error("non-terminal node a present in final outputs")
	}
	if exec.Results.FinalOutputs["b"]["stdout"] != "done" {
		t.Errorf("stdout = %v", exec.Results.FinalOutputs["b"]["stdout"])
	}
	if !strings.Contains(exec.Results.Summary, "3 of 3 nodes completed") {
		t.Errorf("summary = %q", exec.Results.Summary)
	}
}

func TestExecutePropagatesPredecessorOutputs(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf-prop", Name: "prop", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b")},
		Edges: []*workflow.Edge{testEdge("a", "b")},
	}
	r := newRig(t, wf)
	r.runner.handle("prog-a", func(context.Context, *workflow.RunRequest) (*workflow.RunResult, error) {
		return okResult("from-a"), nil
	})

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)

	reqs := r.runner.requestsFor("prog-b")
	if len(reqs) != 1 {
		t.Fatalf("prog-b invoked %d times, want 1", len(reqs))
	}
	// Predecessor output lands under the canonical program name.
	pred, ok := reqs[0].Parameters["ProgA"].(workflow.Document)
	if !ok {
		t.Fatalf("parameters = %v, want ProgA document", reqs[0].Parameters)
	}
	if pred["stdout"] != "from-a" {
		t.Errorf("propagated stdout = %v, want from-a", pred["stdout"])
	}
	helper := reqs[0].Environment[EnvWorkflowInputs]
	if !strings.Contains(helper, `"ProgA"`) || !strings.Contains(helper, "from-a") {
		t.Errorf("helper artifact = %s", helper)
	}
}

func TestExecuteFailureFailsExecution(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf-fail", Name: "fail", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b")},
		Edges: []*workflow.Edge{testEdge("a", "b")},
	}
	wf.Nodes[0].Settings.MaxRetries = 2
	r := newRig(t, wf)
	r.runner.handle("prog-a", func(context.Context, *workflow.RunRequest) (*workflow.RunResult, error) {
		return &workflow.RunResult{Success: false, ExitCode: 2, ErrorOutput: "boom"}, nil
	})

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	exec := waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionFailed)

	if exec.Error == nil || exec.Error.Message != "Workflow failed due to 1 failed nodes" {
		t.Fatalf("execution error = %+v", exec.Error)
	}

	a := exec.Node("a")
	if a.Status != workflow.NodeFailed {
		t.Fatalf("node a = %s, want Failed", a.Status)
	}
	if a.Error == nil || a.Error.Type != workflow.ErrExecution || a.Error.ExitCode != 2 {
		t.Fatalf("node a error = %+v", a.Error)
	}
	if !a.CanRetry {
		t.Error("node a should be retryable")
	}
	if got := exec.Node("b").Status; got != workflow.NodePending {
		t.Errorf("node b = %s, want Pending", got)
	}
}

func TestExecuteSuccessFalseIsFailureDespiteZeroExit(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf-successfalse", Name: "sf", Version: 1,
		Nodes: []*workflow.Node{testNode("a")},
	}
	r := newRig(t, wf)
	r.runner.handle("prog-a", func(context.Context, *workflow.RunRequest) (*workflow.RunResult, error) {
		return &workflow.RunResult{Success: false, ExitCode: 0, ErrorMessage: "declared failure"}, nil
	})

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	exec := waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionFailed)

	a := exec.Node("a")
	if a.Error == nil || a.Error.Message != "declared failure" {
		t.Fatalf("node error = %+v", a.Error)
	}
}

func TestContinueOnErrorCompletesWithFailedBranch(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf-coe", Name: "coe", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b"), testNode("c"), testNode("d")},
		Edges: []*workflow.Edge{
			testEdge("a", "b"), testEdge("a", "c"),
			testEdge("b", "d"), testEdge("c", "d"),
		},
	}
	r := newRig(t, wf)
	r.runner.handle("prog-b", func(context.Context, *workflow.RunRequest) (*workflow.RunResult, error) {
		return &workflow.RunResult{Success: false, ExitCode: 1}, nil
	})

	ec := testContext()
	ec.ContinueOnError = true
	resp, err := r.eng.Execute(context.Background(), wf.ID, ec, testUser)
	if err != nil {
		t.Fatal(err)
	}
	exec := waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)

	if got := exec.Node("c").Status; got != workflow.NodeCompleted {
		t.Errorf("unaffected branch c = %s, want Completed", got)
	}
	d := exec.Node("d")
	if d.Status != workflow.NodeFailed {
		t.Fatalf("blocked node d = %s, want Failed", d.Status)
	}
	if d.Error == nil || d.Error.Type != workflow.ErrDependency {
		t.Fatalf("node d error = %+v, want DependencyError", d.Error)
	}
	if exec.Error == nil || exec.Error.Message != "Workflow completed with 2 failed nodes" {
		t.Fatalf("execution error = %+v", exec.Error)
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf-cycle", Name: "cycle", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b")},
		Edges: []*workflow.Edge{testEdge("a", "b"), testEdge("b", "a")},
	}
	r := newRig(t, wf)

	_, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if facadeKind(t, err) != KindValidationFailed {
		t.Fatalf("kind = %s, want ValidationFailed", facadeKind(t, err))
	}
	var fe *FacadeError
	errors.As(err, &fe)
	found := false
	for _, issue := range fe.Issues {
		if issue.Code == workflow.CodeCycleDetected {
			found = true
		}
	}
	if !found {
		t.Fatalf("issues = %v, want CYCLE_DETECTED", fe.Issues)
	}
}

func TestExecuteAuthz(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-authz", Name: "authz", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf)

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := r.eng.Execute(context.Background(), "ghost", testContext(), testUser)
		if facadeKind(t, err) != KindNotFound {
			t.Fatalf("kind = %s, want NotFound", facadeKind(t, err))
		}
	})

	t.Run("missing permission", func(t *testing.T) {
		_, err := r.eng.Execute(context.Background(), wf.ID, testContext(), "stranger")
		if facadeKind(t, err) != KindPermissionDenied {
			t.Fatalf("kind = %s, want PermissionDenied", facadeKind(t, err))
		}
	})

	t.Run("edit implies execute", func(t *testing.T) {
		r.store.GrantPermission(wf.ID, "editor", workflow.PermEdit)
		resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), "editor")
		if err != nil {
			t.Fatal(err)
		}
		waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)
	})
}

func TestSingleActiveExecutionPerWorkflow(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-single", Name: "single", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf)

	release := make(chan struct{})
	r.runner.handle("prog-a", func(ctx context.Context, _ *workflow.RunRequest) (*workflow.RunResult, error) {
		select {
		case <-release:
			return okResult("done"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	first, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if facadeKind(t, err) != KindInvalidState {
		t.Fatalf("kind = %s, want InvalidState", facadeKind(t, err))
	}
	wantMsg := "Workflow wf-single is already running. Execution ID: " + first.ExecutionID
	var fe *FacadeError
	errors.As(err, &fe)
	if fe.Message != wantMsg {
		t.Fatalf("message = %q, want %q", fe.Message, wantMsg)
	}
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning cause", err)
	}

	close(release)
	waitForStatus(t, r.eng, first.ExecutionID, workflow.ExecutionCompleted)

	// The slot frees once the first execution finalizes.
	second, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, r.eng, second.ExecutionID, workflow.ExecutionCompleted)
}

func TestNodeTimeoutThenRetrySucceeds(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-timeout", Name: "timeout", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	wf.Nodes[0].Settings.MaxRetries = 2
	r := newRig(t, wf, WithDefaultNodeTimeout(30*time.Millisecond))

	var calls int32
	r.runner.handle("prog-a", func(ctx context.Context, _ *workflow.RunRequest) (*workflow.RunResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return okResult("second try"), nil
	})

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	exec := waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionFailed)

	a := exec.Node("a")
	if a.Error == nil || a.Error.Type != workflow.ErrTimeout {
		t.Fatalf("node error = %+v, want TimeoutError", a.Error)
	}
	if !a.Error.Retryable || !a.CanRetry {
		t.Fatal("timeout should be retryable")
	}

	nr, err := r.eng.RetryNode(context.Background(), resp.ExecutionID, "a")
	if err != nil {
		t.Fatal(err)
	}
	if nr.Status != workflow.NodeRetrying {
		t.Fatalf("retry status = %s, want Retrying", nr.Status)
	}

	exec = waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)
	a = exec.Node("a")
	if a.Status != workflow.NodeCompleted || a.RetryCount != 1 {
		t.Fatalf("node a = %s retries=%d, want Completed/1", a.Status, a.RetryCount)
	}
}

func TestRetryNodeGuards(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-retryguard", Name: "rg", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf)
	r.runner.handle("prog-a", func(context.Context, *workflow.RunRequest) (*workflow.RunResult, error) {
		return &workflow.RunResult{Success: false, ExitCode: 1}, nil
	})

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionFailed)

	t.Run("retry budget exhausted", func(t *testing.T) {
		_, err := r.eng.RetryNode(context.Background(), resp.ExecutionID, "a")
		if facadeKind(t, err) != KindInvalidState {
			t.Fatalf("kind = %s, want InvalidState", facadeKind(t, err))
		}
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "MAX_RETRIES_EXCEEDED" {
			t.Fatalf("expected MAX_RETRIES_EXCEEDED, got %v", err)
		}
	})

	t.Run("unknown node", func(t *testing.T) {
		_, err := r.eng.RetryNode(context.Background(), resp.ExecutionID, "ghost")
		if facadeKind(t, err) != KindNotFound {
			t.Fatalf("kind = %s, want NotFound", facadeKind(t, err))
		}
	})

	t.Run("unknown execution", func(t *testing.T) {
		_, err := r.eng.RetryNode(context.Background(), "ghost", "a")
		if facadeKind(t, err) != KindNotFound {
			t.Fatalf("kind = %s, want NotFound", facadeKind(t, err))
		}
	})
}

func TestRetryRejectedOnCompletedExecution(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-retrydone", Name: "rd", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf)

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)

	_, err = r.eng.RetryNode(context.Background(), resp.ExecutionID, "a")
	if facadeKind(t, err) != KindInvalidState {
		t.Fatalf("kind = %s, want InvalidState", facadeKind(t, err))
	}
}

func TestUIInteractionFlow(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf-ui", Name: "ui", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b")},
		Edges: []*workflow.Edge{testEdge("a", "b")},
	}
	r := newRig(t, wf)
	r.catalog.setInteractive("prog-b", "desktop")

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	waitForNodeStatus(t, r.eng, resp.ExecutionID, "b", workflow.NodeWaitingForInput)

	exec, _ := r.eng.GetExecutionStatus(context.Background(), resp.ExecutionID)
	if exec.Status != workflow.ExecutionRunning {
		t.Fatalf("execution = %s, want Running while waiting", exec.Status)
	}

	its, err := r.store.GetByExecution(context.Background(), resp.ExecutionID)
	if err != nil || len(its) != 1 {
		t.Fatalf("interactions = %v (%v)", its, err)
	}
	it := its[0]
	if it.Status != workflow.InteractionPending || it.NodeID != "b" {
		t.Fatalf("interaction = %+v", it)
	}
	if it.Title != "Input required: b" {
		t.Errorf("title = %q", it.Title)
	}
	if it.UserID != testUser {
		t.Errorf("addressed to %q, want %q", it.UserID, testUser)
	}

	nr, err := r.eng.CompleteUIInteraction(context.Background(), resp.ExecutionID, "b", it.ID,
		map[string]any{"userInput": "approve"})
	if err != nil {
		t.Fatal(err)
	}
	if nr.Status != workflow.NodeRunning {
		t.Fatalf("completion response = %s, want Running", nr.Status)
	}

	exec = waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)
	if got := exec.Node("b").Status; got != workflow.NodeCompleted {
		t.Fatalf("node b = %s, want Completed", got)
	}

	// The resumed invocation sees the UI output in both channels.
	reqs := r.runner.requestsFor("prog-b")
	if len(reqs) != 1 {
		t.Fatalf("prog-b invoked %d times, want 1", len(reqs))
	}
	if reqs[0].Parameters["userInput"] != "approve" {
		t.Errorf("parameters = %v", reqs[0].Parameters)
	}
	if !strings.Contains(reqs[0].Environment[EnvUIOutputData], "approve") {
		t.Errorf("UI output env = %q", reqs[0].Environment[EnvUIOutputData])
	}

	// Completing again after the fact is idempotent.
	nr, err = r.eng.CompleteUIInteraction(context.Background(), resp.ExecutionID, "b", it.ID,
		map[string]any{"userInput": "approve"})
	if err != nil {
		t.Fatal(err)
	}
	if nr.Message != "Interaction already completed" {
		t.Fatalf("second completion = %+v", nr)
	}
}

func TestUIInteractionSchemaRejection(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-uischema", Name: "uis", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf)
	r.catalog.setInteractive("prog-a", "desktop")

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	waitForNodeStatus(t, r.eng, resp.ExecutionID, "a", workflow.NodeWaitingForInput)

	its, _ := r.store.GetByExecution(context.Background(), resp.ExecutionID)
	_, err = r.eng.CompleteUIInteraction(context.Background(), resp.ExecutionID, "a", its[0].ID,
		map[string]any{"userInput": 42})
	if facadeKind(t, err) != KindValidationFailed {
		t.Fatalf("kind = %s, want ValidationFailed", facadeKind(t, err))
	}

	// The interaction stays open for a corrected submission.
	it, _ := r.store.GetInteraction(context.Background(), its[0].ID)
	if !it.Status.Open() {
		t.Fatalf("interaction = %s, want open", it.Status)
	}
}

func TestInteractionTimeoutSweepFailsNode(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-uisweep", Name: "sweep", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf, WithDefaultInteractionTimeout(10*time.Millisecond))
	r.catalog.setInteractive("prog-a", "desktop")

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	waitForNodeStatus(t, r.eng, resp.ExecutionID, "a", workflow.NodeWaitingForInput)

	swept := r.eng.SweepTimedOutInteractions(time.Now().UTC().Add(time.Hour))
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	exec := waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionFailed)
	a := exec.Node("a")
	if a.Status != workflow.NodeFailed || a.Error == nil || a.Error.Type != workflow.ErrTimeout {
		t.Fatalf("node a = %+v", a)
	}

	its, _ := r.store.GetByExecution(context.Background(), resp.ExecutionID)
	if its[0].Status != workflow.InteractionTimeout {
		t.Fatalf("interaction = %s, want Timeout", its[0].Status)
	}
}

func TestPauseAndResume(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-pause", Name: "pause", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf)

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	r.runner.handle("prog-a", func(ctx context.Context, _ *workflow.RunRequest) (*workflow.RunResult, error) {
		started <- struct{}{}
		select {
		case <-release:
			return okResult("after resume"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if err := r.eng.Pause(context.Background(), resp.ExecutionID); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionPaused)

	// The interrupted node reverts to Pending, not Failed.
	waitForNodeStatus(t, r.eng, resp.ExecutionID, "a", workflow.NodePending)

	close(release)
	if _, err := r.eng.Resume(context.Background(), resp.ExecutionID); err != nil {
		t.Fatal(err)
	}
	<-started

	exec := waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)
	if got := exec.Node("a").Output["stdout"]; got != "after resume" {
		t.Fatalf("output = %v", got)
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-resumeguard", Name: "rg", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf)

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)

	_, err = r.eng.Resume(context.Background(), resp.ExecutionID)
	if facadeKind(t, err) != KindInvalidState {
		t.Fatalf("kind = %s, want InvalidState", facadeKind(t, err))
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-cancel", Name: "cancel", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf)

	started := make(chan struct{}, 1)
	r.runner.handle("prog-a", func(ctx context.Context, _ *workflow.RunRequest) (*workflow.RunResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if err := r.eng.Cancel(context.Background(), resp.ExecutionID); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCancelled)

	if err := r.eng.Cancel(context.Background(), resp.ExecutionID); err != nil {
		t.Fatalf("second cancel = %v, want nil", err)
	}

	if err := r.eng.Cancel(context.Background(), "ghost"); facadeKind(t, err) != KindNotFound {
		t.Fatalf("kind = %s, want NotFound", facadeKind(t, err))
	}
}

func TestSkipNode(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf-skip", Name: "skip", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b")},
		Edges: []*workflow.Edge{testEdge("a", "b")},
	}
	r := newRig(t, wf)
	r.runner.handle("prog-a", func(context.Context, *workflow.RunRequest) (*workflow.RunResult, error) {
		return &workflow.RunResult{Success: false, ExitCode: 1}, nil
	})

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionFailed)

	if err := r.eng.SkipNode(context.Background(), resp.ExecutionID, "b", "not needed"); err != nil {
		t.Fatal(err)
	}
	exec, _ := r.eng.GetExecutionStatus(context.Background(), resp.ExecutionID)
	b := exec.Node("b")
	if b.Status != workflow.NodeSkipped || b.SkipReason != "not needed" {
		t.Fatalf("node b = %+v", b)
	}

	// Skipping an already skipped node is idempotent success.
	if err := r.eng.SkipNode(context.Background(), resp.ExecutionID, "b", "again"); err != nil {
		t.Fatalf("second skip = %v, want nil", err)
	}
}

func TestSkipCompletedNodeRejected(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-skipdone", Name: "sd", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf)

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)

	err = r.eng.SkipNode(context.Background(), resp.ExecutionID, "a", "too late")
	if facadeKind(t, err) != KindInvalidState {
		t.Fatalf("kind = %s, want InvalidState", facadeKind(t, err))
	}
}

func TestPerExecutionConcurrencyCap(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf-cap", Name: "cap", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b"), testNode("c"), testNode("d")},
	}
	r := newRig(t, wf)
	for _, id := range []string{"a", "b", "c", "d"} {
		r.runner.handle("prog-"+id, func(ctx context.Context, _ *workflow.RunRequest) (*workflow.RunResult, error) {
			select {
			case <-time.After(30 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return okResult("done"), nil
		})
	}

	ec := testContext()
	ec.MaxConcurrentNodes = 2
	resp, err := r.eng.Execute(context.Background(), wf.ID, ec, testUser)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)

	if max := atomic.LoadInt32(&r.runner.maxInflight); max > 2 {
		t.Fatalf("observed %d concurrent invocations, cap is 2", max)
	}
}

func TestDisabledNodesAreExcluded(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf-disabled", Name: "disabled", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b")},
	}
	wf.Nodes[1].Disabled = true
	r := newRig(t, wf)

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	exec := waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)

	if got := exec.Node("b").Status; got != workflow.NodePending {
		t.Fatalf("disabled node = %s, want Pending", got)
	}
	if len(r.runner.requestsFor("prog-b")) != 0 {
		t.Fatal("disabled node was invoked")
	}
	if exec.Progress.Total != 1 {
		t.Fatalf("progress total = %d, want 1", exec.Progress.Total)
	}
}

func TestNodeOutputReadsMatchPersistedResults(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf-outputs", Name: "outputs", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b")},
		Edges: []*workflow.Edge{testEdge("a", "b")},
	}
	r := newRig(t, wf)

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	exec := waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)

	doc, err := r.eng.GetNodeOutput(context.Background(), resp.ExecutionID, "a")
	if err != nil {
		t.Fatal(err)
	}
	if doc["stdout"] != exec.Results.Intermediate["a"]["stdout"] {
		t.Fatalf("GetNodeOutput = %v, intermediate = %v", doc, exec.Results.Intermediate["a"])
	}

	all, err := r.eng.GetAllNodeOutputs(context.Background(), resp.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all outputs = %d, want 2", len(all))
	}

	if _, err := r.eng.GetNodeOutput(context.Background(), resp.ExecutionID, "ghost"); facadeKind(t, err) != KindNotFound {
		t.Fatalf("kind = %s, want NotFound", facadeKind(t, err))
	}
}

func TestExecutionStatisticsAndLogs(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf-stats", Name: "stats", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b")},
		Edges: []*workflow.Edge{testEdge("a", "b")},
	}
	r := newRig(t, wf)

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)

	stats, err := r.eng.GetExecutionStatistics(context.Background(), resp.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalNodes != 2 || stats.CompletedNodes != 2 || stats.PercentComplete != 100 {
		t.Fatalf("stats = %+v", stats)
	}

	logs, err := r.eng.GetExecutionLogs(context.Background(), resp.ExecutionID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) == 0 {
		t.Fatal("no execution logs recorded")
	}
	foundStart := false
	for _, entry := range logs {
		if entry.Message == "node started" {
			foundStart = true
		}
	}
	if !foundStart {
		t.Fatalf("logs = %v", logs)
	}

	paged, err := r.eng.GetExecutionLogs(context.Background(), resp.ExecutionID, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 1 {
		t.Fatalf("paged logs = %d, want 1", len(paged))
	}
}

func TestManualNodeInvocationForbiddenWhileRunning(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-manual", Name: "manual", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf)

	started := make(chan struct{}, 1)
	r.runner.handle("prog-a", func(ctx context.Context, _ *workflow.RunRequest) (*workflow.RunResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	<-started

	_, err = r.eng.ExecuteNode(context.Background(), resp.ExecutionID, "a")
	if facadeKind(t, err) != KindInvalidState {
		t.Fatalf("kind = %s, want InvalidState", facadeKind(t, err))
	}

	r.eng.Cancel(context.Background(), resp.ExecutionID)
	waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCancelled)
}

func TestFailOrphanedExecutions(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-orphan", Name: "orphan", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf)

	// A Running record with no live session, as left behind by a crash.
	orphan := newExecutionRecord("orphan-exec", wf, testContext(), testUser)
	orphan.Status = workflow.ExecutionRunning
	if err := r.store.CreateExecution(context.Background(), orphan); err != nil {
		t.Fatal(err)
	}

	count, err := r.eng.FailOrphanedExecutions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("orphans failed = %d, want 1", count)
	}

	exec, _ := r.eng.GetExecutionStatus(context.Background(), "orphan-exec")
	if exec.Status != workflow.ExecutionFailed {
		t.Fatalf("status = %s, want Failed", exec.Status)
	}
	if exec.Error == nil || exec.Error.Type != workflow.ErrSystem {
		t.Fatalf("error = %+v", exec.Error)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-shutdown", Name: "shutdown", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.eng.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if facadeKind(t, err) != KindInvalidState {
		t.Fatalf("kind = %s, want InvalidState", facadeKind(t, err))
	}
	if !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("err = %v, want ErrEngineClosed cause", err)
	}
}

func TestCleanupExecution(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-cleanup", Name: "cleanup", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	r := newRig(t, wf)

	resp, err := r.eng.Execute(context.Background(), wf.ID, testContext(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, r.eng, resp.ExecutionID, workflow.ExecutionCompleted)

	if err := r.eng.CleanupExecution(context.Background(), resp.ExecutionID); err != nil {
		t.Fatal(err)
	}

	// The durable record survives cleanup.
	if _, err := r.eng.GetExecutionStatus(context.Background(), resp.ExecutionID); err != nil {
		t.Fatal(err)
	}
}
