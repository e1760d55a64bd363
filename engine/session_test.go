package engine

import (
	"context"
	"testing"
	"time"

	"github.com/conductor-go/conductor/workflow"
)

func latchClosed(s *ExecutionSession) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func TestSessionCompletionLatch(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf", Name: "wf", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b"), testNode("c")},
	}

	t.Run("closes when every enabled node is terminal", func(t *testing.T) {
		s := NewExecutionSession(context.Background(), "e1", wf, testContext())
		s.MarkCompleted("a", nil)
		s.MarkFailed("b")
		if latchClosed(s) {
			t.Fatal("latch closed early")
		}
		s.MarkSkipped("c")
		if !latchClosed(s) {
			t.Fatal("latch open after all nodes terminal")
		}
	})

	t.Run("waiting keeps the latch open", func(t *testing.T) {
		s := NewExecutionSession(context.Background(), "e2", wf, testContext())
		s.MarkCompleted("a", nil)
		s.MarkCompleted("b", nil)
		s.MarkWaiting("c")
		if latchClosed(s) {
			t.Fatal("latch closed with a waiting node")
		}
		if !s.HasWaitingNodes() {
			t.Fatal("HasWaitingNodes = false")
		}
		s.MarkCompleted("c", nil)
		if !latchClosed(s) {
			t.Fatal("latch open after waiting node completed")
		}
	})

	t.Run("disabled nodes do not count", func(t *testing.T) {
		wf2 := &workflow.Workflow{
			ID: "wf2", Name: "wf2", Version: 1,
			Nodes: []*workflow.Node{testNode("a"), testNode("off")},
		}
		wf2.Nodes[1].Disabled = true
		s := NewExecutionSession(context.Background(), "e3", wf2, testContext())
		s.MarkCompleted("a", nil)
		if !latchClosed(s) {
			t.Fatal("latch waits on a disabled node")
		}
	})
}

func TestSessionStatusSets(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf", Name: "wf", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	s := NewExecutionSession(context.Background(), "e1", wf, testContext())

	s.MarkRunning("a")
	if !s.IsRunning("a") || s.IsTerminal("a") {
		t.Fatal("running state wrong")
	}

	s.MarkWaiting("a")
	if s.IsRunning("a") || !s.IsWaiting("a") {
		t.Fatal("waiting state wrong")
	}

	out := workflow.NewDataContract("a", workflow.EngineTarget, workflow.Document{"k": "v"})
	s.MarkCompleted("a", out)
	if !s.IsTerminal("a") || !s.IsSatisfied("a") || s.IsWaiting("a") {
		t.Fatal("completed state wrong")
	}
	if s.NodeOutput("a").Payload["k"] != "v" {
		t.Fatal("output not stored")
	}

	s.ReopenNode("a")
	if s.IsTerminal("a") {
		t.Fatal("reopened node still terminal")
	}
}

func TestSessionFailedSatisfiesNothing(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf", Name: "wf", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	s := NewExecutionSession(context.Background(), "e1", wf, testContext())

	s.MarkFailed("a")
	if !s.IsTerminal("a") {
		t.Fatal("failed not terminal")
	}
	if s.IsSatisfied("a") {
		t.Fatal("failed node satisfies successors")
	}

	s.MarkSkipped("a")
	if !s.IsSatisfied("a") {
		t.Fatal("skipped node must satisfy successors")
	}
}

func TestSessionNodeSlots(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf", Name: "wf", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b")},
	}
	ec := testContext()
	ec.MaxConcurrentNodes = 1
	s := NewExecutionSession(context.Background(), "e1", wf, ec)

	if !s.AcquireNodeSlot(context.Background()) {
		t.Fatal("first acquire failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if s.AcquireNodeSlot(ctx) {
		t.Fatal("second acquire should block until cancellation")
	}

	s.ReleaseNodeSlot()
	if !s.AcquireNodeSlot(context.Background()) {
		t.Fatal("acquire after release failed")
	}
}

func TestSessionCancelAndReset(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf", Name: "wf", Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	s := NewExecutionSession(context.Background(), "e1", wf, testContext())

	s.Cancel(true)
	if s.Ctx().Err() == nil {
		t.Fatal("context not cancelled")
	}
	if !s.PauseRequested() {
		t.Fatal("pause flag not set")
	}

	s.ResetContext(context.Background())
	if s.Ctx().Err() != nil {
		t.Fatal("context not reset")
	}
	if s.PauseRequested() {
		t.Fatal("pause flag survived reset")
	}
}

func TestSessionSnapshot(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf", Name: "wf", Version: 1,
		Nodes: []*workflow.Node{testNode("a"), testNode("b"), testNode("c"), testNode("d")},
	}
	s := NewExecutionSession(context.Background(), "e1", wf, testContext())
	s.MarkCompleted("a", nil)
	s.MarkSkipped("b")
	s.MarkFailed("c")
	s.MarkRunning("d")

	p := s.Snapshot()
	if p.Total != 4 || p.Completed != 2 || p.Failed != 1 || p.Running != 1 {
		t.Fatalf("snapshot = %+v", p)
	}
	if p.Percent != 75 {
		t.Fatalf("percent = %.1f, want 75", p.Percent)
	}
}

func TestNodeLock(t *testing.T) {
	l := newNodeLock()
	if !l.TryLock() {
		t.Fatal("first TryLock failed")
	}
	if l.TryLock() {
		t.Fatal("second TryLock succeeded while held")
	}
	l.Unlock()
	if !l.TryLock() {
		t.Fatal("TryLock after Unlock failed")
	}
	// Unlocking an unheld lock must not panic or block.
	l.Unlock()
	l.Unlock()
}
