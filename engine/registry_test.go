package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/conductor-go/conductor/workflow"
)

func registrySession(executionID, workflowID string) *ExecutionSession {
	wf := &workflow.Workflow{ID: workflowID, Name: workflowID, Version: 1, Nodes: []*workflow.Node{testNode("a")}}
	return NewExecutionSession(context.Background(), executionID, wf, testContext())
}

func TestRegistryAdmission(t *testing.T) {
	r := NewSessionRegistry()

	first := registrySession("e1", "wf")
	if conflict, ok := r.TryAdmit(first); !ok {
		t.Fatalf("first admission failed with conflict %s", conflict)
	}

	conflict, ok := r.TryAdmit(registrySession("e2", "wf"))
	if ok {
		t.Fatal("second admission for the same workflow succeeded")
	}
	if conflict != "e1" {
		t.Fatalf("conflict = %s, want e1", conflict)
	}

	if _, ok := r.TryAdmit(registrySession("e3", "other")); !ok {
		t.Fatal("admission for a different workflow failed")
	}

	if r.Get("e1") != first {
		t.Fatal("Get returned wrong session")
	}
	if !r.IsRunning("wf") {
		t.Fatal("IsRunning = false")
	}
	if id, ok := r.RunningExecutionOf("wf"); !ok || id != "e1" {
		t.Fatalf("RunningExecutionOf = %s/%v", id, ok)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewSessionRegistry()
	r.TryAdmit(registrySession("e1", "wf"))

	r.Remove("e1")
	if r.Get("e1") != nil {
		t.Fatal("session survived removal")
	}
	if r.IsRunning("wf") {
		t.Fatal("workflow slot survived removal")
	}

	// A new execution can admit after removal.
	if _, ok := r.TryAdmit(registrySession("e2", "wf")); !ok {
		t.Fatal("re-admission after removal failed")
	}

	// Removing an unknown id is a no-op.
	r.Remove("ghost")
}

func TestRegistryConcurrentAdmission(t *testing.T) {
	r := NewSessionRegistry()

	const racers = 16
	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, ok := r.TryAdmit(registrySession(fmt.Sprintf("e%d", i), "wf")); ok {
				atomic.AddInt32(&admitted, 1)
			}
		}(i)
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("admitted = %d, want exactly 1", admitted)
	}
}
