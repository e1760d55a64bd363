package emit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func ev(executionID, nodeID, msg string, level Level) Event {
	return Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Level:       level,
		Msg:         msg,
		Time:        time.Now().UTC(),
	}
}

func TestBufferedEmitterHistory(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(ev("e1", "a", "node_started", LevelInfo))
	b.Emit(ev("e1", "a", "node_completed", LevelInfo))
	b.Emit(ev("e2", "x", "node_started", LevelInfo))

	h := b.History("e1")
	if len(h) != 2 {
		t.Fatalf("history = %d, want 2", len(h))
	}
	if h[0].Msg != "node_started" || h[1].Msg != "node_completed" {
		t.Fatalf("order = %s, %s", h[0].Msg, h[1].Msg)
	}
	if b.Count("e2") != 1 {
		t.Fatalf("Count(e2) = %d", b.Count("e2"))
	}
	if got := b.History("ghost"); len(got) != 0 {
		t.Fatalf("ghost history = %v", got)
	}

	// The returned slice is a snapshot.
	h[0].Msg = "mutated"
	if b.History("e1")[0].Msg != "node_started" {
		t.Fatal("History returned shared backing storage")
	}
}

func TestBufferedEmitterFilter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(ev("e1", "a", "node_started", LevelInfo))
	b.Emit(ev("e1", "a", "node_failed", LevelError))
	b.Emit(ev("e1", "b", "node_failed", LevelError))

	if got := b.HistoryWithFilter("e1", HistoryFilter{NodeID: "a"}); len(got) != 2 {
		t.Fatalf("by node = %d, want 2", len(got))
	}
	if got := b.HistoryWithFilter("e1", HistoryFilter{Msg: "node_failed"}); len(got) != 2 {
		t.Fatalf("by msg = %d, want 2", len(got))
	}
	if got := b.HistoryWithFilter("e1", HistoryFilter{NodeID: "b", Level: LevelError}); len(got) != 1 {
		t.Fatalf("combined = %d, want 1", len(got))
	}
	if got := b.HistoryWithFilter("e1", HistoryFilter{Level: LevelCritical}); len(got) != 0 {
		t.Fatalf("no match = %d, want 0", len(got))
	}
}

func TestBufferedEmitterClear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(ev("e1", "a", "node_started", LevelInfo))
	b.Emit(ev("e2", "a", "node_started", LevelInfo))

	b.Clear("e1")
	if b.Count("e1") != 0 || b.Count("e2") != 1 {
		t.Fatalf("counts = %d, %d", b.Count("e1"), b.Count("e2"))
	}

	b.ClearAll()
	if b.Count("e2") != 0 {
		t.Fatal("ClearAll left events behind")
	}
}

func TestBufferedEmitterConcurrent(t *testing.T) {
	b := NewBufferedEmitter()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("e%d", i%2)
			for j := 0; j < 50; j++ {
				b.Emit(ev(id, "a", "node_started", LevelInfo))
				b.History(id)
			}
		}(i)
	}
	wg.Wait()

	if total := b.Count("e0") + b.Count("e1"); total != 400 {
		t.Fatalf("total = %d, want 400", total)
	}
}
