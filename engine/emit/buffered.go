package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, keyed by
// execution id. It backs tests and the server's execution history endpoint.
//
// Warning: events are retained until cleared. For long-lived processes call
// Clear after an execution finalizes.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects a subset of an execution's events. All fields are
// optional and combine with AND semantics.
type HistoryFilter struct {
	NodeID string
	Msg    string
	Level  Level
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to the execution's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// History returns a snapshot of all events recorded for an execution, in
// emission order.
func (b *BufferedEmitter) History(executionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src := b.events[executionID]
	out := make([]Event, len(src))
	copy(out, src)
	return out
}

// HistoryWithFilter returns the events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(executionID string, f HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.events[executionID] {
		if f.NodeID != "" && ev.NodeID != f.NodeID {
			continue
		}
		if f.Msg != "" && ev.Msg != f.Msg {
			continue
		}
		if f.Level != "" && ev.Level != f.Level {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Count returns the number of events recorded for an execution.
func (b *BufferedEmitter) Count(executionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events[executionID])
}

// Clear drops the history of one execution.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, executionID)
}

// ClearAll drops all recorded events.
func (b *BufferedEmitter) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = make(map[string][]Event)
}
