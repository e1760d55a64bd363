// Package emit provides pluggable observability for workflow execution:
// an Event type describing status transitions, and Emitter implementations
// for logging (zerolog), in-memory capture, OpenTelemetry spans, and
// discarding.
package emit

// Emitter receives observability events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: never slow down the scheduler
//   - Thread-safe: events arrive concurrently from many node tasks
//   - Resilient: an emitter failure must not fail the workflow
//
// Emit must not panic; internal errors should be swallowed or logged.
type Emitter interface {
	Emit(event Event)
}

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// Emit sends the event to every wrapped emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
