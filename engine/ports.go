package engine

import (
	"context"
	"sync"

	"github.com/conductor-go/conductor/workflow"
)

// ProgramRunner executes a program in a sandbox and reports structured
// results. It is the external subsystem that actually runs user code; the
// engine only prepares requests and interprets results.
//
// Implementations must honor ctx cancellation by terminating the sandbox.
type ProgramRunner interface {
	Run(ctx context.Context, req *workflow.RunRequest) (*workflow.RunResult, error)
}

// FileStore fetches output-file bytes produced by program sandboxes. Files
// are addressed by owning program id and sandbox-relative path; the engine
// never stores file bytes itself.
type FileStore interface {
	// GetFileContent returns the bytes of one output file.
	GetFileContent(ctx context.Context, programID, versionRef, path string) ([]byte, error)
}

// NotificationSink receives UI interaction lifecycle notifications, pushed
// onward to connected clients by an external transport.
type NotificationSink interface {
	// InteractionCreated announces a new pending interaction.
	InteractionCreated(ctx context.Context, it *workflow.UIInteraction)

	// InteractionStatusChanged announces an interaction status transition.
	InteractionStatusChanged(ctx context.Context, it *workflow.UIInteraction, status workflow.InteractionStatus)
}

// nullNotifier discards all notifications.
type nullNotifier struct{}

func (nullNotifier) InteractionCreated(context.Context, *workflow.UIInteraction)                           {}
func (nullNotifier) InteractionStatusChanged(context.Context, *workflow.UIInteraction, workflow.InteractionStatus) {
}

// BackgroundQueue schedules work that must outlive the request that
// triggered it. Queued items receive a fresh context: they never borrow
// request-scoped state, only ids, and re-resolve live objects themselves.
type BackgroundQueue interface {
	// Queue schedules fn for asynchronous execution.
	Queue(fn func(ctx context.Context))
}

// GoQueue runs queued items on plain goroutines under a shared root context.
// It is the default BackgroundQueue.
type GoQueue struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGoQueue creates a GoQueue whose items run under a context derived from
// parent. Cancelling parent (or calling Close) cancels all running items.
func NewGoQueue(parent context.Context) *GoQueue {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &GoQueue{ctx: ctx, cancel: cancel}
}

// Queue implements BackgroundQueue.
func (q *GoQueue) Queue(fn func(ctx context.Context)) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		fn(q.ctx)
	}()
}

// Close cancels the queue context and waits for in-flight items.
func (q *GoQueue) Close() {
	q.cancel()
	q.wg.Wait()
}
