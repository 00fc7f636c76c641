package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Func is the body of a work item.
type Func func(ctx context.Context) Outcome

// WorkItem is one delivery. Its body runs at most once, in its own goroutine,
// and completion is always signalled through Done.
type WorkItem struct {
	ctx      context.Context
	pos      Position
	fn       Func
	state    atomic.Int32
	outcome  atomic.Int32
	panicked atomic.Value
	done     chan struct{}
}

// NewWorkItem wraps fn. The body runs with a context detached from ctx's
// cancellation so a shutting-down poller does not abort in-flight handlers.
func NewWorkItem(ctx context.Context, pos Position, fn Func) *WorkItem {
	if ctx == nil {
		ctx = context.Background()
	}
	return &WorkItem{
		ctx:  context.WithoutCancel(ctx),
		pos:  pos,
		fn:   fn,
		done: make(chan struct{}),
	}
}

// Position returns where the delivery came from.
func (w *WorkItem) Position() Position {
	return w.pos
}

// State returns the current lifecycle state.
func (w *WorkItem) State() State {
	return State(w.state.Load())
}

// Start launches the body. Concurrent and repeated calls start it once; a
// cancelled item never starts.
func (w *WorkItem) Start() {
	if !w.state.CompareAndSwap(int32(Received), int32(Started)) {
		return
	}
	go w.run()
}

// Cancel prevents an item that has not started from ever running. It
// reports whether the item was cancelled.
func (w *WorkItem) Cancel() bool {
	if !w.state.CompareAndSwap(int32(Received), int32(Cancelled)) {
		return false
	}
	w.outcome.Store(int32(Failed))
	close(w.done)
	return true
}

// Done is closed once the item completed or was cancelled.
func (w *WorkItem) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until Done or ctx ends.
func (w *WorkItem) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-w.done:
		return w.Outcome(), nil
	case <-ctx.Done():
		return Failed, ctx.Err()
	}
}

// Outcome is meaningful once Done is closed. Cancelled items report Failed.
func (w *WorkItem) Outcome() Outcome {
	return Outcome(w.outcome.Load())
}

// Panic returns the recovered panic value of the body, if any.
func (w *WorkItem) Panic() any {
	return w.panicked.Load()
}

func (w *WorkItem) run() {
	outcome := Failed
	defer func() {
		if r := recover(); r != nil {
			w.panicked.Store(fmt.Sprint(r))
			outcome = Failed
		}
		w.outcome.Store(int32(outcome))
		w.state.Store(int32(Completed))
		close(w.done)
	}()
	outcome = w.fn(w.ctx)
}
