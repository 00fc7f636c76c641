package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

// QueueOption customises a Queue.
type QueueOption func(*Queue)

// WithCheckpointFunc is called from the consumer loop every time the
// checkpoint advances.
func WithCheckpointFunc(fn func(Position)) QueueOption {
	return func(q *Queue) {
		q.onCheckpoint = fn
	}
}

// WithDepthFunc is called with the queue depth after every change.
func WithDepthFunc(fn func(int)) QueueOption {
	return func(q *Queue) {
		q.onDepth = fn
	}
}

// WithCompletionFunc is called from the consumer loop, in enqueue order, for
// every item that ran to completion.
func WithCompletionFunc(fn func(*WorkItem)) QueueOption {
	return func(q *Queue) {
		q.onComplete = fn
	}
}

// Queue is a single-consumer FIFO of work items. Items may run concurrently
// but are awaited in enqueue order, so the checkpoint only ever covers a
// prefix of completed deliveries.
type Queue struct {
	name string
	sem  *semaphore.Weighted

	mu       sync.Mutex
	pending  []*WorkItem
	stopping bool

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	finished  chan struct{}
	runOnce   sync.Once

	depth      atomic.Int64
	frozen     atomic.Bool
	checkpoint atomic.Pointer[Position]

	onCheckpoint func(Position)
	onDepth      func(int)
	onComplete   func(*WorkItem)
}

// NewQueue creates a queue holding at most capacity unfinished items;
// capacity <= 0 means unbounded.
func NewQueue(name string, capacity int, opts ...QueueOption) *Queue {
	q := &Queue{
		name:     name,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
		finished: make(chan struct{}),
	}
	if capacity > 0 {
		q.sem = semaphore.NewWeighted(int64(capacity))
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Name identifies the queue in logs and metrics.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue appends item, blocking while the queue is full. It never drops:
// it either accepts the item or returns ErrQueueStopped or the context error.
func (q *Queue) Enqueue(ctx context.Context, item *WorkItem) error {
	if q.isStopping() {
		return errspkg.ErrQueueStopped
	}
	if err := q.acquire(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		q.release()
		return errspkg.ErrQueueStopped
	}
	q.pending = append(q.pending, item)
	q.mu.Unlock()

	q.reportDepth(q.depth.Add(1))
	q.signal()
	return nil
}

func (q *Queue) acquire(ctx context.Context) error {
	if q.sem == nil || q.sem.TryAcquire(1) {
		return nil
	}
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.closed:
			cancel()
		case <-acquireCtx.Done():
		}
	}()
	if err := q.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errspkg.ErrQueueStopped
	}
	return nil
}

func (q *Queue) release() {
	if q.sem != nil {
		q.sem.Release(1)
	}
}

// Run is the consumer loop. It must be running for Stop to return; calling
// it more than once is a no-op.
func (q *Queue) Run() {
	q.runOnce.Do(q.run)
}

func (q *Queue) run() {
	defer close(q.finished)
	for {
		item, ok := q.next()
		if !ok {
			return
		}
		item.Start()
		<-item.Done()

		if item.State() == Completed {
			if !q.frozen.Load() {
				pos := item.Position()
				q.checkpoint.Store(&pos)
				if q.onCheckpoint != nil {
					q.onCheckpoint(pos)
				}
			}
			if q.onComplete != nil {
				q.onComplete(item)
			}
		}
		q.release()
		q.reportDepth(q.depth.Add(-1))
	}
}

func (q *Queue) next() (*WorkItem, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			item := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return item, true
		}
		stopping := q.stopping
		q.mu.Unlock()

		if stopping {
			return nil, false
		}
		<-q.notify
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) isStopping() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopping
}

func (q *Queue) markStopping() {
	q.mu.Lock()
	q.stopping = true
	q.mu.Unlock()
	q.closeOnce.Do(func() { close(q.closed) })
	q.signal()
}

// Stop refuses new items and returns once everything already enqueued has
// completed, or when ctx ends.
func (q *Queue) Stop(ctx context.Context) error {
	q.markStopping()
	select {
	case <-q.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abandon is used when ownership is lost. The checkpoint stops moving,
// items that have not started are cancelled and new items are refused. It
// returns without waiting for started items; the consumer loop exits once
// they finish, which Done reports.
func (q *Queue) Abandon() {
	q.frozen.Store(true)

	q.mu.Lock()
	for _, item := range q.pending {
		item.Cancel()
	}
	q.mu.Unlock()

	q.markStopping()
}

// Done is closed when the consumer loop has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.finished
}

// Checkpoint returns the position of the last item completed in order.
func (q *Queue) Checkpoint() (Position, bool) {
	pos := q.checkpoint.Load()
	if pos == nil {
		return Position{}, false
	}
	return *pos, true
}

// Len returns the number of items enqueued and not yet completed.
func (q *Queue) Len() int {
	return int(q.depth.Load())
}

func (q *Queue) reportDepth(n int64) {
	if q.onDepth != nil {
		q.onDepth(int(n))
	}
}
