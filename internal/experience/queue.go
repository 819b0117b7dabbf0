package experience

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type appendTask struct {
	id         uuid.UUID
	trajectory []Sample

	// done marks a flush barrier instead of an append
	done chan struct{}
}

// appendQueue is a bounded FIFO served by a single worker goroutine, so
// deferred appends are applied one at a time in submission order.
type appendQueue struct {
	tasks   chan appendTask
	apply   func(appendTask)
	pending atomic.Int64

	// mu orders sends against close
	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
}

func newAppendQueue(size int, apply func(appendTask)) *appendQueue {
	q := &appendQueue{
		tasks:   make(chan appendTask, size),
		apply:   apply,
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *appendQueue) run() {
	defer close(q.stopped)
	for task := range q.tasks {
		if task.done != nil {
			close(task.done)
			continue
		}
		q.apply(task)
		q.pending.Add(-1)
	}
}

// submit enqueues without blocking.
func (q *appendQueue) submit(trajectory []Sample) (uuid.UUID, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return uuid.Nil, ErrClosed
	}

	task := appendTask{id: uuid.New(), trajectory: trajectory}
	q.pending.Add(1)
	select {
	case q.tasks <- task:
		return task.id, nil
	default:
		q.pending.Add(-1)
		return uuid.Nil, ErrQueueFull
	}
}

// flush waits for every task queued before it.
func (q *appendQueue) flush(ctx context.Context) error {
	done := make(chan struct{})

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	select {
	case q.tasks <- appendTask{done: done}:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops intake and waits for the worker to drain what is queued.
func (q *appendQueue) close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	select {
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
