// Package queue implements the in-memory work queue that sits between the
// receiver sources and the persistence paths.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"procodus.dev/sensor-ingest/pkg/reading"
)

// WorkQueue is an unbounded, thread-safe FIFO of readings.
//
// Every removal (Pop, TryPop, Drain) happens under the same mutex, so an item
// is handed out at most once and always in arrival order.
type WorkQueue struct {
	mu      sync.Mutex
	backlog []reading.Reading
	notify  chan struct{}

	pushed atomic.Uint64
	popped atomic.Uint64
}

// New creates an empty queue.
func New() *WorkQueue {
	return &WorkQueue{
		notify: make(chan struct{}, 1),
	}
}

// Push appends r to the tail of the queue. It never blocks on consumers.
func (q *WorkQueue) Push(r reading.Reading) {
	q.mu.Lock()
	q.backlog = append(q.backlog, r)
	q.mu.Unlock()
	q.pushed.Add(1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes the head of the queue if there is one.
func (q *WorkQueue) TryPop() (reading.Reading, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.backlog) == 0 {
		return reading.Reading{}, false
	}

	r := q.backlog[0]
	q.backlog[0] = reading.Reading{}
	q.backlog = q.backlog[1:]
	if len(q.backlog) == 0 {
		q.backlog = nil
	}
	q.popped.Add(1)
	return r, true
}

// Pop blocks until an item is available or ctx is done.
func (q *WorkQueue) Pop(ctx context.Context) (reading.Reading, error) {
	for {
		if r, ok := q.TryPop(); ok {
			q.rearm()
			return r, nil
		}

		select {
		case <-ctx.Done():
			return reading.Reading{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// rearm re-signals waiters when items remain after a pop, since one notify
// may stand for several pushes.
func (q *WorkQueue) rearm() {
	if q.Len() == 0 {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns everything currently queued, oldest first.
func (q *WorkQueue) Drain() []reading.Reading {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.backlog
	q.backlog = nil
	q.popped.Add(uint64(len(items)))
	return items
}

// Len returns the number of queued items.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Stats returns how many items were ever pushed and removed.
func (q *WorkQueue) Stats() (pushed, popped uint64) {
	return q.pushed.Load(), q.popped.Load()
}
