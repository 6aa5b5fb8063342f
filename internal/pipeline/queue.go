package pipeline

import (
	"context"
	"sync"
)

// fragmentQueue is an unbounded FIFO between the producer and the synthesis
// task. Push never blocks; Pop blocks until an item arrives, the queue is
// closed or aborted, or ctx ends.
type fragmentQueue struct {
	mu      sync.Mutex
	items   []string
	closed  bool
	aborted bool
	notify  chan struct{}
}

func newFragmentQueue() *fragmentQueue {
	return &fragmentQueue{notify: make(chan struct{}, 1)}
}

func (q *fragmentQueue) Push(fragment string) {
	q.mu.Lock()
	if q.closed || q.aborted {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fragment)
	q.mu.Unlock()
	q.signal()
}

// Close marks the end of input. Items already queued are still delivered.
func (q *fragmentQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Abort ends the queue and discards anything not yet popped.
func (q *fragmentQueue) Abort() {
	q.mu.Lock()
	q.aborted = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

func (q *fragmentQueue) Aborted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted
}

func (q *fragmentQueue) Pop(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if q.aborted {
			q.mu.Unlock()
			return "", false
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		if q.closed {
			q.mu.Unlock()
			return "", false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return "", false
		}
	}
}

func (q *fragmentQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
