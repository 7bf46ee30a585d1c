package engine

import (
	"sync"

	"github.com/roach88/pulse/internal/model"
)

// partitionQueue is a thread-safe FIFO of partitions with pending work.
//
// A partition is queued at most once: notifying a partition already waiting
// is a no-op, since one pass serves all its records.
//
// The queue uses a channel for signaling so the scheduler can wait with
// select on its context and poll timer.
type partitionQueue struct {
	mu     sync.Mutex
	items  []model.Partition
	queued map[model.Partition]bool
	closed bool
	signal chan struct{} // buffered, size 1
}

func newPartitionQueue() *partitionQueue {
	return &partitionQueue{
		items:  make([]model.Partition, 0, 16),
		queued: make(map[model.Partition]bool),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds p at the back unless it is already queued.
// Returns false if the queue is closed.
func (q *partitionQueue) Enqueue(p model.Partition) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if !q.queued[p] {
		q.queued[p] = true
		q.items = append(q.items, p)
	}

	// Buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front partition without blocking.
func (q *partitionQueue) TryDequeue() (model.Partition, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return model.Partition{}, false
	}
	p := q.items[0]
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	delete(q.queued, p)
	return p, true
}

// DrainAll removes and returns every queued partition in FIFO order.
func (q *partitionQueue) DrainAll() []model.Partition {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.Partition, len(q.items))
	copy(out, q.items)
	q.items = q.items[:0]
	clear(q.queued)
	return out
}

// Wait returns a channel that signals when partitions may be available.
func (q *partitionQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued partitions.
func (q *partitionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes waiters; later Enqueue calls return false.
func (q *partitionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
