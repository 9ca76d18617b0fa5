// Package lockfree provides lock-free data structures for cross-core message passing
package lockfree

import (
	"runtime"
	"sync/atomic"
)

// Queue implements a bounded lock-free multi-producer multi-consumer queue
// using per-slot sequence numbers for ordering and cache-line padding to
// avoid false sharing. Items enqueued by one producer are dequeued in the
// order that producer enqueued them.
type Queue[T any] struct {
	buffer []slot[T]
	mask   uint64
	limit  uint64

	// Separate enqueue and dequeue indices on different cache lines
	enqueuePos atomic.Uint64
	_padding1  [7]uint64 //nolint:unused

	dequeuePos atomic.Uint64
	_padding2  [7]uint64 //nolint:unused
}

// slot represents a queue slot with sequence number for ordering
type slot[T any] struct {
	sequence atomic.Uint64
	data     T
}

// NewQueue creates a queue holding at most capacity items. The ring is sized to
// the next power of 2 for efficient masking; the extra slots are never used.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}

	// Round up to next power of 2
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}

	q := &Queue[T]{
		buffer: make([]slot[T], size),
		mask:   size - 1,
		limit:  uint64(capacity),
	}

	// Initialize sequence numbers
	for i := uint64(0); i < size; i++ {
		q.buffer[i].sequence.Store(i)
	}

	return q
}

// Enqueue adds an item to the queue.
// Returns false if the queue is full. Safe for concurrent producers.
func (q *Queue[T]) Enqueue(item T) bool {
	for {
		pos := q.enqueuePos.Load()
		if q.atLimit(pos, q.dequeuePos.Load()) {
			return false
		}

		slot := &q.buffer[pos&q.mask]
		seq := slot.sequence.Load()
		diff := int64(seq) - int64(pos)

		if diff == 0 {
			// Slot is ready for enqueue
			if q.enqueuePos.CompareAndSwap(pos, pos+1) {
				slot.data = item
				slot.sequence.Store(pos + 1)
				return true
			}
		} else if diff < 0 {
			// Ring is full
			return false
		}

		// Another producer moved the cursor, retry
		runtime.Gosched()
	}
}

// atLimit reports whether enqueueing at pos would exceed the configured
// capacity. pos may be stale and already behind deq, which is not full.
func (q *Queue[T]) atLimit(pos, deq uint64) bool {
	return int64(pos-deq) >= int64(q.limit)
}

// Dequeue removes the oldest item from the queue.
// Returns the zero value and false if the queue is empty. Safe for concurrent consumers.
func (q *Queue[T]) Dequeue() (T, bool) {
	var zero T
	for {
		pos := q.dequeuePos.Load()
		slot := &q.buffer[pos&q.mask]
		seq := slot.sequence.Load()

		diff := int64(seq) - int64(pos+1)

		if diff == 0 {
			// Slot is ready for dequeue
			if q.dequeuePos.CompareAndSwap(pos, pos+1) {
				item := slot.data
				slot.data = zero
				slot.sequence.Store(pos + q.mask + 1)
				return item, true
			}
		} else if diff < 0 {
			// Queue is empty
			return zero, false
		}

		// Slot not ready yet, retry
		runtime.Gosched()
	}
}

// Len returns the current number of items in the queue.
// This is an approximation in concurrent scenarios.
func (q *Queue[T]) Len() int {
	enq := q.enqueuePos.Load()
	deq := q.dequeuePos.Load()
	if enq <= deq {
		return 0
	}
	return int(enq - deq)
}

// Cap returns the maximum number of items the queue holds
func (q *Queue[T]) Cap() int {
	return int(q.limit)
}
