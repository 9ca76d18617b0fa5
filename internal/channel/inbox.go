package channel

import (
	"context"
	"sync"

	"github.com/ajitpratap0/dfengine/internal/scheduler"
)

// Inbox is the unbounded control side channel of a node. Push never waits, so
// acknowledgements can always be delivered to an upstream node even while it
// is itself blocked sending downstream.
type Inbox[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool
	ready  chan struct{}
}

// NewInbox creates an empty inbox
func NewInbox[T any]() *Inbox[T] {
	return &Inbox[T]{ready: make(chan struct{}, 1)}
}

// Push appends v. It returns ErrClosed once the owner closed the inbox.
func (b *Inbox[T]) Push(v T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.items = append(b.items, v)
	b.mu.Unlock()
	signal(b.ready)
	return nil
}

// Pop removes the oldest item without waiting
func (b *Inbox[T]) Pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	if b.head == len(b.items) {
		return zero, false
	}
	v := b.items[b.head]
	b.items[b.head] = zero
	b.head++
	if b.head == len(b.items) {
		b.items = b.items[:0]
		b.head = 0
	}
	return v, true
}

// Recv waits for the next item. It returns ErrClosed when the inbox is closed
// and empty.
func (b *Inbox[T]) Recv(ctx context.Context) (T, error) {
	for {
		if v, ok := b.Pop(); ok {
			return v, nil
		}
		var zero T
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return zero, ErrClosed
		}

		var err error
		scheduler.Suspend(ctx, func() {
			select {
			case <-b.ready:
			case <-ctx.Done():
				err = ctx.Err()
			}
		})
		if err != nil {
			return zero, err
		}
	}
}

// Ready receives a token whenever an item is pushed
func (b *Inbox[T]) Ready() <-chan struct{} {
	return b.ready
}

// Close rejects further pushes. Items already queued stay poppable.
func (b *Inbox[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	signal(b.ready)
}

// Len returns the number of queued items
func (b *Inbox[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) - b.head
}
