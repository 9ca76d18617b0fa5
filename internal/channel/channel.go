// Package channel provides the bounded data channels that connect node output
// ports to downstream inputs, and the unbounded control inbox every node owns.
//
// A channel has one Receiver and any number of Senders. Send suspends the
// calling task while the channel is full; Recv suspends while it is empty and
// reports ErrClosed once every sender has closed and the queue is drained.
// Nothing is ever dropped by the channel itself.
package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ajitpratap0/dfengine/internal/scheduler"
	"github.com/ajitpratap0/dfengine/pkg/lockfree"
)

var (
	// ErrClosed is returned by Send when the receiver is gone and by Recv when
	// every sender is gone and the queue is empty
	ErrClosed = errors.New("channel closed")
	// ErrFull is returned by TrySend when the channel is at capacity
	ErrFull = errors.New("channel full")
	// ErrEmpty is returned by TryRecv when nothing is queued
	ErrEmpty = errors.New("channel empty")
)

// Mode is the transport used by a channel
type Mode int

const (
	// Local channels connect two tasks of the same executor. The queue is not
	// synchronized; the executor baton orders every access.
	Local Mode = iota
	// Shared channels cross executors and use a lock-free queue
	Shared
)

func (m Mode) String() string {
	switch m {
	case Local:
		return "local"
	case Shared:
		return "shared"
	default:
		return "unknown"
	}
}

type queue[T any] interface {
	push(v T) bool
	pop() (T, bool)
	size() int
}

type state[T any] struct {
	q        queue[T]
	mode     Mode
	capacity int

	senders  atomic.Int32
	rxClosed atomic.Bool

	notEmpty  chan struct{}
	notFull   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a channel of the given capacity and returns its first sender
// and its receiver
func New[T any](capacity int, mode Mode) (*Sender[T], *Receiver[T]) {
	if capacity < 1 {
		capacity = 1
	}
	st := &state[T]{
		mode:     mode,
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	if mode == Shared {
		st.q = &sharedQueue[T]{q: lockfree.NewQueue[T](capacity)}
	} else {
		st.q = newRing[T](capacity)
	}
	st.senders.Store(1)
	return &Sender[T]{st: st}, &Receiver[T]{st: st}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Sender is the writing half of a channel. Every sender must be closed; the
// receiver observes ErrClosed once the last one is.
type Sender[T any] struct {
	st     *state[T]
	closed atomic.Bool
}

// Send enqueues v, suspending the calling task while the channel is full
func (s *Sender[T]) Send(ctx context.Context, v T) error {
	st := s.st
	waited := false
	for {
		if st.rxClosed.Load() {
			return ErrClosed
		}
		if st.q.push(v) {
			signal(st.notEmpty)
			if waited && st.q.size() < st.capacity {
				// pass the wake-up on to the next blocked sender
				signal(st.notFull)
			}
			return nil
		}

		var err error
		scheduler.Suspend(ctx, func() {
			select {
			case <-st.notFull:
			case <-st.closed:
			case <-ctx.Done():
				err = ctx.Err()
			}
		})
		if err != nil {
			return err
		}
		waited = true
	}
}

// TrySend enqueues v without waiting
func (s *Sender[T]) TrySend(v T) error {
	if s.st.rxClosed.Load() {
		return ErrClosed
	}
	if !s.st.q.push(v) {
		return ErrFull
	}
	signal(s.st.notEmpty)
	return nil
}

// Clone returns a new sender for the same channel
func (s *Sender[T]) Clone() *Sender[T] {
	s.st.senders.Add(1)
	return &Sender[T]{st: s.st}
}

// Close releases this sender. Closing twice is a no-op.
func (s *Sender[T]) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.st.senders.Add(-1) == 0 {
		signal(s.st.notEmpty)
	}
}

// Done is closed when the receiver has been closed
func (s *Sender[T]) Done() <-chan struct{} {
	return s.st.closed
}

// Mode returns the channel transport
func (s *Sender[T]) Mode() Mode {
	return s.st.mode
}

// Receiver is the reading half of a channel. It must be used by a single task.
type Receiver[T any] struct {
	st *state[T]
}

// Recv dequeues the next value, suspending while the channel is empty
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	for {
		v, err := r.TryRecv()
		if !errors.Is(err, ErrEmpty) {
			return v, err
		}

		scheduler.Suspend(ctx, func() {
			select {
			case <-r.st.notEmpty:
			case <-ctx.Done():
				err = ctx.Err()
			}
		})
		if !errors.Is(err, ErrEmpty) {
			var zero T
			return zero, err
		}
	}
}

// TryRecv dequeues without waiting. It returns ErrEmpty when nothing is
// queued and ErrClosed when nothing is queued and every sender is closed.
func (r *Receiver[T]) TryRecv() (T, error) {
	st := r.st
	if v, ok := st.q.pop(); ok {
		signal(st.notFull)
		return v, nil
	}
	if st.senders.Load() == 0 {
		// a sender may have pushed right before closing
		if v, ok := st.q.pop(); ok {
			signal(st.notFull)
			return v, nil
		}
		var zero T
		return zero, ErrClosed
	}
	var zero T
	return zero, ErrEmpty
}

// Ready receives a token whenever a value was enqueued or the last sender
// closed. Callers drain with TryRecv after each token.
func (r *Receiver[T]) Ready() <-chan struct{} {
	return r.st.notEmpty
}

// Close detaches the receiver. Pending and future sends fail with ErrClosed.
func (r *Receiver[T]) Close() {
	r.st.closeOnce.Do(func() {
		r.st.rxClosed.Store(true)
		close(r.st.closed)
	})
}

// Drain removes and returns everything still queued. Used after Close so the
// owner can settle messages it will never process.
func (r *Receiver[T]) Drain() []T {
	var out []T
	for {
		v, ok := r.st.q.pop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Len returns the number of queued values
func (r *Receiver[T]) Len() int {
	return r.st.q.size()
}

// Cap returns the channel capacity
func (r *Receiver[T]) Cap() int {
	return r.st.capacity
}

// Mode returns the channel transport
func (r *Receiver[T]) Mode() Mode {
	return r.st.mode
}

// Senders returns the number of open senders
func (r *Receiver[T]) Senders() int {
	return int(r.st.senders.Load())
}

type sharedQueue[T any] struct {
	q *lockfree.Queue[T]
}

func (s *sharedQueue[T]) push(v T) bool  { return s.q.Enqueue(v) }
func (s *sharedQueue[T]) pop() (T, bool) { return s.q.Dequeue() }
func (s *sharedQueue[T]) size() int      { return s.q.Len() }

// ring is the unsynchronized queue behind Local channels. The count is atomic
// only so that status readers on other goroutines can call Len.
type ring[T any] struct {
	buf  []T
	head int
	n    atomic.Int64
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) bool {
	n := int(r.n.Load())
	if n == len(r.buf) {
		return false
	}
	r.buf[(r.head+n)%len(r.buf)] = v
	r.n.Add(1)
	return true
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.n.Load() == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.n.Add(-1)
	return v, true
}

func (r *ring[T]) size() int {
	return int(r.n.Load())
}
