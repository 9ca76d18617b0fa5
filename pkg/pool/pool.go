// Package pool provides type-safe object pooling for hot paths such as payload
// encoding. It wraps sync.Pool with a reset hook and usage counters.
//
// Example usage:
//
//	buffers := pool.New(
//	    func() *bytes.Buffer { return new(bytes.Buffer) },
//	    func(b *bytes.Buffer) { b.Reset() },
//	)
//	buf := buffers.Get()
//	defer buffers.Put(buf)
package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool is a generic object pool. It is safe for concurrent use.
//
// Pointer types are recommended for T so Put does not allocate.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)

	allocated atomic.Int64
	inUse     atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
}

// New creates a pool. reset is optional and runs before an object goes back
// into the pool.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.allocated.Add(1)
		p.misses.Add(1)
		return newFn()
	}
	return p
}

// Get takes an object from the pool, allocating when it is empty
func (p *Pool[T]) Get() T {
	before := p.misses.Load()
	obj := p.pool.Get().(T)
	if p.misses.Load() == before {
		p.hits.Add(1)
	}
	p.inUse.Add(1)
	return obj
}

// Put resets obj and returns it to the pool
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.inUse.Add(-1)
	p.pool.Put(obj)
}

// Stats is a snapshot of pool usage
type Stats struct {
	Allocated int64
	InUse     int64
	Hits      int64
	Misses    int64
}

// Stats returns the pool counters. Hits and misses are approximate under
// concurrent use.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Allocated: p.allocated.Load(),
		InUse:     p.inUse.Load(),
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
	}
}

// maxPooledBuffer keeps one oversized payload from pinning memory forever
const maxPooledBuffer = 4 << 20

// NewBufferPool returns a pool of bytes.Buffer. Buffers that grew beyond a few
// megabytes are dropped instead of being reused.
func NewBufferPool() *Pool[*bytes.Buffer] {
	return New(
		func() *bytes.Buffer { return new(bytes.Buffer) },
		func(b *bytes.Buffer) {
			if b.Cap() > maxPooledBuffer {
				*b = bytes.Buffer{}
				return
			}
			b.Reset()
		},
	)
}
