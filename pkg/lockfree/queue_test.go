package lockfree

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOAndBounds(t *testing.T) {
	q := NewQueue[int](5)
	assert.Equal(t, 5, q.Cap())

	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(i))
	}
	assert.False(t, q.Enqueue(99), "queue must respect the configured capacity, not the ring size")
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Dequeue()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestQueueWrapsAround(t *testing.T) {
	q := NewQueue[string](2)
	for round := 0; round < 10; round++ {
		require.True(t, q.Enqueue("a"))
		require.True(t, q.Enqueue("b"))
		v, _ := q.Dequeue()
		assert.Equal(t, "a", v)
		v, _ = q.Dequeue()
		assert.Equal(t, "b", v)
	}
}

func TestQueueConcurrentProducersPreserveOrder(t *testing.T) {
	const producers = 4
	const perProducer = 5000

	type item struct{ producer, seq int }
	q := NewQueue[item](64)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !q.Enqueue(item{p, i}) {
				}
			}
		}(p)
	}

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	received := 0
	for received < producers*perProducer {
		v, ok := q.Dequeue()
		if !ok {
			continue
		}
		require.Equal(t, last[v.producer]+1, v.seq)
		last[v.producer] = v.seq
		received++
	}
	wg.Wait()
}

func TestQueueStalePositionIsNotFull(t *testing.T) {
	q := NewQueue[int](4)
	// a producer that loaded pos=7 before others advanced dequeue to 8
	assert.False(t, q.atLimit(7, 8))
	assert.False(t, q.atLimit(10, 7))
	assert.True(t, q.atLimit(11, 7))
	assert.True(t, q.atLimit(^uint64(0), ^uint64(0)-4))
}

func TestQueueNeverReportsFullBelowCapacity(t *testing.T) {
	const producers = 4
	const perProducer = 2000

	// room for everything, so every Enqueue must succeed even while the
	// consumer races ahead of stale producer positions
	q := NewQueue[int](producers * perProducer)

	var wg sync.WaitGroup
	var mu sync.Mutex
	rejected := 0
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if !q.Enqueue(i) {
					mu.Lock()
					rejected++
					mu.Unlock()
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		if _, ok := q.Dequeue(); ok {
			continue
		}
		select {
		case <-done:
			for {
				if _, ok := q.Dequeue(); !ok {
					break
				}
			}
			assert.Zero(t, rejected)
			assert.Zero(t, q.Len())
			return
		default:
		}
	}
}
