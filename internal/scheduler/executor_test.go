package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestExecutorRunsOneTaskAtATime(t *testing.T) {
	exec := New(0, zaptest.NewLogger(t))
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	for i := 0; i < 8; i++ {
		exec.Spawn(ctx, "worker", func(ctx context.Context) error {
			for j := 0; j < 200; j++ {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				inside.Add(-1)
				Yield(ctx)
			}
			return nil
		})
	}
	exec.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, uint64(8), exec.Stats().Spawned)
	assert.Equal(t, int64(0), exec.Stats().Running)
}

func TestExecutorRecoversPanics(t *testing.T) {
	exec := New(3, zaptest.NewLogger(t))
	task := exec.Spawn(context.Background(), "boom", func(ctx context.Context) error {
		panic("kaboom")
	})
	<-task.Done()

	var perr *PanicError
	require.True(t, errors.As(task.Err(), &perr))
	assert.Equal(t, "boom", perr.Task)
	assert.Equal(t, "kaboom", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.Equal(t, uint64(1), exec.Stats().Panics)

	// the baton was handed back
	ok := exec.Spawn(context.Background(), "after", func(ctx context.Context) error { return nil })
	require.NoError(t, ok.Wait(context.Background()))
}

func TestBlockingReleasesTheBaton(t *testing.T) {
	exec := New(0, zaptest.NewLogger(t))
	ctx := context.Background()

	release := make(chan struct{})
	var ran atomic.Bool

	blocker := exec.Spawn(ctx, "io", func(ctx context.Context) error {
		return Blocking(ctx, func() error {
			<-release
			return nil
		})
	})
	other := exec.Spawn(ctx, "other", func(ctx context.Context) error {
		ran.Store(true)
		close(release)
		return nil
	})

	require.NoError(t, other.Wait(ctx))
	require.NoError(t, blocker.Wait(ctx))
	assert.True(t, ran.Load())
}

func TestTaskContextCarriesExecutor(t *testing.T) {
	exec := New(2, zaptest.NewLogger(t))
	task := exec.Spawn(context.Background(), "lookup", func(ctx context.Context) error {
		got, ok := FromContext(ctx)
		if !ok || got.ID() != 2 {
			return errors.New("executor missing from task context")
		}
		if _, ok := FromContext(Detach(ctx)); ok {
			return errors.New("detached context still bound to the task")
		}
		return nil
	})
	require.NoError(t, task.Wait(context.Background()))

	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}

func TestTaskWaitHonoursContext(t *testing.T) {
	exec := New(0, zaptest.NewLogger(t))
	stop := make(chan struct{})
	task := exec.Spawn(context.Background(), "sleeper", func(ctx context.Context) error {
		Suspend(ctx, func() { <-stop })
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), context.DeadlineExceeded)

	close(stop)
	require.NoError(t, task.Wait(context.Background()))
}

func TestPool(t *testing.T) {
	_, err := NewPool(0, nil)
	require.Error(t, err)

	p, err := NewPool(4, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 4, p.Size())
	for i := 0; i < p.Size(); i++ {
		assert.Equal(t, i, p.Get(i).ID())
	}
	assert.Len(t, p.Stats(), 4)
}
