// Package scheduler implements the per-core cooperative executors that drive
// node tasks. Each executor owns a baton; a task runs only while it holds the
// baton and hands it back at suspension points (channel waits, timers, control
// waits, blocking I/O and periodic yields). Plugin code running between two
// suspension points therefore never races with another task on the same core.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// YieldEvery is the number of messages a node loop handles before it yields
// the baton to the other tasks of its executor.
const YieldEvery = 64

// Executor is a single-threaded cooperative task runtime bound to one core
type Executor struct {
	id     int
	baton  chan struct{}
	logger *zap.Logger

	wg       sync.WaitGroup
	running  atomic.Int64
	spawned  atomic.Uint64
	switches atomic.Uint64
	panics   atomic.Uint64
}

// Stats is a snapshot of executor counters
type Stats struct {
	Core     int    `json:"core"`
	Running  int64  `json:"running"`
	Spawned  uint64 `json:"spawned"`
	Switches uint64 `json:"switches"`
	Panics   uint64 `json:"panics"`
}

// New creates an executor for the given core index
func New(id int, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		id:     id,
		baton:  make(chan struct{}, 1),
		logger: logger.With(zap.String("component", "executor"), zap.Int("core", id)),
	}
}

// ID returns the core index of the executor
func (e *Executor) ID() int {
	return e.id
}

// acquire blocks until the calling goroutine holds the baton. Waiters are
// served in arrival order.
func (e *Executor) acquire() {
	e.baton <- struct{}{}
	e.switches.Add(1)
}

func (e *Executor) release() {
	<-e.baton
}

// Spawn starts fn as a task on the executor. The task's context carries the
// executor so that suspension helpers can release the baton while waiting.
// A panic inside fn is recovered and reported as a *PanicError.
func (e *Executor) Spawn(ctx context.Context, name string, fn func(ctx context.Context) error) *Task {
	t := &Task{
		name: name,
		exec: e,
		done: make(chan struct{}),
	}
	e.wg.Add(1)
	e.running.Add(1)
	e.spawned.Add(1)

	go func() {
		defer e.wg.Done()
		defer e.running.Add(-1)
		defer close(t.done)

		e.acquire()
		defer e.release()

		t.err = e.run(withTask(ctx, t), t, fn)
	}()
	return t
}

func (e *Executor) run(ctx context.Context, t *Task, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			err = &PanicError{Task: t.name, Value: r, Stack: debug.Stack()}
			e.logger.Error("task panicked",
				zap.String("task", t.name),
				zap.Any("panic", r))
		}
	}()
	return fn(ctx)
}

// Wait blocks until every task spawned on the executor has returned
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Stats returns a snapshot of the executor counters
func (e *Executor) Stats() Stats {
	return Stats{
		Core:     e.id,
		Running:  e.running.Load(),
		Spawned:  e.spawned.Load(),
		Switches: e.switches.Load(),
		Panics:   e.panics.Load(),
	}
}

// Task is a handle to a spawned task
type Task struct {
	name string
	exec *Executor
	done chan struct{}
	err  error
}

// Name returns the task name
func (t *Task) Name() string {
	return t.name
}

// Done is closed when the task returns
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task result. Only valid after Done is closed.
func (t *Task) Err() error {
	return t.err
}

// Wait blocks until the task returns or ctx is done. When called from inside
// another task the caller's baton is released for the duration of the wait.
func (t *Task) Wait(ctx context.Context) error {
	var err error
	Suspend(ctx, func() {
		select {
		case <-t.done:
			err = t.err
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// PanicError is the result of a task that panicked
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("task %q panicked: %v", p.Task, p.Value)
}

type taskKey struct{}

func withTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

func taskFrom(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

// FromContext returns the executor running the task that owns ctx
func FromContext(ctx context.Context) (*Executor, bool) {
	if t := taskFrom(ctx); t != nil {
		return t.exec, true
	}
	return nil, false
}

// Detach returns a context that no longer identifies the current task.
// Goroutines started from a task must use it so they never touch the baton.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, taskKey{}, (*Task)(nil))
}

// Suspend runs wait with the baton released. Outside of a task it simply
// calls wait.
func Suspend(ctx context.Context, wait func()) {
	t := taskFrom(ctx)
	if t == nil {
		wait()
		return
	}
	t.exec.release()
	defer t.exec.acquire()
	wait()
}

// Blocking runs a synchronous call, such as file or network I/O, without
// stalling the other tasks of the executor.
func Blocking(ctx context.Context, fn func() error) error {
	var err error
	Suspend(ctx, func() { err = fn() })
	return err
}

// Yield hands the baton to the next waiting task, if any
func Yield(ctx context.Context) {
	Suspend(ctx, runtime.Gosched)
}
