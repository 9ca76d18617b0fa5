package scheduler

import (
	"fmt"

	"go.uber.org/zap"
)

// Pool is the fixed set of executors, one per configured core
type Pool struct {
	executors []*Executor
}

// NewPool creates n executors
func NewPool(n int, logger *zap.Logger) (*Pool, error) {
	if n < 1 {
		return nil, fmt.Errorf("executor pool needs at least one core, got %d", n)
	}
	p := &Pool{executors: make([]*Executor, n)}
	for i := range p.executors {
		p.executors[i] = New(i, logger)
	}
	return p, nil
}

// Size returns the number of executors
func (p *Pool) Size() int {
	return len(p.executors)
}

// Get returns the executor of core i
func (p *Pool) Get(i int) *Executor {
	return p.executors[i]
}

// Wait blocks until every task of every executor has returned
func (p *Pool) Wait() {
	for _, e := range p.executors {
		e.Wait()
	}
}

// Stats returns per-core counters
func (p *Pool) Stats() []Stats {
	out := make([]Stats, len(p.executors))
	for i, e := range p.executors {
		out[i] = e.Stats()
	}
	return out
}
