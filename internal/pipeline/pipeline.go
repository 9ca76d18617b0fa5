// Package pipeline runs compiled graphs: one task per node on its core's
// executor, the ack router that carries delivery outcomes back upstream, the
// per-pipeline controller (start, graceful shutdown, reload, status) and the
// engine that lays pipelines out over cores.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/internal/entity"
	"github.com/ajitpratap0/dfengine/internal/graph"
	"github.com/ajitpratap0/dfengine/internal/scheduler"
	"github.com/ajitpratap0/dfengine/internal/telemetry"
	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/logger"
	"github.com/ajitpratap0/dfengine/pkg/observability"
)

// ErrUnknownNode is returned by Reload for a name the pipeline does not have
var ErrUnknownNode = errors.New("unknown node")

// State is the pipeline-level lifecycle
type State uint32

const (
	StateAdmitted State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Options configures a pipeline
type Options struct {
	DrainTimeout time.Duration
	Pool         *scheduler.Pool
	Entities     *entity.Registry
	Emitter      *telemetry.Emitter
	Logger       *zap.Logger
	// RunID labels lifecycle events
	RunID string
}

// Event is one lifecycle transition kept for the status surface
type Event struct {
	Name   string    `json:"name"`
	Time   time.Time `json:"time"`
	Node   string    `json:"node,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// NodeFault names a node that faulted and why
type NodeFault struct {
	Node string
	Err  error
}

// Result is how a pipeline ended
type Result struct {
	Pipeline string
	Replica  int
	// Forced is set when the drain deadline cut work short
	Forced  bool
	Faulted []NodeFault
}

// Pipeline runs one graph
type Pipeline struct {
	name     string
	replica  int
	graph    *graph.Graph
	nodes    []*node
	pool     *scheduler.Pool
	entities *entity.Registry
	emitter  *telemetry.Emitter
	logger   *zap.Logger
	ent      entity.Entity
	ctx      context.Context

	drainTimeout time.Duration

	state   atomic.Uint32
	forced  atomic.Bool
	cancel  context.CancelFunc
	tasks   []*scheduler.Task
	ready   chan struct{}
	done    chan struct{}
	result  Result
	started atomic.Bool
	stopReq sync.Once

	mu     sync.Mutex
	events []Event
}

// New prepares a pipeline for g. Nodes are registered as entities but
// nothing runs until Start.
func New(g *graph.Graph, opts Options) (*Pipeline, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("pipeline %q: executor pool is required", g.Pipeline)
	}
	for _, c := range g.CoresUsed() {
		if c >= opts.Pool.Size() {
			return nil, fmt.Errorf("pipeline %q: node placed on core %d but the pool has %d executors", g.Pipeline, c, opts.Pool.Size())
		}
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = config.DefaultDrainTimeout
	}
	if opts.Entities == nil {
		opts.Entities = entity.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Emitter == nil {
		opts.Emitter = telemetry.New(opts.Logger)
	}

	p := &Pipeline{
		name:         g.Pipeline,
		replica:      g.Replica,
		graph:        g,
		pool:         opts.Pool,
		entities:     opts.Entities,
		emitter:      opts.Emitter,
		drainTimeout: opts.DrainTimeout,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	p.ent = p.entities.Register(entity.Entity{
		Kind:     entity.KindPipeline,
		Pipeline: g.Pipeline,
		Core:     g.Replica,
	})
	p.logger = opts.Logger.With(zap.String("component", "pipeline"), zap.String("pipeline", p.name), zap.Int("replica", p.replica))
	base := context.Background()
	if opts.RunID != "" {
		base = context.WithValue(base, logger.RunIDKey, opts.RunID)
	}
	p.ctx = entity.WithEntity(base, p.ent)

	p.nodes = make([]*node, len(g.Nodes))
	for _, gn := range g.Nodes {
		p.nodes[gn.ID] = newNode(p, gn)
	}
	p.event(EventAdmitted, "", nil)
	return p, nil
}

// Name returns the pipeline name
func (p *Pipeline) Name() string { return p.name }

// Replica returns the replica index
func (p *Pipeline) Replica() int { return p.replica }

// State returns the current lifecycle state
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Ready is closed once every node left the Starting phase
func (p *Pipeline) Ready() <-chan struct{} { return p.ready }

// Done is closed once every node is terminal
func (p *Pipeline) Done() <-chan struct{} { return p.done }

func (p *Pipeline) event(name, node string, err error) {
	ev := Event{Name: name, Time: time.Now(), Node: node}
	fields := []zap.Field{}
	if node != "" {
		fields = append(fields, zap.String("target_node", node))
	}
	if err != nil {
		ev.Reason = err.Error()
		fields = append(fields, zap.Error(err))
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	p.emitter.Event(p.ctx, name, fields...)
}

// Start spawns one task per node on the node's executor. It returns once the
// tasks are spawned; Ready reports when they all started.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline %q already started", p.name)
	}
	ctx, span := observability.StartSpan(ctx, "pipeline.start")
	defer span.End()
	span.SetAttribute("df_engine.pipeline", p.name)
	span.SetAttribute("df_engine.nodes", len(p.nodes))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.state.Store(uint32(StateRunning))

	for _, n := range p.nodes {
		exec := p.pool.Get(n.g.Core)
		p.tasks = append(p.tasks, exec.Spawn(runCtx, p.name+"/"+n.name(), n.run))
	}

	go p.watchReady()
	go p.watchDone()
	return nil
}

func (p *Pipeline) watchReady() {
	for _, n := range p.nodes {
		select {
		case <-n.started:
		case <-p.done:
			return
		}
	}
	p.event(EventReady, "", nil)
	close(p.ready)
}

func (p *Pipeline) watchDone() {
	res := Result{Pipeline: p.name, Replica: p.replica}
	for i, t := range p.tasks {
		<-t.Done()
		n := p.nodes[i]
		if err := t.Err(); err != nil {
			res.Faulted = append(res.Faulted, NodeFault{Node: n.name(), Err: err})
			p.event(EventFaulted, n.name(), err)
		}
		if n.forced.Load() {
			res.Forced = true
		}
	}
	p.cancel()
	if p.forced.Load() {
		res.Forced = true
	}
	if res.Forced {
		p.event(EventForced, "", nil)
	}
	p.result = res
	p.state.Store(uint32(StateStopped))
	p.graph.Close()
	p.event(EventDrained, "", nil)
	p.entities.Release(p.ent.ID)
	close(p.done)
}

// Shutdown asks every node to drain. Nodes stop on their own once their
// inputs closed and their deliveries settled; whatever is still running at
// the deadline is cancelled and the result marked forced. Shutdown returns
// immediately; use Wait for the result.
func (p *Pipeline) Shutdown(timeout time.Duration) {
	p.stopReq.Do(func() {
		if timeout <= 0 {
			timeout = p.drainTimeout
		}
		deadline := time.Now().Add(timeout)
		p.state.CompareAndSwap(uint32(StateRunning), uint32(StateDraining))
		p.event(EventShutdownRequested, "", nil)
		for _, n := range p.nodes {
			_ = n.inbox.Push(core.ShutdownMsg(deadline))
		}

		go func() {
			t := time.NewTimer(time.Until(deadline) + shutdownGrace)
			defer t.Stop()
			select {
			case <-p.done:
			case <-t.C:
				p.logger.Warn("drain timeout elapsed, cancelling nodes", zap.Duration("timeout", timeout))
				p.forced.Store(true)
				if p.cancel != nil {
					p.cancel()
				}
			}
		}()
	})
}

// Wait blocks until the pipeline stopped or ctx is done
func (p *Pipeline) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Reload hands a new plugin config to a running node
func (p *Pipeline) Reload(nodeName string, cfg core.RawConfig) error {
	gn, ok := p.graph.Node(nodeName)
	if !ok {
		return fmt.Errorf("%w %q in pipeline %q", ErrUnknownNode, nodeName, p.name)
	}
	if err := p.nodes[gn.ID].inbox.Push(core.ReloadMsg(cfg)); err != nil {
		return fmt.Errorf("node %q is stopped: %w", nodeName, err)
	}
	return nil
}

// Entities returns the registry holding the pipeline's entities
func (p *Pipeline) Entities() *entity.Registry { return p.entities }
