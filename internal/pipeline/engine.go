package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/dfengine/internal/entity"
	"github.com/ajitpratap0/dfengine/internal/graph"
	"github.com/ajitpratap0/dfengine/internal/scheduler"
	"github.com/ajitpratap0/dfengine/internal/telemetry"
	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/registry"
	"github.com/ajitpratap0/dfengine/pkg/logger"
	"github.com/ajitpratap0/dfengine/pkg/observability"
)

// Process exit codes
const (
	ExitOK           = 0
	ExitBuildFailure = 1
	ExitForced       = 2
	ExitFaulted      = 3
)

// EngineOptions configures an engine
type EngineOptions struct {
	// Name labels the pipeline group
	Name string
	// Cores is the number of executors
	Cores    int
	Registry *registry.Registry
	Logger   *zap.Logger
}

// Engine owns the executor pool and every pipeline built from one config.
// Replicated mode builds one shared-nothing copy of the graph per core;
// partitioned mode builds a single graph spread over the cores.
type Engine struct {
	cfg       *config.PipelineConfig
	name      string
	runID     string
	pool      *scheduler.Pool
	entities  *entity.Registry
	emitter   *telemetry.Emitter
	logger    *zap.Logger
	pipelines []*Pipeline

	shutdownOnce sync.Once
}

// Report is the outcome of a run
type Report struct {
	RunID     string
	Pipelines []Result
}

// Forced reports whether any pipeline was cut short by its drain deadline
func (r Report) Forced() bool {
	for _, p := range r.Pipelines {
		if p.Forced {
			return true
		}
	}
	return false
}

// Faults returns every node fault of the run
func (r Report) Faults() []NodeFault {
	var out []NodeFault
	for _, p := range r.Pipelines {
		out = append(out, p.Faulted...)
	}
	return out
}

// ExitCode maps the report to the process exit status
func (r Report) ExitCode() int {
	switch {
	case len(r.Faults()) > 0:
		return ExitFaulted
	case r.Forced():
		return ExitForced
	}
	return ExitOK
}

// NewEngine builds every pipeline of cfg. On error nothing was started and
// every partially built graph has been released.
func NewEngine(cfg *config.PipelineConfig, opts EngineOptions) (*Engine, error) {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Cores < 1 {
		opts.Cores = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = registry.Global()
	}

	e := &Engine{
		cfg:      cfg,
		name:     opts.Name,
		runID:    uuid.NewString(),
		entities: entity.NewRegistry(),
		logger:   opts.Logger.With(zap.String("component", "engine")),
	}
	e.logger = e.logger.With(zap.String(string(logger.RunIDKey), e.runID))
	// run and entity labels come from the emitting context
	e.emitter = telemetry.New(opts.Logger)

	pool, err := scheduler.NewPool(opts.Cores, opts.Logger)
	if err != nil {
		return nil, err
	}
	e.pool = pool

	_, span := observability.StartSpan(context.Background(), "pipeline.build")
	defer span.End()
	span.SetAttribute("df_engine.mode", string(cfg.Engine.Mode))
	span.SetAttribute("df_engine.cores", opts.Cores)

	nodes := cfg.NodeList()
	build := func(replica int, fixed *int) error {
		g, err := graph.Build(nodes, graph.Options{
			Pipeline:        opts.Name,
			Replica:         replica,
			Cores:           opts.Cores,
			FixedCore:       fixed,
			ChannelCapacity: cfg.Engine.ChannelCapacity,
			Registry:        opts.Registry,
			Logger:          opts.Logger,
		})
		if err != nil {
			return err
		}
		p, err := New(g, Options{
			DrainTimeout: cfg.Engine.DrainTimeout,
			Pool:         e.pool,
			Entities:     e.entities,
			Emitter:      e.emitter,
			Logger:       e.logger,
			RunID:        e.runID,
		})
		if err != nil {
			g.Close()
			return err
		}
		e.pipelines = append(e.pipelines, p)
		return nil
	}

	switch cfg.Engine.Mode {
	case config.ModePartitioned:
		err = build(0, nil)
	default:
		for c := 0; c < opts.Cores && err == nil; c++ {
			err = build(c, &c)
		}
	}
	if err != nil {
		span.RecordError(err)
		e.discard()
		return nil, err
	}

	e.logger.Info("engine built",
		zap.String("mode", string(cfg.Engine.Mode)),
		zap.Int("cores", opts.Cores),
		zap.Int("pipelines", len(e.pipelines)))
	return e, nil
}

// discard releases pipelines that were built but never started
func (e *Engine) discard() {
	for _, p := range e.pipelines {
		p.graph.Close()
		for _, n := range p.nodes {
			for _, id := range n.owned {
				e.entities.Release(id)
			}
		}
		e.entities.Release(p.ent.ID)
	}
	e.pipelines = nil
}

// Close releases an engine that was built but never started
func (e *Engine) Close() {
	e.discard()
}

// RunID identifies this engine run in logs
func (e *Engine) RunID() string { return e.runID }

// Pipelines returns the engine's pipelines, one per replica
func (e *Engine) Pipelines() []*Pipeline { return e.pipelines }

// Entities returns the engine entity registry
func (e *Engine) Entities() *entity.Registry { return e.entities }

// Pool returns the executor pool
func (e *Engine) Pool() *scheduler.Pool { return e.pool }

// Start starts every pipeline
func (e *Engine) Start(ctx context.Context) error {
	ctx = context.WithValue(ctx, logger.RunIDKey, e.runID)
	for _, p := range e.pipelines {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown asks every pipeline to drain within the configured timeout
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.logger.Info("engine shutdown requested", zap.Duration("drain_timeout", e.cfg.Engine.DrainTimeout))
		for _, p := range e.pipelines {
			p.Shutdown(e.cfg.Engine.DrainTimeout)
		}
	})
}

// Wait blocks until every pipeline stopped
func (e *Engine) Wait(ctx context.Context) (Report, error) {
	results := make([]Result, len(e.pipelines))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range e.pipelines {
		g.Go(func() error {
			res, err := p.Wait(gctx)
			if err != nil {
				return fmt.Errorf("pipeline %s/%d: %w", p.Name(), p.Replica(), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{RunID: e.runID}, err
	}
	e.pool.Wait()
	return Report{RunID: e.runID, Pipelines: results}, nil
}

// Run starts the engine, shuts it down when ctx is cancelled, and waits for
// every pipeline to stop
func (e *Engine) Run(ctx context.Context) (Report, error) {
	if err := e.Start(ctx); err != nil {
		e.Shutdown()
		return Report{RunID: e.runID}, err
	}
	stop := context.AfterFunc(ctx, e.Shutdown)
	defer stop()

	// the wait outlives ctx: cancellation only triggers the drain
	report, err := e.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return report, err
	}
	for _, f := range report.Faults() {
		e.logger.Error("node faulted", zap.String("node", f.Node), zap.Error(f.Err))
	}
	e.logger.Info("engine stopped",
		zap.Bool("forced", report.Forced()),
		zap.Int("exit_code", report.ExitCode()))
	return report, nil
}

// Ready reports whether every pipeline finished starting
func (e *Engine) Ready() bool {
	if e.Stopping() {
		return false
	}
	for _, p := range e.pipelines {
		select {
		case <-p.Ready():
		default:
			return false
		}
	}
	return len(e.pipelines) > 0
}

// Stopping reports whether any pipeline began draining or already stopped,
// whatever triggered it
func (e *Engine) Stopping() bool {
	for _, p := range e.pipelines {
		if st := p.State(); st == StateDraining || st == StateStopped {
			return true
		}
	}
	return false
}

// Done is closed once every pipeline stopped
func (e *Engine) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for _, p := range e.pipelines {
			<-p.Done()
		}
		close(done)
	}()
	return done
}

// EngineStatus is the engine-wide status document
type EngineStatus struct {
	RunID     string            `json:"run_id"`
	Name      string            `json:"name"`
	Mode      string            `json:"mode"`
	Cores     int               `json:"cores"`
	Ready     bool              `json:"ready"`
	Entities  int               `json:"live_entities"`
	Time      time.Time         `json:"time"`
	Pipelines []Status          `json:"pipelines"`
	Executors []scheduler.Stats `json:"executors"`
}

// Status snapshots every pipeline
func (e *Engine) Status() EngineStatus {
	st := EngineStatus{
		RunID:     e.runID,
		Name:      e.name,
		Mode:      string(e.cfg.Engine.Mode),
		Cores:     e.pool.Size(),
		Ready:     e.Ready(),
		Entities:  e.entities.Live(),
		Time:      time.Now(),
		Executors: e.pool.Stats(),
	}
	for _, p := range e.pipelines {
		st.Pipelines = append(st.Pipelines, p.Status())
	}
	return st
}

// Reload sends a new plugin config to the named node in every replica
func (e *Engine) Reload(nodeName string, cfg map[string]any) error {
	for _, p := range e.pipelines {
		if err := p.Reload(nodeName, cfg); err != nil {
			return err
		}
	}
	return nil
}
