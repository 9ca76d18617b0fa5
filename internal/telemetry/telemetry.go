// Package telemetry is the emission path for internal metrics and events.
// Emissions are attributed to the entity carried by the context, so call
// sites never pass pipeline or node names explicitly.
package telemetry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/internal/entity"
	"github.com/ajitpratap0/dfengine/pkg/logger"
	"github.com/ajitpratap0/dfengine/pkg/metrics"
)

// Emitter turns counters, gauges and events into Prometheus series and
// structured log lines
type Emitter struct {
	logger     *zap.Logger
	collectors sync.Map // metrics.Labels -> *metrics.Collector
}

// New creates an emitter logging through logger
func New(l *zap.Logger) *Emitter {
	if l == nil {
		l = zap.NewNop()
	}
	return &Emitter{logger: l.With(zap.String("component", "telemetry"))}
}

func labelsOf(e entity.Entity) metrics.Labels {
	return metrics.Labels{Pipeline: e.Pipeline, Node: e.Node, Core: e.CoreLabel()}
}

// Collector returns the shared collector of an entity
func (em *Emitter) Collector(e entity.Entity) *metrics.Collector {
	l := labelsOf(e)
	if c, ok := em.collectors.Load(l); ok {
		return c.(*metrics.Collector)
	}
	c, _ := em.collectors.LoadOrStore(l, metrics.NewCollector(l))
	return c.(*metrics.Collector)
}

func (em *Emitter) collectorFor(ctx context.Context) (*metrics.Collector, entity.Entity) {
	e, _ := entity.FromContext(ctx)
	return em.Collector(e), e
}

// Counter adds v to the named counter of the context's entity
func (em *Emitter) Counter(ctx context.Context, name string, v float64) {
	c, _ := em.collectorFor(ctx)
	c.Counter(name, v)
}

// Gauge sets the named gauge of the context's entity
func (em *Emitter) Gauge(ctx context.Context, name string, v float64) {
	c, _ := em.collectorFor(ctx)
	c.Gauge(name, v)
}

// Event counts a lifecycle event and logs it with the entity labels
func (em *Emitter) Event(ctx context.Context, name string, fields ...zap.Field) {
	c, _ := em.collectorFor(ctx)
	c.Event(name)
	logger.Decorate(em.logger, ctx).Info(name, fields...)
}

// Bind returns a handle emitting on behalf of the entity in ctx
func (em *Emitter) Bind(ctx context.Context) *Bound {
	return &Bound{em: em, ctx: ctx}
}

// Bound is an Emitter fixed to one entity. It satisfies the plugin-facing
// telemetry interface.
type Bound struct {
	em  *Emitter
	ctx context.Context
}

// Counter adds v to a counter
func (b *Bound) Counter(name string, v float64) { b.em.Counter(b.ctx, name, v) }

// Gauge sets a gauge
func (b *Bound) Gauge(name string, v float64) { b.em.Gauge(b.ctx, name, v) }

// Event emits an event
func (b *Bound) Event(name string, fields ...zap.Field) { b.em.Event(b.ctx, name, fields...) }
