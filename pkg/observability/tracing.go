// Package observability provides OpenTelemetry tracing for pipeline
// lifecycle: graph builds, node starts and shutdowns.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ajitpratap0/dfengine"

var (
	mu       sync.RWMutex
	provider *sdktrace.TracerProvider

	lifecycleOnce   sync.Once
	lifecycleEvents metric.Int64Counter
)

// TracingConfig contains tracing configuration
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRate   float64
	BatchTimeout   time.Duration
	MaxExportBatch int
	MaxQueueSize   int
	// Exporter overrides the stdout exporter, mainly for tests
	Exporter sdktrace.SpanExporter
}

// DefaultTracingConfig returns a configuration that samples everything
func DefaultTracingConfig(version string) TracingConfig {
	return TracingConfig{
		ServiceName:    "df_engine",
		ServiceVersion: version,
		Environment:    "development",
		SamplingRate:   1.0,
		BatchTimeout:   5 * time.Second,
		MaxExportBatch: 512,
		MaxQueueSize:   2048,
	}
}

// InitTracing installs a global tracer provider. Spans are written to stdout
// unless cfg.Exporter is set.
func InitTracing(cfg TracingConfig) error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter := cfg.Exporter
	if exporter == nil {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	}

	// Configure sampling
	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	batchOpts := []sdktrace.BatchSpanProcessorOption{}
	if cfg.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	if cfg.MaxExportBatch > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatch))
	}
	if cfg.MaxQueueSize > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxQueueSize(cfg.MaxQueueSize))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter, batchOpts...),
	)

	mu.Lock()
	provider = tp
	mu.Unlock()

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

// ForceFlush exports every span ended so far without stopping the provider
func ForceFlush(ctx context.Context) error {
	mu.RLock()
	tp := provider
	mu.RUnlock()

	if tp == nil {
		return nil
	}
	if err := tp.ForceFlush(ctx); err != nil {
		return fmt.Errorf("failed to flush spans: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the tracer provider installed by InitTracing
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := provider
	provider = nil
	mu.Unlock()

	if tp == nil {
		return nil
	}
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer: %w", err)
	}
	return nil
}

// Tracer returns the engine tracer. Without InitTracing it is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func lifecycleCounter() metric.Int64Counter {
	lifecycleOnce.Do(func() {
		c, err := otel.Meter(instrumentationName).Int64Counter("df_engine.lifecycle.spans",
			metric.WithDescription("Lifecycle spans started"))
		if err == nil {
			lifecycleEvents = c
		}
	})
	return lifecycleEvents
}

// Span wraps a trace span with deferred attribute setting
type Span struct {
	span       trace.Span
	startTime  time.Time
	attributes []attribute.KeyValue
}

// StartSpan starts a lifecycle span
func StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	ctx, span := Tracer().Start(ctx, operation, trace.WithAttributes(attrs...))
	if c := lifecycleCounter(); c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
	return ctx, &Span{span: span, startTime: time.Now()}
}

// StartNodeSpan starts a span tagged with the node's entity labels
func StartNodeSpan(ctx context.Context, operation, pipeline, node string, core int) (context.Context, *Span) {
	return StartSpan(ctx, operation,
		attribute.String("df_engine.pipeline", pipeline),
		attribute.String("df_engine.node", node),
		attribute.Int("df_engine.core", core),
	)
}

// SetAttribute adds an attribute, applied when the span ends
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// AddEvent adds an event to the span
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError marks the span failed
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End ends the span
func (s *Span) End() {
	s.attributes = append(s.attributes, attribute.Int64("df_engine.duration_us", time.Since(s.startTime).Microseconds()))
	s.span.SetAttributes(s.attributes...)
	s.span.End()
}
