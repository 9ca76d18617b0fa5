// Package fakedata is a synthetic telemetry receiver used for load tests and
// local runs
package fakedata

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// URN of the fake data generator
const URN = "urn:otel:fake_data_generator:receiver"

// Config is the generator configuration
type Config struct {
	Signal    string `yaml:"signal"`
	BatchSize int    `yaml:"batch_size"`
	// Interval between batches; zero generates as fast as downstream accepts
	Interval time.Duration `yaml:"interval"`
	// MaxBatches stops the receiver after that many batches; zero runs until
	// shutdown
	MaxBatches int               `yaml:"max_batches"`
	Resource   map[string]string `yaml:"resource_attributes"`
	// Track asks for delivery outcomes and counts them
	Track bool `yaml:"track"`
}

// Generator produces synthetic batches
type Generator struct {
	cfg    Config
	signal pdata.Signal
	logger *zap.Logger

	ready   chan struct{}
	stop    chan struct{}
	stopped sync.Once
	due     bool
	batches int
	seq     int

	acked  int
	nacked int
}

var _ core.Receiver = (*Generator)(nil)

// New builds a generator
func New(nc core.NodeContext, raw core.RawConfig) (core.Instance, error) {
	cfg := Config{Signal: "logs", BatchSize: 100}
	if err := config.DecodePluginConfig(raw, &cfg); err != nil {
		return core.Instance{}, err
	}
	signal, err := pdata.ParseSignal(cfg.Signal)
	if err != nil {
		return core.Instance{}, err
	}
	if cfg.BatchSize <= 0 {
		return core.Instance{}, fmt.Errorf("batch_size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Interval < 0 || cfg.MaxBatches < 0 {
		return core.Instance{}, fmt.Errorf("interval and max_batches must not be negative")
	}

	ready := make(chan struct{}, 1)
	if cfg.Interval == 0 {
		// always ready
		close(ready)
	}
	logger := nc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return core.ReceiverInstance(&Generator{
		cfg:    cfg,
		signal: signal,
		logger: logger,
		ready:  ready,
		stop:   make(chan struct{}),
		due:    true,
	}), nil
}

// Start starts the interval ticker
func (g *Generator) Start(_ context.Context, _ core.Effects) error {
	if g.cfg.Interval > 0 {
		go g.tick()
	}
	return nil
}

func (g *Generator) tick() {
	t := time.NewTicker(g.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			select {
			case g.ready <- struct{}{}:
			default:
			}
		case <-g.stop:
			return
		}
	}
}

// Ready implements core.Receiver
func (g *Generator) Ready() <-chan struct{} { return g.ready }

// Poll implements core.Receiver
func (g *Generator) Poll(_ context.Context, fx core.Effects) (*pdata.Message, error) {
	if g.cfg.MaxBatches > 0 && g.batches >= g.cfg.MaxBatches {
		return nil, io.EOF
	}
	if g.cfg.Interval > 0 {
		// the doorbell was consumed by the runtime's wait, so every call after
		// a nil return is one tick
		if !g.due {
			g.due = true
			return nil, nil
		}
		g.due = false
	}

	payload, err := pdata.FromRecords(g.generate())
	if err != nil {
		return nil, err
	}
	g.batches++
	fx.Telemetry().Counter("fake_items_generated", float64(payload.Items()))

	msg := pdata.NewMessage(payload)
	if !g.cfg.Track {
		return msg, nil
	}
	tracked, err := fx.Track(msg, func(_ context.Context, o core.Outcome) {
		if o.Acked() {
			g.acked++
		} else {
			g.nacked++
			fx.Telemetry().Counter("fake_batches_nacked", 1)
		}
	})
	if err != nil {
		// generated data is disposable
		fx.Telemetry().Counter("fake_batches_rejected", 1)
		return nil, nil
	}
	return tracked, nil
}

func (g *Generator) generate() *pdata.Records {
	recs := &pdata.Records{Signal: g.signal, Resource: g.cfg.Resource}
	now := time.Now().UTC()
	for i := 0; i < g.cfg.BatchSize; i++ {
		g.seq++
		traceID, spanID := ids()
		switch g.signal {
		case pdata.SignalLogs:
			recs.Logs = append(recs.Logs, pdata.LogRecord{
				Timestamp:      now,
				SeverityNumber: 9,
				SeverityText:   "INFO",
				Body:           fmt.Sprintf("synthetic log %d", g.seq),
				TraceID:        traceID,
				SpanID:         spanID,
				Attributes:     map[string]string{"seq": fmt.Sprint(g.seq)},
			})
		case pdata.SignalMetrics:
			recs.Metrics = append(recs.Metrics, pdata.DataPoint{
				Timestamp: now,
				Name:      "fake.requests",
				Value:     float64(g.seq % 100),
				Unit:      "1",
			})
		case pdata.SignalTraces:
			recs.Spans = append(recs.Spans, pdata.Span{
				TraceID: traceID,
				SpanID:  spanID,
				Name:    "fake-operation",
				Start:   now.Add(-time.Millisecond),
				End:     now,
				Status:  "ok",
			})
		}
	}
	return recs
}

// ids returns a 32 hex digit trace id and a 16 hex digit span id
func ids() (string, string) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id, id[:16]
}

// Shutdown stops the ticker
func (g *Generator) Shutdown(context.Context) error {
	g.stopped.Do(func() { close(g.stop) })
	g.logger.Info("fake data generator stopped",
		zap.Int("batches", g.batches),
		zap.Int("acked", g.acked),
		zap.Int("nacked", g.nacked))
	return nil
}
