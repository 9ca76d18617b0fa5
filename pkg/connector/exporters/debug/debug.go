// Package debug logs what reaches it, for local runs and troubleshooting
package debug

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// URN of the debug exporter
const URN = "urn:otel:debug:exporter"

// Verbosity levels
const (
	VerbosityBasic    = "basic"
	VerbosityNormal   = "normal"
	VerbosityDetailed = "detailed"
)

// Config is the debug exporter configuration
type Config struct {
	Verbosity string `yaml:"verbosity"`
	// MaxRecords caps the rows printed per message at detailed verbosity
	MaxRecords int `yaml:"max_records"`
}

// Exporter is the debug exporter
type Exporter struct {
	cfg    Config
	logger *zap.Logger
}

var _ core.Exporter = (*Exporter)(nil)

// New builds a debug exporter
func New(nc core.NodeContext, raw core.RawConfig) (core.Instance, error) {
	cfg := Config{Verbosity: VerbosityBasic, MaxRecords: 10}
	if err := config.DecodePluginConfig(raw, &cfg); err != nil {
		return core.Instance{}, err
	}
	switch cfg.Verbosity {
	case VerbosityBasic, VerbosityNormal, VerbosityDetailed:
	default:
		return core.Instance{}, fmt.Errorf("unknown verbosity %q", cfg.Verbosity)
	}
	logger := nc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return core.ExporterInstance(&Exporter{cfg: cfg, logger: logger}), nil
}

// Start implements core.Lifecycle
func (e *Exporter) Start(context.Context, core.Effects) error { return nil }

// Shutdown implements core.Lifecycle
func (e *Exporter) Shutdown(context.Context) error { return nil }

// Export implements core.Exporter
func (e *Exporter) Export(_ context.Context, msg *pdata.Message, _ core.Effects) core.DeliveryResult {
	fields := []zap.Field{
		zap.Stringer("signal", msg.Signal()),
		zap.Int("items", msg.Items()),
	}
	if e.cfg.Verbosity == VerbosityBasic {
		e.logger.Info("received", fields...)
		return core.Ack()
	}

	fields = append(fields,
		zap.Any("resource", msg.Payload().Resource()),
		zap.Int("delivery_frames", msg.Context().Len()),
		zap.String("representation", fmt.Sprintf("%T", msg.Payload())))
	if e.cfg.Verbosity == VerbosityNormal {
		e.logger.Info("received", fields...)
		return core.Ack()
	}

	recs, err := pdata.ToRecords(msg.Payload())
	if err != nil {
		return core.Nack(err)
	}
	e.logger.Info("received", fields...)
	for i, row := range rows(recs) {
		if i >= e.cfg.MaxRecords {
			e.logger.Info("records truncated", zap.Int("remaining", recs.Len()-i))
			break
		}
		e.logger.Info("record", zap.Int("index", i), zap.Any("record", row))
	}
	return core.Ack()
}

func rows(r *pdata.Records) []any {
	var out []any
	switch r.Signal {
	case pdata.SignalLogs:
		for _, l := range r.Logs {
			out = append(out, l)
		}
	case pdata.SignalMetrics:
		for _, m := range r.Metrics {
			out = append(out, m)
		}
	case pdata.SignalTraces:
		for _, s := range r.Spans {
			out = append(out, s)
		}
	}
	return out
}
