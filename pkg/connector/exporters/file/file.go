// Package file writes batches to local files as JSON lines or an Arrow IPC
// stream, optionally compressed
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/compression"
	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/errors"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// URN of the file exporter
const URN = "urn:otel:file:exporter"

// Output formats
const (
	FormatJSONL = "jsonl"
	FormatArrow = "arrow"
)

// SignalPlaceholder in the path is replaced by the batch's signal
const SignalPlaceholder = "{signal}"

// Config is the file exporter configuration
type Config struct {
	// Path of the output file. An Arrow stream holds a single schema, so
	// exporting several signals as arrow needs the {signal} placeholder.
	Path        string `yaml:"path"`
	Format      string `yaml:"format"`
	Compression string `yaml:"compression"`
}

// sink is one open output file
type sink struct {
	path   string
	signal pdata.Signal
	file   *os.File
	zw     io.WriteCloser
	arrow  *ipc.Writer
	lines  *json.Encoder
	items  int
}

type flusher interface {
	Flush() error
}

func (s *sink) flush() error {
	if f, ok := s.zw.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func (s *sink) close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if s.arrow != nil {
		keep(s.arrow.Close())
	}
	keep(s.zw.Close())
	keep(s.file.Close())
	return first
}

// Exporter is the file exporter
type Exporter struct {
	cfg    Config
	codec  compression.Codec
	logger *zap.Logger
	sinks  map[string]*sink
}

var _ core.Exporter = (*Exporter)(nil)

// New builds a file exporter
func New(nc core.NodeContext, raw core.RawConfig) (core.Instance, error) {
	cfg := Config{Format: FormatJSONL, Compression: string(compression.None)}
	if err := config.DecodePluginConfig(raw, &cfg); err != nil {
		return core.Instance{}, err
	}
	if cfg.Path == "" {
		return core.Instance{}, fmt.Errorf("path is required")
	}
	if cfg.Format != FormatJSONL && cfg.Format != FormatArrow {
		return core.Instance{}, fmt.Errorf("unknown format %q", cfg.Format)
	}
	codec, err := compression.Get(compression.Algorithm(cfg.Compression))
	if err != nil {
		return core.Instance{}, err
	}
	logger := nc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return core.ExporterInstance(&Exporter{
		cfg:    cfg,
		codec:  codec,
		logger: logger,
		sinks:  make(map[string]*sink),
	}), nil
}

// Start creates the output directory
func (e *Exporter) Start(ctx context.Context, fx core.Effects) error {
	dir := filepath.Dir(e.cfg.Path)
	return fx.Blocking(ctx, func() error {
		return os.MkdirAll(dir, 0o755)
	})
}

// Export implements core.Exporter. The batch is acked once it reached the
// operating system.
func (e *Exporter) Export(ctx context.Context, msg *pdata.Message, fx core.Effects) core.DeliveryResult {
	err := fx.Blocking(ctx, func() error {
		return e.write(msg)
	})
	if err != nil {
		e.logger.Warn("failed to write batch", zap.Error(err))
		return core.Nack(err)
	}
	fx.Telemetry().Counter("file_items_written", float64(msg.Items()))
	return core.Ack()
}

func (e *Exporter) write(msg *pdata.Message) error {
	s, err := e.sink(msg.Signal())
	if err != nil {
		return err
	}
	switch e.cfg.Format {
	case FormatArrow:
		if s.signal != msg.Signal() {
			return fmt.Errorf("arrow stream %s holds %s, cannot append %s", s.path, s.signal, msg.Signal())
		}
		col, err := pdata.ToColumnar(msg.Payload())
		if err != nil {
			return err
		}
		if err := s.arrow.Write(col.Record()); err != nil {
			return fmt.Errorf("failed to write arrow batch: %w", err)
		}
	default:
		recs, err := pdata.ToRecords(msg.Payload())
		if err != nil {
			return err
		}
		if err := s.lines.Encode(recs); err != nil {
			return fmt.Errorf("failed to write json line: %w", err)
		}
	}
	s.items += msg.Items()
	return s.flush()
}

func (e *Exporter) sink(signal pdata.Signal) (*sink, error) {
	path := strings.ReplaceAll(e.cfg.Path, SignalPlaceholder, signal.String())
	if s, ok := e.sinks[path]; ok {
		return s, nil
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if e.cfg.Format == FormatArrow {
		// a stream cannot be resumed
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open "+path)
	}
	zw, err := e.codec.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	s := &sink{path: path, signal: signal, file: f, zw: zw}
	if e.cfg.Format == FormatArrow {
		s.arrow = ipc.NewWriter(zw, ipc.WithSchema(pdata.SchemaFor(signal)))
	} else {
		s.lines = json.NewEncoder(zw)
	}
	e.sinks[path] = s
	e.logger.Info("opened output file", zap.String("path", path), zap.String("format", e.cfg.Format))
	return s, nil
}

// Shutdown closes every output file
func (e *Exporter) Shutdown(context.Context) error {
	var first error
	for path, s := range e.sinks {
		if err := s.close(); err != nil && first == nil {
			first = fmt.Errorf("failed to close %s: %w", path, err)
		}
		e.logger.Info("closed output file", zap.String("path", path), zap.Int("items", s.items))
		delete(e.sinks, path)
	}
	return first
}
