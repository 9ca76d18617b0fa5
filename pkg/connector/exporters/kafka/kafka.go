// Package kafka produces batches to a Kafka topic. Every batch is one record
// whose delivery outcome is reported back once the broker acknowledged it.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/compression"
	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/errors"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// URN of the kafka exporter
const URN = "urn:otel:kafka:exporter"

// Record headers
const (
	HeaderSignal = "df-signal"
	HeaderItems  = "df-items"
)

// Config is the kafka exporter configuration
type Config struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
	// Version is the broker protocol version, e.g. "2.8.0"
	Version string `yaml:"version"`
	// RequiredAcks is all, 1 or 0
	RequiredAcks string `yaml:"required_acks"`
	// Compression is applied by the producer: none, gzip, snappy, lz4 or zstd
	Compression string `yaml:"compression"`
	// PartitionKeyAttribute names the resource attribute used as record key
	PartitionKeyAttribute string        `yaml:"partition_key_attribute"`
	Retries               int           `yaml:"retries"`
	Timeout               time.Duration `yaml:"timeout"`
}

// newProducer is swapped in tests
var newProducer = sarama.NewAsyncProducer

// Exporter is the kafka exporter
type Exporter struct {
	cfg      Config
	sc       *sarama.Config
	logger   *zap.Logger
	fx       core.Effects
	producer sarama.AsyncProducer
	// done is closed once every produce result was dispatched
	done chan struct{}
}

var _ core.Exporter = (*Exporter)(nil)

// New builds a kafka exporter
func New(nc core.NodeContext, raw core.RawConfig) (core.Instance, error) {
	cfg := Config{
		ClientID:     "df_engine",
		RequiredAcks: "all",
		Compression:  string(compression.None),
		Retries:      3,
		Timeout:      10 * time.Second,
	}
	if err := config.DecodePluginConfig(raw, &cfg); err != nil {
		return core.Instance{}, err
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return core.Instance{}, errors.New(errors.ErrorTypeConfig, "brokers and topic are required")
	}
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return core.Instance{}, err
	}
	logger := nc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return core.ExporterInstance(&Exporter{
		cfg:    cfg,
		sc:     sc,
		logger: logger.With(zap.String("topic", cfg.Topic)),
		done:   make(chan struct{}),
	}), nil
}

func buildSaramaConfig(cfg Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = v
	}

	switch cfg.RequiredAcks {
	case "all", "-1":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "1":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "0":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("unknown required_acks %q", cfg.RequiredAcks)
	}

	switch compression.Algorithm(cfg.Compression) {
	case compression.None:
		sc.Producer.Compression = sarama.CompressionNone
	case compression.Gzip:
		sc.Producer.Compression = sarama.CompressionGZIP
	case compression.Snappy:
		sc.Producer.Compression = sarama.CompressionSnappy
	case compression.LZ4:
		sc.Producer.Compression = sarama.CompressionLZ4
	case compression.Zstd:
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("compression %q is not supported by kafka", cfg.Compression)
	}

	sc.Producer.Retry.Max = cfg.Retries
	sc.Producer.Timeout = cfg.Timeout
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	return sc, nil
}

// Start connects the producer
func (e *Exporter) Start(ctx context.Context, fx core.Effects) error {
	e.fx = fx
	err := fx.Blocking(ctx, func() error {
		p, err := newProducer(e.cfg.Brokers, e.sc)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create kafka producer")
		}
		e.producer = p
		return nil
	})
	if err != nil {
		return err
	}
	go e.dispatch()
	return nil
}

// dispatch completes each record's future from the producer's result channels
func (e *Exporter) dispatch() {
	defer close(e.done)
	successes, failures := e.producer.Successes(), e.producer.Errors()
	for successes != nil || failures != nil {
		select {
		case m, ok := <-successes:
			if !ok {
				successes = nil
				continue
			}
			complete(m, nil)
		case pe, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			e.logger.Debug("kafka produce failed", zap.Error(pe.Err))
			complete(pe.Msg, pe.Err)
		}
	}
}

func complete(m *sarama.ProducerMessage, err error) {
	if m == nil {
		return
	}
	if done, ok := m.Metadata.(chan error); ok {
		done <- err
	}
}

// Export implements core.Exporter
func (e *Exporter) Export(ctx context.Context, msg *pdata.Message, fx core.Effects) core.DeliveryResult {
	enc, err := pdata.Encode(msg.Payload(), compression.None)
	if err != nil {
		return core.Nack(err)
	}
	done := make(chan error, 1)
	pm := &sarama.ProducerMessage{
		Topic: e.cfg.Topic,
		Value: sarama.ByteEncoder(enc.Bytes()),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderSignal), Value: []byte(msg.Signal().String())},
			{Key: []byte(HeaderItems), Value: []byte(strconv.Itoa(msg.Items()))},
		},
		Metadata: done,
	}
	if attr := e.cfg.PartitionKeyAttribute; attr != "" {
		if v, ok := msg.Attribute(attr); ok {
			pm.Key = sarama.StringEncoder(v)
		}
	}

	err = fx.Blocking(ctx, func() error {
		select {
		case e.producer.Input() <- pm:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return core.Nack(err)
	}
	fx.Telemetry().Counter("kafka_records_produced", 1)
	return core.Pending(done)
}

// Shutdown flushes buffered records and waits for their results
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.producer == nil {
		return nil
	}
	e.producer.AsyncClose()
	return e.fx.Blocking(ctx, func() error {
		select {
		case <-e.done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("kafka producer did not flush: %w", ctx.Err())
		}
	})
}
