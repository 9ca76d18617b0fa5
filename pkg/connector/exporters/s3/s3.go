// Package s3 uploads every batch as one object to an S3 compatible bucket
package s3

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/dfengine/pkg/compression"
	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/errors"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// URN of the s3 exporter
const URN = "urn:otel:s3:exporter"

// Config is the s3 exporter configuration
type Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
	// Endpoint overrides the service endpoint, e.g. for MinIO
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	Compression    string `yaml:"compression"`
	PartSize       int64  `yaml:"part_size"`
	Concurrency    int    `yaml:"concurrency"`
	// MaxInflight bounds uploads running at once; Export waits for a slot
	MaxInflight   int           `yaml:"max_inflight"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

// Uploader is the part of manager.Uploader the exporter uses
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// newUploader is swapped in tests
var newUploader = func(ctx context.Context, cfg Config) (Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = cfg.PartSize
		u.Concurrency = cfg.Concurrency
	}), nil
}

// Exporter is the s3 exporter
type Exporter struct {
	cfg      Config
	algo     compression.Algorithm
	logger   *zap.Logger
	fx       core.Effects
	uploader Uploader
	slots    *semaphore.Weighted

	// base outlives individual exports; cancelled once shutdown gave up
	base   context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

var _ core.Exporter = (*Exporter)(nil)

// New builds an s3 exporter
func New(nc core.NodeContext, raw core.RawConfig) (core.Instance, error) {
	cfg := Config{
		Region:        "us-east-1",
		Compression:   string(compression.Gzip),
		PartSize:      manager.DefaultUploadPartSize,
		Concurrency:   manager.DefaultUploadConcurrency,
		MaxInflight:   16,
		UploadTimeout: time.Minute,
	}
	if err := config.DecodePluginConfig(raw, &cfg); err != nil {
		return core.Instance{}, err
	}
	if cfg.Bucket == "" {
		return core.Instance{}, errors.New(errors.ErrorTypeConfig, "bucket is required")
	}
	if cfg.PartSize < manager.MinUploadPartSize {
		return core.Instance{}, errors.Newf(errors.ErrorTypeConfig, "part_size must be at least %d bytes", manager.MinUploadPartSize)
	}
	if cfg.MaxInflight < 1 || cfg.Concurrency < 1 {
		return core.Instance{}, errors.New(errors.ErrorTypeConfig, "max_inflight and concurrency must be positive")
	}
	algo := compression.Algorithm(cfg.Compression)
	if _, err := compression.Get(algo); err != nil {
		return core.Instance{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression")
	}
	logger := nc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return core.ExporterInstance(&Exporter{
		cfg:    cfg,
		algo:   algo,
		logger: logger.With(zap.String("bucket", cfg.Bucket)),
		slots:  semaphore.NewWeighted(int64(cfg.MaxInflight)),
		now:    time.Now,
	}), nil
}

// Start loads AWS credentials and builds the uploader
func (e *Exporter) Start(ctx context.Context, fx core.Effects) error {
	e.fx = fx
	err := fx.Blocking(ctx, func() error {
		u, err := newUploader(ctx, e.cfg)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to initialize s3 uploader")
		}
		e.uploader = u
		return nil
	})
	if err != nil {
		return err
	}
	e.base, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return nil
}

// objectKey lays objects out as prefix/signal/yyyy/mm/dd/hh/uuid.json[.ext]
func (e *Exporter) objectKey(signal pdata.Signal) string {
	t := e.now().UTC()
	name := uuid.NewString() + ".json" + compression.Extension(e.algo)
	return path.Join(e.cfg.Prefix, signal.String(), t.Format("2006/01/02/15"), name)
}

// Export implements core.Exporter. The upload runs in the background and
// settles the returned future.
func (e *Exporter) Export(ctx context.Context, msg *pdata.Message, fx core.Effects) core.DeliveryResult {
	enc, err := pdata.Encode(msg.Payload(), e.algo)
	if err != nil {
		return core.Nack(errors.Wrap(err, errors.ErrorTypeData, "failed to encode batch"))
	}
	if err := fx.Blocking(ctx, func() error { return e.slots.Acquire(ctx, 1) }); err != nil {
		return core.Nack(err)
	}

	key := e.objectKey(msg.Signal())
	input := &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(enc.Bytes()),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"signal":      msg.Signal().String(),
			"items":       strconv.Itoa(msg.Items()),
			"compression": string(e.algo),
		},
	}

	done := make(chan error, 1)
	go func() {
		defer e.slots.Release(1)
		uctx, cancel := context.WithTimeout(e.base, e.cfg.UploadTimeout)
		defer cancel()
		if _, err := e.uploader.Upload(uctx, input); err != nil {
			e.logger.Warn("s3 upload failed", zap.String("key", key), zap.Error(err))
			done <- errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("failed to upload %s", key))
			return
		}
		done <- nil
	}()
	fx.Telemetry().Counter("s3_objects_started", 1)
	return core.Pending(done)
}

// Shutdown waits for running uploads, then cancels whatever is left
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	defer e.cancel()
	return e.fx.Blocking(ctx, func() error {
		if err := e.slots.Acquire(ctx, int64(e.cfg.MaxInflight)); err != nil {
			return fmt.Errorf("s3 uploads still running at shutdown: %w", err)
		}
		e.slots.Release(int64(e.cfg.MaxInflight))
		return nil
	})
}
