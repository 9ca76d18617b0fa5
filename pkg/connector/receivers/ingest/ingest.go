// Package ingest is the push receiver: callers hand payloads to a named
// endpoint in process (Submit) or over HTTP, and with wait_for_result they
// block until the pipeline acked or nacked their data.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// URN of the ingest receiver
const URN = "urn:otel:ingest:receiver"

const (
	defaultQueueSize       = 1024
	defaultMaxBodySize     = 8 << 20
	defaultShutdownTimeout = 5 * time.Second
)

var (
	// ErrUnknownEndpoint is returned by Submit for a name no receiver serves
	ErrUnknownEndpoint = errors.New("no ingest receiver registered under that name")
	// ErrQueueFull is returned when the receiver's submission queue is full
	ErrQueueFull = errors.New("ingest queue full")
	// ErrClosed is returned once the receiver shut down
	ErrClosed = errors.New("ingest receiver closed")
)

// Config is the ingest receiver configuration
type Config struct {
	// Name is the key Submit callers and the HTTP listener use. Defaults to
	// the node name; replicas of one node share it.
	Name string `yaml:"name"`
	// WaitForResult makes Submit block until the delivery outcome is known
	WaitForResult bool `yaml:"wait_for_result"`
	// QueueSize bounds submissions accepted but not yet polled
	QueueSize int `yaml:"queue_size"`
	// Endpoint is the HTTP listen address; empty disables HTTP
	Endpoint        string        `yaml:"endpoint"`
	MaxBodySize     int64         `yaml:"max_body_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c *Config) applyDefaults(nodeName string) {
	if c.Name == "" {
		c.Name = nodeName
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodySize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
}

type submission struct {
	payload pdata.Payload
	// done receives the outcome; nil when the caller does not wait
	done chan error
}

func (s *submission) settle(err error) {
	if s.done != nil {
		s.done <- err
	}
}

// Receiver is one ingest node
type Receiver struct {
	cfg    Config
	logger *zap.Logger
	ready  chan struct{}
	fx     core.Effects
	group  *group

	mu     sync.Mutex
	queue  []*submission
	closed bool
}

var _ core.Receiver = (*Receiver)(nil)

// New builds an ingest receiver
func New(nc core.NodeContext, raw core.RawConfig) (core.Instance, error) {
	var cfg Config
	if err := config.DecodePluginConfig(raw, &cfg); err != nil {
		return core.Instance{}, err
	}
	cfg.applyDefaults(nc.Name)

	logger := nc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return core.ReceiverInstance(&Receiver{
		cfg:    cfg,
		logger: logger.With(zap.String("endpoint", cfg.Name)),
		ready:  make(chan struct{}, 1),
	}), nil
}

// Start joins the named endpoint, opening its HTTP listener if this is the
// first replica to start
func (r *Receiver) Start(_ context.Context, fx core.Effects) error {
	r.fx = fx
	g, err := join(r.cfg.Name, r)
	if err != nil {
		return err
	}
	r.group = g
	return nil
}

// Ready implements core.Receiver
func (r *Receiver) Ready() <-chan struct{} { return r.ready }

func (r *Receiver) notify() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

// Submit queues p. With wait_for_result it returns the delivery outcome,
// otherwise it returns once p is queued.
func (r *Receiver) Submit(ctx context.Context, p pdata.Payload) error {
	if p == nil {
		return fmt.Errorf("ingest %s: nil payload", r.cfg.Name)
	}
	s := &submission{payload: p}
	if r.cfg.WaitForResult {
		s.done = make(chan error, 1)
	}

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrClosed
	case len(r.queue) >= r.cfg.QueueSize:
		r.mu.Unlock()
		return ErrQueueFull
	}
	r.queue = append(r.queue, s)
	r.mu.Unlock()
	r.notify()

	if s.done == nil {
		return nil
	}
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receiver) pop() *submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	s := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return s
}

// Poll implements core.Receiver. Submissions the pending table cannot take are
// rejected back to their caller and the next one is tried.
func (r *Receiver) Poll(_ context.Context, fx core.Effects) (*pdata.Message, error) {
	for {
		s := r.pop()
		if s == nil {
			return nil, nil
		}
		msg := pdata.NewMessage(s.payload)
		if s.done == nil {
			return msg, nil
		}

		tracked, err := fx.Track(msg, func(_ context.Context, o core.Outcome) {
			s.settle(o.Err)
		})
		if err != nil {
			fx.Telemetry().Counter("ingest_rejected", 1)
			s.settle(err)
			continue
		}
		if tracked.Context().Len() == msg.Context().Len() {
			// running untracked: nobody will report back
			s.settle(nil)
		}
		return tracked, nil
	}
}

// Shutdown rejects queued submissions and leaves the endpoint. The last
// replica to leave stops the HTTP listener.
func (r *Receiver) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	left := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, s := range left {
		s.settle(core.ErrNodeStopped)
	}
	if len(left) > 0 {
		r.logger.Warn("rejected queued submissions at shutdown", zap.Int("count", len(left)))
	}

	if r.group == nil {
		return nil
	}
	stop := r.group.leave(r)
	if stop == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
	defer cancel()
	return r.fx.Blocking(sctx, func() error { return stop(sctx) })
}
