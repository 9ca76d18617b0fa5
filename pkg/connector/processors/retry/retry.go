// Package retry resends messages that downstream nacked, backing off
// exponentially between attempts
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// URN of the retry processor
const URN = "urn:otel:retry:processor"

// Config is the retry processor configuration
type Config struct {
	// MaxAttempts counts the first send; 1 disables retries
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

func (c Config) validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	case c.InitialBackoff < 0 || c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("backoff bounds %s..%s are invalid", c.InitialBackoff, c.MaxBackoff)
	case c.Multiplier < 1:
		return fmt.Errorf("multiplier must be at least 1, got %g", c.Multiplier)
	}
	return nil
}

// backoff returns the wait before attempt n+1, n >= 1
func (c Config) backoff(n int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 1; i < n; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	return time.Duration(d)
}

// permanent reports failures a resend cannot fix
func permanent(err error) bool {
	return errors.Is(err, core.ErrNoDestination) ||
		errors.Is(err, core.ErrNodeStopped) ||
		errors.Is(err, core.ErrDrainTimeout) ||
		errors.Is(err, core.ErrUnknownPort)
}

// held is a message the processor owns until it is delivered or given up on
type held struct {
	msg      *pdata.Message
	attempts int
	last     error
	cancel   func()
}

// Processor is the retry processor
type Processor struct {
	cfg    Config
	logger *zap.Logger
	fx     core.Effects
	held   map[*held]struct{}

	// stopping turns further failures into final nacks
	stopping bool
}

var _ core.Processor = (*Processor)(nil)

// New builds a retry processor
func New(nc core.NodeContext, raw core.RawConfig) (core.Instance, error) {
	cfg := Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
	if err := config.DecodePluginConfig(raw, &cfg); err != nil {
		return core.Instance{}, err
	}
	if err := cfg.validate(); err != nil {
		return core.Instance{}, err
	}
	logger := nc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return core.ProcessorInstance(&Processor{cfg: cfg, logger: logger, held: make(map[*held]struct{})}), nil
}

// Start implements core.Lifecycle
func (p *Processor) Start(_ context.Context, fx core.Effects) error {
	p.fx = fx
	return nil
}

// Process implements core.Processor
func (p *Processor) Process(ctx context.Context, msg *pdata.Message, fx core.Effects) core.ProcessOutcome {
	h := &held{msg: msg}
	p.held[h] = struct{}{}
	p.send(ctx, fx, h)
	return core.Retained()
}

func (p *Processor) send(ctx context.Context, fx core.Effects, h *held) {
	h.attempts++
	out, err := fx.Track(h.msg, func(ctx context.Context, o core.Outcome) {
		p.outcome(ctx, fx, h, o.Err)
	})
	if err != nil {
		p.outcome(ctx, fx, h, err)
		return
	}
	if err := fx.Send(ctx, out, ""); err != nil {
		if out.Context().Len() > h.msg.Context().Len() {
			fx.Nack(ctx, out.Context(), err)
			return
		}
		p.outcome(ctx, fx, h, err)
		return
	}
	if out.Context().Len() == h.msg.Context().Len() {
		// untracked: no outcome will come back
		p.finish(ctx, fx, h, nil)
	}
}

func (p *Processor) outcome(ctx context.Context, fx core.Effects, h *held, err error) {
	if err == nil || permanent(err) || h.attempts >= p.cfg.MaxAttempts || p.stopping {
		if err != nil {
			p.logger.Debug("giving up on message", zap.Int("attempts", h.attempts), zap.Error(err))
		}
		p.finish(ctx, fx, h, err)
		return
	}

	wait := p.cfg.backoff(h.attempts)
	fx.Telemetry().Counter("retries", 1)
	p.logger.Debug("retrying message", zap.Int("attempt", h.attempts+1), zap.Duration("backoff", wait), zap.Error(err))
	h.last = err
	h.cancel = fx.After(wait, func(ctx context.Context) {
		h.cancel = nil
		if _, ok := p.held[h]; !ok {
			return
		}
		p.send(ctx, fx, h)
	})
}

func (p *Processor) finish(ctx context.Context, fx core.Effects, h *held, err error) {
	if _, ok := p.held[h]; !ok {
		return
	}
	delete(p.held, h)
	if err != nil {
		fx.Telemetry().Counter("retries_exhausted", 1)
		fx.Nack(ctx, h.msg.Context(), err)
		return
	}
	fx.Ack(ctx, h.msg.Context())
}

// Shutdown nacks messages waiting for their next attempt
func (p *Processor) Shutdown(ctx context.Context) error {
	if p.fx == nil {
		return nil
	}
	p.stopping = true
	for h := range p.held {
		if h.cancel == nil {
			// in flight: its outcome still arrives while the node drains
			continue
		}
		h.cancel()
		p.finish(ctx, p.fx, h, fmt.Errorf("%w before retry %d: %w", core.ErrNodeStopped, h.attempts+1, h.last))
	}
	return nil
}
