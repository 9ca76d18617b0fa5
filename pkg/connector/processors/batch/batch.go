// Package batch coalesces small messages into larger batches per signal.
//
// Every inbound message is retained until each of its rows has been
// delivered in some outgoing batch; its delivery context is then acked, or
// nacked with the first failure any of its rows saw. A message whose rows are
// split across batches by send_batch_max_size is settled once, after the last
// of those batches resolved.
package batch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// URN of the batch processor
const URN = "urn:otel:batch:processor"

const (
	defaultSendBatchSize = 8192
	defaultTimeout       = 200 * time.Millisecond
)

// Flush triggers, reported as telemetry
const (
	triggerSize     = "size"
	triggerTimeout  = "timeout"
	triggerShutdown = "shutdown"
)

// Config is the batch processor configuration
type Config struct {
	// SendBatchSize is the row count that triggers a send
	SendBatchSize int `yaml:"send_batch_size"`
	// SendBatchMaxSize caps outgoing batches; zero means no cap
	SendBatchMaxSize int `yaml:"send_batch_max_size"`
	// Timeout sends whatever is buffered this long after the first row
	// arrived; zero disables time based sends
	Timeout time.Duration `yaml:"timeout"`
}

func (c Config) validate() error {
	switch {
	case c.SendBatchSize <= 0:
		return fmt.Errorf("send_batch_size must be positive, got %d", c.SendBatchSize)
	case c.SendBatchMaxSize < 0:
		return fmt.Errorf("send_batch_max_size must not be negative, got %d", c.SendBatchMaxSize)
	case c.SendBatchMaxSize > 0 && c.SendBatchMaxSize < c.SendBatchSize:
		return fmt.Errorf("send_batch_max_size %d is below send_batch_size %d", c.SendBatchMaxSize, c.SendBatchSize)
	case c.Timeout < 0:
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	return nil
}

// inbound is a received message awaiting the outcome of its rows
type inbound struct {
	ctx    pdata.Context
	pieces int
	err    error
}

// piece is a run of rows of one inbound message
type piece struct {
	data *pdata.Columnar
	in   *inbound
}

type buffer struct {
	signal pdata.Signal
	pieces []piece
	items  int
	// cancel disarms the pending timeout send
	cancel func()
}

// Processor is the batch processor
type Processor struct {
	cfg     Config
	logger  *zap.Logger
	fx      core.Effects
	buffers map[pdata.Signal]*buffer
	sent    int
}

var (
	_ core.Processor      = (*Processor)(nil)
	_ core.ControlHandler = (*Processor)(nil)
)

// New builds a batch processor
func New(nc core.NodeContext, raw core.RawConfig) (core.Instance, error) {
	cfg := Config{SendBatchSize: defaultSendBatchSize, Timeout: defaultTimeout}
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
	return core.ProcessorInstance(&Processor{
		cfg:     cfg,
		logger:  logger,
		buffers: make(map[pdata.Signal]*buffer),
	}), nil
}

// Start implements core.Lifecycle
func (p *Processor) Start(_ context.Context, fx core.Effects) error {
	p.fx = fx
	return nil
}

func (p *Processor) buffer(s pdata.Signal) *buffer {
	b, ok := p.buffers[s]
	if !ok {
		b = &buffer{signal: s}
		p.buffers[s] = b
	}
	return b
}

// Process implements core.Processor
func (p *Processor) Process(ctx context.Context, msg *pdata.Message, fx core.Effects) core.ProcessOutcome {
	if msg.Items() == 0 {
		return core.Drop()
	}
	data, err := pdata.ToColumnar(msg.Payload())
	if err != nil {
		return core.Fail(err)
	}

	b := p.buffer(msg.Signal())
	b.pieces = append(b.pieces, piece{data: data, in: &inbound{ctx: msg.Context(), pieces: 1}})
	b.items += data.Items()

	if b.items >= p.cfg.SendBatchSize {
		p.flush(ctx, fx, b, triggerSize)
	}
	p.arm(fx, b)
	return core.Retained()
}

// arm schedules the timeout send for a buffer holding rows
func (p *Processor) arm(fx core.Effects, b *buffer) {
	if b.items == 0 || b.cancel != nil || p.cfg.Timeout <= 0 {
		return
	}
	b.cancel = fx.After(p.cfg.Timeout, func(ctx context.Context) {
		b.cancel = nil
		p.flush(ctx, fx, b, triggerTimeout)
	})
}

func (p *Processor) disarm(b *buffer) {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

// flush sends batches out of b. A size trigger sends while at least
// send_batch_size rows are buffered; the others send everything.
func (p *Processor) flush(ctx context.Context, fx core.Effects, b *buffer, trigger string) {
	for b.items > 0 {
		if trigger == triggerSize && b.items < p.cfg.SendBatchSize {
			break
		}
		limit := b.items
		if p.cfg.SendBatchMaxSize > 0 && limit > p.cfg.SendBatchMaxSize {
			limit = p.cfg.SendBatchMaxSize
		}
		p.emit(ctx, fx, b.signal, b.take(limit), trigger)
	}
	if b.items == 0 {
		p.disarm(b)
	}
}

// take removes up to limit rows from the front of the buffer, splitting the
// piece that straddles the limit
func (b *buffer) take(limit int) []piece {
	var out []piece
	room := limit
	for room > 0 && len(b.pieces) > 0 {
		head := b.pieces[0]
		n := head.data.Items()
		if n <= room {
			out = append(out, head)
			b.pieces[0] = piece{}
			b.pieces = b.pieces[1:]
			room -= n
			continue
		}
		head.in.pieces++
		out = append(out, piece{data: head.data.Slice(0, room), in: head.in})
		b.pieces[0] = piece{data: head.data.Slice(room, n), in: head.in}
		room = 0
	}
	b.items -= limit - room
	return out
}

func (p *Processor) emit(ctx context.Context, fx core.Effects, signal pdata.Signal, parts []piece, trigger string) {
	datas := make([]*pdata.Columnar, len(parts))
	tracked := false
	for i, part := range parts {
		datas[i] = part.data
		if !part.in.ctx.Empty() {
			tracked = true
		}
	}
	batch, err := pdata.Concat(datas)
	if err != nil {
		p.settle(ctx, fx, parts, err)
		return
	}

	msg := pdata.NewMessage(batch)
	out := msg
	if tracked {
		out, err = fx.Track(msg, func(ctx context.Context, o core.Outcome) {
			p.settle(ctx, fx, parts, o.Err)
		})
		if err != nil {
			p.settle(ctx, fx, parts, err)
			return
		}
	}
	owned := out.Context().Len() > msg.Context().Len()

	if err := fx.Send(ctx, out, ""); err != nil {
		p.logger.Warn("failed to send batch", zap.Stringer("signal", signal), zap.Error(err))
		if owned {
			// settles through the outcome callback
			fx.Nack(ctx, out.Context(), err)
		} else {
			p.settle(ctx, fx, parts, err)
		}
		return
	}
	if !owned {
		p.settle(ctx, fx, parts, nil)
	}

	p.sent++
	tel := fx.Telemetry()
	tel.Counter("batches_sent", 1)
	tel.Counter("batch_items_sent", float64(batch.Items()))
	tel.Counter("batch_send_trigger_"+trigger, 1)
}

// settle resolves one outgoing batch for each of its pieces
func (p *Processor) settle(ctx context.Context, fx core.Effects, parts []piece, err error) {
	for _, part := range parts {
		in := part.in
		if err != nil && in.err == nil {
			in.err = err
		}
		in.pieces--
		if in.pieces > 0 {
			continue
		}
		if in.err != nil {
			fx.Nack(ctx, in.ctx, in.err)
		} else {
			fx.Ack(ctx, in.ctx)
		}
	}
}

// OnControl applies config reloads. Fields missing from the new config keep
// their current value.
func (p *Processor) OnControl(ctx context.Context, msg core.ControlMsg, fx core.Effects) error {
	if msg.Kind != core.ControlConfigReload {
		return nil
	}
	next := p.cfg
	if err := config.DecodePluginConfig(msg.Config, &next); err != nil {
		return err
	}
	if err := next.validate(); err != nil {
		return err
	}
	timeoutChanged := next.Timeout != p.cfg.Timeout
	p.cfg = next
	p.logger.Info("batch config reloaded",
		zap.Int("send_batch_size", next.SendBatchSize),
		zap.Int("send_batch_max_size", next.SendBatchMaxSize),
		zap.Duration("timeout", next.Timeout))

	for _, s := range pdata.Signals {
		b, ok := p.buffers[s]
		if !ok {
			continue
		}
		if timeoutChanged {
			p.disarm(b)
		}
		p.flush(ctx, fx, b, triggerSize)
		p.arm(fx, b)
	}
	return nil
}

// Shutdown sends everything still buffered
func (p *Processor) Shutdown(ctx context.Context) error {
	if p.fx == nil {
		return nil
	}
	var pending int
	for _, s := range pdata.Signals {
		if b, ok := p.buffers[s]; ok {
			pending += b.items
			p.flush(ctx, p.fx, b, triggerShutdown)
		}
	}
	p.logger.Debug("batch processor stopped", zap.Int("flushed_items", pending), zap.Int("batches_sent", p.sent))
	return nil
}
