package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/internal/scheduler"
	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/metrics"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

var errNackedByPlugin = errors.New("delivery rejected")

// effects is the core.Effects handed to a node's plugin. It must only be used
// from the node task.
type effects struct {
	n *node
}

var _ core.Effects = (*effects)(nil)

func (fx *effects) NodeName() string { return fx.n.name() }

func (fx *effects) Logger() *zap.Logger { return fx.n.logger }

func (fx *effects) Ports() []string {
	out := make([]string, 0, len(fx.n.ports))
	for _, p := range fx.n.ports {
		out = append(out, p.name)
	}
	return out
}

func (fx *effects) Telemetry() core.Telemetry { return fx.n.tel }

func (fx *effects) Send(ctx context.Context, msg *pdata.Message, port string) error {
	return fx.n.route(ctx, msg, port, true)
}

func (fx *effects) TrySend(msg *pdata.Message, port string) error {
	return fx.n.route(fx.n.ctx, msg, port, false)
}

func (fx *effects) Track(msg *pdata.Message, cb core.OutcomeFunc) (*pdata.Message, error) {
	n := fx.n
	tok, err := n.pending.Insert(msg.Context(), 1, msg.Items(), n.observeOutcome(cb))
	if errors.Is(err, core.ErrPendingFull) {
		n.collector.Rejected()
		if n.pending.Config().WhenFull == config.WhenFullUntracked {
			return msg, nil
		}
		return nil, err
	}
	n.syncPending()
	return msg.WithContext(msg.Context().Push(pdata.Frame{
		Node:  int32(n.g.ID),
		Token: uint64(tok),
		Items: msg.Items(),
	})), nil
}

// observeOutcome counts the outcome before handing it to the plugin
func (n *node) observeOutcome(cb core.OutcomeFunc) core.OutcomeFunc {
	return func(ctx context.Context, o core.Outcome) {
		switch {
		case o.Err == nil:
			n.collector.Delivery(metrics.OutcomeAck)
		case errors.Is(o.Err, core.ErrTimeout):
			n.collector.Delivery(metrics.OutcomeTimeout)
		default:
			n.collector.Delivery(metrics.OutcomeNack)
		}
		if cb != nil {
			cb(ctx, o)
		}
	}
}

func (fx *effects) Ack(_ context.Context, c pdata.Context) {
	fx.n.p.resolve(c, nil)
}

func (fx *effects) Nack(_ context.Context, c pdata.Context, reason error) {
	if reason == nil {
		reason = errNackedByPlugin
	}
	fx.n.p.resolve(c, reason)
}

func (fx *effects) After(d time.Duration, fn func(ctx context.Context)) func() {
	n := fx.n
	n.nextAfter++
	id := n.nextAfter
	n.afters[id] = time.AfterFunc(d, func() {
		_ = n.inbox.Push(core.ControlMsg{Kind: core.ControlDeferred, Run: func(ctx context.Context) {
			if _, ok := n.afters[id]; ok {
				delete(n.afters, id)
				fn(ctx)
			}
		}})
	})
	return func() {
		if t, ok := n.afters[id]; ok {
			t.Stop()
			delete(n.afters, id)
		}
	}
}

func (fx *effects) StartPeriodicTimer(d time.Duration) (core.TimerID, func()) {
	n := fx.n
	n.nextTimer++
	id := n.nextTimer
	t := &periodic{done: make(chan struct{})}
	n.timers[id] = t
	go t.run(d, func() {
		_ = n.inbox.Push(core.ControlMsg{Kind: core.ControlTimerTick, Timer: id})
	})
	return id, func() {
		t.stop()
		delete(n.timers, id)
	}
}

func (fx *effects) Blocking(ctx context.Context, fn func() error) error {
	return scheduler.Blocking(ctx, fn)
}
