package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/internal/channel"
	"github.com/ajitpratap0/dfengine/internal/delivery"
	"github.com/ajitpratap0/dfengine/internal/entity"
	"github.com/ajitpratap0/dfengine/internal/graph"
	"github.com/ajitpratap0/dfengine/internal/scheduler"
	"github.com/ajitpratap0/dfengine/internal/telemetry"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/metrics"
	"github.com/ajitpratap0/dfengine/pkg/observability"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// shutdownGrace bounds plugin Shutdown hooks that run after a fault or a
// forced stop, when the node context may already be cancelled
const shutdownGrace = time.Second

// node is the runtime of one graph node. Everything except the atomics and the
// status fields guarded by mu is owned by the node's task.
type node struct {
	p     *Pipeline
	g     *graph.Node
	inbox *channel.Inbox[core.ControlMsg]
	// ctx is the task context, set when the task starts
	ctx context.Context

	pending   *delivery.Table
	ports     []*outPort
	fx        *effects
	logger    *zap.Logger
	ent       entity.Entity
	owned     []entity.ID
	collector *metrics.Collector
	tel       *telemetry.Bound

	timers    map[core.TimerID]*periodic
	nextTimer core.TimerID
	afters    map[uint64]*time.Timer
	nextAfter uint64

	// exporter futures still outstanding, by id
	inflight   map[uint64]pdata.Context
	nextFuture uint64
	// current is the message handed to the plugin and not yet returned from it
	current *pdata.Message

	draining     bool
	deadline     time.Time
	shutdownDone bool
	processed    int

	phase      atomic.Uint32
	pendingLen atomic.Int64
	forced     atomic.Bool
	started    chan struct{}
	startOnce  sync.Once
	stopped    chan struct{}

	mu     sync.Mutex
	reason error
}

func newNode(p *Pipeline, g *graph.Node) *node {
	n := &node{
		p:        p,
		g:        g,
		inbox:    channel.NewInbox[core.ControlMsg](),
		pending:  delivery.New(delivery.ConfigFrom(g.Config.Pending)),
		timers:   make(map[core.TimerID]*periodic),
		afters:   make(map[uint64]*time.Timer),
		inflight: make(map[uint64]pdata.Context),
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, port := range g.Ports {
		n.ports = append(n.ports, newOutPort(port))
	}

	n.ent = p.entities.Register(entity.Entity{
		Kind:     entity.KindNode,
		Pipeline: p.name,
		Node:     g.Name,
		Core:     g.Core,
		Parent:   p.ent.ID,
	})
	n.owned = append(n.owned, n.ent.ID)
	if g.Input != nil {
		rx := p.entities.Register(entity.Entity{
			Kind: entity.KindReceiver, Pipeline: p.name, Node: g.Name, Core: g.Core, Parent: n.ent.ID,
		})
		n.owned = append(n.owned, rx.ID)
	}
	for _, port := range g.Ports {
		for range port.Edges {
			tx := p.entities.Register(entity.Entity{
				Kind: entity.KindSender, Pipeline: p.name, Node: g.Name, Core: g.Core, Port: port.Name, Parent: n.ent.ID,
			})
			n.owned = append(n.owned, tx.ID)
		}
	}

	n.logger = p.logger.With(n.ent.Fields()...).With(zap.String("kind", string(g.Kind)))
	n.collector = p.emitter.Collector(n.ent)
	n.fx = &effects{n: n}
	n.setPhase(PhaseStarting)
	return n
}

func (n *node) name() string { return n.g.Name }

func (n *node) Phase() Phase { return Phase(n.phase.Load()) }

func (n *node) setPhase(ph Phase) {
	n.phase.Store(uint32(ph))
	n.collector.Phase(ph.String(), phaseNames)
	if ph != PhaseStarting {
		n.startOnce.Do(func() { close(n.started) })
	}
}

func (n *node) setReason(err error) {
	n.mu.Lock()
	n.reason = err
	n.mu.Unlock()
}

func (n *node) Reason() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reason
}

func (n *node) syncPending() {
	l := n.pending.Len()
	n.pendingLen.Store(int64(l))
	n.collector.Pending(l)
}

// run is the node task
func (n *node) run(ctx context.Context) (err error) {
	ctx = entity.WithEntity(ctx, n.ent)
	n.tel = n.p.emitter.Bind(ctx)
	ctx, span := observability.StartNodeSpan(ctx, "node.run", n.p.name, n.name(), n.g.Core)
	n.ctx = ctx

	defer func() {
		if r := recover(); r != nil {
			err = &scheduler.PanicError{Task: n.name(), Value: r, Stack: debug.Stack()}
		}
		err = n.teardown(ctx, err)
		span.RecordError(err)
		span.SetAttribute("df_engine.phase", n.Phase().String())
		span.End()
	}()

	if err := n.g.Instance.Lifecycle().Start(ctx, n.fx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	n.setPhase(PhaseRunning)
	n.logger.Debug("node running")

	switch n.g.Kind {
	case core.KindReceiver:
		return n.runReceiver(ctx)
	case core.KindProcessor:
		return n.runConsumer(ctx, n.process)
	case core.KindExporter:
		return n.runConsumer(ctx, n.export)
	}
	return fmt.Errorf("node kind %q has no runtime", n.g.Kind)
}

// runReceiver polls the plugin until shutdown or EOF, then drains
func (n *node) runReceiver(ctx context.Context) error {
	r := n.g.Instance.Receiver
	for {
		if err := n.control(ctx); err != nil {
			return err
		}
		if n.draining {
			break
		}

		msg, err := r.Poll(ctx, n.fx)
		if errors.Is(err, io.EOF) {
			n.logger.Debug("receiver reached end of input")
			n.beginDrain(time.Now().Add(n.p.drainTimeout))
			break
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if msg != nil {
			n.collector.MessagesIn(1, msg.Items())
			n.forward(ctx, msg, "")
			n.tick(ctx)
			continue
		}
		if err := n.wait(ctx, r.Ready()); err != nil {
			return err
		}
	}

	n.closePorts()
	if err := n.waitSettled(ctx); err != nil {
		return err
	}
	// callers blocked on a tracked submission must hear back before the
	// plugin's own shutdown waits for them
	if left := n.pending.Drain(ctx, core.ErrDrainTimeout); left > 0 {
		n.logger.Warn("nacked deliveries left at drain deadline", zap.Int("count", left))
		n.syncPending()
	}
	n.shutdownPlugin(ctx)
	return nil
}

// runConsumer is the processor and exporter loop: it consumes the input until
// every upstream sender closed, then flushes and drains
func (n *node) runConsumer(ctx context.Context, handle func(context.Context, *pdata.Message)) error {
	in := n.g.Input
	for {
		if err := n.control(ctx); err != nil {
			return err
		}
		if n.draining && !time.Now().Before(n.deadline) {
			n.forced.Store(true)
			return core.ErrDrainTimeout
		}

		msg, err := in.TryRecv()
		if err == nil {
			n.collector.MessagesIn(1, msg.Items())
			start := time.Now()
			n.current = msg
			handle(ctx, msg)
			n.current = nil
			n.collector.Observe(time.Since(start))
			n.tick(ctx)
			continue
		}
		if errors.Is(err, channel.ErrClosed) {
			break
		}
		if err := n.wait(ctx, in.Ready()); err != nil {
			return err
		}
	}

	if !n.draining {
		n.beginDrain(time.Now().Add(n.p.drainTimeout))
	}
	if n.g.Kind == core.KindProcessor {
		// processors may still send while flushing
		n.shutdownPlugin(ctx)
		n.closePorts()
		return n.waitSettled(ctx)
	}
	n.closePorts()
	if err := n.waitSettled(ctx); err != nil {
		return err
	}
	n.shutdownPlugin(ctx)
	return nil
}

func (n *node) tick(ctx context.Context) {
	n.processed++
	if n.processed%scheduler.YieldEvery == 0 {
		scheduler.Yield(ctx)
	}
}

func (n *node) forward(ctx context.Context, msg *pdata.Message, port string) {
	if err := n.route(ctx, msg, port, true); err != nil {
		n.p.resolve(msg.Context(), err)
	}
}

func (n *node) process(ctx context.Context, msg *pdata.Message) {
	out := n.g.Instance.Processor.Process(ctx, msg, n.fx)
	switch {
	case out.IsForward():
		for _, r := range out.Routed() {
			if r.Msg != nil {
				n.forward(ctx, r.Msg, r.Port)
			}
		}
	case out.IsDrop():
		n.p.resolve(msg.Context(), nil)
	case out.IsFail():
		reason := out.Err()
		if reason == nil {
			reason = errors.New("processing failed")
		}
		n.p.resolve(msg.Context(), reason)
	case out.IsRetained():
	default:
		n.p.resolve(msg.Context(), fmt.Errorf("processor %q returned no outcome", n.name()))
	}
}

func (n *node) export(ctx context.Context, msg *pdata.Message) {
	res := n.g.Instance.Exporter.Export(ctx, msg, n.fx)
	switch {
	case res.IsAck():
		n.p.resolve(msg.Context(), nil)
	case res.IsNack():
		n.p.resolve(msg.Context(), res.Err())
	case res.IsPending():
		n.await(ctx, msg.Context(), res.Future())
	default:
		n.p.resolve(msg.Context(), fmt.Errorf("exporter %q returned no result", n.name()))
	}
}

// await watches an export future off-executor and settles it back on the
// node task
func (n *node) await(ctx context.Context, c pdata.Context, future <-chan error) {
	if future == nil {
		n.p.resolve(c, nil)
		return
	}
	n.nextFuture++
	id := n.nextFuture
	n.inflight[id] = c

	go func() {
		var err error
		select {
		case e, ok := <-future:
			if ok {
				err = e
			}
		case <-n.stopped:
			return
		}
		_ = n.inbox.Push(core.ControlMsg{Kind: core.ControlDeferred, Run: func(context.Context) {
			if c, ok := n.inflight[id]; ok {
				delete(n.inflight, id)
				n.p.resolve(c, err)
			}
		}})
	}()
}

// control handles every queued control message and expires overdue pending
// entries
func (n *node) control(ctx context.Context) error {
	for {
		msg, ok := n.inbox.Pop()
		if !ok {
			break
		}
		if err := n.handleControl(ctx, msg); err != nil {
			return err
		}
	}
	if dl, ok := n.pending.NextDeadline(); ok && !time.Now().Before(dl) {
		if expired := n.pending.Sweep(ctx, time.Now()); expired > 0 {
			n.logger.Debug("pending deliveries timed out", zap.Int("count", expired))
		}
		n.syncPending()
	}
	return ctx.Err()
}

func (n *node) handleControl(ctx context.Context, msg core.ControlMsg) error {
	switch msg.Kind {
	case core.ControlAck, core.ControlNack:
		n.pending.Resolve(ctx, delivery.Token(msg.Token), msg.Err)
		n.syncPending()
	case core.ControlDeferred:
		if msg.Run != nil {
			msg.Run(ctx)
		}
	case core.ControlShutdown:
		deadline := msg.Deadline
		if deadline.IsZero() {
			deadline = time.Now().Add(n.p.drainTimeout)
		}
		n.beginDrain(deadline)
	case core.ControlTimerTick:
		t, ok := n.timers[msg.Timer]
		if !ok {
			return nil
		}
		t.armed.Store(false)
		n.deliverControl(ctx, msg)
	case core.ControlConfigReload:
		n.logger.Info("config reload requested")
		n.deliverControl(ctx, msg)
	}
	return nil
}

func (n *node) deliverControl(ctx context.Context, msg core.ControlMsg) {
	h, ok := n.g.Instance.ControlHandler()
	if !ok {
		if msg.Kind == core.ControlConfigReload {
			n.logger.Warn("node does not support config reload")
		}
		return
	}
	if err := h.OnControl(ctx, msg, n.fx); err != nil {
		n.logger.Warn("control message rejected", zap.Stringer("control", msg.Kind), zap.Error(err))
		n.tel.Event("control_rejected", zap.Stringer("control", msg.Kind), zap.Error(err))
	}
}

func (n *node) beginDrain(deadline time.Time) {
	if n.draining {
		if deadline.Before(n.deadline) {
			n.deadline = deadline
		}
		return
	}
	n.draining = true
	n.deadline = deadline
	n.setPhase(PhaseDraining)
	n.logger.Debug("node draining", zap.Time("deadline", deadline))
	// back edges would keep a cyclic graph's inputs open forever
	for _, p := range n.ports {
		if p.backEdge {
			p.close()
		}
	}
}

func (n *node) closePorts() {
	for _, p := range n.ports {
		p.close()
	}
}

// waitSettled keeps handling control messages until the pending table and the
// export futures are empty or the drain deadline passed
func (n *node) waitSettled(ctx context.Context) error {
	for {
		if err := n.control(ctx); err != nil {
			return err
		}
		if n.pending.Len() == 0 && len(n.inflight) == 0 {
			return nil
		}
		if !time.Now().Before(n.deadline) {
			n.forced.Store(true)
			n.logger.Warn("drain deadline passed with deliveries in flight",
				zap.Int("pending", n.pending.Len()),
				zap.Int("futures", len(n.inflight)))
			return nil
		}
		if err := n.wait(ctx, nil); err != nil {
			return err
		}
	}
}

// wait suspends the task until a control message, data (when data is not
// nil), the next pending deadline or the drain deadline
func (n *node) wait(ctx context.Context, data <-chan struct{}) error {
	var wake time.Time
	if dl, ok := n.pending.NextDeadline(); ok {
		wake = dl
	}
	if n.draining && (wake.IsZero() || n.deadline.Before(wake)) {
		wake = n.deadline
	}
	var timeout <-chan time.Time
	if !wake.IsZero() {
		t := time.NewTimer(time.Until(wake))
		defer t.Stop()
		timeout = t.C
	}

	var err error
	scheduler.Suspend(ctx, func() {
		select {
		case <-n.inbox.Ready():
		case <-data:
		case <-timeout:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (n *node) shutdownPlugin(ctx context.Context) {
	if n.shutdownDone {
		return
	}
	n.shutdownDone = true
	sctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
	}
	if err := n.g.Instance.Lifecycle().Shutdown(sctx); err != nil {
		n.logger.Warn("plugin shutdown failed", zap.Error(err))
	}
}

// teardown settles everything the node still holds and marks it terminal.
// result is the run error: nil for a clean stop, a context or drain timeout
// error for a forced stop, anything else is a fault.
func (n *node) teardown(ctx context.Context, result error) error {
	forced := errors.Is(result, context.Canceled) || errors.Is(result, context.DeadlineExceeded) ||
		errors.Is(result, core.ErrDrainTimeout)
	faulted := result != nil && !forced

	reason := core.ErrDrainTimeout
	if faulted {
		reason = result
		n.collector.Fault()
		n.logger.Error("node faulted", zap.Error(result))
		// the plugin never returned the message it was handed
		if cur := n.current; cur != nil {
			n.current = nil
			n.p.resolve(cur.Context(), fmt.Errorf("node %q faulted: %w", n.name(), result))
		}
	}
	if forced {
		n.forced.Store(true)
	}

	// outputs first: anything the plugin or a callback still sends now fails
	// and is nacked instead of lingering downstream
	n.closePorts()
	n.shutdownPlugin(ctx)

	if n.g.Input != nil {
		n.g.Input.Close()
		for _, msg := range n.g.Input.Drain() {
			n.p.resolve(msg.Context(), reason)
		}
	}

	close(n.stopped)
	for id, c := range n.inflight {
		delete(n.inflight, id)
		n.p.resolve(c, reason)
	}
	// acks that raced the deadline are still worth applying
	for {
		msg, ok := n.inbox.Pop()
		if !ok {
			break
		}
		if msg.Kind == core.ControlAck || msg.Kind == core.ControlNack {
			n.pending.Resolve(ctx, delivery.Token(msg.Token), msg.Err)
		}
	}
	n.inbox.Close()
	if left := n.pending.Drain(ctx, reason); left > 0 {
		n.logger.Warn("nacked deliveries left at stop", zap.Int("count", left), zap.Error(reason))
	}
	n.syncPending()
	n.stopTimers()

	if faulted {
		n.setReason(result)
		n.setPhase(PhaseFaulted)
	} else {
		n.setPhase(PhaseStopped)
		n.logger.Debug("node stopped", zap.Bool("forced", n.forced.Load()))
	}
	for _, id := range n.owned {
		n.p.entities.Release(id)
	}

	if faulted {
		return result
	}
	return nil
}

func (n *node) stopTimers() {
	for id, t := range n.timers {
		t.stop()
		delete(n.timers, id)
	}
	for id, t := range n.afters {
		t.Stop()
		delete(n.afters, id)
	}
}

// periodic drives a TimerTick. armed suppresses ticks while one is still
// queued in the inbox.
type periodic struct {
	done  chan struct{}
	once  sync.Once
	armed atomic.Bool
}

func (t *periodic) stop() {
	t.once.Do(func() { close(t.done) })
}

func (t *periodic) run(d time.Duration, fire func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !t.armed.Swap(true) {
				fire()
			}
		case <-t.done:
			return
		}
	}
}
