package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/connector/registry"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
	"github.com/ajitpratap0/dfengine/pkg/testutil"
)

const (
	feederURN  = "urn:otel:feeder:receiver"
	passURN    = "urn:otel:pass:processor"
	captureURN = "urn:otel:capture:exporter"
)

var errBoom = errors.New("boom")

// feeder is a receiver fed by the test. Every message is tracked and its
// outcome reported on outcomes.
type feeder struct {
	mu       sync.Mutex
	queue    []*pdata.Message
	closed   bool
	notify   chan struct{}
	outcomes chan error
}

func newFeeder() *feeder {
	return &feeder{notify: make(chan struct{}, 1), outcomes: make(chan error, 4096)}
}

func (f *feeder) push(msgs ...*pdata.Message) {
	f.mu.Lock()
	f.queue = append(f.queue, msgs...)
	f.mu.Unlock()
	f.wake()
}

func (f *feeder) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wake()
}

func (f *feeder) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *feeder) Start(context.Context, core.Effects) error { return nil }
func (f *feeder) Shutdown(context.Context) error            { return nil }
func (f *feeder) Ready() <-chan struct{}                    { return f.notify }

func (f *feeder) Poll(_ context.Context, fx core.Effects) (*pdata.Message, error) {
	f.mu.Lock()
	if len(f.queue) == 0 {
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return nil, io.EOF
		}
		return nil, nil
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	f.mu.Unlock()

	out, err := fx.Track(msg, func(_ context.Context, o core.Outcome) {
		f.outcomes <- o.Err
	})
	if err != nil {
		f.outcomes <- err
		return nil, nil
	}
	if out.Context().Len() == msg.Context().Len() {
		f.outcomes <- nil
	}
	return out, nil
}

// await collects n outcomes
func (f *feeder) await(t *testing.T, n int) []error {
	t.Helper()
	out := make([]error, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case err := <-f.outcomes:
			out = append(out, err)
		case <-deadline:
			t.Fatalf("got %d of %d outcomes", len(out), n)
		}
	}
	return out
}

// pass forwards, drops, fails or panics depending on its mode, which a config
// reload can change
type pass struct {
	mode  string
	every time.Duration
	ticks atomic.Int32
}

func (p *pass) Start(_ context.Context, fx core.Effects) error {
	if p.every > 0 {
		fx.StartPeriodicTimer(p.every)
	}
	return nil
}

func (p *pass) Shutdown(context.Context) error { return nil }

func (p *pass) Process(_ context.Context, msg *pdata.Message, _ core.Effects) core.ProcessOutcome {
	switch p.mode {
	case "drop":
		return core.Drop()
	case "fail":
		return core.Fail(errBoom)
	case "panic":
		panic("processor exploded")
	}
	return core.Forward(msg, "")
}

func (p *pass) OnControl(_ context.Context, msg core.ControlMsg, _ core.Effects) error {
	switch msg.Kind {
	case core.ControlTimerTick:
		p.ticks.Add(1)
	case core.ControlConfigReload:
		mode, ok := msg.Config["mode"].(string)
		if !ok {
			return errors.New("mode is required")
		}
		p.mode = mode
	}
	return nil
}

// capture records what it exports and answers according to its mode
type capture struct {
	mode string

	mu      sync.Mutex
	msgs    []*pdata.Message
	futures []chan error
}

func (c *capture) Start(context.Context, core.Effects) error { return nil }
func (c *capture) Shutdown(context.Context) error            { return nil }

func (c *capture) Export(_ context.Context, msg *pdata.Message, _ core.Effects) core.DeliveryResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	switch c.mode {
	case "nack":
		return core.Nack(errBoom)
	case "panic":
		panic("exporter exploded")
	case "pending", "hang":
		done := make(chan error, 1)
		c.futures = append(c.futures, done)
		return core.Pending(done)
	}
	return core.Ack()
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *capture) items() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, m := range c.msgs {
		n += m.Items()
	}
	return n
}

// complete settles the i-th pending export
func (c *capture) complete(i int, err error) {
	c.mu.Lock()
	done := c.futures[i]
	c.mu.Unlock()
	done <- err
}

// fixture is a registry of the test plugins that remembers every instance it
// built, by node name in build order
type fixture struct {
	reg *registry.Registry

	mu        sync.Mutex
	instances map[string][]any
}

func newFixture() *fixture {
	f := &fixture{reg: registry.NewRegistry(), instances: make(map[string][]any)}
	f.reg.MustRegister(core.Factory{
		URN:   feederURN,
		Ports: core.PortSpec{Dynamic: true},
		New: func(nc core.NodeContext, _ core.RawConfig) (core.Instance, error) {
			r := newFeeder()
			f.keep(nc.Name, r)
			return core.ReceiverInstance(r), nil
		},
	})
	f.reg.MustRegister(core.Factory{
		URN:   passURN,
		Ports: core.PortSpec{Dynamic: true},
		New: func(nc core.NodeContext, raw core.RawConfig) (core.Instance, error) {
			p := &pass{}
			p.mode, _ = raw["mode"].(string)
			if s, ok := raw["tick"].(string); ok {
				d, err := time.ParseDuration(s)
				if err != nil {
					return core.Instance{}, err
				}
				p.every = d
			}
			f.keep(nc.Name, p)
			return core.ProcessorInstance(p), nil
		},
	})
	f.reg.MustRegister(core.Factory{
		URN: captureURN,
		New: func(nc core.NodeContext, raw core.RawConfig) (core.Instance, error) {
			c := &capture{}
			c.mode, _ = raw["mode"].(string)
			f.keep(nc.Name, c)
			return core.ExporterInstance(c), nil
		},
	})
	return f
}

func (f *fixture) keep(name string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[name] = append(f.instances[name], v)
}

func (f *fixture) instance(t *testing.T, name string, replica int) any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.instances[name]), replica, "no instance %d of %q", replica, name)
	return f.instances[name][replica]
}

func (f *fixture) feeder(t *testing.T, name string) *feeder {
	return f.instance(t, name, 0).(*feeder)
}

func (f *fixture) pass(t *testing.T, name string) *pass {
	return f.instance(t, name, 0).(*pass)
}

func (f *fixture) capture(t *testing.T, name string) *capture {
	return f.instance(t, name, 0).(*capture)
}

func feederNode(dests ...string) config.NodeConfig {
	return config.NodeConfig{
		Kind: config.KindReceiver, PluginURN: feederURN,
		OutPorts: map[string]config.PortConfig{"out": {Destinations: dests}},
	}
}

func passNode(mode string, dests ...string) config.NodeConfig {
	return config.NodeConfig{
		Kind: config.KindProcessor, PluginURN: passURN,
		Config:   map[string]any{"mode": mode},
		OutPorts: map[string]config.PortConfig{"out": {Destinations: dests}},
	}
}

func captureNode(mode string) config.NodeConfig {
	return config.NodeConfig{Kind: config.KindExporter, PluginURN: captureURN, Config: map[string]any{"mode": mode}}
}

// startEngine builds and starts an engine over nodes and waits until it is
// ready
func startEngine(t *testing.T, f *fixture, cores int, eng config.EngineConfig, nodes map[string]config.NodeConfig) *Engine {
	t.Helper()
	cfg := &config.PipelineConfig{Engine: eng, Nodes: nodes}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	e, err := NewEngine(cfg, EngineOptions{Name: "test", Cores: cores, Registry: f.reg, Logger: testutil.TestLogger(t)})
	require.NoError(t, err)
	require.NoError(t, e.Start(testutil.TestContext(t)))
	testutil.AssertEventually(t, e.Ready, 5*time.Second, "engine never became ready")
	return e
}

// stopEngine shuts the engine down and checks nothing it registered is left
func stopEngine(t *testing.T, e *Engine) Report {
	t.Helper()
	e.Shutdown()
	report, err := e.Wait(testutil.TestContext(t))
	require.NoError(t, err)
	require.Zero(t, e.Entities().Live(), "entities leaked: %v", e.Entities().Snapshot())
	return report
}

func logs(t *testing.T, n int) *pdata.Message {
	return testutil.Message(t, testutil.Logs(0, n, nil))
}
