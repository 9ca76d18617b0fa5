package testutil

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// Sent is one message a plugin routed through Effects
type Sent struct {
	Msg  *pdata.Message
	Port string
}

// Settled is one Ack or Nack a plugin issued
type Settled struct {
	Context pdata.Context
	Err     error
}

type deferred struct {
	d         time.Duration
	fn        func(context.Context)
	cancelled bool
}

// Effects is an in-memory core.Effects for driving a plugin directly in
// tests. Tracking pushes real frames so plugins see the same contexts the
// runtime would give them; ResolveSent plays the downstream outcome back.
type Effects struct {
	Name   string
	Log    *zap.Logger
	Wired  []string
	Frames int32

	// SendErr fails Send and TrySend when set
	SendErr error
	// TrackErr fails Track when set
	TrackErr error
	// Untracked makes Track return the message unchanged
	Untracked bool

	mu       sync.Mutex
	sent     []Sent
	settled  []Settled
	tracked  map[uint64]core.OutcomeFunc
	next     uint64
	deferred []*deferred
	timers   int
	counters map[string]float64
	events   []string
}

var _ core.Effects = (*Effects)(nil)

// NewEffects returns an effect handle for a node named name with the given
// wired ports
func NewEffects(t testing.TB, name string, ports ...string) *Effects {
	sort.Strings(ports)
	return &Effects{
		Name:     name,
		Log:      TestLogger(t),
		Wired:    ports,
		tracked:  make(map[uint64]core.OutcomeFunc),
		counters: make(map[string]float64),
	}
}

func (fx *Effects) NodeName() string          { return fx.Name }
func (fx *Effects) Logger() *zap.Logger       { return fx.Log }
func (fx *Effects) Ports() []string           { return fx.Wired }
func (fx *Effects) Telemetry() core.Telemetry { return fx }

func (fx *Effects) Send(_ context.Context, msg *pdata.Message, port string) error {
	return fx.TrySend(msg, port)
}

func (fx *Effects) TrySend(msg *pdata.Message, port string) error {
	if fx.SendErr != nil {
		return fx.SendErr
	}
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.sent = append(fx.sent, Sent{Msg: msg, Port: port})
	return nil
}

func (fx *Effects) Track(msg *pdata.Message, cb core.OutcomeFunc) (*pdata.Message, error) {
	if fx.TrackErr != nil {
		return nil, fx.TrackErr
	}
	if fx.Untracked {
		return msg, nil
	}
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.next++
	fx.tracked[fx.next] = cb
	return msg.WithContext(msg.Context().Push(pdata.Frame{
		Node:  fx.Frames,
		Token: fx.next,
		Items: msg.Items(),
	})), nil
}

func (fx *Effects) Ack(_ context.Context, c pdata.Context) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.settled = append(fx.settled, Settled{Context: c})
}

func (fx *Effects) Nack(_ context.Context, c pdata.Context, reason error) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.settled = append(fx.settled, Settled{Context: c, Err: reason})
}

func (fx *Effects) After(d time.Duration, fn func(context.Context)) func() {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	a := &deferred{d: d, fn: fn}
	fx.deferred = append(fx.deferred, a)
	return func() {
		fx.mu.Lock()
		a.cancelled = true
		fx.mu.Unlock()
	}
}

func (fx *Effects) StartPeriodicTimer(time.Duration) (core.TimerID, func()) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.timers++
	id := core.TimerID(fx.timers)
	return id, func() {}
}

func (fx *Effects) Blocking(_ context.Context, fn func() error) error {
	return fn()
}

// Counter implements core.Telemetry
func (fx *Effects) Counter(name string, v float64) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.counters[name] += v
}

// Gauge implements core.Telemetry
func (fx *Effects) Gauge(name string, v float64) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.counters[name] = v
}

// Event implements core.Telemetry
func (fx *Effects) Event(name string, _ ...zap.Field) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.events = append(fx.events, name)
}

// Sent returns the messages routed so far
func (fx *Effects) Sent() []Sent {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]Sent(nil), fx.sent...)
}

// Settled returns the Acks and Nacks issued so far
func (fx *Effects) Settled() []Settled {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]Settled(nil), fx.settled...)
}

// CounterValue returns the accumulated value of a counter
func (fx *Effects) CounterValue(name string) float64 {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.counters[name]
}

// Outstanding returns the number of tracked deliveries nobody resolved yet
func (fx *Effects) Outstanding() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return len(fx.tracked)
}

// Resolve settles the top frame of c, as the runtime would when the
// downstream node acks (err nil) or nacks. It reports whether the frame was
// tracked by this handle.
func (fx *Effects) Resolve(ctx context.Context, c pdata.Context, err error) bool {
	f, below, ok := c.Pop()
	if !ok {
		return false
	}
	fx.mu.Lock()
	cb, ok := fx.tracked[f.Token]
	delete(fx.tracked, f.Token)
	fx.mu.Unlock()
	if !ok {
		return false
	}
	if cb != nil {
		cb(ctx, core.Outcome{Err: err, Context: below})
	}
	return true
}

// ResolveSent settles the i-th sent message
func (fx *Effects) ResolveSent(ctx context.Context, i int, err error) bool {
	sent := fx.Sent()
	return fx.Resolve(ctx, sent[i].Msg.Context(), err)
}

// Deferred returns how many After callbacks are armed
func (fx *Effects) Deferred() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	var n int
	for _, a := range fx.deferred {
		if !a.cancelled {
			n++
		}
	}
	return n
}

// RunDeferred fires every armed After callback regardless of its delay and
// returns the delays they were armed with
func (fx *Effects) RunDeferred(ctx context.Context) []time.Duration {
	fx.mu.Lock()
	due := fx.deferred
	fx.deferred = nil
	fx.mu.Unlock()

	var delays []time.Duration
	for _, a := range due {
		if a.cancelled {
			continue
		}
		delays = append(delays, a.d)
		a.fn(ctx)
	}
	return delays
}
