package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// Effects is the node's handle on the runtime. It is only valid on the
// node's own task; callbacks registered through it also run there.
type Effects interface {
	// NodeName returns the node name
	NodeName() string
	// Logger returns a logger tagged with the node's entity labels
	Logger() *zap.Logger
	// Ports returns the wired output ports in sorted order
	Ports() []string
	// Telemetry emits metrics and events attributed to this node
	Telemetry() Telemetry

	// Send routes msg on port, suspending while the destination is full
	Send(ctx context.Context, msg *pdata.Message, port string) error
	// TrySend routes msg without waiting and fails when a destination is full
	TrySend(msg *pdata.Message, port string) error

	// Track registers interest in msg's outcome. It returns the message to
	// send, carrying a new frame for this node. When the pending table is full
	// it returns ErrPendingFull, or msg unchanged if the node runs untracked.
	Track(msg *pdata.Message, cb OutcomeFunc) (*pdata.Message, error)
	// Ack resolves the top frame of c successfully. No-op on an empty context.
	Ack(ctx context.Context, c pdata.Context)
	// Nack resolves the top frame of c with reason. No-op on an empty context.
	Nack(ctx context.Context, c pdata.Context, reason error)

	// After runs fn on the node's task once d elapsed. The returned function
	// cancels it.
	After(d time.Duration, fn func(ctx context.Context)) (cancel func())
	// StartPeriodicTimer delivers a TimerTick control message every d
	StartPeriodicTimer(d time.Duration) (TimerID, func())

	// Blocking runs fn, typically synchronous I/O, without stalling the
	// other nodes of the executor
	Blocking(ctx context.Context, fn func() error) error
}

// TimerID identifies a periodic timer
type TimerID uint64

// Telemetry is the emission interface plugins use for their own metrics and
// events. Every emission is tagged with the node's entity labels.
type Telemetry interface {
	Counter(name string, v float64)
	Gauge(name string, v float64)
	Event(name string, fields ...zap.Field)
}
