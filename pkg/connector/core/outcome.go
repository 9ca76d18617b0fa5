package core

import (
	"context"
	"errors"

	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// Delivery failure reasons produced by the runtime itself
var (
	// ErrTimeout resolves entries whose deadline passed
	ErrTimeout = errors.New("delivery timed out")
	// ErrPendingFull is returned by Track when the pending table is full and
	// the node rejects untracked work
	ErrPendingFull = errors.New("pending delivery table full")
	// ErrDrainTimeout resolves entries still pending when a node stops
	ErrDrainTimeout = errors.New("drain timeout elapsed before delivery completed")
	// ErrNoDestination nacks messages whose port has no live destination
	ErrNoDestination = errors.New("no live destination")
	// ErrNodeStopped nacks messages routed to or held by a stopped node
	ErrNodeStopped = errors.New("node stopped")
	// ErrUnknownPort is returned when sending on a port the node does not own
	ErrUnknownPort = errors.New("unknown output port")
)

// Outcome is the final result of a tracked delivery
type Outcome struct {
	// Err is nil for Ack and the Nack reason otherwise
	Err error
	// Context is the delivery context below the frame that was resolved,
	// i.e. the context the tracked message arrived with
	Context pdata.Context
}

// Acked reports whether the delivery succeeded
func (o Outcome) Acked() bool {
	return o.Err == nil
}

// OutcomeFunc receives a tracked delivery's outcome on the tracking node's task
type OutcomeFunc func(ctx context.Context, o Outcome)

type processKind uint8

const (
	processForward processKind = iota + 1
	processForwardMany
	processDrop
	processFail
	processRetained
)

// Routed is a message bound for a port
type Routed struct {
	Msg  *pdata.Message
	Port string
}

// ProcessOutcome tells the runtime what a processor did with a message
type ProcessOutcome struct {
	kind   processKind
	routed []Routed
	err    error
}

// Forward sends msg on port ("" selects the default port)
func Forward(msg *pdata.Message, port string) ProcessOutcome {
	return ProcessOutcome{kind: processForward, routed: []Routed{{Msg: msg, Port: port}}}
}

// ForwardMany sends several messages, in order
func ForwardMany(out []Routed) ProcessOutcome {
	return ProcessOutcome{kind: processForwardMany, routed: out}
}

// Drop discards the message; its delivery context is acked
func Drop() ProcessOutcome {
	return ProcessOutcome{kind: processDrop}
}

// Fail discards the message; its delivery context is nacked with err
func Fail(err error) ProcessOutcome {
	return ProcessOutcome{kind: processFail, err: err}
}

// Retained means the processor kept the message and will settle its delivery
// context itself
func Retained() ProcessOutcome {
	return ProcessOutcome{kind: processRetained}
}

// IsForward reports Forward or ForwardMany
func (o ProcessOutcome) IsForward() bool {
	return o.kind == processForward || o.kind == processForwardMany
}

// IsDrop reports Drop
func (o ProcessOutcome) IsDrop() bool { return o.kind == processDrop }

// IsFail reports Fail
func (o ProcessOutcome) IsFail() bool { return o.kind == processFail }

// IsRetained reports Retained
func (o ProcessOutcome) IsRetained() bool { return o.kind == processRetained }

// Routed returns the forwarded messages
func (o ProcessOutcome) Routed() []Routed { return o.routed }

// Err returns the failure reason of Fail
func (o ProcessOutcome) Err() error { return o.err }

type deliveryKind uint8

const (
	deliveryAck deliveryKind = iota + 1
	deliveryNack
	deliveryPending
)

// DeliveryResult is what an exporter reports for one message
type DeliveryResult struct {
	kind    deliveryKind
	err     error
	pending <-chan error
}

// Ack reports successful export
func Ack() DeliveryResult {
	return DeliveryResult{kind: deliveryAck}
}

// Nack reports failed export
func Nack(reason error) DeliveryResult {
	if reason == nil {
		reason = errors.New("export failed")
	}
	return DeliveryResult{kind: deliveryNack, err: reason}
}

// Pending reports an export that completes later. The channel must deliver
// exactly one value (nil for success) or be closed (success).
func Pending(done <-chan error) DeliveryResult {
	return DeliveryResult{kind: deliveryPending, pending: done}
}

// IsAck reports Ack
func (r DeliveryResult) IsAck() bool { return r.kind == deliveryAck }

// IsNack reports Nack
func (r DeliveryResult) IsNack() bool { return r.kind == deliveryNack }

// IsPending reports Pending
func (r DeliveryResult) IsPending() bool { return r.kind == deliveryPending }

// Err returns the Nack reason
func (r DeliveryResult) Err() error { return r.err }

// Future returns the channel of a Pending result
func (r DeliveryResult) Future() <-chan error { return r.pending }
