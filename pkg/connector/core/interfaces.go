// Package core defines the contracts between the engine and its plugins: the
// three node capabilities, the effect handle a node uses to talk to the
// runtime, control messages, and delivery outcomes.
package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// Kind is the capability a node implements
type Kind = config.NodeKind

// Node kinds
const (
	KindReceiver  = config.KindReceiver
	KindProcessor = config.KindProcessor
	KindExporter  = config.KindExporter
)

// DefaultPort is the port used when a node sends without naming one and owns
// more than one port
const DefaultPort = "out"

// RawConfig is the opaque plugin configuration taken from the pipeline file
type RawConfig = map[string]any

// Lifecycle is implemented by every node
type Lifecycle interface {
	// Start acquires resources. Constructors must not do I/O; Start may.
	Start(ctx context.Context, fx Effects) error
	// Shutdown releases resources. Processors may still send from Shutdown
	// to flush buffered data.
	Shutdown(ctx context.Context) error
}

// Receiver ingests data into the pipeline
type Receiver interface {
	Lifecycle
	// Ready receives a token whenever Poll may return data
	Ready() <-chan struct{}
	// Poll returns the next message, nil when nothing is available, or io.EOF
	// when the source is finished
	Poll(ctx context.Context, fx Effects) (*pdata.Message, error)
}

// Processor transforms messages between its input and output ports
type Processor interface {
	Lifecycle
	Process(ctx context.Context, msg *pdata.Message, fx Effects) ProcessOutcome
}

// Exporter is a terminal node that emits data out of the pipeline
type Exporter interface {
	Lifecycle
	Export(ctx context.Context, msg *pdata.Message, fx Effects) DeliveryResult
}

// ControlHandler is implemented by nodes that react to reloads and timers
type ControlHandler interface {
	OnControl(ctx context.Context, msg ControlMsg, fx Effects) error
}

// Instance is a constructed node: exactly one of the capability fields is set,
// matching Kind
type Instance struct {
	Kind      Kind
	Receiver  Receiver
	Processor Processor
	Exporter  Exporter
}

// ReceiverInstance wraps a receiver
func ReceiverInstance(r Receiver) Instance {
	return Instance{Kind: KindReceiver, Receiver: r}
}

// ProcessorInstance wraps a processor
func ProcessorInstance(p Processor) Instance {
	return Instance{Kind: KindProcessor, Processor: p}
}

// ExporterInstance wraps an exporter
func ExporterInstance(e Exporter) Instance {
	return Instance{Kind: KindExporter, Exporter: e}
}

// Lifecycle returns the lifecycle hooks of whichever capability is set
func (i Instance) Lifecycle() Lifecycle {
	switch i.Kind {
	case KindReceiver:
		return i.Receiver
	case KindProcessor:
		return i.Processor
	case KindExporter:
		return i.Exporter
	}
	return nil
}

// ControlHandler returns the node's control handler, if it has one
func (i Instance) ControlHandler() (ControlHandler, bool) {
	h, ok := i.Lifecycle().(ControlHandler)
	return h, ok
}

// Validate checks that the variant matches Kind
func (i Instance) Validate() error {
	var set int
	for _, ok := range []bool{i.Receiver != nil, i.Processor != nil, i.Exporter != nil} {
		if ok {
			set++
		}
	}
	if set != 1 || i.Lifecycle() == nil {
		return fmt.Errorf("instance of kind %q must carry exactly that capability", i.Kind)
	}
	return nil
}

// PortSpec declares the output ports a plugin understands
type PortSpec struct {
	// Required ports must be wired
	Required []string
	// Optional ports may be wired
	Optional []string
	// Dynamic plugins accept any port name (routers, fan-out)
	Dynamic bool
}

// Allows reports whether port may be wired
func (s PortSpec) Allows(port string) bool {
	if s.Dynamic {
		return true
	}
	for _, p := range s.Required {
		if p == port {
			return true
		}
	}
	for _, p := range s.Optional {
		if p == port {
			return true
		}
	}
	return false
}

// NodeContext is handed to constructors: everything a plugin may know about
// where it runs
type NodeContext struct {
	Name     string
	Kind     Kind
	URN      string
	Pipeline string
	// Replica is the replica index in replicated mode, 0 otherwise
	Replica int
	Core    int
	// Ports are the wired output ports in sorted order
	Ports  []string
	Logger *zap.Logger
}

// Constructor builds a node from its config blob
type Constructor func(nc NodeContext, cfg RawConfig) (Instance, error)

// Factory is what plugins register
type Factory struct {
	URN   string
	Ports PortSpec
	New   Constructor
}
