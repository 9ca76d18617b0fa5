// Package router sends each message to the output port named after its
// signal
package router

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// URN of the signal type router
const URN = "urn:otel:signal_type_router:processor"

// What to do with a message whose signal has no port
const (
	UnmatchedDrop    = "drop"
	UnmatchedFail    = "fail"
	UnmatchedDefault = "default"
)

// ErrUnrouted nacks messages the router has no port for
var ErrUnrouted = errors.New("no port for signal")

// Config is the router configuration
type Config struct {
	// Unmatched is drop, fail or default (send on the "out" port)
	Unmatched string `yaml:"unmatched"`
}

// Router is the signal type router
type Router struct {
	unmatched string
	ports     map[string]bool
	logger    *zap.Logger
}

var _ core.Processor = (*Router)(nil)

// New builds a router over the node's wired ports
func New(nc core.NodeContext, raw core.RawConfig) (core.Instance, error) {
	cfg := Config{Unmatched: UnmatchedDrop}
	if err := config.DecodePluginConfig(raw, &cfg); err != nil {
		return core.Instance{}, err
	}
	ports := make(map[string]bool, len(nc.Ports))
	for _, p := range nc.Ports {
		ports[p] = true
	}
	switch cfg.Unmatched {
	case UnmatchedDrop, UnmatchedFail:
	case UnmatchedDefault:
		if !ports[core.DefaultPort] {
			return core.Instance{}, fmt.Errorf("unmatched: default needs the %q port wired", core.DefaultPort)
		}
	default:
		return core.Instance{}, fmt.Errorf("unknown unmatched policy %q", cfg.Unmatched)
	}
	logger := nc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return core.ProcessorInstance(&Router{unmatched: cfg.Unmatched, ports: ports, logger: logger}), nil
}

// Start implements core.Lifecycle
func (r *Router) Start(context.Context, core.Effects) error { return nil }

// Shutdown implements core.Lifecycle
func (r *Router) Shutdown(context.Context) error { return nil }

// Process implements core.Processor
func (r *Router) Process(_ context.Context, msg *pdata.Message, fx core.Effects) core.ProcessOutcome {
	port := msg.Signal().String()
	if r.ports[port] {
		return core.Forward(msg, port)
	}

	fx.Telemetry().Counter("router_unmatched", float64(msg.Items()))
	switch r.unmatched {
	case UnmatchedDefault:
		return core.Forward(msg, core.DefaultPort)
	case UnmatchedFail:
		return core.Fail(fmt.Errorf("%w %s", ErrUnrouted, msg.Signal()))
	}
	return core.Drop()
}
