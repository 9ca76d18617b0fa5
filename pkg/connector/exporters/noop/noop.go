// Package noop acknowledges everything it receives and only counts it
package noop

import (
	"context"
	"sync/atomic"

	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// URN of the noop exporter
const URN = "urn:otel:noop:exporter"

// Exporter is the noop exporter
type Exporter struct {
	messages atomic.Int64
	items    atomic.Int64
}

var _ core.Exporter = (*Exporter)(nil)

// New builds a noop exporter. It takes no configuration.
func New(_ core.NodeContext, raw core.RawConfig) (core.Instance, error) {
	if err := config.DecodePluginConfig(raw, &struct{}{}); err != nil {
		return core.Instance{}, err
	}
	return core.ExporterInstance(&Exporter{}), nil
}

// Start implements core.Lifecycle
func (e *Exporter) Start(context.Context, core.Effects) error { return nil }

// Shutdown implements core.Lifecycle
func (e *Exporter) Shutdown(context.Context) error { return nil }

// Export implements core.Exporter
func (e *Exporter) Export(_ context.Context, msg *pdata.Message, fx core.Effects) core.DeliveryResult {
	e.messages.Add(1)
	e.items.Add(int64(msg.Items()))
	fx.Telemetry().Counter("noop_items", float64(msg.Items()))
	return core.Ack()
}

// Counts returns the messages and items exported so far
func (e *Exporter) Counts() (messages, items int64) {
	return e.messages.Load(), e.items.Load()
}
