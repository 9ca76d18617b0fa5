// Package metrics provides the Prometheus metrics of the engine. Every series
// carries the entity labels of the node that produced it (pipeline, node,
// core), so per-node throughput, delivery outcomes and backlogs can be read
// straight from /metrics.
//
// # Basic Usage
//
//	c := metrics.NewCollector(metrics.Labels{Pipeline: "main", Node: "batch", Core: "0"})
//	c.MessagesIn(1, 512)
//	c.Delivery(metrics.OutcomeAck)
//	c.Pending(42)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes used as label values
const (
	OutcomeAck     = "ack"
	OutcomeNack    = "nack"
	OutcomeTimeout = "timeout"
)

var entityLabels = []string{"pipeline", "node", "core"}

var (
	// MessagesTotal counts messages crossing a node boundary.
	// Labels: pipeline, node, core, direction (in/out)
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "df_engine_messages_total",
			Help: "Messages received or sent by a node",
		},
		append(entityLabels, "direction"),
	)

	// ItemsTotal counts telemetry items (log records, data points, spans)
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "df_engine_items_total",
			Help: "Telemetry items received or sent by a node",
		},
		append(entityLabels, "direction"),
	)

	// DeliveriesTotal counts resolved tracked deliveries by outcome
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "df_engine_deliveries_total",
			Help: "Tracked deliveries resolved at the tracking node",
		},
		append(entityLabels, "outcome"),
	)

	// PendingDeliveries is the size of a node's pending-delivery table
	PendingDeliveries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "df_engine_pending_deliveries",
			Help: "Entries in the node's pending-delivery table",
		},
		entityLabels,
	)

	// RejectedTotal counts work refused because the pending table was full
	RejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "df_engine_pending_rejected_total",
			Help: "Tracked sends refused because the pending table was full",
		},
		entityLabels,
	)

	// NodePhase is 1 for the node's current phase and 0 for the others
	NodePhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "df_engine_node_phase",
			Help: "Current lifecycle phase of a node",
		},
		append(entityLabels, "phase"),
	)

	// NodeFaults counts node faults
	NodeFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "df_engine_node_faults_total",
			Help: "Node tasks that stopped with a fault",
		},
		entityLabels,
	)

	// ProcessingLatency tracks how long a plugin call takes
	ProcessingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "df_engine_processing_latency_seconds",
			Help:    "Time spent inside plugin Poll, Process and Export calls",
			Buckets: []float64{1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1},
		},
		entityLabels,
	)

	// PluginCounters holds counters emitted by plugins through telemetry
	PluginCounters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "df_engine_plugin_counter_total",
			Help: "Counters emitted by node plugins",
		},
		append(entityLabels, "name"),
	)

	// PluginGauges holds gauges emitted by plugins through telemetry
	PluginGauges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "df_engine_plugin_gauge",
			Help: "Gauges emitted by node plugins",
		},
		append(entityLabels, "name"),
	)

	// EventsTotal counts lifecycle events (admitted, ready, drained, ...)
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "df_engine_events_total",
			Help: "Lifecycle events emitted by nodes and pipelines",
		},
		append(entityLabels, "event"),
	)
)

// Labels identifies the entity a collector reports for
type Labels struct {
	Pipeline string
	Node     string
	Core     string
}

func (l Labels) values(extra ...string) []string {
	return append([]string{l.Pipeline, l.Node, l.Core}, extra...)
}

// Collector binds the engine metrics to one entity. Series are resolved once,
// so recording is a single atomic add.
type Collector struct {
	labels Labels

	msgsIn, msgsOut   prometheus.Counter
	itemsIn, itemsOut prometheus.Counter
	acks, nacks       prometheus.Counter
	timeouts          prometheus.Counter
	rejected          prometheus.Counter
	faults            prometheus.Counter
	pending           prometheus.Gauge
	latency           prometheus.Observer
}

// NewCollector creates a collector for the given entity
func NewCollector(l Labels) *Collector {
	return &Collector{
		labels:   l,
		msgsIn:   MessagesTotal.WithLabelValues(l.values("in")...),
		msgsOut:  MessagesTotal.WithLabelValues(l.values("out")...),
		itemsIn:  ItemsTotal.WithLabelValues(l.values("in")...),
		itemsOut: ItemsTotal.WithLabelValues(l.values("out")...),
		acks:     DeliveriesTotal.WithLabelValues(l.values(OutcomeAck)...),
		nacks:    DeliveriesTotal.WithLabelValues(l.values(OutcomeNack)...),
		timeouts: DeliveriesTotal.WithLabelValues(l.values(OutcomeTimeout)...),
		rejected: RejectedTotal.WithLabelValues(l.values()...),
		faults:   NodeFaults.WithLabelValues(l.values()...),
		pending:  PendingDeliveries.WithLabelValues(l.values()...),
		latency:  ProcessingLatency.WithLabelValues(l.values()...),
	}
}

// Labels returns the collector's entity labels
func (c *Collector) Labels() Labels {
	return c.labels
}

// MessagesIn records received messages and items
func (c *Collector) MessagesIn(msgs, items int) {
	c.msgsIn.Add(float64(msgs))
	c.itemsIn.Add(float64(items))
}

// MessagesOut records sent messages and items
func (c *Collector) MessagesOut(msgs, items int) {
	c.msgsOut.Add(float64(msgs))
	c.itemsOut.Add(float64(items))
}

// Delivery records a resolved delivery
func (c *Collector) Delivery(outcome string) {
	switch outcome {
	case OutcomeAck:
		c.acks.Inc()
	case OutcomeTimeout:
		c.timeouts.Inc()
	default:
		c.nacks.Inc()
	}
}

// Rejected records a tracked send refused for lack of room
func (c *Collector) Rejected() {
	c.rejected.Inc()
}

// Fault records a node fault
func (c *Collector) Fault() {
	c.faults.Inc()
}

// Pending sets the pending-table size
func (c *Collector) Pending(n int) {
	c.pending.Set(float64(n))
}

// Observe records the duration of a plugin call
func (c *Collector) Observe(d time.Duration) {
	c.latency.Observe(d.Seconds())
}

// Phase marks phase as current among phases
func (c *Collector) Phase(phase string, phases []string) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		NodePhase.WithLabelValues(c.labels.values(p)...).Set(v)
	}
}

// Counter adds v to a plugin counter
func (c *Collector) Counter(name string, v float64) {
	PluginCounters.WithLabelValues(c.labels.values(name)...).Add(v)
}

// Gauge sets a plugin gauge
func (c *Collector) Gauge(name string, v float64) {
	PluginGauges.WithLabelValues(c.labels.values(name)...).Set(v)
}

// Event counts a lifecycle event
func (c *Collector) Event(name string) {
	EventsTotal.WithLabelValues(c.labels.values(name)...).Inc()
}
