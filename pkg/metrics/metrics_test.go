package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorRecordsWithEntityLabels(t *testing.T) {
	l := Labels{Pipeline: "metrics-test", Node: "batch", Core: "1"}
	c := NewCollector(l)

	c.MessagesIn(2, 300)
	c.MessagesOut(1, 300)
	c.Delivery(OutcomeAck)
	c.Delivery(OutcomeNack)
	c.Delivery(OutcomeTimeout)
	c.Rejected()
	c.Pending(7)
	c.Observe(time.Millisecond)
	c.Counter("flushes", 3)
	c.Gauge("buffered", 12)
	c.Event("ready")

	assert.Equal(t, 2.0, testutil.ToFloat64(MessagesTotal.WithLabelValues("metrics-test", "batch", "1", "in")))
	assert.Equal(t, 300.0, testutil.ToFloat64(ItemsTotal.WithLabelValues("metrics-test", "batch", "1", "out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DeliveriesTotal.WithLabelValues("metrics-test", "batch", "1", OutcomeTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(RejectedTotal.WithLabelValues("metrics-test", "batch", "1")))
	assert.Equal(t, 7.0, testutil.ToFloat64(PendingDeliveries.WithLabelValues("metrics-test", "batch", "1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(PluginCounters.WithLabelValues("metrics-test", "batch", "1", "flushes")))
	assert.Equal(t, 12.0, testutil.ToFloat64(PluginGauges.WithLabelValues("metrics-test", "batch", "1", "buffered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(EventsTotal.WithLabelValues("metrics-test", "batch", "1", "ready")))
	assert.Equal(t, l, c.Labels())
}

func TestPhaseIsExclusive(t *testing.T) {
	c := NewCollector(Labels{Pipeline: "phase-test", Node: "n", Core: "0"})
	phases := []string{"starting", "running", "stopped"}

	c.Phase("running", phases)
	assert.Equal(t, 1.0, testutil.ToFloat64(NodePhase.WithLabelValues("phase-test", "n", "0", "running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(NodePhase.WithLabelValues("phase-test", "n", "0", "starting")))

	c.Phase("stopped", phases)
	assert.Equal(t, 0.0, testutil.ToFloat64(NodePhase.WithLabelValues("phase-test", "n", "0", "running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(NodePhase.WithLabelValues("phase-test", "n", "0", "stopped")))
}
