package noop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/testutil"
)

func TestAcksAndCounts(t *testing.T) {
	inst, err := New(testutil.NodeContext(t, "sink", core.KindExporter), nil)
	require.NoError(t, err)
	e := inst.Exporter.(*Exporter)
	fx := testutil.NewEffects(t, "sink")

	for i := 0; i < 3; i++ {
		res := e.Export(context.Background(), testutil.Message(t, testutil.Logs(0, 4, nil)), fx)
		assert.True(t, res.IsAck())
	}
	msgs, items := e.Counts()
	assert.Equal(t, int64(3), msgs)
	assert.Equal(t, int64(12), items)
	assert.Equal(t, float64(12), fx.CounterValue("noop_items"))
}

func TestRejectsConfig(t *testing.T) {
	_, err := New(testutil.NodeContext(t, "sink", core.KindExporter), core.RawConfig{"anything": 1})
	assert.Error(t, err)
}
