package debug

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/testutil"
)

func newExporter(t *testing.T, cfg core.RawConfig) (*Exporter, *observer.ObservedLogs) {
	t.Helper()
	zc, logs := observer.New(zap.InfoLevel)
	nc := testutil.NodeContext(t, "debug", core.KindExporter)
	nc.Logger = zap.New(zc)
	inst, err := New(nc, cfg)
	require.NoError(t, err)
	return inst.Exporter.(*Exporter), logs
}

func TestBasicLogsOneLinePerMessage(t *testing.T) {
	e, logs := newExporter(t, nil)
	res := e.Export(context.Background(), testutil.Message(t, testutil.Metrics(5)), testutil.NewEffects(t, "debug"))
	assert.True(t, res.IsAck())

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "metrics", entries[0].ContextMap()["signal"])
	assert.Equal(t, int64(5), entries[0].ContextMap()["items"])
}

func TestDetailedTruncatesRecords(t *testing.T) {
	e, logs := newExporter(t, core.RawConfig{"verbosity": "detailed", "max_records": 2})
	res := e.Export(context.Background(), testutil.Message(t, testutil.Logs(0, 5, nil)), testutil.NewEffects(t, "debug"))
	assert.True(t, res.IsAck())

	assert.Equal(t, 2, logs.FilterMessage("record").Len())
	truncated := logs.FilterMessage("records truncated").All()
	require.Len(t, truncated, 1)
	assert.Equal(t, int64(3), truncated[0].ContextMap()["remaining"])
}

func TestRejectsUnknownVerbosity(t *testing.T) {
	_, err := New(testutil.NodeContext(t, "debug", core.KindExporter), core.RawConfig{"verbosity": "loud"})
	assert.Error(t, err)
}
