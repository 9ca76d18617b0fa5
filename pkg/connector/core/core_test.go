package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

type stubExporter struct{}

func (stubExporter) Start(context.Context, Effects) error { return nil }
func (stubExporter) Shutdown(context.Context) error       { return nil }
func (stubExporter) Export(context.Context, *pdata.Message, Effects) DeliveryResult {
	return Ack()
}

type reloadingExporter struct{ stubExporter }

func (reloadingExporter) OnControl(context.Context, ControlMsg, Effects) error { return nil }

func TestInstanceVariant(t *testing.T) {
	inst := ExporterInstance(stubExporter{})
	require.NoError(t, inst.Validate())
	assert.Equal(t, KindExporter, inst.Kind)
	assert.NotNil(t, inst.Lifecycle())
	_, ok := inst.ControlHandler()
	assert.False(t, ok)

	_, ok = ExporterInstance(reloadingExporter{}).ControlHandler()
	assert.True(t, ok)

	bad := Instance{Kind: KindReceiver, Exporter: stubExporter{}}
	require.Error(t, bad.Validate())
}

func TestPortSpecAllows(t *testing.T) {
	spec := PortSpec{Required: []string{"out"}, Optional: []string{"errors"}}
	assert.True(t, spec.Allows("out"))
	assert.True(t, spec.Allows("errors"))
	assert.False(t, spec.Allows("logs"))
	assert.True(t, PortSpec{Dynamic: true}.Allows("anything"))
}

func TestOutcomes(t *testing.T) {
	fwd := Forward(nil, "out")
	assert.True(t, fwd.IsForward())
	require.Len(t, fwd.Routed(), 1)
	assert.Equal(t, "out", fwd.Routed()[0].Port)

	boom := errors.New("boom")
	assert.True(t, Fail(boom).IsFail())
	assert.Equal(t, boom, Fail(boom).Err())
	assert.True(t, Drop().IsDrop())
	assert.True(t, Retained().IsRetained())

	assert.True(t, Ack().IsAck())
	nack := Nack(nil)
	assert.True(t, nack.IsNack())
	assert.Error(t, nack.Err())

	ch := make(chan error, 1)
	p := Pending(ch)
	assert.True(t, p.IsPending())
	assert.NotNil(t, p.Future())

	assert.True(t, Outcome{}.Acked())
	assert.False(t, Outcome{Err: ErrTimeout}.Acked())
	assert.Equal(t, "config_reload", ControlConfigReload.String())
}
