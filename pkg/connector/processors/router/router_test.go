package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
	"github.com/ajitpratap0/dfengine/pkg/testutil"
)

func newRouter(t *testing.T, cfg core.RawConfig, ports ...string) (*Router, *testutil.Effects) {
	t.Helper()
	inst, err := New(testutil.NodeContext(t, "router", core.KindProcessor, ports...), cfg)
	require.NoError(t, err)
	return inst.Processor.(*Router), testutil.NewEffects(t, "router", ports...)
}

func TestRoutesBySignal(t *testing.T) {
	r, fx := newRouter(t, nil, "logs", "metrics", "traces")
	ctx := context.Background()

	for _, recs := range []*pdata.Records{testutil.Logs(0, 1, nil), testutil.Metrics(1), testutil.Traces(1)} {
		out := r.Process(ctx, testutil.Message(t, recs), fx)
		require.True(t, out.IsForward())
		assert.Equal(t, recs.Signal.String(), out.Routed()[0].Port)
	}
}

func TestUnmatchedPolicies(t *testing.T) {
	ctx := context.Background()
	msg := testutil.Message(t, testutil.Traces(2))

	r, fx := newRouter(t, nil, "logs")
	assert.True(t, r.Process(ctx, msg, fx).IsDrop())
	assert.Equal(t, float64(2), fx.CounterValue("router_unmatched"))

	r, fx = newRouter(t, core.RawConfig{"unmatched": "fail"}, "logs")
	out := r.Process(ctx, msg, fx)
	require.True(t, out.IsFail())
	assert.ErrorIs(t, out.Err(), ErrUnrouted)

	r, fx = newRouter(t, core.RawConfig{"unmatched": "default"}, "logs", "out")
	out = r.Process(ctx, msg, fx)
	require.True(t, out.IsForward())
	assert.Equal(t, "out", out.Routed()[0].Port)
}

func TestRejectsDefaultWithoutOutPort(t *testing.T) {
	_, err := New(testutil.NodeContext(t, "router", core.KindProcessor, "logs"), core.RawConfig{"unmatched": "default"})
	assert.Error(t, err)
	_, err = New(testutil.NodeContext(t, "router", core.KindProcessor, "logs"), core.RawConfig{"unmatched": "bounce"})
	assert.Error(t, err)
}
