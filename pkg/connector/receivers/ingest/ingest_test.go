package ingest

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dfengine/pkg/compression"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
	"github.com/ajitpratap0/dfengine/pkg/testutil"
)

func newReceiver(t *testing.T, cfg core.RawConfig) (*Receiver, *testutil.Effects) {
	t.Helper()
	if cfg == nil {
		cfg = core.RawConfig{}
	}
	if _, ok := cfg["name"]; !ok {
		cfg["name"] = t.Name()
	}
	inst, err := New(testutil.NodeContext(t, "ingest", core.KindReceiver, "out"), cfg)
	require.NoError(t, err)
	r := inst.Receiver.(*Receiver)
	fx := testutil.NewEffects(t, "ingest", "out")
	require.NoError(t, r.Start(testutil.TestContext(t), fx))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r, fx
}

// pollOne waits for the receiver's doorbell and polls one message
func pollOne(t *testing.T, r *Receiver, fx *testutil.Effects) *pdata.Message {
	t.Helper()
	ctx := testutil.TestContext(t)
	for {
		msg, err := r.Poll(ctx, fx)
		require.NoError(t, err)
		if msg != nil {
			return msg
		}
		select {
		case <-r.Ready():
		case <-ctx.Done():
			t.Fatal("nothing submitted")
		}
	}
}

func TestSubmitWaitsForOutcome(t *testing.T) {
	r, fx := newReceiver(t, core.RawConfig{"wait_for_result": true})
	ctx := testutil.TestContext(t)
	payload := testutil.Columnar(t, testutil.Logs(0, 3, nil))

	for _, want := range []error{nil, errors.New("exporter down")} {
		result := make(chan error, 1)
		go func() { result <- Submit(ctx, t.Name(), payload) }()

		msg := pollOne(t, r, fx)
		assert.Equal(t, 3, msg.Items())
		assert.Equal(t, 1, msg.Context().Len())

		select {
		case <-result:
			t.Fatal("submit returned before the outcome")
		case <-time.After(20 * time.Millisecond):
		}
		require.True(t, fx.Resolve(ctx, msg.Context(), want))
		assert.Equal(t, want, <-result)
	}
	assert.Zero(t, fx.Outstanding())
}

func TestSubmitWithoutWaitReturnsOnceQueued(t *testing.T) {
	r, fx := newReceiver(t, core.RawConfig{"queue_size": 1})
	ctx := testutil.TestContext(t)
	payload := testutil.Columnar(t, testutil.Logs(0, 1, nil))

	require.NoError(t, r.Submit(ctx, payload))
	assert.ErrorIs(t, r.Submit(ctx, payload), ErrQueueFull)

	msg := pollOne(t, r, fx)
	assert.True(t, msg.Context().Empty(), "fire-and-forget submissions are not tracked")
	require.NoError(t, r.Submit(ctx, payload))
}

func TestPendingFullRejectsSubmission(t *testing.T) {
	r, fx := newReceiver(t, core.RawConfig{"wait_for_result": true})
	fx.TrackErr = core.ErrPendingFull
	ctx := testutil.TestContext(t)

	result := make(chan error, 1)
	go func() { result <- r.Submit(ctx, testutil.Columnar(t, testutil.Logs(0, 1, nil))) }()

	testutil.AssertEventually(t, func() bool {
		msg, err := r.Poll(ctx, fx)
		require.NoError(t, err)
		require.Nil(t, msg)
		select {
		case err := <-result:
			assert.ErrorIs(t, err, core.ErrPendingFull)
			return true
		default:
			return false
		}
	}, time.Second, "submission should be rejected")
	assert.Equal(t, float64(1), fx.CounterValue("ingest_rejected"))
}

func TestUntrackedNodeAcceptsImmediately(t *testing.T) {
	r, fx := newReceiver(t, core.RawConfig{"wait_for_result": true})
	fx.Untracked = true
	ctx := testutil.TestContext(t)

	result := make(chan error, 1)
	go func() { result <- r.Submit(ctx, testutil.Columnar(t, testutil.Logs(0, 1, nil))) }()
	msg := pollOne(t, r, fx)
	assert.True(t, msg.Context().Empty())
	assert.NoError(t, <-result)
}

func TestShutdownRejectsQueuedAndLeavesEndpoint(t *testing.T) {
	r, _ := newReceiver(t, core.RawConfig{"wait_for_result": true})
	ctx := testutil.TestContext(t)

	result := make(chan error, 1)
	go func() { result <- r.Submit(ctx, testutil.Columnar(t, testutil.Logs(0, 1, nil))) }()
	testutil.AssertEventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.queue) == 1
	}, time.Second, "submission queued")

	require.NoError(t, r.Shutdown(ctx))
	assert.ErrorIs(t, <-result, core.ErrNodeStopped)
	assert.ErrorIs(t, r.Submit(ctx, testutil.Columnar(t, testutil.Logs(0, 1, nil))), ErrClosed)
	assert.ErrorIs(t, Submit(ctx, t.Name(), testutil.Columnar(t, testutil.Logs(0, 1, nil))), ErrUnknownEndpoint)
}

func TestReplicasShareOneName(t *testing.T) {
	a, fxA := newReceiver(t, nil)
	b, fxB := newReceiver(t, nil)
	ctx := testutil.TestContext(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, Submit(ctx, t.Name(), testutil.Columnar(t, testutil.Logs(i, 1, nil))))
	}
	var got int
	for _, rx := range []struct {
		r  *Receiver
		fx *testutil.Effects
	}{{a, fxA}, {b, fxB}} {
		for {
			msg, err := rx.r.Poll(ctx, rx.fx)
			require.NoError(t, err)
			if msg == nil {
				break
			}
			got++
		}
	}
	assert.Equal(t, 4, got)
}

func TestHTTPEndpoint(t *testing.T) {
	r, fx := newReceiver(t, core.RawConfig{"wait_for_result": true, "endpoint": "127.0.0.1:0"})
	ctx := testutil.TestContext(t)
	addr, ok := Addr(t.Name())
	require.True(t, ok)

	// acknowledge everything the endpoint submits
	go func() {
		for {
			select {
			case <-r.Ready():
			case <-ctx.Done():
				return
			}
			for {
				msg, err := r.Poll(ctx, fx)
				if err != nil || msg == nil {
					break
				}
				fx.Resolve(ctx, msg.Context(), nil)
			}
		}
	}()

	raw, err := json.Marshal(testutil.Logs(0, 5, map[string]string{"service.name": "api"}))
	require.NoError(t, err)
	codec, err := compression.Get(compression.Zstd)
	require.NoError(t, err)
	body, err := codec.Compress(raw)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/v1/logs", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Encoding", "zstd")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 5, out.Accepted)

	// a logs body posted to the metrics path is refused
	resp2, err := http.Post("http://"+addr+"/v1/metrics", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrQueueFull, http.StatusServiceUnavailable},
		{core.ErrPendingFull, http.StatusServiceUnavailable},
		{core.ErrTimeout, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

func TestRejectsUnknownConfigKeys(t *testing.T) {
	_, err := New(testutil.NodeContext(t, "ingest", core.KindReceiver), core.RawConfig{"wait_for_results": true})
	assert.Error(t, err)
}
