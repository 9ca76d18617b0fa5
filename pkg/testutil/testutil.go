// Package testutil provides testing utilities for df_engine plugins and
// pipelines
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t testing.TB) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout that is
// cancelled when the test completes
func TestContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t testing.TB, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// NodeContext returns a constructor context for a node named name
func NodeContext(t testing.TB, name string, kind core.Kind, ports ...string) core.NodeContext {
	return core.NodeContext{
		Name:     name,
		Kind:     kind,
		Pipeline: "test",
		Ports:    ports,
		Logger:   TestLogger(t),
	}
}

// Logs builds n log records whose bodies are numbered from start
func Logs(start, n int, resource map[string]string) *pdata.Records {
	recs := &pdata.Records{Signal: pdata.SignalLogs, Resource: resource}
	ts := time.Unix(1700000000, 0).UTC()
	for i := start; i < start+n; i++ {
		recs.Logs = append(recs.Logs, pdata.LogRecord{
			Timestamp:      ts.Add(time.Duration(i) * time.Millisecond),
			SeverityNumber: 9,
			SeverityText:   "INFO",
			Body:           fmt.Sprintf("record %d", i),
		})
	}
	return recs
}

// Metrics builds n data points
func Metrics(n int) *pdata.Records {
	recs := &pdata.Records{Signal: pdata.SignalMetrics}
	ts := time.Unix(1700000000, 0).UTC()
	for i := 0; i < n; i++ {
		recs.Metrics = append(recs.Metrics, pdata.DataPoint{
			Timestamp: ts,
			Name:      "requests",
			Value:     float64(i),
			Unit:      "1",
		})
	}
	return recs
}

// Traces builds n spans of one trace
func Traces(n int) *pdata.Records {
	recs := &pdata.Records{Signal: pdata.SignalTraces}
	ts := time.Unix(1700000000, 0).UTC()
	for i := 0; i < n; i++ {
		recs.Spans = append(recs.Spans, pdata.Span{
			TraceID: "0af7651916cd43dd8448eb211c80319c",
			SpanID:  fmt.Sprintf("%016x", i+1),
			Name:    "GET /",
			Start:   ts,
			End:     ts.Add(time.Millisecond),
		})
	}
	return recs
}

// Columnar converts recs, failing the test on error
func Columnar(t testing.TB, recs *pdata.Records) *pdata.Columnar {
	t.Helper()
	c, err := pdata.FromRecords(recs)
	require.NoError(t, err)
	return c
}

// Message wraps recs in an untracked message
func Message(t testing.TB, recs *pdata.Records) *pdata.Message {
	t.Helper()
	return pdata.NewMessage(Columnar(t, recs))
}
