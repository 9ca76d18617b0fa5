package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dfengine/internal/pipeline"
	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/connector/processors/batch"
	"github.com/ajitpratap0/dfengine/pkg/connector/receivers/ingest"
	"github.com/ajitpratap0/dfengine/pkg/connector/registry"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
	"github.com/ajitpratap0/dfengine/pkg/testutil"
)

const collectURN = "urn:otel:collect:exporter"

// collector acks every batch and remembers its size
type collector struct {
	mu    sync.Mutex
	sizes []int
}

func (c *collector) Start(context.Context, core.Effects) error { return nil }
func (c *collector) Shutdown(context.Context) error            { return nil }

func (c *collector) Export(_ context.Context, msg *pdata.Message, _ core.Effects) core.DeliveryResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizes = append(c.sizes, msg.Items())
	return core.Ack()
}

func (c *collector) batches() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.sizes...)
}

// builtinRegistry copies the named plugins out of the global registry
func builtinRegistry(t testing.TB, urns ...string) *registry.Registry {
	t.Helper()
	reg := registry.NewRegistry()
	for _, urn := range urns {
		f, ok := registry.Global().Lookup(urn)
		require.True(t, ok, urn)
		reg.MustRegister(f)
	}
	return reg
}

const e2ePipeline = `
engine:
  drain_timeout: 5s
nodes:
  ingest:
    kind: receiver
    plugin_urn: urn:otel:ingest:receiver
    config:
      name: e2e
      wait_for_result: true
    out_ports:
      out:
        destinations: [batch]
  batch:
    kind: processor
    plugin_urn: urn:otel:batch:processor
    config:
      send_batch_size: 512
      send_batch_max_size: 512
      timeout: 0s
    out_ports:
      out:
        destinations: [export]
  export:
    kind: exporter
    plugin_urn: urn:otel:collect:exporter
`

func ingestPending(e *pipeline.Engine) int {
	for _, n := range e.Status().Pipelines[0].Nodes {
		if n.Name == "ingest" {
			return n.Pending
		}
	}
	return -1
}

func TestIngestBatchExportEndToEnd(t *testing.T) {
	const (
		producers = 4
		perTask   = 250
		total     = producers * perTask
	)

	sink := &collector{}
	reg := builtinRegistry(t, ingest.URN, batch.URN)
	reg.MustRegister(core.Factory{
		URN: collectURN,
		New: func(core.NodeContext, core.RawConfig) (core.Instance, error) {
			return core.ExporterInstance(sink), nil
		},
	})

	cfg, err := config.ParsePipeline([]byte(e2ePipeline))
	require.NoError(t, err)
	e, err := pipeline.NewEngine(cfg, pipeline.EngineOptions{
		Name:     "e2e",
		Cores:    1,
		Registry: reg,
		Logger:   testutil.TestLogger(t),
	})
	require.NoError(t, err)
	ctx := testutil.TestContext(t)
	require.NoError(t, e.Start(ctx))
	testutil.AssertEventually(t, e.Ready, 5*time.Second, "engine never became ready")

	outcomes := make(chan error, total)
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// each producer keeps all of its submissions in flight at once
			var inner sync.WaitGroup
			for i := range perTask {
				inner.Add(1)
				go func() {
					defer inner.Done()
					outcomes <- ingest.SubmitRecords(ctx, "e2e", testutil.Logs(p*perTask+i, 1, nil))
				}()
			}
			inner.Wait()
		}()
	}

	// one full batch went out, the rest waits in the batch processor
	testutil.AssertEventually(t, func() bool {
		return len(sink.batches()) == 1 && ingestPending(e) == total-512
	}, 10*time.Second, "first batch never exported")
	testutil.AssertEventually(t, func() bool { return len(outcomes) == 512 }, 5*time.Second, "first batch callers never heard back")

	e.Shutdown()
	report, err := e.Wait(ctx)
	require.NoError(t, err)
	wg.Wait()
	close(outcomes)

	assert.Equal(t, pipeline.ExitOK, report.ExitCode())
	assert.Equal(t, []int{512, total - 512}, sink.batches())
	var n int
	for err := range outcomes {
		assert.NoError(t, err)
		n++
	}
	assert.Equal(t, total, n)
	assert.Zero(t, ingestPending(e))
	assert.Zero(t, e.Entities().Live())
}
