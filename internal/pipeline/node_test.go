package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dfengine/internal/scheduler"
	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/testutil"
)

var fastDrain = config.EngineConfig{DrainTimeout: 300 * time.Millisecond}

func TestAckFlowsBackToReceiver(t *testing.T) {
	f := newFixture()
	e := startEngine(t, f, 1, fastDrain, map[string]config.NodeConfig{
		"src":  feederNode("p"),
		"p":    passNode("", "sink"),
		"sink": captureNode("ack"),
	})

	src := f.feeder(t, "src")
	src.push(logs(t, 2), logs(t, 2), logs(t, 2))
	for _, err := range src.await(t, 3) {
		assert.NoError(t, err)
	}
	assert.Equal(t, 6, f.capture(t, "sink").items())

	report := stopEngine(t, e)
	assert.Equal(t, ExitOK, report.ExitCode())
	assert.False(t, report.Forced())
}

func TestExporterNackReachesReceiver(t *testing.T) {
	f := newFixture()
	e := startEngine(t, f, 1, fastDrain, map[string]config.NodeConfig{
		"src":  feederNode("p"),
		"p":    passNode("", "sink"),
		"sink": captureNode("nack"),
	})

	src := f.feeder(t, "src")
	src.push(logs(t, 1))
	assert.ErrorIs(t, src.await(t, 1)[0], errBoom)
	stopEngine(t, e)
}

func TestPendingExportSettlesLater(t *testing.T) {
	f := newFixture()
	e := startEngine(t, f, 1, fastDrain, map[string]config.NodeConfig{
		"src":  feederNode("sink"),
		"sink": captureNode("pending"),
	})

	src, sink := f.feeder(t, "src"), f.capture(t, "sink")
	src.push(logs(t, 1), logs(t, 1))
	testutil.AssertEventually(t, func() bool { return sink.count() == 2 }, 5*time.Second, "exports never arrived")
	select {
	case err := <-src.outcomes:
		t.Fatalf("outcome %v before the export completed", err)
	case <-time.After(20 * time.Millisecond):
	}

	sink.complete(0, nil)
	sink.complete(1, errBoom)
	assert.ElementsMatch(t, []error{nil, errBoom}, src.await(t, 2))

	report := stopEngine(t, e)
	assert.Equal(t, ExitOK, report.ExitCode())
}

func TestBroadcastJoinsOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		second string
		want   error
	}{
		{"all acked", "ack", nil},
		{"one nacked", "nack", errBoom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			src := feederNode("a", "b")
			src.OutPorts["out"] = config.PortConfig{Destinations: []string{"a", "b"}, DispatchStrategy: config.DispatchBroadcast}
			e := startEngine(t, f, 1, fastDrain, map[string]config.NodeConfig{
				"src": src,
				"a":   captureNode("ack"),
				"b":   captureNode(tt.second),
			})

			feed := f.feeder(t, "src")
			feed.push(logs(t, 3))
			got := feed.await(t, 1)[0]
			if tt.want == nil {
				assert.NoError(t, got)
			} else {
				assert.ErrorIs(t, got, tt.want)
			}
			assert.Equal(t, 1, f.capture(t, "a").count())
			assert.Equal(t, 1, f.capture(t, "b").count())

			// exactly one combined outcome
			select {
			case err := <-feed.outcomes:
				t.Fatalf("second outcome %v", err)
			case <-time.After(50 * time.Millisecond):
			}
			stopEngine(t, e)
		})
	}
}

func TestRoundRobinAndPartitionDispatch(t *testing.T) {
	f := newFixture()
	rr := feederNode("a", "b")
	rr.OutPorts["out"] = config.PortConfig{Destinations: []string{"a", "b"}, DispatchStrategy: config.DispatchRoundRobin}
	part := feederNode("c", "d")
	part.OutPorts["out"] = config.PortConfig{
		Destinations:     []string{"c", "d"},
		DispatchStrategy: config.DispatchPartition,
		PartitionKey:     "tenant",
	}
	e := startEngine(t, f, 1, fastDrain, map[string]config.NodeConfig{
		"rr":   rr,
		"part": part,
		"a":    captureNode("ack"),
		"b":    captureNode("ack"),
		"c":    captureNode("ack"),
		"d":    captureNode("ack"),
	})

	for i := 0; i < 4; i++ {
		f.feeder(t, "rr").push(logs(t, 1))
		f.feeder(t, "part").push(testutil.Message(t, testutil.Logs(i, 1, map[string]string{"tenant": "acme"})))
	}
	f.feeder(t, "rr").await(t, 4)
	f.feeder(t, "part").await(t, 4)

	assert.Equal(t, 2, f.capture(t, "a").count())
	assert.Equal(t, 2, f.capture(t, "b").count())
	c, d := f.capture(t, "c").count(), f.capture(t, "d").count()
	assert.ElementsMatch(t, []int{0, 4}, []int{c, d}, "one tenant must stick to one destination")
	stopEngine(t, e)
}

func TestProcessorDropAcksAndFailNacks(t *testing.T) {
	f := newFixture()
	e := startEngine(t, f, 1, fastDrain, map[string]config.NodeConfig{
		"keep": feederNode("drop"),
		"toss": feederNode("fail"),
		"drop": passNode("drop", "sink"),
		"fail": passNode("fail", "sink"),
		"sink": captureNode("ack"),
	})

	f.feeder(t, "keep").push(logs(t, 1))
	f.feeder(t, "toss").push(logs(t, 1))
	assert.NoError(t, f.feeder(t, "keep").await(t, 1)[0])
	assert.ErrorIs(t, f.feeder(t, "toss").await(t, 1)[0], errBoom)
	assert.Zero(t, f.capture(t, "sink").count())
	stopEngine(t, e)
}

func TestPendingTimeoutNacksAndHungExportForcesStop(t *testing.T) {
	f := newFixture()
	src := feederNode("sink")
	src.Pending = config.PendingConfig{Timeout: 50 * time.Millisecond}
	e := startEngine(t, f, 1, fastDrain, map[string]config.NodeConfig{
		"src":  src,
		"sink": captureNode("hang"),
	})

	feed := f.feeder(t, "src")
	feed.push(logs(t, 1))
	assert.ErrorIs(t, feed.await(t, 1)[0], core.ErrTimeout)

	report := stopEngine(t, e)
	assert.True(t, report.Forced())
	assert.Equal(t, ExitForced, report.ExitCode())
}

func TestPendingFullPolicies(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		f := newFixture()
		src := feederNode("sink")
		src.Pending = config.PendingConfig{MaxSize: 1, WhenFull: config.WhenFullReject}
		e := startEngine(t, f, 1, fastDrain, map[string]config.NodeConfig{
			"src":  src,
			"sink": captureNode("pending"),
		})
		feed, sink := f.feeder(t, "src"), f.capture(t, "sink")

		feed.push(logs(t, 1), logs(t, 1))
		assert.ErrorIs(t, feed.await(t, 1)[0], core.ErrPendingFull)
		testutil.AssertEventually(t, func() bool { return sink.count() == 1 }, 5*time.Second, "first export never arrived")

		sink.complete(0, nil)
		assert.NoError(t, feed.await(t, 1)[0])
		stopEngine(t, e)
	})

	t.Run("untracked", func(t *testing.T) {
		f := newFixture()
		src := feederNode("sink")
		src.Pending = config.PendingConfig{MaxSize: 1, WhenFull: config.WhenFullUntracked}
		e := startEngine(t, f, 1, fastDrain, map[string]config.NodeConfig{
			"src":  src,
			"sink": captureNode("pending"),
		})
		feed, sink := f.feeder(t, "src"), f.capture(t, "sink")

		feed.push(logs(t, 1), logs(t, 1))
		// the second message goes through without a delivery frame
		assert.NoError(t, feed.await(t, 1)[0])
		testutil.AssertEventually(t, func() bool { return sink.count() == 2 }, 5*time.Second, "exports never arrived")

		sink.complete(0, nil)
		sink.complete(1, nil)
		assert.NoError(t, feed.await(t, 1)[0])
		report := stopEngine(t, e)
		assert.Equal(t, ExitOK, report.ExitCode())
	})
}

func TestProcessorPanicFaultsNode(t *testing.T) {
	f := newFixture()
	// a long drain shows the nack does not wait for the deadline
	slowDrain := config.EngineConfig{DrainTimeout: 30 * time.Second}
	e := startEngine(t, f, 1, slowDrain, map[string]config.NodeConfig{
		"src":  feederNode("p"),
		"p":    passNode("panic", "sink"),
		"sink": captureNode("ack"),
	})

	f.feeder(t, "src").push(logs(t, 1))
	testutil.AssertEventually(t, func() bool {
		for _, n := range e.Status().Pipelines[0].Nodes {
			if n.Name == "p" {
				return n.Phase == PhaseFaulted.String()
			}
		}
		return false
	}, 5*time.Second, "processor never faulted")

	// the message the processor held is nacked with the fault
	got := f.feeder(t, "src").await(t, 1)[0]
	var held *scheduler.PanicError
	require.True(t, errors.As(got, &held), "got %v", got)
	assert.NotErrorIs(t, got, core.ErrDrainTimeout)

	report := stopEngine(t, e)
	assert.Equal(t, ExitFaulted, report.ExitCode())
	faults := report.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, "p", faults[0].Node)
	var pe *scheduler.PanicError
	assert.True(t, errors.As(faults[0].Err, &pe))
}

func TestExporterPanicNacksHeldMessage(t *testing.T) {
	f := newFixture()
	e := startEngine(t, f, 1, config.EngineConfig{DrainTimeout: 30 * time.Second}, map[string]config.NodeConfig{
		"src":  feederNode("sink"),
		"sink": captureNode("panic"),
	})

	f.feeder(t, "src").push(logs(t, 1))
	got := f.feeder(t, "src").await(t, 1)[0]
	var pe *scheduler.PanicError
	require.True(t, errors.As(got, &pe), "got %v", got)

	report := stopEngine(t, e)
	assert.Equal(t, ExitFaulted, report.ExitCode())
	assert.False(t, report.Forced())
}

func TestReloadReachesRunningNode(t *testing.T) {
	f := newFixture()
	e := startEngine(t, f, 1, fastDrain, map[string]config.NodeConfig{
		"src":  feederNode("p"),
		"p":    passNode("", "sink"),
		"sink": captureNode("ack"),
	})
	feed, sink := f.feeder(t, "src"), f.capture(t, "sink")

	feed.push(logs(t, 1))
	require.NoError(t, feed.await(t, 1)[0])
	require.Equal(t, 1, sink.count())

	require.NoError(t, e.Reload("p", map[string]any{"mode": "drop"}))
	feed.push(logs(t, 1))
	require.NoError(t, feed.await(t, 1)[0])
	assert.Equal(t, 1, sink.count())

	assert.ErrorIs(t, e.Reload("missing", map[string]any{}), ErrUnknownNode)
	stopEngine(t, e)
}

func TestPeriodicTimerTicks(t *testing.T) {
	f := newFixture()
	p := passNode("", "sink")
	p.Config["tick"] = "10ms"
	e := startEngine(t, f, 1, fastDrain, map[string]config.NodeConfig{
		"src":  feederNode("p"),
		"p":    p,
		"sink": captureNode("ack"),
	})

	proc := f.pass(t, "p")
	testutil.AssertEventually(t, func() bool { return proc.ticks.Load() >= 3 }, 5*time.Second, "timer never ticked")
	stopEngine(t, e)
}

func TestEndOfInputStopsPipeline(t *testing.T) {
	f := newFixture()
	e := startEngine(t, f, 1, fastDrain, map[string]config.NodeConfig{
		"src":  feederNode("p"),
		"p":    passNode("", "sink"),
		"sink": captureNode("ack"),
	})

	feed := f.feeder(t, "src")
	feed.push(logs(t, 1), logs(t, 1))
	feed.close()

	report, err := e.Wait(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, ExitOK, report.ExitCode())
	for _, err := range feed.await(t, 2) {
		assert.NoError(t, err)
	}
	assert.Equal(t, 2, f.capture(t, "sink").count())
	assert.Zero(t, e.Entities().Live())
}
