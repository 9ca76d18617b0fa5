package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

type recorder struct {
	outcomes []core.Outcome
}

func (r *recorder) cb(_ context.Context, o core.Outcome) {
	r.outcomes = append(r.outcomes, o)
}

func TestResolveFiresCallbackOnce(t *testing.T) {
	ctx := context.Background()
	tbl := New(Config{MaxSize: 4, Timeout: time.Minute})
	rec := &recorder{}

	rest := pdata.Context{}.Push(pdata.Frame{Node: 7, Token: 70})
	tok, err := tbl.Insert(rest, 1, 10, rec.cb)
	require.NoError(t, err)
	assert.NotZero(t, tok)
	assert.Equal(t, 1, tbl.Len())

	assert.True(t, tbl.Resolve(ctx, tok, nil))
	assert.False(t, tbl.Resolve(ctx, tok, nil), "resolved tokens are stale")
	require.Len(t, rec.outcomes, 1)
	assert.True(t, rec.outcomes[0].Acked())
	assert.Equal(t, 1, rec.outcomes[0].Context.Len())
	assert.Equal(t, 0, tbl.Len())
	_, ok := tbl.NextDeadline()
	assert.False(t, ok)
}

func TestStaleTokenDoesNotResolveReusedSlot(t *testing.T) {
	ctx := context.Background()
	tbl := New(Config{MaxSize: 1})
	first := &recorder{}
	second := &recorder{}

	old, err := tbl.Insert(pdata.Context{}, 1, 1, first.cb)
	require.NoError(t, err)
	require.True(t, tbl.Resolve(ctx, old, nil))

	fresh, err := tbl.Insert(pdata.Context{}, 1, 1, second.cb)
	require.NoError(t, err)
	assert.Equal(t, old.slot(), fresh.slot())
	assert.NotEqual(t, old, fresh)

	assert.False(t, tbl.Resolve(ctx, old, errors.New("late")))
	assert.Empty(t, second.outcomes)
	assert.True(t, tbl.Contains(fresh))
}

func TestJoinCombinesOutcomes(t *testing.T) {
	ctx := context.Background()
	tbl := New(Config{MaxSize: 1})
	rec := &recorder{}
	boom := errors.New("exporter b down")

	tok := tbl.InsertJoin(pdata.Context{}, 3, 5, rec.cb)
	tbl.Resolve(ctx, tok, nil)
	tbl.Resolve(ctx, tok, boom)
	assert.Empty(t, rec.outcomes)
	tbl.Resolve(ctx, tok, errors.New("second failure"))

	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, boom, rec.outcomes[0].Err)

	tok = tbl.InsertJoin(pdata.Context{}, 1, 1, rec.cb)
	require.True(t, tbl.Expect(tok, 1))
	tbl.Resolve(ctx, tok, nil)
	assert.Len(t, rec.outcomes, 1)
	tbl.Resolve(ctx, tok, nil)
	assert.Len(t, rec.outcomes, 2)
}

func TestInsertRejectsWhenFull(t *testing.T) {
	tbl := New(Config{MaxSize: 2, WhenFull: config.WhenFullReject})
	for i := 0; i < 2; i++ {
		_, err := tbl.Insert(pdata.Context{}, 1, 1, nil)
		require.NoError(t, err)
	}
	assert.True(t, tbl.Full())
	_, err := tbl.Insert(pdata.Context{}, 1, 1, nil)
	assert.ErrorIs(t, err, core.ErrPendingFull)
	assert.Equal(t, uint64(1), tbl.Stats().Rejected)

	// joins are admitted past the limit
	tbl.InsertJoin(pdata.Context{}, 2, 1, nil)
	assert.Equal(t, 3, tbl.Len())
}

func TestSweepExpiresInDeadlineOrder(t *testing.T) {
	ctx := context.Background()
	tbl := New(Config{MaxSize: 10, Timeout: time.Second})
	clock := time.Unix(1000, 0)
	tbl.now = func() time.Time { return clock }

	var order []int
	track := func(i int) core.OutcomeFunc {
		return func(_ context.Context, o core.Outcome) {
			if errors.Is(o.Err, core.ErrTimeout) {
				order = append(order, i)
			}
		}
	}

	a, _ := tbl.Insert(pdata.Context{}, 1, 1, track(0))
	clock = clock.Add(100 * time.Millisecond)
	_, _ = tbl.Insert(pdata.Context{}, 1, 1, track(1))
	clock = clock.Add(100 * time.Millisecond)
	_, _ = tbl.Insert(pdata.Context{}, 1, 1, track(2))

	// resolving removes the deadline
	require.True(t, tbl.Resolve(ctx, a, nil))
	next, ok := tbl.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, time.Unix(1001, int64(100*time.Millisecond)), next)

	assert.Equal(t, 0, tbl.Sweep(ctx, time.Unix(1001, 0)))
	assert.Equal(t, 2, tbl.Sweep(ctx, time.Unix(1002, 0)))
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 0, tbl.Len())

	stats := tbl.Stats()
	assert.Equal(t, uint64(3), stats.Inserted)
	assert.Equal(t, uint64(2), stats.TimedOut)
	assert.Equal(t, uint64(1), stats.Acked)
	assert.Equal(t, uint64(2), stats.Nacked)
}

func TestDrainResolvesEverything(t *testing.T) {
	ctx := context.Background()
	tbl := New(Config{MaxSize: 10, Timeout: time.Hour})
	rec := &recorder{}
	for i := 0; i < 5; i++ {
		_, err := tbl.Insert(pdata.Context{}, 1, 1, rec.cb)
		require.NoError(t, err)
	}

	assert.Equal(t, 5, tbl.Drain(ctx, core.ErrDrainTimeout))
	require.Len(t, rec.outcomes, 5)
	for _, o := range rec.outcomes {
		assert.ErrorIs(t, o.Err, core.ErrDrainTimeout)
	}
	assert.Equal(t, 0, tbl.Len())
	_, ok := tbl.NextDeadline()
	assert.False(t, ok)
}

func TestCallbackMayReinsert(t *testing.T) {
	ctx := context.Background()
	tbl := New(Config{MaxSize: 1})
	var (
		second    Token
		reinsertE error
	)
	first, err := tbl.Insert(pdata.Context{}, 1, 1, func(_ context.Context, o core.Outcome) {
		second, reinsertE = tbl.Insert(o.Context, 1, 1, nil)
	})
	require.NoError(t, err)
	require.True(t, tbl.Resolve(ctx, first, errors.New("retry me")))
	require.NoError(t, reinsertE)
	assert.True(t, tbl.Contains(second))
}

func TestRemoveSkipsCallback(t *testing.T) {
	tbl := New(Config{MaxSize: 2, Timeout: time.Minute})
	rec := &recorder{}

	tok, err := tbl.Insert(pdata.Context{}, 1, 1, rec.cb)
	require.NoError(t, err)
	assert.True(t, tbl.Remove(tok))
	assert.False(t, tbl.Remove(tok))
	assert.Zero(t, tbl.Len())
	_, ok := tbl.NextDeadline()
	assert.False(t, ok)

	assert.Zero(t, tbl.Sweep(context.Background(), time.Now().Add(time.Hour)))
	assert.Empty(t, rec.outcomes)
}
