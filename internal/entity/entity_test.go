package entity

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dfengine/pkg/logger"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	p := r.Register(Entity{Kind: KindPipeline, Pipeline: "main"})
	n := r.Register(Entity{Kind: KindNode, Pipeline: "main", Node: "batch", Core: 1, Parent: p.ID})
	s := r.Register(Entity{Kind: KindSender, Pipeline: "main", Node: "batch", Port: "out", Parent: n.ID})

	assert.NotZero(t, p.ID)
	assert.NotEqual(t, p.ID, n.ID)
	assert.Equal(t, 3, r.Live())
	assert.Equal(t, 1, r.LiveOf(KindNode))

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, "out", got.Port)

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, p.ID, snap[0].ID)

	r.Release(s.ID)
	r.Release(s.ID)
	r.Release(n.ID)
	r.Release(p.ID)
	assert.Equal(t, 0, r.Live())
}

func TestConcurrentRegistration(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	ids := make(chan ID, 400)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ids <- r.Register(Entity{Kind: KindNode}).ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[ID]bool{}
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
		r.Release(id)
	}
	assert.Equal(t, 0, r.Live())
}

func TestEntityTravelsOnContext(t *testing.T) {
	e := Entity{ID: 9, Kind: KindNode, Pipeline: "main", Node: "debug", Core: 2}
	ctx := WithEntity(context.Background(), e)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, e, got)
	assert.Equal(t, "2", got.CoreLabel())

	keys := map[string]bool{}
	for _, f := range logger.FieldsFromContext(ctx) {
		keys[f.Key] = true
	}
	assert.True(t, keys["pipeline"])
	assert.True(t, keys["node"])
	assert.True(t, keys["core"])

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "channel_sender", KindSender.String())
}
