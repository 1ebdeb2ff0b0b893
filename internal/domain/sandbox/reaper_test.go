package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framewright/backend/internal/infrastructure/logging"
)

func TestReaperEvictsIdle(t *testing.T) {
	m, _ := testManager(t, newFakeRuntime())

	_, err := m.Create(context.Background(), "motion", CreateOptions{ID: "stale"})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "motion", CreateOptions{ID: "fresh"})
	require.NoError(t, err)

	r := NewReaper(m, time.Minute, 10*time.Minute, 24*time.Hour, logging.NewNop())

	// Move the clock 15 minutes forward, then touch only "fresh".
	future := time.Now().Add(15 * time.Minute)
	r.now = func() time.Time { return future }
	if inst, ok := m.Get("fresh"); ok {
		inst.LastActivityAt = future.Add(-time.Minute)
		m.registry.Upsert(inst)
	}

	r.Sweep(context.Background())

	_, stale := m.Get("stale")
	assert.False(t, stale, "idle instance must be destroyed")
	_, fresh := m.Get("fresh")
	assert.True(t, fresh, "recently active instance must survive")
}

func TestReaperEvictsPastAbsoluteLifetime(t *testing.T) {
	m, _ := testManager(t, newFakeRuntime())

	_, err := m.Create(context.Background(), "motion", CreateOptions{ID: "ancient"})
	require.NoError(t, err)

	r := NewReaper(m, time.Minute, time.Hour, 2*time.Hour, logging.NewNop())
	future := time.Now().Add(3 * time.Hour)
	r.now = func() time.Time { return future }

	// Keep activity recent; lifetime eviction ignores it.
	if inst, ok := m.Get("ancient"); ok {
		inst.LastActivityAt = future.Add(-time.Second)
		m.registry.Upsert(inst)
	}

	r.Sweep(context.Background())

	_, ok := m.Get("ancient")
	assert.False(t, ok, "lifetime cap applies regardless of activity")
}

func TestReaperLeavesHealthyAlone(t *testing.T) {
	m, _ := testManager(t, newFakeRuntime())

	_, err := m.Create(context.Background(), "motion", CreateOptions{ID: "healthy"})
	require.NoError(t, err)

	r := NewReaper(m, time.Minute, time.Hour, 24*time.Hour, logging.NewNop())
	r.Sweep(context.Background())

	_, ok := m.Get("healthy")
	assert.True(t, ok)
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	m, _ := testManager(t, newFakeRuntime())
	r := NewReaper(m, time.Millisecond, time.Hour, time.Hour, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on context cancellation")
	}
}
