package sandbox

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBasics(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Get("missing")
	assert.False(t, ok)

	inst := Instance{ID: "a", Status: StatusReady, Port: 3100, CreatedAt: time.Now()}
	r.Upsert(inst)

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, 3100, got.Port)
	assert.Equal(t, 1, r.Len())

	r.Remove("a")
	_, ok = r.Get("a")
	assert.False(t, ok)

	// Removing twice is a no-op.
	r.Remove("a")
	assert.Equal(t, 0, r.Len())
}

func TestRegistryReturnsCopies(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Instance{ID: "a", Status: StatusReady})

	got, _ := r.Get("a")
	got.Status = StatusDestroyed

	again, _ := r.Get("a")
	assert.Equal(t, StatusReady, again.Status, "mutating a returned instance must not affect the registry")
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Instance{ID: "a", Status: StatusBusy})

	ok := r.Update("a", func(inst *Instance) { inst.Status = StatusReady })
	require.True(t, ok)
	got, _ := r.Get("a")
	assert.Equal(t, StatusReady, got.Status)

	// Updating a removed ID must not write it back.
	r.Remove("a")
	ok = r.Update("a", func(inst *Instance) { inst.Status = StatusReady })
	assert.False(t, ok)
	_, present := r.Get("a")
	assert.False(t, present)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		id := fmt.Sprintf("sbx-%d", i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Upsert(Instance{ID: id, Status: StatusReady, Port: 3100 + j})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if inst, ok := r.Get(id); ok {
					// A reader must never observe a half-written instance.
					assert.Equal(t, id, inst.ID)
				}
				r.List()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, r.Len())
}
