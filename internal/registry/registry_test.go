package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zstore-cluster/internal/domain"
)

func newNode(id string) domain.Node {
	return domain.Node{ID: id, Name: "node-" + id, Address: "file:///data/" + id}
}

func TestRegistry_UpsertAndGet(t *testing.T) {
	r := New(3)

	r.Upsert(newNode("a"))
	r.Upsert(newNode("b"))

	n, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "node-a", n.Name)
	assert.True(t, n.IsHealthy, "a node without failures is healthy")

	_, ok = r.Get("missing")
	assert.False(t, ok)

	all := r.ListAll()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
}

func TestRegistry_UpsertNormalizesHealth(t *testing.T) {
	r := New(3)

	n := newNode("a")
	n.IsHealthy = true
	n.ConsecutiveFailures = 3
	r.Upsert(n)

	got, _ := r.Get("a")
	assert.False(t, got.IsHealthy)
	assert.Empty(t, r.ListHealthy())
}

func TestRegistry_FailureThresholdAndReset(t *testing.T) {
	const maxFailures = 3
	r := New(maxFailures)
	r.Upsert(newNode("a"))

	for i := 1; i < maxFailures; i++ {
		n, ok := r.RecordFailure("a")
		require.True(t, ok)
		assert.Equal(t, i, n.ConsecutiveFailures)
		assert.True(t, n.IsHealthy, "still healthy after %d failures", i)
	}

	n, _ := r.RecordFailure("a")
	assert.Equal(t, maxFailures, n.ConsecutiveFailures)
	assert.False(t, n.IsHealthy, "flips on the call that reaches the threshold")

	n, _ = r.RecordSuccess("a")
	assert.True(t, n.IsHealthy)
	assert.Equal(t, 0, n.ConsecutiveFailures)
	assert.False(t, n.LastSeenAt.IsZero())
}

func TestRegistry_RecordOnUnknownNode(t *testing.T) {
	r := New(3)

	_, ok := r.RecordFailure("ghost")
	assert.False(t, ok)
	_, ok = r.RecordSuccess("ghost")
	assert.False(t, ok)
	assert.Empty(t, r.ListAll())
}

func TestRegistry_ReplaceAll(t *testing.T) {
	r := New(3)
	r.Upsert(newNode("old"))

	r.ReplaceAll([]domain.Node{newNode("x"), newNode("y")})

	_, ok := r.Get("old")
	assert.False(t, ok)
	assert.Len(t, r.ListAll(), 2)
	assert.Equal(t, 2, r.HealthyCount())
}

func TestRegistry_ObserveCapacity(t *testing.T) {
	r := New(3)
	r.Upsert(newNode("a"))

	n, ok := r.ObserveCapacity("a", domain.Capacity{TotalSpace: 100, FreeSpace: 40, UsedSpace: 60, ObjectCount: 7})
	require.True(t, ok)
	assert.True(t, n.CapacityKnown())
	assert.InDelta(t, 0.4, n.FreeFraction(), 1e-9)
	assert.EqualValues(t, 7, n.ObjectCount)
}

func TestRegistry_Remove(t *testing.T) {
	r := New(3)
	r.Upsert(newNode("a"))

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.Empty(t, r.ListAll())
}

func TestRegistry_ConcurrentFailuresAreNotLost(t *testing.T) {
	r := New(1 << 30)
	r.Upsert(newNode("a"))

	const workers, perWorker = 16, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r.RecordFailure("a")
			}
		}()
	}
	wg.Wait()

	n, _ := r.Get("a")
	assert.Equal(t, workers*perWorker, n.ConsecutiveFailures)
}

func TestRegistry_ReadersSeeConsistentNodes(t *testing.T) {
	const maxFailures = 2
	r := New(maxFailures)
	for i := 0; i < 8; i++ {
		r.Upsert(newNode(fmt.Sprintf("n%d", i)))
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				r.RecordFailure(id)
				r.RecordFailure(id)
				r.RecordSuccess(id)
			}
		}(fmt.Sprintf("n%d", i))
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, n := range r.ListAll() {
			require.Equal(t, n.ConsecutiveFailures < maxFailures, n.IsHealthy,
				"node %s published with inconsistent health", n.ID)
		}
	}
	close(done)
	wg.Wait()
}

func TestRegistry_ConcurrentUpsertsOfNewKeys(t *testing.T) {
	r := New(3)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Upsert(newNode(fmt.Sprintf("n%02d", i)))
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.ListAll(), 64)
}
