package clustermanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestClusterAlreadyAvailableFiresInline(t *testing.T) {
	m := NewManager(nil, nil)
	require.NoError(t, m.AddCluster(&Cluster{Name: "already", Phase: Primary}, fakeSource{}))
	waitFor(t, time.Second, func() bool { _, ok := m.Get("already"); return ok })

	var got ClusterDiscoveryStatus
	m.RequestCluster("already", 0, func(s ClusterDiscoveryStatus) { got = s })
	assert.Equal(t, Available, got)
}

func TestRequestClusterResolvesWhenClusterArrives(t *testing.T) {
	m := NewManager(nil, nil)
	var got ClusterDiscoveryStatus
	var mu sync.Mutex
	m.RequestCluster("not-yet", time.Second, func(s ClusterDiscoveryStatus) { mu.Lock(); got = s; mu.Unlock() })

	require.NoError(t, m.AddCluster(&Cluster{Name: "not-yet", Phase: Primary}, fakeSource{}))
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == Available
	})
}

func TestRequestClusterTimesOutToMissing(t *testing.T) {
	m := NewManager(nil, nil)
	var got ClusterDiscoveryStatus
	var fired bool
	var mu sync.Mutex
	m.RequestCluster("never", 30*time.Millisecond, func(s ClusterDiscoveryStatus) {
		mu.Lock()
		got, fired = s, true
		mu.Unlock()
	})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired
	})
	assert.Equal(t, Missing, got)
}

func TestRequestClusterCancelPreventsLateFire(t *testing.T) {
	m := NewManager(nil, nil)
	var fired bool
	var mu sync.Mutex
	h := m.RequestCluster("cancel-me", 50*time.Millisecond, func(ClusterDiscoveryStatus) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	h.Cancel()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.False(t, fired, "cancelled request must not fire")
	mu.Unlock()
}

func TestRemoveClusterFailsPendingWaiters(t *testing.T) {
	m := NewManager(nil, nil)
	require.NoError(t, m.AddCluster(&Cluster{Name: "removable", Phase: Primary}, fakeSource{}))
	waitFor(t, time.Second, func() bool { _, ok := m.Get("removable"); return ok })

	var got ClusterDiscoveryStatus
	var mu sync.Mutex
	require.NoError(t, m.RemoveCluster("removable"))
	m.RequestCluster("removable", time.Second, func(s ClusterDiscoveryStatus) { mu.Lock(); got = s; mu.Unlock() })
	require.NoError(t, m.RemoveCluster("removable"))

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, Missing, got)
	mu.Unlock()
}
