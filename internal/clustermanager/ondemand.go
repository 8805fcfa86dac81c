package clustermanager

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// ClusterDiscoveryStatus is the result handed to an on-demand
// discovery callback (cluster_manager.h's ClusterDiscoveryStatus).
type ClusterDiscoveryStatus int

const (
	// Missing means the cluster was not found before the request
	// failed or timed out.
	Missing ClusterDiscoveryStatus = iota
	// Available means the cluster now exists in the published snapshot.
	Available
)

func (s ClusterDiscoveryStatus) String() string {
	if s == Available {
		return "Available"
	}
	return "Missing"
}

// DiscoveryCallback is invoked exactly once at the end of an on-demand
// lookup (cluster_manager.h's ClusterDiscoveryCallback).
type DiscoveryCallback func(ClusterDiscoveryStatus)

// DiscoveryHandle cancels a pending on-demand registration
// (cluster_manager.h's ClusterDiscoveryCallbackHandle). Cancelling
// after the callback has already fired is a no-op.
type DiscoveryHandle struct {
	cancel func()
}

// Cancel deregisters the callback this handle was returned for.
func (h *DiscoveryHandle) Cancel() {
	if h != nil && h.cancel != nil {
		h.cancel()
	}
}

type odWaiter struct {
	id uint64
	cb DiscoveryCallback
}

// onDemand is the wait table behind Manager.RequestCluster: name ->
// list of waiting callbacks. Per-request timeouts are driven by a
// go-cache instance rather than a hand-rolled timer set: each pending
// request gets an entry with its own TTL, and the cache's eviction
// callback (fired both on expiry and on explicit Delete, so a
// cancelled request's eviction is a harmless no-op) is what actually
// fires the Missing callback (spec.md §4.G "or its discovery is
// explicitly failed" / "times out"). Expired entries are swept by the
// cache's janitor every 10ms, so a timeout fires within that interval
// of its TTL.
type onDemand struct {
	m *Manager

	mu       sync.Mutex
	waiters  map[string][]odWaiter
	nextID   uint64
	timeouts *cache.Cache
}

func newOnDemand(m *Manager) *onDemand {
	od := &onDemand{
		m:        m,
		waiters:  make(map[string][]odWaiter),
		timeouts: cache.New(cache.NoExpiration, 10*time.Millisecond),
	}
	od.timeouts.OnEvicted(func(key string, _ interface{}) {
		name, id, ok := splitOdCacheKey(key)
		if ok {
			od.timeoutOne(name, id)
		}
	})
	return od
}

// RequestCluster asks the manager for name, registering cb to run
// once when the cluster becomes available, is explicitly failed, or
// timeout elapses (spec.md §4.G). If the cluster already exists, cb
// fires inline with Available and the returned handle is a no-op.
func (m *Manager) RequestCluster(name string, timeout time.Duration, cb DiscoveryCallback) *DiscoveryHandle {
	return m.onDemand.request(name, timeout, cb)
}

func (od *onDemand) request(name string, timeout time.Duration, cb DiscoveryCallback) *DiscoveryHandle {
	if _, ok := od.m.Get(name); ok {
		cb(Available)
		return &DiscoveryHandle{}
	}

	od.mu.Lock()
	id := od.nextID
	od.nextID++
	od.waiters[name] = append(od.waiters[name], odWaiter{id: id, cb: cb})
	od.mu.Unlock()

	cacheKey := odCacheKey(name, id)
	if timeout > 0 {
		od.timeouts.Set(cacheKey, struct{}{}, timeout)
	}

	return &DiscoveryHandle{cancel: func() {
		od.cancelOne(name, id)
		od.timeouts.Delete(cacheKey)
	}}
}

// resolve fires every waiter for name with Available and clears the
// wait table entry (spec.md §4.G step 3).
func (od *onDemand) resolve(name string) {
	od.mu.Lock()
	waiters := od.waiters[name]
	delete(od.waiters, name)
	od.mu.Unlock()

	for _, w := range waiters {
		od.timeouts.Delete(odCacheKey(name, w.id))
		w.cb(Available)
	}
}

// fail fires every waiter for name with Missing, used when discovery
// is explicitly failed (e.g. the cluster was just removed).
func (od *onDemand) fail(name string) {
	od.mu.Lock()
	waiters := od.waiters[name]
	delete(od.waiters, name)
	od.mu.Unlock()

	for _, w := range waiters {
		od.timeouts.Delete(odCacheKey(name, w.id))
		w.cb(Missing)
	}
}

func (od *onDemand) timeoutOne(name string, id uint64) {
	od.mu.Lock()
	list := od.waiters[name]
	idx := -1
	for i, w := range list {
		if w.id == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		od.mu.Unlock()
		return
	}
	w := list[idx]
	od.waiters[name] = append(list[:idx], list[idx+1:]...)
	if len(od.waiters[name]) == 0 {
		delete(od.waiters, name)
	}
	od.mu.Unlock()
	w.cb(Missing)
}

func (od *onDemand) cancelOne(name string, id uint64) {
	od.mu.Lock()
	defer od.mu.Unlock()
	list := od.waiters[name]
	for i, w := range list {
		if w.id == id {
			od.waiters[name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(od.waiters[name]) == 0 {
		delete(od.waiters, name)
	}
}

func odCacheKey(name string, id uint64) string {
	return name + "#" + strconv.FormatUint(id, 10)
}

func splitOdCacheKey(key string) (name string, id uint64, ok bool) {
	i := strings.LastIndex(key, "#")
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(key[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return key[:i], n, true
}
