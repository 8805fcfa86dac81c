package clustermanager

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"

	"github.com/xtransit/xtransit/internal/upstreamiface"
	"github.com/xtransit/xtransit/internal/xdslog"
)

// ErrStaticClusterRemoval is returned by RemoveCluster when asked to
// remove a bootstrap-defined cluster (spec.md §4.F "Static (bootstrap)
// clusters are not removable via xDS").
var ErrStaticClusterRemoval = errors.New("clustermanager: static cluster cannot be removed via xDS")

// ClusterUpdateCallbacks mirrors cluster_manager.h's
// ClusterUpdateCallbacks: fired after a worker installs a new
// snapshot.
type ClusterUpdateCallbacks struct {
	OnAddOrUpdate func(c *Cluster)
	OnRemove      func(name string)
}

// CallbackHandle is the O(1)-removable registration returned by
// RegisterUpdateCallbacks (cluster_manager.h's
// ClusterUpdateCallbacksHandle, expressed as a closure instead of an
// RAII destructor).
type CallbackHandle struct {
	cancel func()
}

// Remove deregisters the callbacks this handle was returned for.
func (h *CallbackHandle) Remove() {
	if h != nil && h.cancel != nil {
		h.cancel()
	}
}

type snapshot = map[string]*Cluster

// Manager owns the authoritative cluster map, the warming set, and
// publishes immutable per-worker snapshots on every change (spec.md
// §4.F). All mutating bookkeeping (warming set, phase counters,
// callback registry) is main-thread-only and guarded by mu; the
// published snapshot itself is read lock-free through an atomic
// pointer so worker-side reads never block on or observe a partially
// built update (spec.md §6 "Publication atomicity").
type Manager struct {
	mu sync.Mutex

	snapshot atomic.Pointer[snapshot]

	warming map[string]*Cluster
	active  map[string]*Cluster

	// primaryOutstanding/secondaryOutstanding count clusters in that
	// phase that haven't yet finished a warming attempt (success or
	// failure). primary_ready fires when the former reaches zero;
	// all_ready fires when the latter does, but only after
	// primary_ready (spec.md §4.F).
	primaryOutstanding   int
	secondaryOutstanding int
	secondaryQueued      []func()

	primaryReady bool
	allReady     bool
	onPrimaryRdy []func()
	onAllRdy     []func()

	callbacks map[uint64]ClusterUpdateCallbacks
	nextCbID  uint64
	logger    *xdslog.Logger
	stats     *Stats
	onDemand  *onDemand
}

// NewManager constructs an empty Manager. stats may be nil to use a
// fresh, unregistered Stats.
func NewManager(logger *xdslog.Logger, stats *Stats) *Manager {
	if logger == nil {
		logger = xdslog.New(nil, "clustermanager")
	}
	if stats == nil {
		stats = NewStats()
	}
	m := &Manager{
		warming:   make(map[string]*Cluster),
		active:    make(map[string]*Cluster),
		callbacks: make(map[uint64]ClusterUpdateCallbacks),
		logger:    logger,
		stats:     stats,
	}
	empty := snapshot{}
	m.snapshot.Store(&empty)
	m.onDemand = newOnDemand(m)
	return m
}

// Clusters returns the current active and warming maps
// (cluster_manager.h's ClusterInfoMaps).
func (m *Manager) Clusters() ClusterInfoMaps {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make(map[string]*Cluster, len(m.active))
	for k, v := range m.active {
		active[k] = v
	}
	warming := make(map[string]*Cluster, len(m.warming))
	for k, v := range m.warming {
		warming[k] = v
	}
	return ClusterInfoMaps{Active: active, Warming: warming}
}

// PrimaryClusters returns the names of every cluster registered as
// primary, matching cluster_manager.h's primaryClusters(): these are
// eligible as xDS config-source targets since a server address itself
// may name a cluster that must already be primary-ready.
func (m *Manager) PrimaryClusters() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, c := range m.active {
		if c.Phase == Primary {
			names = append(names, name)
		}
	}
	for name, c := range m.warming {
		if c.Phase == Primary {
			names = append(names, name)
		}
	}
	return names
}

// Snapshot returns the currently published immutable cluster view, the
// one workers are meant to read lock-free.
func (m *Manager) Snapshot() map[string]*Cluster {
	return *m.snapshot.Load()
}

// Get looks up a single cluster in the published snapshot.
func (m *Manager) Get(name string) (*Cluster, bool) {
	s := *m.snapshot.Load()
	c, ok := s[name]
	return c, ok
}

// OnPrimaryReady registers cb to run once every primary cluster has
// produced its initial endpoint set or failed deterministically
// (spec.md §4.F). If already fired, cb runs inline.
func (m *Manager) OnPrimaryReady(cb func()) {
	m.mu.Lock()
	if m.primaryReady {
		m.mu.Unlock()
		cb()
		return
	}
	m.onPrimaryRdy = append(m.onPrimaryRdy, cb)
	m.mu.Unlock()
}

// OnAllReady registers cb to run once every secondary cluster has
// received its first update or failed.
func (m *Manager) OnAllReady(cb func()) {
	m.mu.Lock()
	if m.allReady {
		m.mu.Unlock()
		cb()
		return
	}
	m.onAllRdy = append(m.onAllRdy, cb)
	m.mu.Unlock()
}

// RegisterUpdateCallbacks adds a cluster-update listener and returns a
// handle whose Remove deregisters it in O(1).
func (m *Manager) RegisterUpdateCallbacks(cb ClusterUpdateCallbacks) *CallbackHandle {
	m.mu.Lock()
	id := m.nextCbID
	m.nextCbID++
	m.callbacks[id] = cb
	m.mu.Unlock()

	return &CallbackHandle{cancel: func() {
		m.mu.Lock()
		delete(m.callbacks, id)
		m.mu.Unlock()
	}}
}

// AddCluster begins warming a cluster (primary or secondary). Primary
// clusters may be added at any time; a secondary cluster added before
// primary_ready fires is queued and started only once primary_ready
// fires (spec.md §4.F "Started only after primary_ready").
func (m *Manager) AddCluster(c *Cluster, source upstreamiface.EndpointSource) error {
	if c == nil || c.Name == "" {
		m.stats.IncUpdateRejected("")
		return errors.New("clustermanager: cluster must have a name")
	}
	if c.Health == nil {
		c.Health = upstreamiface.NoopHealthChecker{}
	}
	if c.Transport == nil {
		c.Transport = upstreamiface.PlaintextTransportSocket{}
	}

	m.mu.Lock()
	switch c.Phase {
	case Primary:
		m.primaryOutstanding++
	case Secondary:
		if !m.primaryReady {
			m.secondaryQueued = append(m.secondaryQueued, func() { m.startWarming(c, source) })
			m.mu.Unlock()
			return nil
		}
		m.secondaryOutstanding++
	}
	m.mu.Unlock()

	m.startWarming(c, source)
	return nil
}

// UpdateCluster replaces an existing cluster's configuration. The old
// cluster keeps serving traffic until the new one finishes warming;
// only then does publication swap the snapshot entry (spec.md §4.F
// "Warming replacement").
func (m *Manager) UpdateCluster(c *Cluster, source upstreamiface.EndpointSource) error {
	return m.AddCluster(c, source)
}

// RemoveCluster deletes a cluster from the active map and publishes a
// snapshot without it. Static clusters cannot be removed this way.
func (m *Manager) RemoveCluster(name string) error {
	m.mu.Lock()
	c, ok := m.active[name]
	if ok && c.Static {
		m.mu.Unlock()
		m.stats.IncUpdateRejected(name)
		return ErrStaticClusterRemoval
	}
	delete(m.active, name)
	delete(m.warming, name)
	m.publishLocked()
	cbs := m.snapshotCallbacksLocked()
	m.mu.Unlock()

	for _, cb := range cbs {
		if cb.OnRemove != nil {
			cb.OnRemove(name)
		}
	}
	m.onDemand.fail(name)
	return nil
}

func (m *Manager) startWarming(c *Cluster, source upstreamiface.EndpointSource) {
	m.mu.Lock()
	m.warming[c.Name] = c
	m.mu.Unlock()

	go func() {
		eps, err := source.Resolve(context.Background())
		if err != nil {
			m.stats.IncUpdateFailure(c.Name)
			m.logger.Warningf("cluster %q endpoint resolution failed: %v", c.Name, err)
			// Warming failure (spec.md §4.F table): the cluster stays in
			// the warming set rather than being discarded, but the phase
			// counter still advances since the attempt is done.
			m.finishPhaseAttempt(c.Phase)
			return
		}
		c.Endpoints = eps
		m.primeHealth(c)
	}()
}

func (m *Manager) primeHealth(c *Cluster) {
	if _, noop := c.Health.(upstreamiface.NoopHealthChecker); noop {
		m.completeWarming(c)
		return
	}
	var once sync.Once
	c.Health.Start(func(_ string, _ bool) {
		once.Do(func() { m.completeWarming(c) })
	})
}

func (m *Manager) completeWarming(c *Cluster) {
	m.mu.Lock()
	delete(m.warming, c.Name)
	m.active[c.Name] = c
	m.stats.IncUpdateSuccess(c.Name)
	m.publishLocked()
	cbs := m.snapshotCallbacksLocked()
	m.mu.Unlock()

	for _, cb := range cbs {
		if cb.OnAddOrUpdate != nil {
			cb.OnAddOrUpdate(c)
		}
	}
	m.onDemand.resolve(c.Name)
	m.finishPhaseAttempt(c.Phase)
}

// finishPhaseAttempt records that one cluster in phase finished a
// warming attempt (success or failure), firing primary_ready once
// every primary cluster has and, after that, starting any queued
// secondary clusters; all_ready fires the same way once every
// secondary cluster (including those started late) has finished.
func (m *Manager) finishPhaseAttempt(phase Phase) {
	m.mu.Lock()
	var toStart []func()
	var firePrimary, fireAll bool

	if phase == Primary {
		m.primaryOutstanding--
		if m.primaryOutstanding <= 0 && !m.primaryReady {
			m.primaryReady = true
			firePrimary = true
			toStart = m.secondaryQueued
			m.secondaryQueued = nil
			m.secondaryOutstanding += len(toStart)
			if m.secondaryOutstanding <= 0 {
				m.allReady = true
				fireAll = true
			}
		}
	} else {
		m.secondaryOutstanding--
		if m.primaryReady && m.secondaryOutstanding <= 0 && len(m.secondaryQueued) == 0 && !m.allReady {
			m.allReady = true
			fireAll = true
		}
	}

	var primaryCbs, allCbs []func()
	if firePrimary {
		primaryCbs = m.onPrimaryRdy
		m.onPrimaryRdy = nil
	}
	if fireAll {
		allCbs = m.onAllRdy
		m.onAllRdy = nil
	}
	m.mu.Unlock()

	for _, start := range toStart {
		start()
	}
	for _, cb := range primaryCbs {
		cb()
	}
	for _, cb := range allCbs {
		cb()
	}
}

func (m *Manager) publishLocked() {
	next := make(snapshot, len(m.active))
	for k, v := range m.active {
		next[k] = v
	}
	m.snapshot.Store(&next)
	m.stats.SetGauges(len(m.warming), len(m.active))
}

func (m *Manager) snapshotCallbacksLocked() []ClusterUpdateCallbacks {
	cbs := make([]ClusterUpdateCallbacks, 0, len(m.callbacks))
	for _, cb := range m.callbacks {
		cbs = append(cbs, cb)
	}
	return cbs
}
