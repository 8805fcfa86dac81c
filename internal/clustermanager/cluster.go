// Package clustermanager implements spec.md components F and G: the
// primary/secondary warm/swap engine that owns the authoritative
// cluster map and publishes immutable per-worker snapshots, and the
// on-demand discovery wait table layered on top of it. Grounded on
// original_source/include/envoy/upstream/cluster_manager.h's
// ClusterManager/ClusterUpdateCallbacks/ClusterDiscoveryCallback
// contracts, expressed in the teacher's Go idiom (explicit error
// returns, atomic pointer swap instead of thread-local posts).
package clustermanager

import (
	"fmt"

	"github.com/xtransit/xtransit/internal/upstreamiface"
)

// Phase classifies a cluster's initialization path (spec.md §4.F).
type Phase int

const (
	// Primary clusters are statically configured or DNS/file sourced;
	// construction begins immediately at bootstrap.
	Primary Phase = iota
	// Secondary clusters are sourced from xDS and only started once
	// every primary cluster is ready.
	Secondary
)

func (p Phase) String() string {
	if p == Primary {
		return "primary"
	}
	return "secondary"
}

// Cluster is one entry in the authoritative cluster map. It is
// immutable once warmed: a config update produces a new *Cluster
// replacing the old one in the snapshot rather than mutating it in
// place, so workers holding the old pointer never observe a partial
// update (spec.md §6 "Publication atomicity").
type Cluster struct {
	Name      string
	Phase     Phase
	VersionID string // xDS version_info this config came from

	Endpoints []upstreamiface.Endpoint
	Health    upstreamiface.HealthChecker
	Transport upstreamiface.TransportSocket

	// Static is true for bootstrap-defined clusters, which cannot be
	// removed via xDS (spec.md §4.F "Removal semantics").
	Static bool
}

func (c *Cluster) String() string {
	return fmt.Sprintf("Cluster{%s phase=%s version=%s endpoints=%d}", c.Name, c.Phase, c.VersionID, len(c.Endpoints))
}

// ClusterInfoMaps mirrors cluster_manager.h's ClusterInfoMaps: the
// active (warmed, traffic-visible) clusters and the clusters still
// warming, both keyed by name.
type ClusterInfoMaps struct {
	Active  map[string]*Cluster
	Warming map[string]*Cluster
}
