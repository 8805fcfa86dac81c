// Package watch implements the subscription fan-out described in
// spec.md component D: given a stream of responses for one type_url,
// it computes, for each watch, exactly the resources that watch
// should see now. It is a faithful translation of Envoy's
// source/common/config/watch_map.cc.
package watch

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ID identifies a single watch within a Map. Stable for the life of
// the watch, analogous to watch_map.cc's WatchMap::Token.
type ID string

func newID() ID { return ID(uuid.NewString()) }

// Resource is the unit delivered to callbacks: a name and its opaque payload.
type Resource struct {
	Name    string
	Payload []byte
}

// Callbacks is what a caller supplies when registering a Watch. It is
// the Go analogue of Envoy's SubscriptionCallbacks.
type Callbacks struct {
	// OnUpdate is invoked once per response touching this watch, with
	// the resources added-or-modified and the names removed. For a
	// sotw delivery, Removed also carries implicit deletions: resource
	// names in this watch's interest set that the snapshot omitted.
	// A non-nil return rejects the whole response (spec.md §4.B:
	// "validation is delegated to the watch map's consumer callbacks").
	OnUpdate func(added []Resource, removed []string, version string) error
	// OnFailure is invoked once per NACK/parse failure.
	OnFailure func(err error)
}

// watch is the internal bookkeeping record for one registered ID.
type watch struct {
	id            ID
	resourceNames map[string]bool // empty => wildcard
	namespace     bool
	callbacks     Callbacks
}

func (w *watch) isWildcard() bool { return len(w.resourceNames) == 0 }

// Map is the per-type_url watch map (spec.md §3 "Watch map").
type Map struct {
	mu sync.Mutex

	watchesByID       map[ID]*watch
	watchersByResource map[string]map[ID]bool
	wildcardWatches     map[ID]bool

	// namespacePrefixes holds, for namespace-mode watches only, the
	// prefix each such watch's name set represents (spec.md §4.B
	// "Namespace watches": "delivering every resource whose name
	// begins with the namespace prefix").
	namespacePrefixes map[ID][]string
}

// NewMap constructs an empty watch map for one type_url.
func NewMap() *Map {
	return &Map{
		watchesByID:         make(map[ID]*watch),
		watchersByResource:  make(map[string]map[ID]bool),
		wildcardWatches:     make(map[ID]bool),
		namespacePrefixes:   make(map[ID][]string),
	}
}

// AddWatch registers a new watch for the given resource names (empty
// means wildcard) and returns its ID. Mirrors WatchMap::addWatch,
// generalized to accept a non-empty initial interest set (the C++
// version always starts wildcard and relies on an immediate
// updateWatchInterest call; this Go version folds that into one step
// since callers always know their initial interest up front).
// AddedToSub reports the names that became newly subscribed-to as a
// result of AddWatch, i.e. those that had no other watcher already.
func (m *Map) AddWatch(names []string, namespaceMode bool, cb Callbacks) (id ID, addedToSub []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id = newID()
	w := &watch{id: id, resourceNames: make(map[string]bool, len(names)), namespace: namespaceMode, callbacks: cb}
	for _, n := range names {
		w.resourceNames[n] = true
	}
	m.watchesByID[id] = w

	if w.isWildcard() {
		m.wildcardWatches[id] = true
		return id, nil
	}
	if namespaceMode {
		m.namespacePrefixes[id] = names
	}
	addedToSub = m.findAdditions(names, id)
	return id, addedToSub
}

// RemoveWatch deletes a watch and returns the resource names that were
// removed from the subscription as a whole because this was their last
// watcher (mirrors WatchMap::removeWatch, which folds the removed
// watch's own resourceNames into the owning SubscriptionState's
// updateSubscriptionInterest call; here we instead compute the true
// orphaned set, since another watch may still want some of the same
// names). empty reports whether the map is now empty, used by callers
// to know when a type_url's subscription state can be torn down
// further up the stack, though subscription state itself is never
// deleted per spec.md §3.
func (m *Map) RemoveWatch(id ID) (removedFromSub []string, empty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watchesByID[id]
	if !ok {
		return nil, len(m.watchesByID) == 0
	}
	for n := range w.resourceNames {
		set, ok := m.watchersByResource[n]
		if !ok {
			continue
		}
		delete(set, id)
		if len(set) == 0 {
			delete(m.watchersByResource, n)
			removedFromSub = append(removedFromSub, n)
		}
	}
	delete(m.wildcardWatches, id)
	delete(m.namespacePrefixes, id)
	delete(m.watchesByID, id)
	sort.Strings(removedFromSub)
	return removedFromSub, len(m.watchesByID) == 0
}

// UpdateWatchInterest changes the resource set a watch cares about and
// returns the names newly added to, and newly removed from, the
// *subscription as a whole* (not just this watch) — i.e. the delta the
// owning SubscriptionState needs to fold into its next request.
// Mirrors WatchMap::updateWatchInterest.
func (m *Map) UpdateWatchInterest(id ID, newNames []string) (addedToSub, removedFromSub []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watchesByID[id]
	if !ok {
		return nil, nil
	}

	newSet := make(map[string]bool, len(newNames))
	for _, n := range newNames {
		newSet[n] = true
	}

	if len(newSet) == 0 {
		m.wildcardWatches[id] = true
	} else {
		delete(m.wildcardWatches, id)
	}

	var newlyAdded, newlyRemoved []string
	for n := range newSet {
		if !w.resourceNames[n] {
			newlyAdded = append(newlyAdded, n)
		}
	}
	for n := range w.resourceNames {
		if !newSet[n] {
			newlyRemoved = append(newlyRemoved, n)
		}
	}
	w.resourceNames = newSet
	if w.namespace {
		m.namespacePrefixes[id] = newNames
	}

	addedToSub = m.findAdditions(newlyAdded, id)
	removedFromSub = m.findRemovals(newlyRemoved, id)
	return addedToSub, removedFromSub
}

func (m *Map) findAdditions(names []string, id ID) []string {
	var newToSub []string
	for _, n := range names {
		set, ok := m.watchersByResource[n]
		if !ok {
			newToSub = append(newToSub, n)
			set = make(map[ID]bool)
			m.watchersByResource[n] = set
		}
		set[id] = true
	}
	return newToSub
}

func (m *Map) findRemovals(names []string, id ID) []string {
	var removedFromSub []string
	for _, n := range names {
		set, ok := m.watchersByResource[n]
		if !ok {
			continue
		}
		delete(set, id)
		if len(set) == 0 {
			delete(m.watchersByResource, n)
			removedFromSub = append(removedFromSub, n)
		}
	}
	return removedFromSub
}

// tokensInterestedIn returns the set of watch IDs that should receive a
// resource with the given name: its exact-match watchers, any watch
// whose namespace prefix it falls under, plus every wildcard watch.
// Mirrors WatchMap::tokensInterestedIn, generalized for namespace
// prefixes and de-duplicated so a watch that is both a namespace match
// and a wildcard is only counted once (spec.md §9 open question:
// "single delivery by taking set-union").
func (m *Map) tokensInterestedIn(name string) map[ID]bool {
	ret := make(map[ID]bool, len(m.wildcardWatches))
	for id := range m.wildcardWatches {
		ret[id] = true
	}
	if set, ok := m.watchersByResource[name]; ok {
		for id := range set {
			ret[id] = true
		}
	}
	for id, prefixes := range m.namespacePrefixes {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				ret[id] = true
				break
			}
		}
	}
	return ret
}

func sortedIDs(m map[ID]bool) []ID {
	ids := make([]ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DeliverSotw fans a full state-of-the-world snapshot out to watches.
// Every watch receives exactly one OnUpdate call: resources it's
// interested in as "added", and — for non-wildcard watches — any of
// its requested names missing from this snapshot as "removed",
// so that deletions propagate (spec.md §4.D). A watch interested in
// nothing from this snapshot still gets an empty OnUpdate, matching
// WatchMap::onConfigUpdate's "notify the watch that its resources...
// were dropped" comment.
func (m *Map) DeliverSotw(version string, resources []Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.watchesByID) == 0 {
		return nil
	}

	present := make(map[string]bool, len(resources))
	perWatchAdded := make(map[ID][]Resource)
	for _, r := range resources {
		present[r.Name] = true
		for id := range m.tokensInterestedIn(r.Name) {
			perWatchAdded[id] = append(perWatchAdded[id], r)
		}
	}

	var first error
	for _, id := range sortedIDs(m.watchesByID) {
		w := m.watchesByID[id]
		added := perWatchAdded[id]
		var removed []string
		if !w.isWildcard() {
			for n := range w.resourceNames {
				if !present[n] {
					removed = append(removed, n)
				}
			}
		}
		sort.Slice(added, func(i, j int) bool { return added[i].Name < added[j].Name })
		sort.Strings(removed)
		if err := w.callbacks.OnUpdate(added, removed, version); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// DeliverDelta fans an incremental update out to watches: each watch
// receives at most one OnUpdate call combining the added/modified
// resources and removed names it cares about. Mirrors the two-overload
// WatchMap::onConfigUpdate(added, removed, version) in the .cc file,
// folded into one pass since Go doesn't need the C++ file's two-map
// merge-then-drain dance.
func (m *Map) DeliverDelta(version string, added []Resource, removedNames []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.watchesByID) == 0 {
		return nil
	}

	perWatchAdded := make(map[ID][]Resource)
	for _, r := range added {
		for id := range m.tokensInterestedIn(r.Name) {
			perWatchAdded[id] = append(perWatchAdded[id], r)
		}
	}
	perWatchRemoved := make(map[ID][]string)
	for _, n := range removedNames {
		for id := range m.tokensInterestedIn(n) {
			perWatchRemoved[id] = append(perWatchRemoved[id], n)
		}
	}

	touched := make(map[ID]bool, len(perWatchAdded)+len(perWatchRemoved))
	for id := range perWatchAdded {
		touched[id] = true
	}
	for id := range perWatchRemoved {
		touched[id] = true
	}

	var first error
	for _, id := range sortedIDs(touched) {
		w, ok := m.watchesByID[id]
		if !ok {
			continue
		}
		add := perWatchAdded[id]
		rm := perWatchRemoved[id]
		sort.Slice(add, func(i, j int) bool { return add[i].Name < add[j].Name })
		sort.Strings(rm)
		if err := w.callbacks.OnUpdate(add, rm, version); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NotifyFailure informs every watch of a NACK/parse failure exactly
// once. Mirrors WatchMap::onConfigUpdateFailed.
func (m *Map) NotifyFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range sortedIDs(m.watchesByID) {
		m.watchesByID[id].callbacks.OnFailure(err)
	}
}

// RequestedNames returns the current union of all non-wildcard
// watches' resource names, and whether any wildcard watch exists
// (spec.md invariant "Subscription minimality").
func (m *Map) RequestedNames() (names []string, wildcard bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.wildcardWatches) > 0 {
		wildcard = true
	}
	names = make([]string, 0, len(m.watchersByResource))
	for n := range m.watchersByResource {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, wildcard
}

// Len reports the number of registered watches, for invariant checks.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchesByID)
}
