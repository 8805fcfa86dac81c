// Package mux implements the multiplexer described in spec.md
// component C: one transport shared by every type_url, a pausable
// priority pump, and the wiring between substate.State and
// watch.Map per type_url. Grounded on original_source's
// source/common/config/xds_mux/grpc_mux_impl.h GrpcMuxImpl, with
// GrpcMux's pause/resume contract from include/envoy/config/grpc_mux.h.
package mux

import (
	"sort"
	"sync"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"google.golang.org/grpc"

	"github.com/xtransit/xtransit/internal/xdslog"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/substate"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/transport"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/watch"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/xdsresource"
)

// Variant re-exports transport.Variant so callers of this package don't
// need to import transport directly for the common case.
type Variant = transport.Variant

const (
	SOTW  = transport.SOTW
	Delta = transport.Delta
)

// entry bundles one type_url's protocol state with its watch map.
// knownNames/knownWildcard mirror what the substate.State was last told
// via UpdateSubscription, so reconcile can diff against the watch map's
// authoritative view regardless of which operation (add/update/remove
// watch) triggered the change.
type entry struct {
	state         substate.State
	watches       *watch.Map
	knownNames    map[string]bool
	knownWildcard bool
}

// reconcile recomputes e's true subscription (from the watch map) and
// folds any difference from what the substate was last told into a
// single UpdateSubscription call, correctly handling wildcard<->explicit
// transitions (spec.md §4.B "switching between wildcard and
// non-wildcard must be emitted as a subscription change").
func reconcile(e *entry) {
	names, wildcard := e.watches.RequestedNames()

	if wildcard {
		if !e.knownWildcard {
			remove := make([]string, 0, len(e.knownNames))
			for n := range e.knownNames {
				remove = append(remove, n)
			}
			e.state.UpdateSubscription(nil, remove)
			e.knownNames = make(map[string]bool)
			e.knownWildcard = true
		}
		return
	}

	newSet := make(map[string]bool, len(names))
	for _, n := range names {
		newSet[n] = true
	}

	var add, remove []string
	if e.knownWildcard {
		add = names
	} else {
		for n := range newSet {
			if !e.knownNames[n] {
				add = append(add, n)
			}
		}
		for n := range e.knownNames {
			if !newSet[n] {
				remove = append(remove, n)
			}
		}
	}
	if len(add) > 0 || len(remove) > 0 || e.knownWildcard {
		e.state.UpdateSubscription(add, remove)
	}
	e.knownNames = newSet
	e.knownWildcard = false
}

// RequestSender is the slice of *transport.Transport the multiplexer
// actually needs, factored out and exported so tests (in this package
// and sibling packages like subscription) can drive Multiplexer's pump
// and reconcile logic against a fake sender without dialing a real
// gRPC connection.
type RequestSender interface {
	SendRequest(req substate.Request)
}

// Multiplexer owns a single Transport and fans it out across every
// subscribed type_url, implementing the GrpcMux contract: start,
// pause/resume, addWatch/updateWatch/removeWatch (spec.md §4.C).
type Multiplexer struct {
	mu      sync.Mutex
	variant Variant
	t       RequestSender
	closer  func()
	entries map[string]*entry // type_url -> entry
	order   []string          // subscription order, oldest first (pump priority)
	logger  *xdslog.Logger
}

// Options configures a new Multiplexer.
type Options struct {
	ServerURI          string
	Creds              grpc.DialOption
	Variant            Variant
	Logger             *xdslog.Logger
	StreamErrorHandler func(error)
	MaxTokens          uint32
	RefillPerSecond    float64
	// NodeProto identifies this client in the first request of each
	// stream (spec.md §4.C, §6).
	NodeProto *v3corepb.Node
}

// New creates a Multiplexer and its underlying Transport. This package
// implements only the unified mux design (spec.md §9 open question):
// one generic Multiplexer parameterized by substate.State, rather than
// separate legacy sotw-only and delta-only code paths.
func New(opts Options) (*Multiplexer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = xdslog.New(nil, "xds-mux")
	}
	m := &Multiplexer{
		variant: opts.Variant,
		entries: make(map[string]*entry),
		logger:  logger,
	}
	t, err := transport.New(transport.Options{
		ServerURI:            opts.ServerURI,
		Creds:                opts.Creds,
		Variant:              opts.Variant,
		UpdateHandler:        m.handleResponse,
		StreamErrorHandler:   opts.StreamErrorHandler,
		StreamRestartHandler: m.onStreamRestart,
		Logger:               logger,
		NodeProto:            opts.NodeProto,
		MaxTokens:            opts.MaxTokens,
		RefillPerSecond:      opts.RefillPerSecond,
	})
	if err != nil {
		return nil, err
	}
	m.t = t
	m.closer = t.Close
	return m, nil
}

// NewWithSender builds a Multiplexer around an already-constructed
// RequestSender, skipping transport.New's real dial. Exported for
// tests (this package's own and sibling packages such as subscription)
// that need a working Multiplexer without a network; production
// callers should use New.
func NewWithSender(sender RequestSender, variant Variant, logger *xdslog.Logger) *Multiplexer {
	if logger == nil {
		logger = xdslog.New(nil, "xds-mux")
	}
	return &Multiplexer{
		variant: variant,
		t:       sender,
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Close tears down the underlying transport.
func (m *Multiplexer) Close() {
	if m.closer != nil {
		m.closer()
	}
}

func (m *Multiplexer) stateFor(typeURL string) *entry {
	if e, ok := m.entries[typeURL]; ok {
		return e
	}
	watches := watch.NewMap()
	var st substate.State
	if m.variant == Delta {
		st = substate.NewDelta(typeURL, watches)
	} else {
		st = substate.NewSotw(typeURL, watches)
	}
	e := &entry{state: st, watches: watches, knownNames: make(map[string]bool), knownWildcard: true}
	m.entries[typeURL] = e
	m.order = append(m.order, typeURL)
	return e
}

// AddWatch registers a new watch for typeURL and pumps the resulting
// subscription change, if any.
func (m *Multiplexer) AddWatch(typeURL string, names []string, namespaceMode bool, cb watch.Callbacks) watch.ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.stateFor(typeURL)
	id, _ := e.watches.AddWatch(names, namespaceMode, cb)
	reconcile(e)
	m.pumpLocked()
	return id
}

// UpdateWatch changes an existing watch's interest set.
func (m *Multiplexer) UpdateWatch(typeURL string, id watch.ID, names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[typeURL]
	if !ok {
		return
	}
	e.watches.UpdateWatchInterest(id, names)
	reconcile(e)
	m.pumpLocked()
}

// RemoveWatch deregisters a watch.
func (m *Multiplexer) RemoveWatch(typeURL string, id watch.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[typeURL]
	if !ok {
		return
	}
	e.watches.RemoveWatch(id)
	reconcile(e)
	m.pumpLocked()
}

// Pause defers sends for the given type_urls until the returned func is
// called (spec.md §4.C). Resuming flushes a pump if anything changed
// while paused. Mirrors GrpcMux::pause's ScopedResume, expressed as a
// plain closure rather than a destructor-invoked RAII handle (spec.md
// §9 DESIGN NOTES).
func (m *Multiplexer) Pause(typeURLs ...string) (resume func()) {
	m.mu.Lock()
	for _, u := range typeURLs {
		if e, ok := m.entries[u]; ok {
			e.state.Pause()
		}
	}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		dirty := false
		for _, u := range typeURLs {
			if e, ok := m.entries[u]; ok {
				if e.state.Resume() {
					dirty = true
				}
			}
		}
		if dirty {
			m.pumpLocked()
		}
	}
}

// onStreamRestart is invoked by the transport whenever a new stream is
// established (initial connect or reconnect). Every substate is marked
// fresh so its next BuildRequest re-attaches node identity and resends
// the full current interest set (spec.md §4.C).
func (m *Multiplexer) onStreamRestart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.order {
		// MarkStreamFresh resets initialRequestSent, which alone forces
		// the next BuildRequest to fire regardless of dirty state, so
		// every type_url resends its full current interest after
		// reconnection (spec.md §4.C).
		m.entries[u].state.MarkStreamFresh()
	}
	m.pumpAllLocked()
}

// HandleResponse exposes handleResponse for tests in sibling packages
// (subscription's init-fetch-timeout and delivery tests) that build
// their Multiplexer via NewWithSender and so have no transport to feed
// it a response the ordinary way.
func (m *Multiplexer) HandleResponse(resp substate.Response) error {
	return m.handleResponse(resp)
}

// handleResponse is the transport's UpdateHandlerFunc: route the
// response to the owning type_url's substate, which validates it and
// delivers accepted resources to the watch map.
func (m *Multiplexer) handleResponse(resp substate.Response) error {
	m.mu.Lock()
	e, ok := m.entries[resp.TypeURL]
	m.mu.Unlock()

	if !ok || !xdsresource.IsSupported(resp.TypeURL) {
		m.logger.Warningf("response for unrecognized type_url %q dropped", resp.TypeURL)
		return xdsresource.NewErrorf(xdsresource.ErrorTypeResourceTypeUnsupported, "unsupported type_url %q", resp.TypeURL)
	}

	err := e.state.HandleResponse(resp)
	if err != nil {
		e.watches.NotifyFailure(err)
	}

	m.mu.Lock()
	m.pumpOneLocked(resp.TypeURL)
	m.mu.Unlock()
	return err
}

// pumpLocked sends the next request for every dirty, unpaused type_url,
// in priority order: ACK/NACK-carrying states first, then the rest in
// subscription order (spec.md §4.C pump priority).
func (m *Multiplexer) pumpLocked() {
	order := append([]string(nil), m.order...)
	sort.SliceStable(order, func(i, j int) bool {
		ei, ej := m.entries[order[i]], m.entries[order[j]]
		return ei.state.AckDue() && !ej.state.AckDue()
	})
	for _, u := range order {
		m.pumpOneLocked(u)
	}
}

// pumpAllLocked is pumpLocked without the priority reorder, used right
// after a stream restart when every type_url needs to resend anyway.
func (m *Multiplexer) pumpAllLocked() {
	for _, u := range m.order {
		m.pumpOneLocked(u)
	}
}

func (m *Multiplexer) pumpOneLocked(typeURL string) {
	e, ok := m.entries[typeURL]
	if !ok || e.state.Paused() {
		return
	}
	req, ok := e.state.BuildRequest()
	if !ok {
		return
	}
	m.t.SendRequest(req)
}

// RequestOnDemand asks for a single named resource outside the usual
// wildcard/subscription flow (spec.md §4.F on-demand discovery),
// folding it into that type_url's existing subscription.
func (m *Multiplexer) RequestOnDemand(typeURL, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.stateFor(typeURL)
	e.state.UpdateSubscription([]string{name}, nil)
	m.pumpLocked()
}
