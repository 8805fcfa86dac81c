// Package subscription implements the classic subscription façade
// (spec.md component E): Start/Update/Stop over the multiplexer, an
// init-fetch deadline timer, and a file-collection config source that
// bypasses the multiplexer entirely.
package subscription

import (
	"sync"
	"time"

	"github.com/xtransit/xtransit/internal/xdslog"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/mux"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/watch"
)

// Handle is returned by Start and cancels the subscription on Stop.
type Handle struct {
	sub *Subscription
	id  watch.ID
}

// Stop cancels the watch and releases its init-fetch timer, if any.
func (h *Handle) Stop() {
	h.sub.stop(h.id)
}

// Subscription is a single named or wildcard interest in one type_url,
// layered over a Multiplexer. It owns the init-fetch deadline described
// in spec.md §4.E: if no response touching this watch arrives before
// the deadline, OnTimeout fires exactly once.
type Subscription struct {
	m       *mux.Multiplexer
	typeURL string
	logger  *xdslog.Logger

	mu      sync.Mutex
	timers  map[watch.ID]*time.Timer
}

// New returns a façade over m for resources of typeURL.
func New(m *mux.Multiplexer, typeURL string, logger *xdslog.Logger) *Subscription {
	if logger == nil {
		logger = xdslog.New(nil, "xds-subscription")
	}
	return &Subscription{m: m, typeURL: typeURL, logger: logger, timers: make(map[watch.ID]*time.Timer)}
}

// Callbacks is the subscriber-facing event surface, translated from
// watch.Callbacks: OnUpdate keeps the combined added/removed shape
// (with no return value), OnError receives watch failures, and
// OnTimeout reports an expired init-fetch deadline (spec.md glossary
// "Subscription").
type Callbacks struct {
	OnUpdate  func(added []watch.Resource, removed []string, version string)
	OnError   func(err error)
	OnTimeout func()
}

// Start begins watching names (empty means wildcard) with an
// initFetchTimeout deadline; 0 disables the deadline. Returns a Handle
// whose Stop cancels the watch.
func (s *Subscription) Start(names []string, initFetchTimeout time.Duration, cb Callbacks) *Handle {
	var once sync.Once
	watchCb := watch.Callbacks{
		OnUpdate: func(added []watch.Resource, removed []string, version string) error {
			once.Do(func() {})
			if cb.OnUpdate != nil {
				cb.OnUpdate(added, removed, version)
			}
			return nil
		},
		OnFailure: func(err error) {
			if cb.OnError != nil {
				cb.OnError(err)
			}
		},
	}
	id := s.m.AddWatch(s.typeURL, names, false, watchCb)

	s.armTimer(id, initFetchTimeout, &once, cb.OnTimeout)
	return &Handle{sub: s, id: id}
}

// StartNamespace begins a namespace-prefix watch: every resource whose
// name begins with any of prefixes is delivered (spec.md §4.B
// "Namespace watches").
func (s *Subscription) StartNamespace(prefixes []string, initFetchTimeout time.Duration, cb Callbacks) *Handle {
	var once sync.Once
	watchCb := watch.Callbacks{
		OnUpdate: func(added []watch.Resource, removed []string, version string) error {
			once.Do(func() {})
			if cb.OnUpdate != nil {
				cb.OnUpdate(added, removed, version)
			}
			return nil
		},
		OnFailure: func(err error) {
			if cb.OnError != nil {
				cb.OnError(err)
			}
		},
	}
	id := s.m.AddWatch(s.typeURL, prefixes, true, watchCb)
	s.armTimer(id, initFetchTimeout, &once, cb.OnTimeout)
	return &Handle{sub: s, id: id}
}

func (s *Subscription) armTimer(id watch.ID, d time.Duration, once *sync.Once, onTimeout func()) {
	if d <= 0 || onTimeout == nil {
		return
	}
	t := time.AfterFunc(d, func() {
		fired := false
		once.Do(func() { fired = true })
		if fired {
			onTimeout()
		}
	})
	s.mu.Lock()
	s.timers[id] = t
	s.mu.Unlock()
}

// Update changes an existing watch's interest set.
func (s *Subscription) Update(h *Handle, names []string) {
	s.m.UpdateWatch(s.typeURL, h.id, names)
}

func (s *Subscription) stop(id watch.ID) {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.m.RemoveWatch(s.typeURL, id)
}
