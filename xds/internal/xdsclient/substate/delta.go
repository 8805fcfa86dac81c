package substate

import (
	"github.com/xtransit/xtransit/xds/internal/xdsclient/watch"
)

// DeltaState implements the incremental variant: requests enumerate
// additions and removals, responses carry added/modified resources and
// a list of removed names (spec.md §4.B).
type DeltaState struct {
	common
	watches *watch.Map

	// resourceVersions tracks, for each resource, the version_info of
	// the response that last delivered it, copied into
	// initial_resource_versions of every request this state builds
	// (spec.md §6 DeltaDiscoveryRequest.initial_resource_versions).
	resourceVersions map[string]string

	// pendingAdd/pendingRemove accumulate the names to
	// subscribe/unsubscribe on the next BuildRequest call, cleared
	// once sent. Kept distinct from requestedNames (the full current
	// set) because delta requests only need to mention the change.
	pendingAdd    map[string]bool
	pendingRemove map[string]bool

	wasWildcard bool
}

// NewDelta builds a delta State for typeURL.
func NewDelta(typeURL string, watches *watch.Map) *DeltaState {
	return &DeltaState{
		common:           newCommon(typeURL),
		watches:          watches,
		resourceVersions: make(map[string]string),
		pendingAdd:       make(map[string]bool),
		pendingRemove:    make(map[string]bool),
	}
}

var _ State = (*DeltaState)(nil)

// UpdateSubscription implements State.
func (s *DeltaState) UpdateSubscription(add, remove []string) {
	before := s.isWildcard()
	s.updateSubscription(add, remove)
	after := s.isWildcard()

	for _, n := range add {
		s.pendingAdd[n] = true
		delete(s.pendingRemove, n)
	}
	for _, n := range remove {
		s.pendingRemove[n] = true
		delete(s.pendingAdd, n)
		delete(s.resourceVersions, n)
	}
	// Switching wildcard-ness is itself a subscription change that
	// must be emitted (spec.md §4.B "Switching between wildcard and
	// non-wildcard must be emitted as a subscription change").
	if before != after {
		s.markDirty()
	}
}

// MarkStreamFresh implements State. A new stream starts with no
// subscriptions on the server side, so the whole current interest set
// (or the wildcard marker) is queued to be subscribed again.
func (s *DeltaState) MarkStreamFresh() {
	s.common.MarkStreamFresh()
	s.wasWildcard = false
	s.pendingAdd = make(map[string]bool, len(s.requestedNames))
	for n := range s.requestedNames {
		s.pendingAdd[n] = true
	}
	s.pendingRemove = make(map[string]bool)
}

// BuildRequest implements State. Wildcard in delta mode uses an
// explicit marker (spec.md §4.B): a subscribe list containing the
// single entry "*", per the xDS delta wire convention.
func (s *DeltaState) BuildRequest() (Request, bool) {
	if !s.dirty && s.pendingError == nil && s.initialRequestSent.Load() {
		return Request{}, false
	}

	req := Request{
		TypeURL:       s.typeURL,
		VersionInfo:   s.knownVersion,
		ResponseNonce: s.lastNonce,
		ErrorDetail:   s.pendingError,
	}

	if s.isWildcard() && !s.wasWildcard {
		req.SubscribeNames = []string{"*"}
	} else if !s.isWildcard() {
		for n := range s.pendingAdd {
			req.SubscribeNames = append(req.SubscribeNames, n)
		}
	}
	for n := range s.pendingRemove {
		req.UnsubscribeNames = append(req.UnsubscribeNames, n)
	}

	if len(s.resourceVersions) > 0 {
		req.InitialVersions = make(map[string]string, len(s.resourceVersions))
		for n, v := range s.resourceVersions {
			req.InitialVersions[n] = v
		}
	}

	s.pendingAdd = make(map[string]bool)
	s.pendingRemove = make(map[string]bool)
	s.wasWildcard = s.isWildcard()
	s.dirty = false
	s.ackDue = false
	s.pendingError = nil
	s.initialRequestSent.Store(true)
	return req, true
}

// HandleResponse implements State.
func (s *DeltaState) HandleResponse(resp Response) error {
	s.lastNonce = resp.Nonce

	if err := validateResourceTypes(s.typeURL, resp.Resources); err != nil {
		s.pendingError = err
		s.markAckDue()
		return err
	}
	if err := validateNoDuplicates(resp.Resources); err != nil {
		s.pendingError = err
		s.markAckDue()
		return err
	}

	added := make([]watch.Resource, 0, len(resp.Resources))
	for _, r := range resp.Resources {
		added = append(added, r.Resource)
	}

	if err := s.watches.DeliverDelta(resp.VersionInfo, added, resp.RemovedNames); err != nil {
		s.pendingError = err
		s.markAckDue()
		return err
	}

	for _, r := range resp.Resources {
		s.resourceVersions[r.Name] = resp.VersionInfo
	}
	for _, n := range resp.RemovedNames {
		delete(s.resourceVersions, n)
	}

	s.knownVersion = resp.VersionInfo
	s.pendingError = nil
	s.markAckDue()
	return nil
}
