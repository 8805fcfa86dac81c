package substate

import (
	"github.com/xtransit/xtransit/xds/internal/xdsclient/watch"
)

// SotwState implements the state-of-the-world variant: requests
// enumerate the full desired resource list, responses are full
// snapshots of that list (spec.md §4.B).
type SotwState struct {
	common
	watches *watch.Map
}

// NewSotw builds a sotw State for typeURL, delivering accepted
// responses to watches.
func NewSotw(typeURL string, watches *watch.Map) *SotwState {
	return &SotwState{common: newCommon(typeURL), watches: watches}
}

var _ State = (*SotwState)(nil)

// UpdateSubscription implements State.
func (s *SotwState) UpdateSubscription(add, remove []string) {
	s.updateSubscription(add, remove)
}

// BuildRequest implements State. In sotw, wildcard is represented by
// omitting ResourceNames entirely (spec.md §4.B "Wildcard semantics").
func (s *SotwState) BuildRequest() (Request, bool) {
	if !s.dirty && s.pendingError == nil && s.initialRequestSent.Load() {
		return Request{}, false
	}
	req := Request{
		TypeURL:       s.typeURL,
		VersionInfo:   s.knownVersion,
		ResponseNonce: s.lastNonce,
		ErrorDetail:   s.pendingError,
	}
	if !s.isWildcard() {
		req.ResourceNames = s.nameSlice()
	}
	s.dirty = false
	s.ackDue = false
	s.pendingError = nil
	s.initialRequestSent.Store(true)
	return req, true
}

// HandleResponse implements State.
func (s *SotwState) HandleResponse(resp Response) error {
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

	resources := make([]watch.Resource, 0, len(resp.Resources))
	for _, r := range resp.Resources {
		resources = append(resources, r.Resource)
	}

	if err := s.watches.DeliverSotw(resp.VersionInfo, resources); err != nil {
		s.pendingError = err
		s.markAckDue()
		return err
	}

	s.knownVersion = resp.VersionInfo
	s.pendingError = nil
	s.markAckDue()
	return nil
}
