package transport

import (
	v3discoverypb "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/xtransit/xtransit/xds/internal/xdsclient/substate"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/watch"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/xdsresource"
)

// resourceFromAny turns a sotw response's raw Any into the name+payload
// shape the watch map deals in, using xdsresource's generic field-1
// name scan rather than a type-specific decoder (spec.md §3 "Payload
// is opaque to the core").
func resourceFromAny(a *anypb.Any) watch.Resource {
	name, _ := xdsresource.DecodeName(a.GetTypeUrl(), a.GetValue())
	return watch.Resource{Name: name, Payload: a.GetValue()}
}

func resourceFromDelta(typeURL string, r *v3discoverypb.Resource) substate.ResourceWithType {
	name := r.GetName()
	payload := r.GetResource().GetValue()
	if name == "" {
		name, _ = xdsresource.DecodeName(typeURL, payload)
	}
	resourceTypeURL := r.GetResource().GetTypeUrl()
	if resourceTypeURL == "" {
		resourceTypeURL = typeURL
	}
	return substate.ResourceWithType{
		Resource: watch.Resource{Name: name, Payload: payload},
		TypeURL:  resourceTypeURL,
	}
}

// nackStatus builds the error_detail carried on a NACK, classifying the
// code by error taxonomy (spec.md §7): resource validation failures are
// InvalidArgument, protocol violations (duplicate names, type_url
// mismatch) are FailedPrecondition, grounded on the teacher's
// sendAggregatedDiscoveryServiceRequest which hardcoded InvalidArgument
// for every NACK.
func nackStatus(err error) *status.Status {
	code := codes.InvalidArgument
	switch xdsresource.ErrType(err) {
	case xdsresource.ErrorTypeDuplicateResourceName, xdsresource.ErrorTypeWrongResourceType:
		code = codes.FailedPrecondition
	}
	return &status.Status{Code: int32(code), Message: err.Error()}
}
