package transport

import (
	"context"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	v3discoverypb "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/xtransit/xtransit/xds/internal/xdsclient/substate"
)

// Variant selects which of the two xDS wire shapes (spec.md §6) a
// Transport speaks: state-of-the-world or incremental. A single ADS
// stream speaks exactly one variant; aggregating both would require
// two streams, which callers accomplish by creating two Transports
// against the same server.
type Variant int

const (
	// SOTW speaks DiscoveryRequest/DiscoveryResponse.
	SOTW Variant = iota
	// Delta speaks DeltaDiscoveryRequest/DeltaDiscoveryResponse.
	Delta
)

// wireStream is the minimal surface a gRPC ADS client stream needs to
// expose for the send/recv loops below, abstracted so both the sotw
// and delta stream types satisfy it without the loop caring which.
type wireStream interface {
	sendWire(req substate.Request, node *v3corepb.Node, skipNode bool) error
	recvWire() (substate.Response, *v3corepb.ControlPlane, error)
}

type sotwStream struct {
	stream v3discoverypb.AggregatedDiscoveryService_StreamAggregatedResourcesClient
}

func newSotwStream(ctx context.Context, cc *grpc.ClientConn) (wireStream, error) {
	s, err := v3discoverypb.NewAggregatedDiscoveryServiceClient(cc).StreamAggregatedResources(ctx, grpc.WaitForReady(true))
	if err != nil {
		return nil, err
	}
	return &sotwStream{stream: s}, nil
}

func (s *sotwStream) sendWire(req substate.Request, node *v3corepb.Node, skipNode bool) error {
	wire := &v3discoverypb.DiscoveryRequest{
		TypeUrl:       req.TypeURL,
		ResourceNames: req.ResourceNames,
		VersionInfo:   req.VersionInfo,
		ResponseNonce: req.ResponseNonce,
	}
	if !skipNode {
		wire.Node = node
	}
	if req.ErrorDetail != nil {
		wire.ErrorDetail = nackStatus(req.ErrorDetail)
	}
	return s.stream.Send(wire)
}

func (s *sotwStream) recvWire() (substate.Response, *v3corepb.ControlPlane, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return substate.Response{}, nil, err
	}
	return substate.Response{
		TypeURL:     resp.GetTypeUrl(),
		Resources:   tagResources(resp.GetTypeUrl(), resp.GetResources()),
		VersionInfo: resp.GetVersionInfo(),
		Nonce:       resp.GetNonce(),
	}, resp.GetControlPlane(), nil
}

type deltaStream struct {
	stream v3discoverypb.AggregatedDiscoveryService_DeltaAggregatedResourcesClient
}

func newDeltaStream(ctx context.Context, cc *grpc.ClientConn) (wireStream, error) {
	s, err := v3discoverypb.NewAggregatedDiscoveryServiceClient(cc).DeltaAggregatedResources(ctx, grpc.WaitForReady(true))
	if err != nil {
		return nil, err
	}
	return &deltaStream{stream: s}, nil
}

func (s *deltaStream) sendWire(req substate.Request, node *v3corepb.Node, skipNode bool) error {
	wire := &v3discoverypb.DeltaDiscoveryRequest{
		TypeUrl:                req.TypeURL,
		ResourceNamesSubscribe:   req.SubscribeNames,
		ResourceNamesUnsubscribe: req.UnsubscribeNames,
		InitialResourceVersions:  req.InitialVersions,
		ResponseNonce:            req.ResponseNonce,
	}
	if !skipNode {
		wire.Node = node
	}
	if req.ErrorDetail != nil {
		wire.ErrorDetail = nackStatus(req.ErrorDetail)
	}
	return s.stream.Send(wire)
}

func (s *deltaStream) recvWire() (substate.Response, *v3corepb.ControlPlane, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return substate.Response{}, nil, err
	}
	removed := make([]string, len(resp.GetRemovedResources()))
	copy(removed, resp.GetRemovedResources())

	resources := make([]substate.ResourceWithType, 0, len(resp.GetResources()))
	for _, r := range resp.GetResources() {
		resources = append(resources, resourceFromDelta(resp.GetTypeUrl(), r))
	}

	return substate.Response{
		TypeURL:      resp.GetTypeUrl(),
		Resources:    resources,
		RemovedNames: removed,
		VersionInfo:  resp.GetSystemVersionInfo(),
		Nonce:        resp.GetNonce(),
	}, resp.GetControlPlane(), nil
}

func tagResources(typeURL string, anys []*anypb.Any) []substate.ResourceWithType {
	out := make([]substate.ResourceWithType, 0, len(anys))
	for _, a := range anys {
		resourceTypeURL := a.GetTypeUrl()
		if resourceTypeURL == "" {
			resourceTypeURL = typeURL
		}
		out = append(out, substate.ResourceWithType{
			Resource: resourceFromAny(a),
			TypeURL:  resourceTypeURL,
		})
	}
	return out
}
