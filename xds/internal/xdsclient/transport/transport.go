// Package transport implements the rate-limited, resource-type-agnostic
// ADS stream described by spec.md component A. It owns the gRPC
// connection to a single management server and the lifecycle of the
// aggregated discovery stream; resource contents above the wire shapes
// in wire.go are opaque to it. Grounded on the teacher's
// xds/internal/xdsclient/transport/transport.go, generalized to pace
// outbound sends through a token bucket and to speak either xDS wire
// variant via the wireStream abstraction in wire.go.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/keepalive"

	"github.com/xtransit/xtransit/internal/backoff"
	"github.com/xtransit/xtransit/internal/ratelimit"
	"github.com/xtransit/xtransit/internal/unboundedqueue"
	"github.com/xtransit/xtransit/internal/xdslog"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/substate"
)

// UpdateHandlerFunc is invoked inline for every response received on the
// stream. A nil error means the data model layer accepts the resources
// and the transport should ACK; a non-nil error means NACK.
type UpdateHandlerFunc func(resp substate.Response) error

// Options configures a new Transport.
type Options struct {
	// ServerURI is the target of the management server.
	ServerURI string
	// Creds is the transport credential used to dial ServerURI.
	Creds grpc.DialOption
	// Variant selects sotw or delta wire framing (spec.md §6).
	Variant Variant
	// UpdateHandler makes the ACK/NACK decision for each response.
	UpdateHandler UpdateHandlerFunc
	// StreamErrorHandler reports stream-level errors (stream creation
	// failure, broken stream) up to the owning multiplexer. Errors
	// returned by UpdateHandler are only logged, not reported here.
	StreamErrorHandler func(error)
	// StreamRestartHandler is invoked whenever a new stream is
	// established (initial connect or reconnection after failure), so
	// the caller can mark all subscription states fresh and re-enqueue
	// their current requests (spec.md §4.C "stream restart resends the
	// subscription-level view, not a per-ack history").
	StreamRestartHandler func()
	// OnWritable is invoked after each request is successfully written
	// to the stream (spec.md §4.A on_writable).
	OnWritable func()
	// Backoff controls delay between failed stream (re)creation
	// attempts. Defaults to internal/backoff.DefaultExponential.
	Backoff backoff.Strategy
	// Logger does logging with a prefix.
	Logger *xdslog.Logger
	// NodeProto identifies this client in the first request of a stream.
	NodeProto *v3corepb.Node
	// MaxTokens and RefillPerSecond configure the outbound pacing token
	// bucket (spec.md §4.A). MaxTokens == 0 disables pacing entirely.
	MaxTokens       uint32
	RefillPerSecond float64
}

// connState mirrors the three-state connectivity machine of spec.md §6
// (distinct from gRPC's own connectivity.State, which tracks the
// channel rather than the ADS stream specifically).
type connState int32

const (
	disconnected connState = iota
	connecting
	established
)

// Transport owns one ADS stream to one management server.
type Transport struct {
	cc                   *grpc.ClientConn
	serverURI            string
	variant              Variant
	updateHandler        UpdateHandlerFunc
	streamErrHandler     func(error)
	streamRestartHandler func()
	onWritable           func()
	backoffStrategy      backoff.Strategy
	nodeProto            *v3corepb.Node
	logger               *xdslog.Logger
	limiter              *ratelimit.Limiter

	runnerCancel context.CancelFunc
	runnerDoneCh chan struct{}

	streamCh  chan wireStream
	requestCh *unboundedqueue.Queue

	mu    sync.Mutex
	state connState
}

// New dials serverURI and starts the background stream-management
// goroutine. The returned Transport begins in the disconnected state;
// callers observe readiness via StreamRestartHandler.
func New(opts Options) (*Transport, error) {
	switch {
	case opts.ServerURI == "":
		return nil, errors.New("transport: missing server URI")
	case opts.Creds == nil:
		return nil, errors.New("transport: missing transport credentials")
	case opts.UpdateHandler == nil:
		return nil, errors.New("transport: missing update handler")
	case opts.StreamErrorHandler == nil:
		return nil, errors.New("transport: missing stream error handler")
	}

	dopts := []grpc.DialOption{
		opts.Creds,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    5 * time.Minute,
			Timeout: 20 * time.Second,
		}),
	}
	cc, err := grpcDial(opts.ServerURI, dopts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing management server %q: %v", opts.ServerURI, err)
	}

	boff := opts.Backoff
	if boff == nil {
		boff = backoff.DefaultExponential
	}
	logger := opts.Logger
	if logger == nil {
		logger = xdslog.New(nil, "xds-transport")
	}

	t := &Transport{
		cc:                   cc,
		serverURI:            opts.ServerURI,
		variant:              opts.Variant,
		updateHandler:        opts.UpdateHandler,
		streamErrHandler:     opts.StreamErrorHandler,
		streamRestartHandler: opts.StreamRestartHandler,
		onWritable:           opts.OnWritable,
		backoffStrategy:      boff,
		nodeProto:            opts.NodeProto,
		logger:               logger,
		limiter:              ratelimit.New(opts.MaxTokens, opts.RefillPerSecond),

		streamCh:     make(chan wireStream, 1),
		requestCh:    unboundedqueue.New(),
		runnerDoneCh: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.runnerCancel = cancel
	go t.runner(ctx)

	t.logger.Infof("created transport to server %q", t.serverURI)
	return t, nil
}

// grpcDial is overridden in tests.
var grpcDial = grpc.Dial

// SendRequest enqueues req for transmission on the current (or next)
// stream. Delivery is best-effort: if no stream is currently up, the
// request is dropped, matching spec.md §4.C ("streams with no server
// rebuild their view from substate once reconnected, rather than
// replaying a send history").
func (t *Transport) SendRequest(req substate.Request) {
	pendingRequests.WithLabelValues(t.serverURI).Inc()
	t.requestCh.Put(req)
}

// DrainAllowed reports whether n more requests may be sent right now
// without exceeding the configured pacing rate (spec.md §4.A
// drain_allowed), consuming those tokens if so. Callers that only want
// to peek should pass a small n and treat a false return as "try again
// after NextTokenAvailable", not retry the same call in a busy loop.
func (t *Transport) DrainAllowed(n int) bool {
	return t.limiter.Consume(uint64(n))
}

// ConnectivityStateForTesting returns the gRPC channel's connectivity
// state, for use in tests only.
func (t *Transport) ConnectivityStateForTesting() connectivity.State {
	return t.cc.GetState()
}

// Close tears down the background goroutine and the gRPC connection.
func (t *Transport) Close() {
	t.runnerCancel()
	<-t.runnerDoneCh
	t.cc.Close()
}

func (t *Transport) setState(s connState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	v := 0.0
	if s == established {
		v = 1
	}
	connectedState.WithLabelValues(t.serverURI).Set(v)
}

// runner creates and recreates the ADS stream with exponential backoff,
// same loop shape as the teacher's adsRunner.
func (t *Transport) runner(ctx context.Context) {
	defer close(t.runnerDoneCh)

	go t.send(ctx)

	attempt := 0
	timer := time.NewTimer(0)
	for ctx.Err() == nil {
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		t.setState(connecting)
		gotMessage := func() bool {
			s, err := t.newStream(ctx)
			if err != nil {
				t.streamErrHandler(err)
				t.logger.Warningf("stream creation failed: %v", err)
				t.setState(disconnected)
				return false
			}
			t.logger.Infof("ADS stream created")
			select {
			case <-t.streamCh:
			default:
			}
			t.streamCh <- s
			t.setState(established)
			ok := t.recv(s)
			t.setState(disconnected)
			return ok
		}()

		if gotMessage {
			timer.Reset(0)
			attempt = 0
		} else {
			timer.Reset(t.backoffStrategy(attempt))
			attempt++
		}
	}
}

func (t *Transport) newStream(ctx context.Context) (wireStream, error) {
	if t.variant == Delta {
		return newDeltaStream(ctx, t.cc)
	}
	return newSotwStream(ctx, t.cc)
}

// send drains requestCh onto the current stream, pacing sends through
// the token bucket and attaching node identity only on the first
// request of each stream (spec.md §4.C node-identity elision).
func (t *Transport) send(ctx context.Context) {
	var stream wireStream
	skipNode := false

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-t.streamCh:
			stream = s
			skipNode = false
			if t.streamRestartHandler != nil {
				t.streamRestartHandler()
			}
		case <-t.requestCh.Get():
			v, ok := t.requestCh.Load()
			if !ok {
				continue
			}
			pendingRequests.WithLabelValues(t.serverURI).Dec()
			req := v.(substate.Request)
			if stream == nil {
				continue
			}
			if !t.waitForToken(ctx) {
				return
			}
			if err := stream.sendWire(req, t.nodeProto, skipNode); err != nil {
				t.logger.Warningf("sending %s request failed: %v", req.TypeURL, err)
				stream = nil
				continue
			}
			skipNode = true
			if t.onWritable != nil {
				t.onWritable()
			}
		}
	}
}

// waitForToken blocks until a send token is available or ctx is done,
// incrementing the rate-limit-enforced counter whenever it has to wait
// (spec.md §6 rate_limit_enforced).
func (t *Transport) waitForToken(ctx context.Context) bool {
	if t.limiter.Consume(1) {
		return true
	}
	rateLimitEnforced.WithLabelValues(t.serverURI).Inc()
	for {
		wait := t.limiter.NextTokenAvailable()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
		if t.limiter.Consume(1) {
			return true
		}
	}
}

// recv reads responses off stream until it errs, handing each to
// updateHandler and reporting the ACK/NACK decision back to the caller
// via the caller's own substate (the caller enqueues the resulting
// ack/nack Request through SendRequest from inside UpdateHandler, or a
// subsequent pump cycle; this package does not itself interpret
// resource semantics). Returns true if at least one message was read.
func (t *Transport) recv(stream wireStream) bool {
	gotMessage := false
	for {
		resp, cp, err := stream.recvWire()
		if err != nil {
			t.streamErrHandler(err)
			t.logger.Warningf("ADS stream closed: %v", err)
			return gotMessage
		}
		gotMessage = true
		if cp != nil && cp.GetIdentifier() != "" {
			t.logger.Debugf("control plane identifier: %s", cp.GetIdentifier())
		}
		if err := t.updateHandler(resp); err != nil {
			t.logger.Warningf("update handler rejected %s response: %v", resp.TypeURL, err)
			continue
		}
		t.logger.Infof("accepted %s response, version %s", resp.TypeURL, resp.VersionInfo)
	}
}
