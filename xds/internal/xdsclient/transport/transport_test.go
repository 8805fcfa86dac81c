package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtransit/xtransit/internal/ratelimit"
	"github.com/xtransit/xtransit/internal/unboundedqueue"
	"github.com/xtransit/xtransit/internal/xdslog"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/substate"
)

// fakeWireStream satisfies wireStream without a real gRPC connection,
// recording every sendWire call and serving recvWire from a channel so
// tests can control exactly what the send/recv loops observe.
type fakeWireStream struct {
	mu       sync.Mutex
	sent     []fakeSend
	sendErr  error
	recvCh   chan substate.Response
	recvErrs chan error
}

type fakeSend struct {
	req      substate.Request
	node     *v3corepb.Node
	skipNode bool
}

func newFakeWireStream() *fakeWireStream {
	return &fakeWireStream{
		recvCh:   make(chan substate.Response, 8),
		recvErrs: make(chan error, 8),
	}
}

func (f *fakeWireStream) sendWire(req substate.Request, node *v3corepb.Node, skipNode bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, fakeSend{req: req, node: node, skipNode: skipNode})
	return nil
}

func (f *fakeWireStream) recvWire() (substate.Response, *v3corepb.ControlPlane, error) {
	select {
	case err := <-f.recvErrs:
		return substate.Response{}, nil, err
	case resp := <-f.recvCh:
		return resp, nil, nil
	}
}

func (f *fakeWireStream) sentSnapshot() []fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeSend, len(f.sent))
	copy(out, f.sent)
	return out
}

// newTestTransport builds a Transport directly, bypassing New's real
// grpc.Dial, with just the fields the send/recv/waitForToken loops
// touch.
func newTestTransport(limiter *ratelimit.Limiter) *Transport {
	return &Transport{
		serverURI:    "test-server",
		limiter:      limiter,
		logger:       xdslog.New(nil, "test"),
		streamCh:     make(chan wireStream, 1),
		requestCh:    unboundedqueue.New(),
		runnerDoneCh: make(chan struct{}),
	}
}

func TestWaitForTokenSucceedsImmediatelyWithCapacity(t *testing.T) {
	tr := newTestTransport(ratelimit.New(0, 0))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.True(t, tr.waitForToken(ctx))
}

func TestWaitForTokenBlocksUntilRefill(t *testing.T) {
	tr := newTestTransport(ratelimit.New(1, 1000))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.True(t, tr.waitForToken(ctx))

	start := time.Now()
	require.True(t, tr.waitForToken(ctx))
	assert.Greater(t, time.Since(start), time.Millisecond)
}

func TestWaitForTokenReturnsFalseOnContextCancel(t *testing.T) {
	tr := newTestTransport(ratelimit.New(1, 0.001))
	tr.waitForToken(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, tr.waitForToken(ctx))
}

func TestSendSkipsNodeAfterFirstRequestOnStream(t *testing.T) {
	tr := newTestTransport(ratelimit.New(0, 0))
	tr.nodeProto = &v3corepb.Node{Id: "node-1"}

	var restarts int
	var mu sync.Mutex
	tr.streamRestartHandler = func() { mu.Lock(); restarts++; mu.Unlock() }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.send(ctx)

	fs := newFakeWireStream()
	tr.streamCh <- fs

	tr.SendRequest(substate.Request{TypeURL: "type.a", ResourceNames: []string{"x"}})
	tr.SendRequest(substate.Request{TypeURL: "type.a", ResourceNames: []string{"x", "y"}})

	require.Eventually(t, func() bool { return len(fs.sentSnapshot()) == 2 }, time.Second, time.Millisecond)

	sent := fs.sentSnapshot()
	assert.False(t, sent[0].skipNode, "first request on a stream must carry node identity")
	assert.NotNil(t, sent[0].node)
	assert.True(t, sent[1].skipNode, "subsequent requests on the same stream must elide node identity")

	mu.Lock()
	assert.Equal(t, 1, restarts)
	mu.Unlock()
}

func TestSendResetsNodeElisionOnNewStream(t *testing.T) {
	tr := newTestTransport(ratelimit.New(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.send(ctx)

	fs1 := newFakeWireStream()
	tr.streamCh <- fs1
	tr.SendRequest(substate.Request{TypeURL: "type.a"})
	require.Eventually(t, func() bool { return len(fs1.sentSnapshot()) == 1 }, time.Second, time.Millisecond)

	fs2 := newFakeWireStream()
	tr.streamCh <- fs2
	tr.SendRequest(substate.Request{TypeURL: "type.a"})
	require.Eventually(t, func() bool { return len(fs2.sentSnapshot()) == 1 }, time.Second, time.Millisecond)

	assert.False(t, fs2.sentSnapshot()[0].skipNode, "node identity must be re-sent on a fresh stream")
}

func TestSendDropsRequestWhenNoStreamEstablished(t *testing.T) {
	tr := newTestTransport(ratelimit.New(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.send(ctx)

	tr.SendRequest(substate.Request{TypeURL: "type.a"})
	time.Sleep(20 * time.Millisecond)

	fs := newFakeWireStream()
	tr.streamCh <- fs
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fs.sentSnapshot(), "request enqueued before any stream exists is dropped, not buffered")
}

func TestRecvInvokesUpdateHandlerAndReportsStreamError(t *testing.T) {
	var accepted []string
	tr := newTestTransport(ratelimit.New(0, 0))
	tr.updateHandler = func(resp substate.Response) error {
		accepted = append(accepted, resp.TypeURL)
		if resp.TypeURL == "type.bad" {
			return errors.New("rejected")
		}
		return nil
	}
	var streamErr error
	tr.streamErrHandler = func(err error) { streamErr = err }

	fs := newFakeWireStream()
	fs.recvCh <- substate.Response{TypeURL: "type.good"}
	fs.recvCh <- substate.Response{TypeURL: "type.bad"}
	fs.recvErrs <- errors.New("stream closed")

	gotMessage := tr.recv(fs)
	assert.True(t, gotMessage)
	assert.Equal(t, []string{"type.good", "type.bad"}, accepted)
	require.Error(t, streamErr)
}

func TestRecvReportsNoMessageOnImmediateError(t *testing.T) {
	tr := newTestTransport(ratelimit.New(0, 0))
	tr.updateHandler = func(substate.Response) error { return nil }
	var streamErr error
	tr.streamErrHandler = func(err error) { streamErr = err }

	fs := newFakeWireStream()
	fs.recvErrs <- errors.New("immediate failure")

	assert.False(t, tr.recv(fs))
	require.Error(t, streamErr)
}

func TestDrainAllowedAlwaysTrueWhenPacingDisabled(t *testing.T) {
	tr := newTestTransport(ratelimit.New(0, 0))
	assert.True(t, tr.DrainAllowed(100))
	assert.True(t, tr.DrainAllowed(100))
}

func TestDrainAllowedConsumesFromTheBucket(t *testing.T) {
	tr := newTestTransport(ratelimit.New(2, 1000))
	assert.True(t, tr.DrainAllowed(2), "both burst tokens available up front")
	assert.False(t, tr.DrainAllowed(1), "bucket just drained, refill hasn't elapsed yet")
}
