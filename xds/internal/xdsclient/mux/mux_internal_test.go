package mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtransit/xtransit/internal/xdslog"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/substate"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/watch"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/xdsresource"
)

// fakeSender records every request handed to the transport layer,
// standing in for *transport.Transport in unit tests so the pump and
// reconcile logic can be exercised without dialing a real gRPC channel.
type fakeSender struct {
	sent []substate.Request
}

func (f *fakeSender) SendRequest(req substate.Request) { f.sent = append(f.sent, req) }

func newTestMux(variant Variant) (*Multiplexer, *fakeSender) {
	fs := &fakeSender{}
	m := &Multiplexer{
		variant: variant,
		t:       fs,
		entries: make(map[string]*entry),
		logger:  xdslog.New(nil, "test"),
	}
	return m, fs
}

func TestAddWatchSendsInitialWildcardRequest(t *testing.T) {
	m, fs := newTestMux(SOTW)
	m.AddWatch(xdsresource.ClusterTypeURL, nil, false, watch.Callbacks{
		OnUpdate:  func([]watch.Resource, []string, string) error { return nil },
		OnFailure: func(error) {},
	})
	require.Len(t, fs.sent, 1)
	assert.Empty(t, fs.sent[0].ResourceNames)
}

func TestAddWatchExplicitNamesSendsThem(t *testing.T) {
	m, fs := newTestMux(SOTW)
	m.AddWatch(xdsresource.ClusterTypeURL, []string{"a", "b"}, false, watch.Callbacks{
		OnUpdate:  func([]watch.Resource, []string, string) error { return nil },
		OnFailure: func(error) {},
	})
	require.Len(t, fs.sent, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, fs.sent[0].ResourceNames)
}

func TestSecondWatchOnSameNameDoesNotResend(t *testing.T) {
	m, fs := newTestMux(SOTW)
	cb := watch.Callbacks{OnUpdate: func([]watch.Resource, []string, string) error { return nil }, OnFailure: func(error) {}}
	m.AddWatch(xdsresource.ClusterTypeURL, []string{"a"}, false, cb)
	m.AddWatch(xdsresource.ClusterTypeURL, []string{"a"}, false, cb)
	require.Len(t, fs.sent, 1, "second watch on an already-subscribed name should not trigger a new request")
}

func TestAddingWildcardWatchAfterExplicitTransitionsSubscription(t *testing.T) {
	m, fs := newTestMux(SOTW)
	cb := watch.Callbacks{OnUpdate: func([]watch.Resource, []string, string) error { return nil }, OnFailure: func(error) {}}
	m.AddWatch(xdsresource.ClusterTypeURL, []string{"a"}, false, cb)
	m.AddWatch(xdsresource.ClusterTypeURL, nil, false, cb)

	require.Len(t, fs.sent, 2)
	assert.Empty(t, fs.sent[1].ResourceNames, "adding a wildcard watch must flip the whole subscription to wildcard")
}

func TestRemoveWatchDropsOrphanedNameFromSubscription(t *testing.T) {
	m, fs := newTestMux(SOTW)
	cb := watch.Callbacks{OnUpdate: func([]watch.Resource, []string, string) error { return nil }, OnFailure: func(error) {}}
	m.AddWatch(xdsresource.ClusterTypeURL, []string{"a"}, false, cb)
	id := m.AddWatch(xdsresource.ClusterTypeURL, []string{"a", "b"}, false, cb)

	m.RemoveWatch(xdsresource.ClusterTypeURL, id)
	last := fs.sent[len(fs.sent)-1]
	assert.ElementsMatch(t, []string{"a"}, last.ResourceNames)
}

func TestPauseDefersSendUntilResume(t *testing.T) {
	m, fs := newTestMux(SOTW)
	cb := watch.Callbacks{OnUpdate: func([]watch.Resource, []string, string) error { return nil }, OnFailure: func(error) {}}
	m.AddWatch(xdsresource.ClusterTypeURL, []string{"a"}, false, cb)
	before := len(fs.sent)

	resume := m.Pause(xdsresource.ClusterTypeURL)
	m.AddWatch(xdsresource.ClusterTypeURL, []string{"b"}, false, cb)
	assert.Len(t, fs.sent, before, "paused type_url must not send while paused")

	resume()
	assert.Greater(t, len(fs.sent), before, "resume must flush the pending change")
}

func TestHandleResponseAcksAcceptedResponse(t *testing.T) {
	m, fs := newTestMux(SOTW)
	cb := watch.Callbacks{OnUpdate: func([]watch.Resource, []string, string) error { return nil }, OnFailure: func(error) {}}
	m.AddWatch(xdsresource.ClusterTypeURL, nil, false, cb)
	fs.sent = nil

	err := m.handleResponse(substate.Response{
		TypeURL:     xdsresource.ClusterTypeURL,
		VersionInfo: "1",
		Nonce:       "n1",
		Resources:   []substate.ResourceWithType{{Resource: watch.Resource{Name: "a"}, TypeURL: xdsresource.ClusterTypeURL}},
	})
	require.NoError(t, err)
	require.Len(t, fs.sent, 1)
	assert.Nil(t, fs.sent[0].ErrorDetail)
	assert.Equal(t, "1", fs.sent[0].VersionInfo)
}

func TestHandleResponseUnsupportedTypeURLDropped(t *testing.T) {
	m, fs := newTestMux(SOTW)
	err := m.handleResponse(substate.Response{TypeURL: "type.googleapis.com/unknown.Thing"})
	require.Error(t, err)
	assert.Equal(t, xdsresource.ErrorTypeResourceTypeUnsupported, xdsresource.ErrType(err))
	assert.Empty(t, fs.sent)
}

func TestOnStreamRestartResendsEveryTypeURL(t *testing.T) {
	m, fs := newTestMux(SOTW)
	cb := watch.Callbacks{OnUpdate: func([]watch.Resource, []string, string) error { return nil }, OnFailure: func(error) {}}
	m.AddWatch(xdsresource.ClusterTypeURL, nil, false, cb)
	m.AddWatch(xdsresource.ListenerTypeURL, nil, false, cb)
	fs.sent = nil

	m.onStreamRestart()
	assert.Len(t, fs.sent, 2)
}
