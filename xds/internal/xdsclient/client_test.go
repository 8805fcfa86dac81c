package xdsclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtransit/xtransit/internal/clustermanager"
	"github.com/xtransit/xtransit/internal/xdslog"
	"github.com/xtransit/xtransit/xds/internal/xdsclient/watch"
)

func newTestClient() *Client {
	logger := xdslog.New(nil, "test")
	return &Client{
		logger: logger,
		cm:     clustermanager.NewManager(logger, nil),
	}
}

func waitForCluster(t *testing.T, c *Client, name string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.cm.Get(name); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "cluster never became available", name)
}

func TestOnClusterUpdateAddsSecondaryCluster(t *testing.T) {
	c := newTestClient()
	c.onClusterUpdate([]watch.Resource{{Name: "svc-a", Payload: []byte("x")}}, nil, "v1")

	waitForCluster(t, c, "svc-a")
	got, ok := c.cm.Get("svc-a")
	require.True(t, ok)
	assert.Equal(t, clustermanager.Secondary, got.Phase)
	assert.Equal(t, "v1", got.VersionID)
}

func TestOnClusterUpdateRemovesClusters(t *testing.T) {
	c := newTestClient()
	c.onClusterUpdate([]watch.Resource{{Name: "svc-b"}}, nil, "v1")
	waitForCluster(t, c, "svc-b")

	c.onClusterUpdate(nil, []string{"svc-b"}, "v2")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.cm.Get("svc-b"); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	_, ok := c.cm.Get("svc-b")
	assert.False(t, ok)
}

func TestRequestClusterFoldsIntoOnDemandWaitTable(t *testing.T) {
	c := newTestClient()
	var status clustermanager.ClusterDiscoveryStatus
	var got bool
	c.cm.OnPrimaryReady(func() {})

	h := c.cm.RequestCluster("svc-c", 30*time.Millisecond, func(s clustermanager.ClusterDiscoveryStatus) {
		status, got = s, true
	})
	require.NotNil(t, h)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !got {
		time.Sleep(time.Millisecond)
	}
	require.True(t, got)
	assert.Equal(t, clustermanager.Missing, status)
}
