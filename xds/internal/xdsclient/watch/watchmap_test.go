package watch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddWatchWildcardReceivesEverything(t *testing.T) {
	m := NewMap()
	var got []Resource
	id, added := m.AddWatch(nil, false, Callbacks{
		OnUpdate: func(a []Resource, removed []string, version string) error {
			got = a
			return nil
		},
		OnFailure: func(err error) {},
	})
	require.NotEmpty(t, id)
	assert.Empty(t, added)

	err := m.DeliverSotw("v1", []Resource{{Name: "a", Payload: []byte("1")}, {Name: "b", Payload: []byte("2")}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestAddWatchExplicitNamesOnlySeeThemselves(t *testing.T) {
	m := NewMap()
	var got []Resource
	var removed []string
	_, added := m.AddWatch([]string{"a"}, false, Callbacks{
		OnUpdate: func(a []Resource, r []string, version string) error {
			got = a
			removed = r
			return nil
		},
		OnFailure: func(err error) {},
	})
	assert.Equal(t, []string{"a"}, added)

	err := m.DeliverSotw("v1", []Resource{{Name: "a", Payload: []byte("1")}, {Name: "b", Payload: []byte("2")}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
	assert.Empty(t, removed)
}

func TestDeliverSotwImplicitDeletion(t *testing.T) {
	m := NewMap()
	var removed []string
	m.AddWatch([]string{"a", "b"}, false, Callbacks{
		OnUpdate: func(a []Resource, r []string, version string) error {
			removed = r
			return nil
		},
		OnFailure: func(err error) {},
	})

	err := m.DeliverSotw("v2", []Resource{{Name: "a", Payload: []byte("1")}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, removed)
}

func TestUpdateWatchInterestComputesSubLevelDelta(t *testing.T) {
	m := NewMap()
	id, _ := m.AddWatch([]string{"a"}, false, Callbacks{OnUpdate: func([]Resource, []string, string) error { return nil }, OnFailure: func(error) {}})

	added, removed := m.UpdateWatchInterest(id, []string{"b"})
	assert.Equal(t, []string{"b"}, added)
	assert.Equal(t, []string{"a"}, removed)
}

func TestUpdateWatchInterestNoSubLevelChangeWhenSharedName(t *testing.T) {
	m := NewMap()
	m.AddWatch([]string{"a"}, false, Callbacks{OnUpdate: func([]Resource, []string, string) error { return nil }, OnFailure: func(error) {}})
	id2, _ := m.AddWatch([]string{"a"}, false, Callbacks{OnUpdate: func([]Resource, []string, string) error { return nil }, OnFailure: func(error) {}})

	// id2 drops "a" but watch 1 still wants it: no sub-level removal.
	added, removed := m.UpdateWatchInterest(id2, nil)
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestRemoveWatchReturnsOrphanedNamesOnly(t *testing.T) {
	m := NewMap()
	id1, _ := m.AddWatch([]string{"a", "b"}, false, Callbacks{OnUpdate: func([]Resource, []string, string) error { return nil }, OnFailure: func(error) {}})
	m.AddWatch([]string{"a"}, false, Callbacks{OnUpdate: func([]Resource, []string, string) error { return nil }, OnFailure: func(error) {}})

	removed, empty := m.RemoveWatch(id1)
	assert.Equal(t, []string{"b"}, removed)
	assert.False(t, empty)
}

func TestNamespaceWatchPrefixMatch(t *testing.T) {
	m := NewMap()
	var got []Resource
	m.AddWatch([]string{"svc/"}, true, Callbacks{
		OnUpdate: func(a []Resource, r []string, v string) error { got = a; return nil },
		OnFailure: func(error) {},
	})

	err := m.DeliverSotw("v1", []Resource{{Name: "svc/a"}, {Name: "other/b"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "svc/a", got[0].Name)
}

func TestDeliverSotwPropagatesConsumerRejection(t *testing.T) {
	m := NewMap()
	wantErr := errors.New("bad resource")
	m.AddWatch([]string{"a"}, false, Callbacks{
		OnUpdate:  func([]Resource, []string, string) error { return wantErr },
		OnFailure: func(error) {},
	})

	err := m.DeliverSotw("v1", []Resource{{Name: "a"}})
	assert.Equal(t, wantErr, err)
}

func TestNotifyFailureReachesEveryWatch(t *testing.T) {
	m := NewMap()
	var n int
	for i := 0; i < 3; i++ {
		m.AddWatch(nil, false, Callbacks{
			OnUpdate:  func([]Resource, []string, string) error { return nil },
			OnFailure: func(error) { n++ },
		})
	}
	m.NotifyFailure(errors.New("nack"))
	assert.Equal(t, 3, n)
}

func TestDeliverDeltaUnionOfWildcardAndNamed(t *testing.T) {
	m := NewMap()
	var wildcardGot, namedGot []Resource
	m.AddWatch(nil, false, Callbacks{
		OnUpdate:  func(a []Resource, r []string, v string) error { wildcardGot = a; return nil },
		OnFailure: func(error) {},
	})
	m.AddWatch([]string{"a"}, false, Callbacks{
		OnUpdate:  func(a []Resource, r []string, v string) error { namedGot = a; return nil },
		OnFailure: func(error) {},
	})

	err := m.DeliverDelta("v1", []Resource{{Name: "a"}, {Name: "b"}}, nil)
	require.NoError(t, err)
	assert.Len(t, wildcardGot, 2)
	assert.Len(t, namedGot, 1)
}
