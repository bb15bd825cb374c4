package registry

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commune/pkg/store"
)

func openTestRegistry(t *testing.T, maxPeers int) *Registry {
	t.Helper()
	st, err := store.OpenPath(filepath.Join(t.TempDir(), "federation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, maxPeers, nil)
}

func peerRecord(i int) *store.PeerServer {
	return &store.PeerServer{
		Identity:       fmt.Sprintf("srv_%032x", i),
		Name:           fmt.Sprintf("Peer %d", i),
		HTTPEndpoint:   "http://peer.example:8420",
		SocketEndpoint: "ws://peer.example:8420/federation/v1/socket",
		SharedSecret:   "secret",
		Status:         store.PeerActive,
	}
}

func TestUpsertAndFind(t *testing.T) {
	r := openTestRegistry(t, 0)

	peer := peerRecord(1)
	require.NoError(t, r.Upsert(peer))

	got, err := r.FindByIdentity(peer.Identity)
	require.NoError(t, err)
	assert.Equal(t, "Peer 1", got.Name)

	n, err := r.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCapacityLimit(t *testing.T) {
	r := openTestRegistry(t, 2)

	require.NoError(t, r.Upsert(peerRecord(1)))
	require.NoError(t, r.Upsert(peerRecord(2)))

	err := r.Upsert(peerRecord(3))
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// Updating an existing peer is not a new admission.
	updated := peerRecord(2)
	updated.Name = "Peer 2 renamed"
	require.NoError(t, r.Upsert(updated))

	got, err := r.FindByIdentity(updated.Identity)
	require.NoError(t, err)
	assert.Equal(t, "Peer 2 renamed", got.Name)
}

func TestStatusAndHeartbeat(t *testing.T) {
	r := openTestRegistry(t, 0)

	peer := peerRecord(1)
	require.NoError(t, r.Upsert(peer))

	require.NoError(t, r.SetStatus(peer.Identity, store.PeerDisconnected))
	active, err := r.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)

	at := time.Now().Truncate(time.Millisecond)
	require.NoError(t, r.RecordHeartbeat(peer.Identity, at))
	got, err := r.FindByIdentity(peer.Identity)
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), got.LastHeartbeat.UnixMilli())
}

func TestRemove(t *testing.T) {
	r := openTestRegistry(t, 0)

	peer := peerRecord(1)
	require.NoError(t, r.Upsert(peer))
	require.NoError(t, r.Remove(peer.Identity))

	_, err := r.FindByIdentity(peer.Identity)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = r.Remove(peer.Identity)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
