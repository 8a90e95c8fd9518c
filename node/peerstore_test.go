package node

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerStorePutGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.bolt")
	store, err := OpenPeerStore(path)
	require.NoError(t, err)
	defer store.Close()

	var id NodeID
	id[0] = 0x42
	rec := PeerRecord{Address: "10.0.0.1:4433", StaticPublic: []byte{1, 2, 3}}

	require.NoError(t, store.Put(id, rec))

	got, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestPeerStoreGetUnknownReturnsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.bolt")
	store, err := OpenPeerStore(path)
	require.NoError(t, err)
	defer store.Close()

	var id NodeID
	_, err = store.Get(id)
	require.ErrorIs(t, err, ErrPeerNotFound)
}

func TestPeerStoreForEachVisitsAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.bolt")
	store, err := OpenPeerStore(path)
	require.NoError(t, err)
	defer store.Close()

	var idA, idB NodeID
	idA[0] = 1
	idB[0] = 2
	require.NoError(t, store.Put(idA, PeerRecord{Address: "a"}))
	require.NoError(t, store.Put(idB, PeerRecord{Address: "b"}))

	seen := map[NodeID]string{}
	require.NoError(t, store.ForEach(func(id NodeID, rec PeerRecord) error {
		seen[id] = rec.Address
		return nil
	}))
	require.Len(t, seen, 2)
	require.Equal(t, "a", seen[idA])
	require.Equal(t, "b", seen[idB])
}
