package node

import (
	"errors"

	"github.com/ugorji/go/codec"
	"go.etcd.io/bbolt"
)

var peersBucket = []byte("peers")

// PeerRecord is what a PeerStore remembers about a peer across restarts:
// enough to re-dial it without repeating discovery.
type PeerRecord struct {
	Address      string
	StaticPublic []byte
}

// ErrPeerNotFound is returned by PeerStore.Get for an unknown id.
var ErrPeerNotFound = errors.New("node: peer not found in store")

// PeerStore persists known peers in a single-file embedded bbolt
// database, the way a long-running daemon keeps a contact list between
// restarts without a separate database process.
type PeerStore struct {
	db *bbolt.DB
}

// OpenPeerStore opens (creating if needed) a bbolt-backed PeerStore at
// path.
func OpenPeerStore(path string) (*PeerStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(peersBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &PeerStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *PeerStore) Close() error {
	return s.db.Close()
}

// Put records or updates rec under id.
func (s *PeerStore) Put(id NodeID, rec PeerRecord) error {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, cborHandle).Encode(rec); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(peersBucket).Put(id[:], buf)
	})
}

// Get looks up a previously recorded peer.
func (s *PeerStore) Get(id NodeID) (PeerRecord, error) {
	var rec PeerRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(peersBucket).Get(id[:])
		if raw == nil {
			return ErrPeerNotFound
		}
		return codec.NewDecoderBytes(raw, cborHandle).Decode(&rec)
	})
	return rec, err
}

// ForEach visits every recorded peer in key order.
func (s *PeerStore) ForEach(fn func(id NodeID, rec PeerRecord) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(peersBucket).ForEach(func(k, v []byte) error {
			var id NodeID
			copy(id[:], k)
			var rec PeerRecord
			if err := codec.NewDecoderBytes(v, cborHandle).Decode(&rec); err != nil {
				return err
			}
			return fn(id, rec)
		})
	})
}
