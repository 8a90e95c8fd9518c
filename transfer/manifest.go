package transfer

import (
	"errors"
	"fmt"
)

// PeerID is the 32-byte canonical peer identity of §3, derived from a
// long-term signing key (the derivation itself lives in the handshake
// package; transfer only needs it as an opaque comparable key).
type PeerID [32]byte

// Direction distinguishes the two roles a Transfer can play.
type Direction uint8

const (
	DirectionSend Direction = iota
	DirectionReceive
)

// Manifest describes one file: its root hash, size, chunking, and the
// per-chunk leaf hashes used to verify each chunk on arrival (§3
// Transfer, §4.8).
type Manifest struct {
	Root      Hash
	Size      int64
	ChunkSize int64
	Chunks    []Hash // leaf hash of chunk i
}

// NumChunks returns the chunk count implied by Size and ChunkSize.
func (m *Manifest) NumChunks() int {
	if m.ChunkSize <= 0 {
		return 0
	}
	n := m.Size / m.ChunkSize
	if m.Size%m.ChunkSize != 0 {
		n++
	}
	return int(n)
}

// ChunkBounds returns the byte offset and length of chunk i within the
// file, accounting for a possibly-shorter final chunk (§4.8).
func (m *Manifest) ChunkBounds(i int) (offset, length int64) {
	offset = int64(i) * m.ChunkSize
	length = m.ChunkSize
	if offset+length > m.Size {
		length = m.Size - offset
	}
	return offset, length
}

// BuildManifest chunks a file of the given size using chunkSize and
// BLAKE3-hashes each chunk via readChunk(i) -> bytes, producing a
// Manifest whose Root is the Merkle root over all chunk leaves (§4.8,
// §4.9).
func BuildManifest(size, chunkSize int64, readChunk func(i int) ([]byte, error)) (*Manifest, error) {
	if chunkSize <= 0 {
		return nil, errors.New("transfer: chunkSize must be positive")
	}
	m := &Manifest{Size: size, ChunkSize: chunkSize}
	n := m.NumChunks()
	m.Chunks = make([]Hash, n)
	for i := 0; i < n; i++ {
		data, err := readChunk(i)
		if err != nil {
			return nil, fmt.Errorf("transfer: reading chunk %d: %w", i, err)
		}
		m.Chunks[i] = HashLeaf(data)
	}
	tree := BuildMerkleTree(m.Chunks)
	m.Root = tree.Root()
	return m, nil
}

// ErrRootMismatch is returned when a fully-received transfer's
// recomputed Merkle root does not match the manifest root (§4.8 step 4,
// §7 RootMismatch: fatal to the transfer, surfaced to the user).
var ErrRootMismatch = errors.New("transfer: recomputed root does not match manifest root")

// ErrChunkHashMismatch is returned when a received chunk's BLAKE3 does
// not match manifest.Chunks[i] (§4.8 step 1, §7 ChunkHashMismatch).
var ErrChunkHashMismatch = errors.New("transfer: chunk hash does not match manifest")

// VerifyReassembly recomputes the Merkle root over the manifest's
// recorded leaves and compares it constant-time against m.Root, per
// §4.8 step 4 and Invariant I4/P6.
func (m *Manifest) VerifyReassembly() error {
	tree := BuildMerkleTree(m.Chunks)
	if !constantTimeEqualHash(tree.Root(), m.Root) {
		return ErrRootMismatch
	}
	return nil
}

// TransferID identifies a Transfer within a Node (§3, §6 send_file ->
// transfer_id).
type TransferID [16]byte

// Transfer is the application-level object describing one file
// exchange: §3's "a 32-byte root hash, total size, chunk size, ordered
// chunk manifest, direction, and completion state."
type Transfer struct {
	ID        TransferID
	Manifest  Manifest
	Direction Direction
	Peer      PeerID
	Path      string // source path (send) or destination path (receive)

	State *ChunkState

	// mismatchCounts tracks ChunkHashMismatch occurrences per peer for
	// this transfer (never reset), so three mismatches from the same
	// peer terminate that peer's involvement (§7).
	mismatchCounts map[PeerID]int
}

// NewTransfer constructs a Transfer and its backing ChunkState.
func NewTransfer(id TransferID, m Manifest, dir Direction, peer PeerID, path string) *Transfer {
	return &Transfer{
		ID:             id,
		Manifest:       m,
		Direction:      dir,
		Peer:           peer,
		Path:           path,
		State:          NewChunkState(m.NumChunks()),
		mismatchCounts: make(map[PeerID]int),
	}
}

// MaxMismatchesPerPeer is the §7 policy: "three mismatches from the
// same peer on the same transfer terminate that peer's involvement."
const MaxMismatchesPerPeer = 3

// RecordMismatch increments the mismatch counter for peer on this
// transfer and reports whether that peer has now reached
// MaxMismatchesPerPeer and should be evicted.
func (t *Transfer) RecordMismatch(peer PeerID) (evict bool) {
	if t.mismatchCounts == nil {
		t.mismatchCounts = make(map[PeerID]int)
	}
	t.mismatchCounts[peer]++
	return t.mismatchCounts[peer] >= MaxMismatchesPerPeer
}
