package transfer

import (
	"github.com/doublegate/wraith-core/transport"
)

// ReceiveChunk implements the §4.8 receiver write path: verify the
// chunk's BLAKE3 against the manifest, write it positionally, mark it
// transferred, and — once every chunk has landed — verify the whole
// file's recomputed Merkle root against the manifest root.
//
// Returns ErrChunkHashMismatch for a bad chunk (not fatal to the
// transfer; the caller re-requests it, per §7) and ErrRootMismatch if
// the completed file's root fails to verify (fatal to the transfer).
func (t *Transfer) ReceiveChunk(f transport.File, i int, payload []byte) error {
	want := t.Manifest.Chunks[i]
	got := HashLeaf(payload)
	if !constantTimeEqualHash(got, want) {
		return ErrChunkHashMismatch
	}

	offset, _ := t.Manifest.ChunkBounds(i)
	if err := f.WriteAt(offset, payload); err != nil {
		return err
	}

	t.State.MarkTransferred(i)

	if t.State.Complete() {
		if err := t.Manifest.VerifyReassembly(); err != nil {
			return err
		}
	}
	return nil
}

// SendChunk implements the §4.8 sender read path: positionally read
// chunk i from f and return its bytes, ready to be submitted as a Data
// frame on the transfer's dedicated stream.
func (t *Transfer) SendChunk(f transport.File, i int) ([]byte, error) {
	offset, length := t.Manifest.ChunkBounds(i)
	return f.ReadAt(offset, int(length))
}
