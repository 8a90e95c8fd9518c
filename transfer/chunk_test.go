package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChunkStateInvariantAfterRandomOps(t *testing.T) {
	cs := NewChunkState(100)
	ops := []int{5, 5, 10, 99, 0, 50, 50, 1}
	for _, i := range ops {
		cs.MarkTransferred(i)
		require.Equal(t, cs.popcount(), cs.TransferredCount(), "I1 violated after marking %d", i)
	}
}

func TestChunkStateMarkTransferredIdempotent(t *testing.T) {
	cs := NewChunkState(10)
	cs.MarkTransferred(3)
	before := cs.TransferredCount()
	cs.MarkTransferred(3)
	require.Equal(t, before, cs.TransferredCount())
}

func TestChunkStateMissingCount(t *testing.T) {
	cs := NewChunkState(10)
	require.Equal(t, 10, cs.MissingCount())
	cs.MarkTransferred(0)
	cs.MarkTransferred(1)
	require.Equal(t, 8, cs.MissingCount())
}

func TestChunkStateNextMissingAdvances(t *testing.T) {
	cs := NewChunkState(5)
	cs.MarkTransferred(0)
	cs.MarkTransferred(1)
	next, ok := cs.NextMissing()
	require.True(t, ok)
	require.Equal(t, 2, next)

	for i := 2; i < 5; i++ {
		cs.MarkTransferred(i)
	}
	_, ok = cs.NextMissing()
	require.False(t, ok)
	require.True(t, cs.Complete())
}

func TestChunkStateListMissing(t *testing.T) {
	cs := NewChunkState(6)
	cs.MarkTransferred(1)
	cs.MarkTransferred(3)
	require.Equal(t, []int{0, 2, 4, 5}, cs.ListMissing())
}

func TestChunkStateAssignment(t *testing.T) {
	cs := NewChunkState(3)
	peer := PeerID{1}
	now := time.Now()
	cs.Assign(0, peer, now)
	a, ok := cs.AssignmentOf(0)
	require.True(t, ok)
	require.Equal(t, peer, a.Peer)

	cs.MarkTransferred(0)
	_, ok = cs.AssignmentOf(0)
	require.False(t, ok, "assignment should be cleared once transferred")
}

// fakeFile is an in-memory transport.File used to exercise the
// receiver/sender chunk I/O paths without touching the filesystem.
type fakeFile struct {
	data []byte
}

func newFakeFile(size int64) *fakeFile {
	return &fakeFile{data: make([]byte, size)}
}

func (f *fakeFile) ReadAt(offset int64, length int) ([]byte, error) {
	out := make([]byte, length)
	copy(out, f.data[offset:offset+int64(length)])
	return out, nil
}

func (f *fakeFile) WriteAt(offset int64, data []byte) error {
	copy(f.data[offset:], data)
	return nil
}

func (f *fakeFile) Flush() error { return nil }
func (f *fakeFile) Close() error { return nil }

// TestSingleFileHappyPath exercises scenario S1: a 5 MiB file of bytes
// i mod 256, chunk size 1 MiB, five chunks, byte-equal reassembly and a
// matching Merkle root.
func TestSingleFileHappyPath(t *testing.T) {
	const size = 5 * DefaultChunkSize
	src := make([]byte, size)
	for i := range src {
		src[i] = byte(i % 256)
	}
	srcFile := &fakeFile{data: src}

	manifest, err := BuildManifest(size, DefaultChunkSize, func(i int) ([]byte, error) {
		return srcFile.ReadAt(int64(i)*DefaultChunkSize, DefaultChunkSize)
	})
	require.NoError(t, err)
	require.Equal(t, 5, manifest.NumChunks())

	xfer := NewTransfer(TransferID{1}, *manifest, DirectionReceive, PeerID{2}, "/tmp/out")
	dstFile := newFakeFile(size)

	for i := 0; i < manifest.NumChunks(); i++ {
		chunk, err := srcFile.ReadAt(int64(i)*DefaultChunkSize, DefaultChunkSize)
		require.NoError(t, err)
		require.NoError(t, xfer.ReceiveChunk(dstFile, i, chunk))
	}

	require.Equal(t, src, dstFile.data)
	require.Equal(t, 5, xfer.State.TransferredCount())
	require.NoError(t, xfer.Manifest.VerifyReassembly())
}

// TestTamperedChunkRetransmission exercises scenario S2: a flipped bit
// in one chunk is rejected, then a correct retransmission completes
// normally.
func TestTamperedChunkRetransmission(t *testing.T) {
	const size = 3 * DefaultChunkSize
	src := make([]byte, size)
	for i := range src {
		src[i] = byte(i % 256)
	}
	srcFile := &fakeFile{data: src}

	manifest, err := BuildManifest(size, DefaultChunkSize, func(i int) ([]byte, error) {
		return srcFile.ReadAt(int64(i)*DefaultChunkSize, DefaultChunkSize)
	})
	require.NoError(t, err)

	xfer := NewTransfer(TransferID{1}, *manifest, DirectionReceive, PeerID{9}, "/tmp/out")
	dstFile := newFakeFile(size)

	goodChunk1, _ := srcFile.ReadAt(DefaultChunkSize, DefaultChunkSize)

	tampered := make([]byte, len(goodChunk1))
	copy(tampered, goodChunk1)
	tampered[0] ^= 0x01

	err = xfer.ReceiveChunk(dstFile, 1, tampered)
	require.ErrorIs(t, err, ErrChunkHashMismatch)
	require.False(t, xfer.State.IsTransferred(1))

	evict := xfer.RecordMismatch(PeerID{9})
	require.False(t, evict)

	require.NoError(t, xfer.ReceiveChunk(dstFile, 1, goodChunk1))
	require.True(t, xfer.State.IsTransferred(1))
}

func TestThreeMismatchesEvictsPeer(t *testing.T) {
	xfer := NewTransfer(TransferID{1}, Manifest{}, DirectionReceive, PeerID{3}, "")
	require.False(t, xfer.RecordMismatch(PeerID{9}))
	require.False(t, xfer.RecordMismatch(PeerID{9}))
	require.True(t, xfer.RecordMismatch(PeerID{9}))
}
