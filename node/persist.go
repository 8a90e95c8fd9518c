package node

import (
	"os"

	"github.com/doublegate/wraith-core/internal/worker"
	"github.com/doublegate/wraith-core/transfer"
	"github.com/ugorji/go/codec"
)

// cborHandle is shared by every encode/decode call, following the
// teacher's disk.go convention of a single package-level codec.Handle.
var cborHandle = &codec.CborHandle{}

// PartialSuffix and StateSuffix name the two files §6 specifies for a
// receiver's in-progress transfer:
//
//	<download_dir>/<filename>.wraith-partial  — sparse target file
//	<download_dir>/<filename>.wraith-state    — manifest, bitset, offsets, peer id
const (
	PartialSuffix = ".wraith-partial"
	StateSuffix   = ".wraith-state"
)

// PersistedState is the on-disk encoding of a receiver's in-progress
// transfer bookkeeping: everything ReceiveChunk needs to resume after a
// restart without re-verifying already-landed chunks.
type PersistedState struct {
	TransferID transfer.TransferID
	Manifest   transfer.Manifest
	Bitset     []uint64
	Originator transfer.PeerID
}

// PartialPath and StatePath compute the two persisted file paths for a
// download, joining downloadDir and filename the way the teacher's own
// path handling favors explicit string concatenation over path.Join
// when the two halves are already known-clean.
func PartialPath(downloadDir, filename string) string {
	return downloadDir + string(os.PathSeparator) + filename + PartialSuffix
}

func StatePath(downloadDir, filename string) string {
	return downloadDir + string(os.PathSeparator) + filename + StateSuffix
}

// StateWriter owns a transfer's .wraith-state file and has a worker
// goroutine that serializes writes to disk, mirroring disk.go's
// StateWriter but swapping its secretbox-encrypted single-client state
// blob for a plain cbor-encoded PersistedState per transfer (transfer
// state isn't secret the way a contact list is, so no passphrase-derived
// key is needed here).
type StateWriter struct {
	worker.Worker

	stateCh chan PersistedState
	path    string
}

// NewStateWriter constructs a StateWriter for the given .wraith-state
// path.
func NewStateWriter(path string) *StateWriter {
	return &StateWriter{stateCh: make(chan PersistedState, 1), path: path}
}

// Start starts the StateWriter's worker goroutine.
func (w *StateWriter) Start() {
	w.Go(w.loop)
}

// Persist enqueues a new snapshot to be written; non-blocking if the
// worker is keeping up, since stateCh is buffered by one and the worker
// always drains to the latest snapshot.
func (w *StateWriter) Persist(s PersistedState) {
	select {
	case w.stateCh <- s:
	default:
		// drop-and-replace: a pending write not yet picked up is
		// already stale once a newer snapshot exists.
		select {
		case <-w.stateCh:
		default:
		}
		w.stateCh <- s
	}
}

func (w *StateWriter) loop() {
	for {
		select {
		case <-w.HaltCh():
			return
		case s := <-w.stateCh:
			_ = writeStateAtomic(w.path, s)
		}
	}
}

// writeStateAtomic cbor-encodes s and writes it to path via the
// write-temp-then-rename pattern disk.go uses for its statefile, so a
// crash mid-write never corrupts the previous, still-valid state file.
func writeStateAtomic(path string, s PersistedState) error {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, cborHandle).Encode(s); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadState decodes a .wraith-state file back into a PersistedState,
// for resuming a download after a restart.
func ReadState(path string) (PersistedState, error) {
	var s PersistedState
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	err = codec.NewDecoderBytes(raw, cborHandle).Decode(&s)
	return s, err
}
