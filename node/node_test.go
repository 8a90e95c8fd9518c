package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/doublegate/wraith-core/transport"
)

func newTestNodePair(t *testing.T) (*Node, *Node) {
	t.Helper()
	dgA, dgB := transport.NewLoopbackPair(1400)

	cfg := DefaultConfig()
	a, err := New(cfg, dgA, transport.OSFileFacility{}, nil)
	require.NoError(t, err)
	b, err := New(cfg, dgB, transport.OSFileFacility{}, nil)
	require.NoError(t, err)
	return a, b
}

func TestNodeStartStopIsIdempotent(t *testing.T) {
	a, b := newTestNodePair(t)
	a.Start()
	a.Start()
	require.True(t, a.Status().Running)
	a.Stop()
	a.Stop()
	require.False(t, a.Status().Running)
	b.Stop()
}

func TestNodeConnectEstablishesSessionBothSides(t *testing.T) {
	a, b := newTestNodePair(t)
	a.Start()
	b.Start()
	defer a.Stop()
	defer b.Stop()

	sub := b.SubscribeEvents()

	sess, err := a.Connect(b.datagram.LocalAddr())
	require.NoError(t, err)
	require.NotNil(t, sess)

	select {
	case ev := <-sub:
		e, ok := ev.(Event)
		require.True(t, ok)
		require.Equal(t, EventSessionOpened, e.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for responder's EventSessionOpened")
	}

	require.Equal(t, 1, a.Status().ActiveSessions)
	require.Equal(t, 1, b.Status().ActiveSessions)
}

func TestNodeSendFileDrivesChunksToCompletion(t *testing.T) {
	a, b := newTestNodePair(t)
	a.Start()
	b.Start()
	defer a.Stop()
	defer b.Stop()

	sub := a.SubscribeEvents()

	_, err := a.Connect(b.datagram.LocalAddr())
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 3*int(DefaultChunkSize)), 0o600))

	a.mu.RLock()
	var peer NodeID
	for p := range a.peerCID {
		peer = p
	}
	a.mu.RUnlock()

	id, err := a.SendFile(peer, path)
	require.NoError(t, err)

	drainUntil(t, sub, func(e Event) bool {
		return e.Kind == EventTransferStarted && e.TransferID == id
	})
	drainUntil(t, sub, func(e Event) bool {
		return e.Kind == EventTransferCompleted && e.TransferID == id
	})

	require.Equal(t, 0, a.Status().ActiveTransfers)
}

func TestNodeSendFileReconstructsOnReceiver(t *testing.T) {
	dgA, dgB := transport.NewLoopbackPair(1400)

	cfg := DefaultConfig()
	a, err := New(cfg, dgA, transport.OSFileFacility{}, nil)
	require.NoError(t, err)

	downloadDir := t.TempDir()
	bCfg := DefaultConfig()
	bCfg.DownloadDir = downloadDir
	b, err := New(bCfg, dgB, transport.OSFileFacility{}, nil)
	require.NoError(t, err)

	a.Start()
	b.Start()
	defer a.Stop()
	defer b.Stop()

	sub := b.SubscribeEvents()

	_, err = a.Connect(b.datagram.LocalAddr())
	require.NoError(t, err)

	srcDir := t.TempDir()
	path := filepath.Join(srcDir, "payload.bin")
	want := make([]byte, 3*int(DefaultChunkSize)+17)
	for i := range want {
		want[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, want, 0o600))

	a.mu.RLock()
	var peer NodeID
	for p := range a.peerCID {
		peer = p
	}
	a.mu.RUnlock()

	id, err := a.SendFile(peer, path)
	require.NoError(t, err)

	drainUntil(t, sub, func(e Event) bool {
		return e.Kind == EventTransferCompleted && e.TransferID == id
	})

	got, err := os.ReadFile(filepath.Join(downloadDir, "payload.bin"+PartialSuffix))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestNodeCancelTransferStopsScheduler(t *testing.T) {
	a, b := newTestNodePair(t)
	a.Start()
	b.Start()
	defer a.Stop()
	defer b.Stop()

	_, err := a.Connect(b.datagram.LocalAddr())
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 3*int(DefaultChunkSize)), 0o600))

	a.mu.RLock()
	var peer NodeID
	for p := range a.peerCID {
		peer = p
	}
	a.mu.RUnlock()

	id, err := a.SendFile(peer, path)
	require.NoError(t, err)

	// Whether or not the scheduler already finished, CancelTransfer must
	// either stop it cleanly or report the transfer is already gone.
	err = a.CancelTransfer(id)
	if err != nil {
		require.ErrorIs(t, err, ErrUnknownTransfer)
	}
	require.Equal(t, 0, a.Status().ActiveTransfers)
}

func TestNodeSendFileUnknownPeer(t *testing.T) {
	a, _ := newTestNodePair(t)
	var unknown NodeID
	_, err := a.SendFile(unknown, "/nonexistent")
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestNodeCancelTransferUnknownID(t *testing.T) {
	a, _ := newTestNodePair(t)
	var id [16]byte
	err := a.CancelTransfer(id)
	require.ErrorIs(t, err, ErrUnknownTransfer)
}

// drainUntil reads events off sub until pred matches one, failing the
// test if none arrives within a short deadline.
func drainUntil(t *testing.T, sub <-chan interface{}, pred func(Event) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-sub:
			if e, ok := raw.(Event); ok && pred(e) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching event")
		}
	}
}
