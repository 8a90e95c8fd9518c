package node

import (
	"encoding/binary"
	"errors"
	"path/filepath"

	"github.com/ugorji/go/codec"

	"github.com/doublegate/wraith-core/transfer"
	"github.com/doublegate/wraith-core/transport"
)

// The two frame kinds a transfer's stream carries, underneath
// Session's own Data framing: a single manifestAnnounce first, then
// one chunk frame per chunk (§4.8's receiver write path needs the
// manifest before it can verify or place any chunk).
const (
	frameKindManifest byte = 0
	frameKindChunk    byte = 1
)

// manifestAnnounce is the first frame a sendScheduler puts on a
// transfer's stream, giving the receiving node everything it needs to
// open a destination file and start verifying chunks as they land.
type manifestAnnounce struct {
	TransferID transfer.TransferID
	SourcePath string
	Manifest   transfer.Manifest
}

func encodeManifestFrame(ann manifestAnnounce) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, cborHandle).Encode(ann); err != nil {
		return nil, err
	}
	return append([]byte{frameKindManifest}, buf...), nil
}

func decodeManifestFrame(body []byte) (manifestAnnounce, error) {
	var ann manifestAnnounce
	err := codec.NewDecoderBytes(body, cborHandle).Decode(&ann)
	return ann, err
}

// encodeChunkFrame prefixes a chunk's bytes with its index, since
// Session's stream demultiplexing only carries a stream ID, not an
// offset or chunk number.
func encodeChunkFrame(idx uint32, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = frameKindChunk
	binary.BigEndian.PutUint32(out[1:5], idx)
	copy(out[5:], payload)
	return out
}

var errShortChunkFrame = errors.New("node: chunk frame shorter than index prefix")

func decodeChunkFrame(body []byte) (uint32, []byte, error) {
	if len(body) < 4 {
		return 0, nil, errShortChunkFrame
	}
	return binary.BigEndian.Uint32(body[:4]), body[4:], nil
}

// recvState is the receive-side bookkeeping for one inbound transfer,
// keyed by the stream ID its frames arrive on.
type recvState struct {
	t *transfer.Transfer
	f transport.File
}

// onStreamData is registered as every Session's data handler and
// decodes the chunk/transfer framing layer riding on top of Session's
// own stream demultiplexing (§4.8).
func (n *Node) onStreamData(peer NodeID, streamID uint32, payload []byte) {
	if len(payload) < 1 {
		return
	}
	switch payload[0] {
	case frameKindManifest:
		n.handleManifestFrame(peer, streamID, payload[1:])
	case frameKindChunk:
		n.handleChunkFrame(streamID, payload[1:])
	}
}

func (n *Node) handleManifestFrame(peer NodeID, streamID uint32, body []byte) {
	ann, err := decodeManifestFrame(body)
	if err != nil {
		n.log.Warnf("decode manifest frame from %x: %v", peer, err)
		return
	}

	n.mu.Lock()
	if _, exists := n.receivers[streamID]; exists {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	dest := filepath.Join(n.cfg.DownloadDir, filepath.Base(ann.SourcePath)+PartialSuffix)
	f, err := n.files.OpenWrite(dest, ann.Manifest.Size)
	if err != nil {
		n.log.Warnf("open download target %s: %v", dest, err)
		return
	}

	t := transfer.NewTransfer(ann.TransferID, ann.Manifest, transfer.DirectionReceive, peer, dest)

	n.mu.Lock()
	n.receivers[streamID] = &recvState{t: t, f: f}
	n.transfers[ann.TransferID] = t
	n.mu.Unlock()

	n.events.Publish(Event{Kind: EventTransferStarted, PeerID: peer, TransferID: ann.TransferID})
}

func (n *Node) handleChunkFrame(streamID uint32, body []byte) {
	idx, chunk, err := decodeChunkFrame(body)
	if err != nil {
		return
	}

	n.mu.RLock()
	rs, ok := n.receivers[streamID]
	n.mu.RUnlock()
	if !ok {
		return
	}

	if err := rs.t.ReceiveChunk(rs.f, int(idx), chunk); err != nil {
		if errors.Is(err, transfer.ErrChunkHashMismatch) {
			metricBadChunk.Inc()
			if rs.t.RecordMismatch(rs.t.Peer) {
				n.finishReceiver(streamID, rs, err)
			}
			return
		}
		n.finishReceiver(streamID, rs, err)
		return
	}

	n.events.Publish(Event{
		Kind:       EventTransferProgress,
		PeerID:     rs.t.Peer,
		TransferID: rs.t.ID,
		Progress:   float64(rs.t.State.TransferredCount()) / float64(rs.t.Manifest.NumChunks()),
	})

	if rs.t.State.Complete() {
		n.finishReceiver(streamID, rs, nil)
	}
}

func (n *Node) finishReceiver(streamID uint32, rs *recvState, err error) {
	n.mu.Lock()
	delete(n.receivers, streamID)
	delete(n.transfers, rs.t.ID)
	n.mu.Unlock()

	rs.f.Close()

	if err != nil {
		n.events.Publish(Event{Kind: EventTransferFailed, PeerID: rs.t.Peer, TransferID: rs.t.ID, Err: err})
		return
	}
	n.events.Publish(Event{Kind: EventTransferCompleted, PeerID: rs.t.Peer, TransferID: rs.t.ID})
}
