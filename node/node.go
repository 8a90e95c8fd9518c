package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/doublegate/wraith-core/crypto/handshake"
	"github.com/doublegate/wraith-core/crypto/ratchet"
	"github.com/doublegate/wraith-core/internal/worker"
	"github.com/doublegate/wraith-core/obfuscation"
	"github.com/doublegate/wraith-core/session"
	"github.com/doublegate/wraith-core/transfer"
	"github.com/doublegate/wraith-core/transport"
)

// metrics are the node-wide Prometheus counters for the silently-metered
// conditions of §7 (replay, auth failure, bad chunk), registered once
// per process the way runZeroInc's exporter registers its TCP info
// collector.
var (
	metricReplayDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wraith_replay_dropped_total",
		Help: "Frames dropped by the per-session replay window.",
	})
	metricAuthFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wraith_auth_failed_total",
		Help: "Frames dropped for AEAD authentication failure.",
	})
	metricBadChunk = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wraith_bad_chunk_total",
		Help: "Received chunks whose hash did not match the manifest.",
	})
)

func init() {
	prometheus.MustRegister(metricReplayDropped, metricAuthFailed, metricBadChunk)
}

// NodeID is the node's own stable identity (§3 PeerID), derived from
// its long-term static keypair.
type NodeID = transfer.PeerID

// ErrUnknownPeer and ErrUnknownTransfer are returned by the control API
// calls that look an entry up by id.
var (
	ErrUnknownPeer     = errors.New("node: unknown peer")
	ErrUnknownTransfer = errors.New("node: unknown transfer")
	ErrNotRunning      = errors.New("node: not running")
)

// pendingHandshake tracks a responder-side Noise_XX exchange that has
// sent msg2 and is waiting for msg3 from the same address.
type pendingHandshake struct {
	hs *handshake.Handshake
}

// Status mirrors §6's status() return value.
type Status struct {
	NodeID          NodeID
	Running         bool
	ActiveSessions  int
	ActiveTransfers int
	Version         string
	Revision        string
}

// Node owns the CID->Session map and the TransferId->Transfer map
// (§4.12), dispatches inbound packets by header CID, and exposes the
// control API: start, stop, status, connect, send_file, cancel_transfer,
// subscribe_events.
type Node struct {
	mu sync.RWMutex

	id     NodeID
	static handshake.StaticKeypair

	sessions  map[[8]byte]*session.Session
	peerCID   map[NodeID][8]byte
	peerAddr  map[NodeID]net.Addr
	transfers map[transfer.TransferID]*transfer.Transfer
	senders   map[transfer.TransferID]*sendScheduler

	// receivers tracks inbound transfers by the stream ID their frames
	// arrive on, populated once a manifest frame has been seen.
	receivers map[uint32]*recvState

	// pending holds in-progress responder-side handshakes keyed by the
	// dialing peer's transport address, so receiveLoop can tell a
	// handshake message apart from an established session's data frame
	// without a separate listener goroutine.
	pending map[string]*pendingHandshake

	// pendingInitiator holds the reply channel for a Connect call that is
	// still waiting on msg2, keyed by the dialed address, so receiveLoop
	// routes handshake replies to the waiting caller instead of treating
	// them as a fresh inbound handshake.
	pendingInitiator map[string]chan []byte

	cfg      Config
	profile  obfuscation.Profile
	wrapper  *obfuscation.Wrapper
	datagram transport.Datagram
	files    transport.FileFacility

	events *EventBus

	// peers optionally persists known peers across restarts (§6's
	// persistent state layout). Nil unless AttachPeerStore is called.
	peers *PeerStore

	log *log.Logger

	running bool
	stopCh  chan struct{}
}

// New constructs a Node from a configuration, datagram transport, and
// file facility. The node's own identity keypair is generated fresh on
// every call; New has no way to load an existing keypair, so the node's
// identity does not survive a restart.
func New(cfg Config, dg transport.Datagram, files transport.FileFacility, logger *log.Logger) (*Node, error) {
	static, err := handshake.GenerateStaticKeypair()
	if err != nil {
		return nil, err
	}
	var id NodeID
	copy(id[:], static.Public)

	profile, err := cfg.obfuscationProfile()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			Prefix:          "node",
		})
	}

	return &Node{
		id:               id,
		static:           static,
		sessions:         make(map[[8]byte]*session.Session),
		peerCID:          make(map[NodeID][8]byte),
		peerAddr:         make(map[NodeID]net.Addr),
		transfers:        make(map[transfer.TransferID]*transfer.Transfer),
		senders:          make(map[transfer.TransferID]*sendScheduler),
		receivers:        make(map[uint32]*recvState),
		pending:          make(map[string]*pendingHandshake),
		pendingInitiator: make(map[string]chan []byte),
		cfg:              cfg,
		profile:          profile,
		wrapper:          obfuscation.NewWrapper(profile),
		datagram:         dg,
		files:            files,
		events:           NewEventBus(),
		log:              logger.WithPrefix("node"),
	}, nil
}

// Start begins the node's receive loop. It is idempotent.
func (n *Node) Start() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.stopCh = make(chan struct{})
	n.mu.Unlock()

	n.log.Info("starting receive loop")
	go n.receiveLoop()
}

// Stop halts the receive loop and closes every live session.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	close(n.stopCh)
	sessions := make([]*session.Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	senders := make([]*sendScheduler, 0, len(n.senders))
	for _, s := range n.senders {
		senders = append(senders, s)
	}
	n.mu.Unlock()

	for _, s := range senders {
		s.Halt()
	}
	for _, s := range sessions {
		s.Close(ErrNotRunning)
	}
	n.log.Info("stopped")
}

// Status implements §6's status().
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Status{
		NodeID:          n.id,
		Running:         n.running,
		ActiveSessions:  len(n.sessions),
		ActiveTransfers: len(n.transfers),
		Version:         versioninfo.Version,
		Revision:        versioninfo.Revision,
	}
}

// SubscribeEvents registers a new subscriber to the node's event bus
// (§6 subscribe_events).
func (n *Node) SubscribeEvents() <-chan interface{} {
	return n.events.Subscribe()
}

// AttachPeerStore wires a PeerStore so every future session, in either
// direction, gets its peer recorded for reconnection after a restart.
func (n *Node) AttachPeerStore(s *PeerStore) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers = s
}

// connectTimeout bounds how long Connect waits for a handshake reply.
// Requires the node's receive loop (Start) already running, since the
// responder's msg2 is routed back to Connect through it rather than a
// direct Recv call, so the two never race over the same inbound queue.
const connectTimeout = 10 * time.Second

var errConnectTimeout = errors.New("node: handshake reply timed out")

// Connect dials a peer, drives a Noise_XX handshake to completion, and
// registers the resulting Session under its CID (§6 connect(peer_id)).
func (n *Node) Connect(dst net.Addr) (*session.Session, error) {
	hs, err := handshake.NewInitiator(n.static)
	if err != nil {
		return nil, err
	}

	key := dst.String()
	replyCh := make(chan []byte, 1)
	n.mu.Lock()
	n.pendingInitiator[key] = replyCh
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pendingInitiator, key)
		n.mu.Unlock()
	}()

	msg1, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	wrapped1, err := n.wrapper.PadAndWrap(msg1)
	if err != nil {
		return nil, err
	}
	if err := n.datagram.Send(context.Background(), dst, wrapped1); err != nil {
		return nil, err
	}

	var resp []byte
	select {
	case resp = <-replyCh:
	case <-time.After(connectTimeout):
		return nil, errConnectTimeout
	}
	if _, err := hs.ReadMessage(resp); err != nil {
		return nil, err
	}

	msg3, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	wrapped3, err := n.wrapper.PadAndWrap(msg3)
	if err != nil {
		return nil, err
	}
	if err := n.datagram.Send(context.Background(), dst, wrapped3); err != nil {
		return nil, err
	}

	sess, err := session.New(ratchet.RoleInitiator, hs.RootKey(), n.cfg.sessionConfig())
	if err != nil {
		return nil, err
	}
	sess.MarkEstablished(time.Now())

	var peer NodeID
	copy(peer[:], hs.PeerStatic())

	n.registerSession(peer, dst, sess)
	n.events.Publish(Event{Kind: EventSessionOpened, PeerID: peer})
	return sess, nil
}

// prometheusSessionMetrics adapts the package-level counters to
// session.Metrics.
type prometheusSessionMetrics struct{}

func (prometheusSessionMetrics) ReplayDropped() { metricReplayDropped.Inc() }
func (prometheusSessionMetrics) AuthFailed()    { metricAuthFailed.Inc() }

func (n *Node) registerSession(peer NodeID, addr net.Addr, sess *session.Session) {
	sess.SetMetrics(prometheusSessionMetrics{})
	sess.SetDataHandler(func(streamID uint32, payload []byte) {
		n.onStreamData(peer, streamID, payload)
	})

	n.mu.Lock()
	n.sessions[sess.LocalCID()] = sess
	n.peerCID[peer] = sess.LocalCID()
	n.peerAddr[peer] = addr
	store := n.peers
	n.mu.Unlock()

	if store != nil {
		rec := PeerRecord{Address: addr.String(), StaticPublic: append([]byte(nil), peer[:]...)}
		if err := store.Put(peer, rec); err != nil {
			n.log.Warnf("persist peer %x: %v", peer, err)
		}
	}
}

// SendFile chunks path into a manifest, registers a new outbound
// Transfer against the session already established with peer, and
// starts a background scheduler that drives its chunks over that
// session as Data frames (§6 send_file(peer_id, path) -> transfer_id).
func (n *Node) SendFile(peer NodeID, path string) (transfer.TransferID, error) {
	n.mu.RLock()
	cid, ok := n.peerCID[peer]
	n.mu.RUnlock()
	if !ok {
		return transfer.TransferID{}, ErrUnknownPeer
	}

	f, err := n.files.OpenRead(path)
	if err != nil {
		return transfer.TransferID{}, err
	}

	size, err := fileSize(path)
	if err != nil {
		f.Close()
		return transfer.TransferID{}, err
	}

	manifest, err := transfer.BuildManifest(size, n.cfg.ChunkSize, func(i int) ([]byte, error) {
		offset := int64(i) * n.cfg.ChunkSize
		length := n.cfg.ChunkSize
		if offset+length > size {
			length = size - offset
		}
		return f.ReadAt(offset, int(length))
	})
	if err != nil {
		f.Close()
		return transfer.TransferID{}, err
	}

	var id transfer.TransferID
	if _, err := rand.Read(id[:]); err != nil {
		f.Close()
		return transfer.TransferID{}, err
	}

	t := transfer.NewTransfer(id, *manifest, transfer.DirectionSend, peer, path)

	sched := &sendScheduler{node: n, t: t, f: f, cid: cid}

	n.mu.Lock()
	n.transfers[id] = t
	n.senders[id] = sched
	n.mu.Unlock()

	n.events.Publish(Event{Kind: EventTransferStarted, PeerID: peer, TransferID: id})
	sched.Go(sched.run)

	return id, nil
}

// CancelTransfer halts a transfer's scheduler (if it is still sending),
// removes it, and notifies subscribers (§6 cancel_transfer(transfer_id)).
func (n *Node) CancelTransfer(id transfer.TransferID) error {
	n.mu.Lock()
	t, ok := n.transfers[id]
	sched := n.senders[id]
	if ok {
		delete(n.transfers, id)
		delete(n.senders, id)
	}
	n.mu.Unlock()
	if !ok {
		return ErrUnknownTransfer
	}
	if sched != nil {
		sched.Halt()
	}
	n.events.Publish(Event{Kind: EventTransferFailed, PeerID: t.Peer, TransferID: id, Err: errors.New("cancelled")})
	return nil
}

// transferStreamID derives a stream ID from a TransferID so every chunk
// of one transfer rides the same stream (§4.7/§4.8: each transfer owns
// one ordered stream on its session).
func transferStreamID(id transfer.TransferID) uint32 {
	return binary.BigEndian.Uint32(id[:4])
}

// sendScheduler drives one outbound Transfer's chunks over its session,
// one at a time, embedding worker.Worker the way every other
// long-running loop in this module does (§5).
type sendScheduler struct {
	worker.Worker

	node *Node
	t    *transfer.Transfer
	f    transport.File
	cid  [8]byte
}

func (s *sendScheduler) run() {
	defer s.f.Close()

	streamID := transferStreamID(s.t.ID)

	if err := s.sendManifest(streamID); err != nil {
		s.fail(err)
		return
	}

	for {
		select {
		case <-s.HaltCh():
			return
		default:
		}

		i, ok := s.t.State.NextMissing()
		if !ok {
			s.finish(Event{Kind: EventTransferCompleted, PeerID: s.t.Peer, TransferID: s.t.ID})
			return
		}

		payload, err := s.t.SendChunk(s.f, i)
		if err != nil {
			s.fail(err)
			return
		}

		if err := s.sendFrame(streamID, encodeChunkFrame(uint32(i), payload)); err != nil {
			s.fail(err)
			return
		}

		s.t.State.MarkTransferred(i)
		s.node.events.Publish(Event{
			Kind:       EventTransferProgress,
			PeerID:     s.t.Peer,
			TransferID: s.t.ID,
			Progress:   float64(s.t.State.TransferredCount()) / float64(s.t.Manifest.NumChunks()),
		})
	}
}

// sendManifest puts the manifestAnnounce frame on the wire once, before
// any chunk frame, so the receiving node can open its destination file
// and verify chunks as they land (§4.8).
func (s *sendScheduler) sendManifest(streamID uint32) error {
	body, err := encodeManifestFrame(manifestAnnounce{
		TransferID: s.t.ID,
		SourcePath: s.t.Path,
		Manifest:   s.t.Manifest,
	})
	if err != nil {
		return err
	}
	return s.sendFrame(streamID, body)
}

// sendFrame seals body as one Data frame on streamID, pads/wraps it
// for the obfuscation layer, and sends it to the transfer's peer.
func (s *sendScheduler) sendFrame(streamID uint32, body []byte) error {
	s.node.mu.RLock()
	sess, ok := s.node.sessions[s.cid]
	addr := s.node.peerAddr[s.t.Peer]
	s.node.mu.RUnlock()
	if !ok || addr == nil {
		return ErrUnknownPeer
	}

	frame, err := sess.SendData(streamID, body)
	if err != nil {
		return err
	}
	wrapped, err := s.node.wrapper.PadAndWrap(frame)
	if err != nil {
		return err
	}
	return s.node.datagram.Send(context.Background(), addr, wrapped)
}

func (s *sendScheduler) fail(err error) {
	s.finish(Event{Kind: EventTransferFailed, PeerID: s.t.Peer, TransferID: s.t.ID, Err: err})
}

func (s *sendScheduler) finish(ev Event) {
	s.node.mu.Lock()
	delete(s.node.transfers, s.t.ID)
	delete(s.node.senders, s.t.ID)
	s.node.mu.Unlock()
	s.node.events.Publish(ev)
}

// receiveLoop pulls datagrams off the transport and routes them: to a
// waiting Connect call if one is mid-handshake with this source, to the
// owning Session by header-CID lookup (§4.12: "Dispatches inbound
// packets by header-CID lookup in O(1)"), or to the responder-side
// handshake accept path if neither matches.
func (n *Node) receiveLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		src, payload, err := n.datagram.Recv(context.Background())
		if err != nil {
			continue
		}

		envelope, err := n.wrapper.Unwrap(payload)
		if err != nil {
			continue
		}

		n.route(src, envelope)
	}
}

func (n *Node) route(src net.Addr, buf []byte) {
	n.mu.RLock()
	replyCh, waiting := n.pendingInitiator[src.String()]
	n.mu.RUnlock()
	if waiting {
		select {
		case replyCh <- buf:
		default:
		}
		return
	}

	if len(buf) >= 12 {
		var cid [8]byte
		copy(cid[:], buf[4:12])
		n.mu.RLock()
		sess, ok := n.sessions[cid]
		n.mu.RUnlock()
		if ok {
			if err := sess.OnPacket(buf); err != nil {
				n.log.Warnf("session %x: %v", cid, err)
			}
			return
		}
	}

	n.acceptHandshake(src, buf)
}

// acceptHandshake drives the responder side of a Noise_XX exchange
// against src, one inbound message at a time: the first message from a
// new address starts a pendingHandshake and replies with msg2, the
// second completes it and registers a new Session (§6 connect is
// symmetric: the same exchange a dialer drives is accepted here).
func (n *Node) acceptHandshake(src net.Addr, buf []byte) {
	key := src.String()

	n.mu.Lock()
	p, ok := n.pending[key]
	n.mu.Unlock()

	if !ok {
		hs, err := handshake.NewResponder(n.static)
		if err != nil {
			n.log.Warnf("new responder handshake: %v", err)
			return
		}
		if _, err := hs.ReadMessage(buf); err != nil {
			n.log.Warnf("handshake msg1 from %s: %v", key, err)
			return
		}
		msg2, err := hs.WriteMessage(nil)
		if err != nil {
			n.log.Warnf("handshake msg2 to %s: %v", key, err)
			return
		}
		wrapped, err := n.wrapper.PadAndWrap(msg2)
		if err != nil {
			n.log.Warnf("wrap msg2 to %s: %v", key, err)
			return
		}
		if err := n.datagram.Send(context.Background(), src, wrapped); err != nil {
			n.log.Warnf("send msg2 to %s: %v", key, err)
			return
		}
		n.mu.Lock()
		n.pending[key] = &pendingHandshake{hs: hs}
		n.mu.Unlock()
		return
	}

	if _, err := p.hs.ReadMessage(buf); err != nil {
		n.log.Warnf("handshake msg3 from %s: %v", key, err)
		n.mu.Lock()
		delete(n.pending, key)
		n.mu.Unlock()
		return
	}

	n.mu.Lock()
	delete(n.pending, key)
	n.mu.Unlock()

	sess, err := session.New(ratchet.RoleResponder, p.hs.RootKey(), n.cfg.sessionConfig())
	if err != nil {
		n.log.Warnf("session.New for %s: %v", key, err)
		return
	}
	sess.MarkEstablished(time.Now())

	var peer NodeID
	copy(peer[:], p.hs.PeerStatic())

	n.registerSession(peer, src, sess)
	n.events.Publish(Event{Kind: EventSessionOpened, PeerID: peer})
}

// fileSize stats path directly rather than going through transport.File
// (whose interface only exposes positioned reads, not a length), since
// the manifest builder needs the total size up front to compute chunk
// count.
func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
