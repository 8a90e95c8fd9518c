// Package session implements component C5: the per-peer connection
// object that owns everything scoped to one WRAITH conversation — CIDs,
// directional sequence counters, the send/recv ratchets, the stream
// table, the replay window, the BBR controller, and the state machine
// that walks a connection from handshake through rekeying to close
// (§4.5). It is the wiring point for C1 (wire), C2 (aead), C4 (ratchet),
// C6 (congestion) and C7 (stream), the way map/client's Stream ties
// together a Session's TimerQueue, its secretbox keys and its smsg
// retransmission state into one object.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/doublegate/wraith-core/congestion"
	"github.com/doublegate/wraith-core/crypto/aead"
	"github.com/doublegate/wraith-core/crypto/handshake"
	"github.com/doublegate/wraith-core/crypto/ratchet"
	"github.com/doublegate/wraith-core/stream"
	"github.com/doublegate/wraith-core/wire"
)

// State is the connection lifecycle state machine of §4.5:
//
//	Initiating -> HandshakeComplete -> Established -> Rekeying -> Established -> Closing -> Closed
type State uint8

const (
	StateInitiating State = iota
	StateHandshakeComplete
	StateEstablished
	StateRekeying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitiating:
		return "Initiating"
	case StateHandshakeComplete:
		return "HandshakeComplete"
	case StateEstablished:
		return "Established"
	case StateRekeying:
		return "Rekeying"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Error surface specific to the session layer (§7 Lifecycle/Protocol).
var (
	ErrSessionClosed   = errors.New("session: closed")
	ErrUnexpectedFrame = errors.New("session: unexpected frame for current state")
	ErrTooManyStreams  = errors.New("session: too many open streams")
	ErrNonceExhaustion = errors.New("session: nonce space exhausted, rekey required")
)

// DefaultMaxStreams bounds concurrent streams per session (§7 Resource
// TooManyStreams).
const DefaultMaxStreams = 256

// Config bundles the tunables a Session needs at construction, mirroring
// the relevant subset of the §6 configuration key list.
type Config struct {
	Ratchet          ratchet.Config
	MaxStreams       int
	InitialSendWin   uint32
	InitialRecvWin   uint32
	MSS              int
}

// DefaultConfig returns the §6 defaults relevant to a Session.
func DefaultConfig() Config {
	return Config{
		Ratchet:        ratchet.DefaultConfig(),
		MaxStreams:     DefaultMaxStreams,
		InitialSendWin: 1 << 20,
		InitialRecvWin: 1 << 20,
		MSS:            congestion.DefaultMSS,
	}
}

// Metrics receives counts for the conditions OnPacket must otherwise
// drop silently (§7: a session never signals replay, duplicate, or
// authentication failure back to the wire, since doing so would give an
// attacker a distinguishing oracle). Both methods are optional; a nil
// Metrics is a no-op.
type Metrics interface {
	ReplayDropped()
	AuthFailed()
}

// TransferBackref is an opaque handle a Session keeps to the transfers
// riding on it, so closing a session can notify its transfers without
// the session package importing the transfer package (which itself
// depends on peer/session identities — a cycle this interface avoids).
type TransferBackref interface {
	OnSessionClosed(reason error)
}

// Session is one peer connection: everything in §4.5's state bullet
// list in a single mutex-guarded object.
type Session struct {
	mu sync.Mutex

	localCID  [8]byte
	remoteCID [8]byte

	role        ratchet.Role
	ratchet *ratchet.Ratchet
	recvWindow  *aead.Window

	streams *stream.Table

	bbr *congestion.Controller

	state State

	rekeyAfterSeconds int
	epochStart        time.Time

	transfers []TransferBackref

	metrics     Metrics
	dataHandler func(streamID uint32, payload []byte)

	cfg Config
}

// SetMetrics attaches an optional Metrics sink. Not safe to call
// concurrently with OnPacket.
func (s *Session) SetMetrics(m Metrics) {
	s.metrics = m
}

// SetDataHandler registers the callback OnPacket invokes, outside its
// own lock, with the plaintext of every inbound Data frame that carries
// a stream ID. Not safe to call concurrently with OnPacket.
func (s *Session) SetDataHandler(fn func(streamID uint32, payload []byte)) {
	s.dataHandler = fn
}

// New constructs a Session from a completed handshake's exported root
// key, in the given role. The caller is responsible for driving the
// Noise exchange (crypto/handshake.Handshake) to completion first;
// Session itself only consumes the result.
func New(role ratchet.Role, rootKey [32]byte, cfg Config) (*Session, error) {
	r, err := ratchet.New(rootKey, role, rand.Reader, cfg.Ratchet)
	if err != nil {
		return nil, err
	}

	var localCID, remoteCID [8]byte
	if _, err := rand.Read(localCID[:]); err != nil {
		return nil, err
	}

	s := &Session{
		localCID:          localCID,
		remoteCID:         remoteCID,
		role:              role,
		ratchet:       r,
		recvWindow:        aead.NewWindow(),
		streams:           stream.NewTable(cfg.MaxStreams),
		bbr:               congestion.NewController(cfg.MSS),
		state:             StateHandshakeComplete,
		rekeyAfterSeconds: cfg.Ratchet.RekeyAfterSeconds,
		epochStart:        time.Time{},
		cfg:               cfg,
	}
	return s, nil
}

// LocalCID returns this side's current connection ID.
func (s *Session) LocalCID() [8]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localCID
}

// SetRemoteCID records the peer's connection ID, learned from the first
// authenticated frame or the handshake payload.
func (s *Session) SetRemoteCID(cid [8]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteCID = cid
}

// State reports the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkEstablished transitions Initiating/HandshakeComplete to
// Established, starting the rekey epoch clock.
func (s *Session) MarkEstablished(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateEstablished
	s.epochStart = now
}

// direction returns which nonce space this side sends on, so initiator
// and responder never reuse a (direction, epoch, sequence) triple.
func (s *Session) direction() aead.Direction {
	if s.role == ratchet.RoleInitiator {
		return aead.DirectionInitiatorToResponder
	}
	return aead.DirectionResponderToInitiator
}

func (s *Session) peerDirection() aead.Direction {
	if s.role == ratchet.RoleInitiator {
		return aead.DirectionResponderToInitiator
	}
	return aead.DirectionInitiatorToResponder
}

// SendData encrypts and frames payload for stream streamID, advancing
// the send ratchet by one message and returning the complete on-wire
// packet ready for the transport layer.
func (s *Session) SendData(streamID uint32, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed || s.state == StateClosing {
		return nil, ErrSessionClosed
	}

	epoch, seq, key := s.ratchet.AdvanceSend(len(payload))
	cipher, err := aead.New(key)
	if err != nil {
		return nil, err
	}

	// Version and Length are set here, not left to wire.Build, so the
	// AAD matches the header the receiver parses off the wire.
	h := wire.Header{
		Version:  wire.Version,
		Type:     wire.TypeData,
		CID:      s.remoteCID,
		Sequence: seq,
		StreamID: streamID,
		Length:   uint32(len(payload)),
	}
	if streamID != 0 {
		h.Flags |= wire.FlagHasStream
	}

	headerAAD := wire.HeaderBytes(nil, &h)
	sealed := cipher.Seal(nil, s.direction(), epoch, seq, headerAAD, payload)

	pkt, err := wire.Build(h, sealed)
	if err != nil {
		return nil, err
	}

	if s.bbr != nil {
		s.bbr.OnSend(len(pkt))
	}
	return pkt, nil
}

// OnPacket processes one inbound datagram: parses the frame, decrypts
// it against the matching ratchet epoch, checks the replay window, and
// (for Data frames) delivers the plaintext into the addressed stream.
// Per §7, ParseError/AuthError/replay are dropped silently — the
// session stays open and the caller only sees an error for conditions
// that are its business to react to (handshake/lifecycle).
func (s *Session) OnPacket(buf []byte) error {
	frame, err := wire.Parse(buf)
	if err != nil {
		return nil // ParseError: silently dropped per §7
	}

	s.mu.Lock()

	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	epoch := s.currentRecvEpochLocked()
	headerAAD := wire.HeaderBytes(nil, &frame.Header)

	key, rerr := s.ratchet.AdvanceRecv(epoch, frame.Header.Sequence)
	if rerr != nil {
		if s.metrics != nil {
			s.metrics.ReplayDropped()
		}
		s.mu.Unlock()
		return nil // ErrDuplicateOrDelayed / ErrReorderingLimit / ErrEpochMismatch: silently dropped
	}
	c, err := aead.New(key)
	if err != nil {
		s.mu.Unlock()
		return nil
	}

	plaintext, err := c.Open(nil, s.peerDirection(), epoch, frame.Header.Sequence, headerAAD, frame.Sealed)
	if err != nil {
		if s.metrics != nil {
			s.metrics.AuthFailed()
		}
		s.mu.Unlock()
		return nil // AuthError: silently dropped per §7
	}

	if !s.recvWindow.Accept(frame.Header.Sequence) {
		if s.metrics != nil {
			s.metrics.ReplayDropped()
		}
		s.mu.Unlock()
		return nil // replay: silently dropped per §7
	}

	switch frame.Header.Type {
	case wire.TypeData:
		if !frame.Header.HasStream() {
			s.mu.Unlock()
			return nil
		}
		if _, ok := s.streams.Get(frame.Header.StreamID); !ok {
			if _, err := s.streams.Open(frame.Header.StreamID, s.cfg.InitialSendWin, s.cfg.InitialRecvWin); err != nil {
				s.mu.Unlock()
				return ErrTooManyStreams
			}
		}
		handler := s.dataHandler
		streamID := frame.Header.StreamID
		s.mu.Unlock()
		// The chunk/transfer framing layer above Session owns decoding
		// plaintext back into chunk writes; Session only demultiplexes
		// by stream ID and hands the payload off outside its own lock
		// so the handler can safely call back into this Session.
		if handler != nil {
			handler(streamID, plaintext)
		}
		return nil
	case wire.TypeRekey:
		err := s.beginRekeyLocked()
		s.mu.Unlock()
		return err
	}

	s.mu.Unlock()
	return nil
}

// currentRecvEpochLocked returns the ratchet epoch frames are currently
// expected on. Until a rekey is in flight this is simply the local
// ratchet's epoch, which both sides keep in lock-step because epochs
// only advance on an explicit Rekey frame exchange.
func (s *Session) currentRecvEpochLocked() uint32 {
	return s.ratchet.Epoch()
}

// OpenStream creates a new stream on this session, failing with
// ErrTooManyStreams once cfg.MaxStreams concurrent streams are open
// (§7 Resource TooManyStreams).
func (s *Session) OpenStream(id uint32) (*stream.Stream, error) {
	st, err := s.streams.Open(id, s.cfg.InitialSendWin, s.cfg.InitialRecvWin)
	if errors.Is(err, stream.ErrTooManyStreams) {
		return nil, ErrTooManyStreams
	}
	return st, err
}

// NeedsRekey reports whether this session's ratchet has crossed one of
// the §4.4 rekey thresholds and a Rekey frame should be sent.
func (s *Session) NeedsRekey(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratchet.NeedsRekey(now)
}

// beginRekeyLocked transitions Established -> Rekeying. The actual DH
// exchange (advertising NextEpochPublicKey and calling AdvanceEpoch once
// the peer's is known) is driven by the caller that owns the transport,
// since it must exchange a Rekey frame carrying the new public key
// before either side can call AdvanceEpoch.
func (s *Session) beginRekeyLocked() error {
	if s.state != StateEstablished {
		return nil
	}
	s.state = StateRekeying
	return nil
}

// CompleteRekey finishes a rekey started by beginRekeyLocked/NeedsRekey,
// advancing the ratchet epoch with the peer's newly-advertised DH
// public key and returning to Established.
func (s *Session) CompleteRekey(peerPublic [32]byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ratchet.AdvanceEpoch(peerPublic, now); err != nil {
		return err
	}
	s.recvWindow.Reset() // §5: "across epochs, the replay window is reset"
	s.epochStart = now
	s.state = StateEstablished
	return nil
}

// NextEpochPublicKey exposes the local side's next-epoch DH public key,
// for embedding in the outgoing Rekey frame payload.
func (s *Session) NextEpochPublicKey() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratchet.NextEpochPublicKey()
}

// AttachTransfer registers a transfer so it is notified if the session
// closes out from under it.
func (s *Session) AttachTransfer(t TransferBackref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, t)
}

// Close transitions the session to Closing then Closed, notifying every
// attached transfer with reason, and releasing ratchet key material.
func (s *Session) Close(reason error) {
	s.mu.Lock()
	s.state = StateClosing
	transfers := s.transfers
	r := s.ratchet
	s.mu.Unlock()

	for _, t := range transfers {
		t.OnSessionClosed(reason)
	}

	if r != nil {
		r.Destroy()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// BBR exposes the session's congestion controller for the send path
// driving packet pacing decisions.
func (s *Session) BBR() *congestion.Controller {
	return s.bbr
}

// Handshake completes a Noise_XX exchange and constructs the Session
// that follows from it, collapsing the C3/C5 boundary into one call for
// callers that don't need to drive the handshake messages themselves
// (e.g. tests, or the loopback transport's paired dial).
func Handshake(ctx context.Context, role ratchet.Role, hs *handshake.Handshake, cfg Config) (*Session, error) {
	if !hs.Complete() {
		return nil, ErrUnexpectedFrame
	}
	return New(role, hs.RootKey(), cfg)
}
