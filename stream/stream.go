// Package stream implements component C7: multiplexed, flow-controlled,
// ordered byte streams carried over a session. It descends from the
// Stream/Frame/StreamState design of the original map-transport client,
// which multiplexed exactly one logical stream per shared secret over a
// polling KV store. Here a session carries many concurrently-open
// streams keyed by a 32-bit stream ID, each with its own write offset,
// peer-advertised flow-control window, and out-of-order reassembly
// buffer (§4.7), and frames travel over the session's own AEAD rather
// than a second layer of secretbox.
package stream

import (
	"errors"
	"sync"
)

// State is a stream's lifecycle state. Streams open and close
// independently of the session that carries them (§3, §4.7).
type State uint8

const (
	StateOpen State = iota
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

// ErrStreamClosed is returned by Read/DeliverFragment once a stream has
// fully closed on the relevant side.
var ErrStreamClosed = errors.New("stream: closed")

// DefaultReorderCap bounds how many out-of-order bytes a stream will
// buffer before refusing further out-of-order fragments (§4.7: fragments
// are held "up to a configurable cap" before the gap must close).
const DefaultReorderCap = 4 << 20 // 4 MiB

// Stream is one ordered byte channel multiplexed within a session.
type Stream struct {
	mu sync.Mutex

	id    uint32
	state State

	writeOffset int64
	readOffset  int64

	sendWindow uint32 // peer-advertised flow-control window, bytes
	recvWindow uint32 // window we advertise to the peer

	pending   map[int64][]byte // out-of-order fragments keyed by offset
	pendingSz int
	reorderCap int

	readBuf []byte // contiguous, delivered-but-unconsumed bytes

	notify chan struct{} // signalled on state changes readers/writers wait on
}

// New creates a Stream with the given ID and initial windows.
func New(id uint32, initialSendWindow, initialRecvWindow uint32) *Stream {
	return &Stream{
		id:         id,
		state:      StateOpen,
		sendWindow: initialSendWindow,
		recvWindow: initialRecvWindow,
		pending:    make(map[int64][]byte),
		reorderCap: DefaultReorderCap,
		notify:     make(chan struct{}, 1),
	}
}

// ID returns the stream's 32-bit identifier.
func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// State returns the stream's current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CanSend reports whether n additional bytes fit within the
// peer-advertised send window.
func (s *Stream) CanSend(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(n) <= s.sendWindow
}

// ConsumeSendWindow deducts n bytes from the send window after a Data
// frame of that size has been handed to the session for transmission,
// returning the write offset the frame should carry before it advances.
func (s *Stream) ConsumeSendWindow(n int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.writeOffset
	s.writeOffset += int64(n)
	if uint32(n) <= s.sendWindow {
		s.sendWindow -= uint32(n)
	} else {
		s.sendWindow = 0
	}
	return offset
}

// UpdateSendWindow applies a peer flow-control update, e.g. from a
// window-update control frame.
func (s *Stream) UpdateSendWindow(newWindow uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendWindow = newWindow
	s.wake()
}

// ErrReorderCapExceeded is returned by DeliverFragment when accepting an
// out-of-order fragment would exceed the stream's reorder buffer cap.
var ErrReorderCapExceeded = errors.New("stream: out-of-order buffer cap exceeded")

// DeliverFragment accepts bytes received at a given offset. In-order
// fragments are appended directly to the readable buffer; out-of-order
// fragments are held in pending until the gap closes, at which point
// they drain into the readable buffer in offset order (§5 ordering
// guarantees, §4.7).
func (s *Stream) DeliverFragment(offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed || s.state == StateHalfClosedRemote {
		return ErrStreamClosed
	}

	if offset < s.readOffset {
		skip := s.readOffset - offset
		if skip >= int64(len(data)) {
			return nil
		}
		offset = s.readOffset
		data = data[skip:]
	}

	if offset == s.readOffset {
		s.readBuf = append(s.readBuf, data...)
		s.readOffset += int64(len(data))
		s.drainPendingLocked()
		s.wake()
		return nil
	}

	if s.pendingSz+len(data) > s.reorderCap {
		return ErrReorderCapExceeded
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.pending[offset] = cp
	s.pendingSz += len(cp)
	return nil
}

func (s *Stream) drainPendingLocked() {
	for {
		frag, ok := s.pending[s.readOffset]
		if !ok {
			return
		}
		delete(s.pending, s.readOffset)
		s.pendingSz -= len(frag)
		s.readBuf = append(s.readBuf, frag...)
		s.readOffset += int64(len(frag))
	}
}

// Read consumes up to len(p) contiguous bytes already delivered to this
// stream, returning the number of bytes copied. It never blocks; a
// caller that wants to block for more data should select on NotifyCh
// first.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readBuf) == 0 {
		if s.state == StateClosed || s.state == StateHalfClosedRemote {
			return 0, ErrStreamClosed
		}
		return 0, nil
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

// NotifyCh returns a channel signalled whenever new data or a window
// update makes progress possible, mirroring the onRead/onWrite wakeups
// of the original stream worker pair.
func (s *Stream) NotifyCh() <-chan struct{} {
	return s.notify
}

// CloseLocal marks the local side of the stream half-closed (a
// StreamClose control frame has been sent); if the remote side was
// already half-closed this fully closes the stream (§4.7 permits a
// half-closed state).
func (s *Stream) CloseLocal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedLocal
	case StateHalfClosedRemote:
		s.state = StateClosed
	}
	s.wake()
}

// CloseRemote marks the remote side half-closed (a StreamClose control
// frame was received).
func (s *Stream) CloseRemote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		s.state = StateClosed
	}
	s.wake()
}

// Table is a session's stream table, keyed by stream ID (§4.5).
type Table struct {
	mu      sync.RWMutex
	streams map[uint32]*Stream
	maxOpen int
}

// ErrTooManyStreams is returned by Open once the table's configured
// maximum concurrent streams has been reached (§7 Resource errors).
var ErrTooManyStreams = errors.New("stream: too many open streams")

// NewTable creates an empty stream table with the given concurrent
// stream cap. A cap of 0 means unlimited.
func NewTable(maxOpen int) *Table {
	return &Table{streams: make(map[uint32]*Stream), maxOpen: maxOpen}
}

// Open creates and registers a new stream with the given ID.
func (t *Table) Open(id uint32, sendWindow, recvWindow uint32) (*Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxOpen > 0 && len(t.streams) >= t.maxOpen {
		return nil, ErrTooManyStreams
	}
	s := New(id, sendWindow, recvWindow)
	t.streams[id] = s
	return s, nil
}

// Get looks up a stream by ID.
func (t *Table) Get(id uint32) (*Stream, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.streams[id]
	return s, ok
}

// Remove deletes a stream from the table, e.g. once it has fully
// closed.
func (t *Table) Remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, id)
}

// Len reports the number of currently-tracked streams.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.streams)
}
