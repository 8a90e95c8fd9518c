// Package wire implements the WRAITH frame codec (§4.1, component C1):
// the fixed 28-byte header plus authenticated ciphertext that rides
// inside every UDP datagram. Parsing is O(1) and copy-free; building
// writes directly into a caller-owned buffer so the hot path never
// allocates, mirroring the zero-copy framing style of stream/stream.go
// and sockatz/common/conn.go's length-prefixed records.
package wire

import (
	"encoding/binary"
	"errors"
)

// Version is the only wire version this codec understands.
const Version = 1

// HeaderSize is the fixed, cleartext header length in bytes (§4.1).
const HeaderSize = 28

// TagSize is the Poly1305 authentication tag length appended by C2.
const TagSize = 16

// MaxDatagram is the largest UDP payload this codec will ever build:
// the IPv4 UDP maximum (65535 minus the 20-byte IP and 8-byte UDP
// headers). It is far above the 576..9000 range §6 MTU probing covers.
const MaxDatagram = 65507

// MaxPayload is the largest ciphertext the length field may describe.
const MaxPayload = MaxDatagram - HeaderSize - TagSize

// FrameType enumerates the frame types named in §3.
type FrameType uint8

const (
	TypeData FrameType = iota
	TypeAck
	TypePing
	TypePong
	TypeStreamOpen
	TypeStreamClose
	TypeRekey
	TypeControl
)

func (t FrameType) String() string {
	switch t {
	case TypeData:
		return "Data"
	case TypeAck:
		return "Ack"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeStreamOpen:
		return "StreamOpen"
	case TypeStreamClose:
		return "StreamClose"
	case TypeRekey:
		return "Rekey"
	case TypeControl:
		return "Control"
	default:
		return "Unknown"
	}
}

// Flag bits within the 2-byte flags field.
const (
	FlagHasStream  uint16 = 1 << 0
	FlagHasPadding uint16 = 1 << 1
	flagReservedMask = ^uint16(FlagHasStream | FlagHasPadding)
)

// ParseError is returned by Parse when the input is not a well-formed
// frame. The Kind distinguishes the specific failure named in §4.1.
type ParseError struct {
	Kind string
}

func (e *ParseError) Error() string { return "wire: " + e.Kind }

var (
	// ErrShortHeader is returned when fewer than HeaderSize bytes are
	// available.
	ErrShortHeader = &ParseError{Kind: "ShortHeader"}
	// ErrBadVersion is returned when byte 0 is not Version.
	ErrBadVersion = &ParseError{Kind: "BadVersion"}
	// ErrReservedFlag is returned when a reserved flag bit is set.
	ErrReservedFlag = &ParseError{Kind: "ReservedFlag"}
	// ErrLengthOverflow is returned when the declared payload length
	// does not fit in the remaining buffer or exceeds MaxPayload.
	ErrLengthOverflow = &ParseError{Kind: "LengthOverflow"}
)

// Header is the cleartext, authenticated-as-AAD portion of a frame.
type Header struct {
	Version  uint8
	Type     FrameType
	Flags    uint16
	CID      [8]byte
	Sequence uint64
	StreamID uint32
	Length   uint32 // ciphertext length, excluding the tag
}

// HasStream reports whether the StreamOpen/has_stream flag is set.
func (h *Header) HasStream() bool { return h.Flags&FlagHasStream != 0 }

// HasPadding reports whether the has_padding flag is set.
func (h *Header) HasPadding() bool { return h.Flags&FlagHasPadding != 0 }

// Frame is a parsed, still-encrypted frame: a Header plus a view onto
// the ciphertext-and-tag region of the original buffer. No payload
// bytes are copied by Parse.
type Frame struct {
	Header  Header
	Sealed  []byte // ciphertext || tag, aliases the input buffer
}

// Parse extracts the header and locates the sealed payload within buf
// without copying. The returned Frame's Sealed slice aliases buf; the
// caller must not mutate buf while the Frame is in use if it intends to
// decrypt in place afterward.
func Parse(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, ErrShortHeader
	}
	if buf[0] != Version {
		return Frame{}, ErrBadVersion
	}
	flags := binary.BigEndian.Uint16(buf[2:4])
	if flags&flagReservedMask != 0 {
		return Frame{}, ErrReservedFlag
	}
	length := binary.BigEndian.Uint32(buf[24:28])
	if length > MaxPayload {
		return Frame{}, ErrLengthOverflow
	}
	sealedLen := int(length) + TagSize
	if len(buf) < HeaderSize+sealedLen {
		return Frame{}, ErrLengthOverflow
	}

	var h Header
	h.Version = buf[0]
	h.Type = FrameType(buf[1])
	h.Flags = flags
	copy(h.CID[:], buf[4:12])
	h.Sequence = binary.BigEndian.Uint64(buf[12:20])
	if h.Flags&FlagHasStream != 0 {
		h.StreamID = binary.BigEndian.Uint32(buf[20:24])
	}
	h.Length = length

	return Frame{
		Header: h,
		Sealed: buf[HeaderSize : HeaderSize+sealedLen],
	}, nil
}

// HeaderBytes returns the on-wire encoding of h, suitable for use as
// AEAD associated data. It always writes HeaderSize bytes.
func HeaderBytes(dst []byte, h *Header) []byte {
	if cap(dst) < HeaderSize {
		dst = make([]byte, HeaderSize)
	}
	dst = dst[:HeaderSize]
	dst[0] = h.Version
	dst[1] = byte(h.Type)
	binary.BigEndian.PutUint16(dst[2:4], h.Flags)
	copy(dst[4:12], h.CID[:])
	binary.BigEndian.PutUint64(dst[12:20], h.Sequence)
	if h.Flags&FlagHasStream != 0 {
		binary.BigEndian.PutUint32(dst[20:24], h.StreamID)
	} else {
		binary.BigEndian.PutUint32(dst[20:24], 0)
	}
	binary.BigEndian.PutUint32(dst[24:28], h.Length)
	return dst
}

// BuildInto writes a complete framed packet (header || sealedPayload)
// into buf, which must have capacity for HeaderSize+len(sealedPayload).
// It never allocates. sealedPayload is the AEAD output: ciphertext with
// its trailing tag already appended; its length minus TagSize is
// recorded as h.Length.
//
// BuildInto and the allocating Build (below) are kept as distinct entry
// points. Build allocates a buffer and calls BuildInto, so both produce
// identical bytes; neither adds padding.
func BuildInto(buf []byte, h Header, sealedPayload []byte) ([]byte, error) {
	if len(sealedPayload) < TagSize {
		return nil, errors.New("wire: sealed payload shorter than tag")
	}
	plainLen := len(sealedPayload) - TagSize
	if plainLen > MaxPayload {
		return nil, ErrLengthOverflow
	}
	h.Version = Version
	h.Length = uint32(plainLen)

	total := HeaderSize + len(sealedPayload)
	if cap(buf) < total {
		return nil, errors.New("wire: destination buffer too small")
	}
	buf = buf[:total]
	HeaderBytes(buf[:HeaderSize], &h)
	copy(buf[HeaderSize:], sealedPayload)
	return buf, nil
}

// Build allocates and returns a complete framed packet. It exists for
// tests and callers that don't maintain their own buffer pool; the hot
// send path should use BuildInto with a pooled buffer instead.
func Build(h Header, sealedPayload []byte) ([]byte, error) {
	buf := make([]byte, 0, HeaderSize+len(sealedPayload))
	return BuildInto(buf, h, sealedPayload)
}
