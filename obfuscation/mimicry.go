package obfuscation

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/net/dns/dnsmessage"
)

// MimicryMode selects the byte-level envelope a sealed frame is wrapped
// in before it hits the wire (§4.11, §6 `mimicry_mode`). Mimicry never
// touches the AEAD ciphertext itself; it only changes what an observer
// sees framing it.
type MimicryMode uint8

const (
	MimicryNone MimicryMode = iota
	MimicryTLS
	MimicryWebSocket
	MimicryDoH
)

func (m MimicryMode) String() string {
	switch m {
	case MimicryNone:
		return "None"
	case MimicryTLS:
		return "TLS"
	case MimicryWebSocket:
		return "WebSocket"
	case MimicryDoH:
		return "DoH"
	default:
		return "Unknown"
	}
}

// Mimic wraps and unwraps a payload in a given byte-level envelope.
type Mimic interface {
	Wrap(payload []byte) ([]byte, error)
	Unwrap(envelope []byte) ([]byte, error)
}

// NewMimic returns the Mimic implementation for a mode.
func NewMimic(mode MimicryMode) Mimic {
	switch mode {
	case MimicryTLS:
		return tlsRecordMimic{}
	case MimicryWebSocket:
		return websocketFrameMimic{}
	case MimicryDoH:
		return dohMimic{}
	default:
		return noneMimic{}
	}
}

type noneMimic struct{}

func (noneMimic) Wrap(payload []byte) ([]byte, error)   { return payload, nil }
func (noneMimic) Unwrap(envelope []byte) ([]byte, error) { return envelope, nil }

// --- TLS 1.3 record mimicry ---

const (
	tlsContentTypeApplicationData = 23
	tlsLegacyRecordVersionMajor   = 3
	tlsLegacyRecordVersionMinor   = 3
	tlsRecordHeaderSize           = 5
	tlsMaxRecordPayload           = 1 << 14
)

var errTLSRecordTooShort = errors.New("obfuscation: tls mimicry envelope shorter than record header")
var errTLSRecordBadType = errors.New("obfuscation: tls mimicry envelope has unexpected content type")
var errTLSRecordLengthMismatch = errors.New("obfuscation: tls mimicry envelope length field mismatch")
var errTLSPayloadTooLarge = errors.New("obfuscation: payload exceeds one TLS record")

// tlsRecordMimic wraps payload in a single TLS 1.3 application_data
// record header: a 5-byte cleartext header an observer recognizes as
// ordinary encrypted TLS traffic, in front of WRAITH's own AEAD
// ciphertext (which already looks like random bytes to TLS's own
// record layer).
type tlsRecordMimic struct{}

func (tlsRecordMimic) Wrap(payload []byte) ([]byte, error) {
	if len(payload) > tlsMaxRecordPayload {
		return nil, errTLSPayloadTooLarge
	}
	out := make([]byte, tlsRecordHeaderSize+len(payload))
	out[0] = tlsContentTypeApplicationData
	out[1] = tlsLegacyRecordVersionMajor
	out[2] = tlsLegacyRecordVersionMinor
	binary.BigEndian.PutUint16(out[3:5], uint16(len(payload)))
	copy(out[tlsRecordHeaderSize:], payload)
	return out, nil
}

func (tlsRecordMimic) Unwrap(envelope []byte) ([]byte, error) {
	if len(envelope) < tlsRecordHeaderSize {
		return nil, errTLSRecordTooShort
	}
	if envelope[0] != tlsContentTypeApplicationData {
		return nil, errTLSRecordBadType
	}
	length := binary.BigEndian.Uint16(envelope[3:5])
	if int(length) != len(envelope)-tlsRecordHeaderSize {
		return nil, errTLSRecordLengthMismatch
	}
	return envelope[tlsRecordHeaderSize:], nil
}

// --- WebSocket frame mimicry ---
//
// Grounded on the bit layout documented by the retrieved pascaldekloe
// websocket package (opcode/reserved/final bits in byte 0; mask flag
// and 7-bit length in byte 1; RFC 6455 client frames always mask their
// payload). This mimic only needs single, complete, unfragmented
// Binary frames, so it implements the minimum of RFC 6455 rather than
// a full streaming Conn.

const (
	wsOpcodeBinary   = 0x2
	wsFinalFlag      = 0x80
	wsMaskFlag       = 0x80
	ws16BitLenMarker = 126
	ws64BitLenMarker = 127
)

var errWSFrameTooShort = errors.New("obfuscation: websocket mimicry envelope too short")
var errWSFrameNotMasked = errors.New("obfuscation: websocket mimicry envelope missing client mask")
var errWSFrameTruncated = errors.New("obfuscation: websocket mimicry envelope shorter than declared payload")

type websocketFrameMimic struct{}

func (websocketFrameMimic) Wrap(payload []byte) ([]byte, error) {
	var header []byte
	n := len(payload)
	switch {
	case n < ws16BitLenMarker:
		header = []byte{wsFinalFlag | wsOpcodeBinary, wsMaskFlag | byte(n)}
	case n <= 0xFFFF:
		header = make([]byte, 4)
		header[0] = wsFinalFlag | wsOpcodeBinary
		header[1] = wsMaskFlag | ws16BitLenMarker
		binary.BigEndian.PutUint16(header[2:4], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = wsFinalFlag | wsOpcodeBinary
		header[1] = wsMaskFlag | ws64BitLenMarker
		binary.BigEndian.PutUint64(header[2:10], uint64(n))
	}

	var maskKey [4]byte
	if _, err := rand.Read(maskKey[:]); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+4+n)
	out = append(out, header...)
	out = append(out, maskKey[:]...)
	masked := make([]byte, n)
	for i, b := range payload {
		masked[i] = b ^ maskKey[i%4]
	}
	out = append(out, masked...)
	return out, nil
}

func (websocketFrameMimic) Unwrap(envelope []byte) ([]byte, error) {
	if len(envelope) < 2 {
		return nil, errWSFrameTooShort
	}
	lenField := envelope[1] &^ wsMaskFlag
	masked := envelope[1]&wsMaskFlag != 0
	off := 2
	var n int
	switch lenField {
	case ws16BitLenMarker:
		if len(envelope) < off+2 {
			return nil, errWSFrameTooShort
		}
		n = int(binary.BigEndian.Uint16(envelope[off : off+2]))
		off += 2
	case ws64BitLenMarker:
		if len(envelope) < off+8 {
			return nil, errWSFrameTooShort
		}
		n = int(binary.BigEndian.Uint64(envelope[off : off+8]))
		off += 8
	default:
		n = int(lenField)
	}

	if !masked {
		return nil, errWSFrameNotMasked
	}
	if len(envelope) < off+4 {
		return nil, errWSFrameTooShort
	}
	maskKey := envelope[off : off+4]
	off += 4

	if len(envelope) < off+n {
		return nil, errWSFrameTruncated
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = envelope[off+i] ^ maskKey[i%4]
	}
	return out, nil
}

// --- DNS-over-HTTPS mimicry ---
//
// The payload rides as the TXT-record strings of a single synthetic DNS
// response message, built and parsed with golang.org/x/net/dns/dnsmessage
// (already part of this module's dependency graph via golang.org/x/net).
// TXT strings are limited to 255 bytes each per RFC 1035, so longer
// payloads are split across multiple strings within the one resource.

var errDoHNoAnswers = errors.New("obfuscation: doh mimicry envelope carries no answer records")
var errDoHNotTXT = errors.New("obfuscation: doh mimicry answer is not a TXT resource")

type dohMimic struct{}

func (dohMimic) Wrap(payload []byte) ([]byte, error) {
	var txt []string
	for len(payload) > 0 {
		chunk := payload
		if len(chunk) > 255 {
			chunk = chunk[:255]
		}
		txt = append(txt, string(chunk))
		payload = payload[len(chunk):]
	}
	if txt == nil {
		txt = []string{""}
	}

	name, err := dnsmessage.NewName("query.wraith.internal.")
	if err != nil {
		return nil, err
	}

	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{Response: true, RCode: dnsmessage.RCodeSuccess})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{
		Name:  name,
		Type:  dnsmessage.TypeTXT,
		Class: dnsmessage.ClassINET,
	}); err != nil {
		return nil, err
	}
	if err := b.StartAnswers(); err != nil {
		return nil, err
	}
	if err := b.TXTResource(dnsmessage.ResourceHeader{
		Name:  name,
		Type:  dnsmessage.TypeTXT,
		Class: dnsmessage.ClassINET,
		TTL:   0,
	}, dnsmessage.TXTResource{TXT: txt}); err != nil {
		return nil, err
	}
	return b.Finish()
}

func (dohMimic) Unwrap(envelope []byte) ([]byte, error) {
	var p dnsmessage.Parser
	if _, err := p.Start(envelope); err != nil {
		return nil, err
	}
	if err := p.SkipAllQuestions(); err != nil {
		return nil, err
	}

	ah, err := p.AnswerHeader()
	if err != nil {
		return nil, errDoHNoAnswers
	}
	if ah.Type != dnsmessage.TypeTXT {
		return nil, errDoHNotTXT
	}
	res, err := p.TXTResource()
	if err != nil {
		return nil, err
	}

	var out []byte
	for _, s := range res.TXT {
		out = append(out, s...)
	}
	return out, nil
}
