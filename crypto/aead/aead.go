// Package aead implements component C2: XChaCha20-Poly1305 encryption of
// frame payloads, bound to the cleartext wire header as associated data,
// plus the per-direction sliding replay window from §4.2.
//
// The construction follows ratchet.go's use of golang.org/x/crypto
// secretbox-family AEADs, upgraded to the XChaCha20-Poly1305 variant the
// spec mandates so a single 24-byte nonce can be derived deterministically
// from (direction, epoch, sequence) without a handshake over nonces.
package aead

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the XChaCha20-Poly1305 key length.
const KeySize = chacha20poly1305.KeySize // 32

// NonceSize is the XChaCha20-Poly1305 (extended-nonce) nonce length.
const NonceSize = chacha20poly1305.NonceSizeX // 24

// Direction distinguishes the two nonce spaces of a session so sender
// and receiver never reuse a nonce for the same key (Invariant I5 is
// about key material; this is the matching nonce-uniqueness guarantee
// for §4.2).
type Direction uint32

const (
	DirectionInitiatorToResponder Direction = 0
	DirectionResponderToInitiator Direction = 1
)

// ErrAuth is returned when decryption fails authentication. It is
// treated as fatal to the frame but never to the session (§7).
var ErrAuth = errors.New("aead: authentication failed")

// Cipher wraps a single XChaCha20-Poly1305 key for one direction of one
// ratchet epoch.
type Cipher struct {
	aead chacha20poly1305.AEAD
}

// New constructs a Cipher from a 32-byte key.
func New(key [KeySize]byte) (*Cipher, error) {
	a, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: a}, nil
}

// Nonce builds the 24-byte nonce specified in §4.2:
// direction_prefix(4) || epoch(4) || sequence(16).
//
// This is the epoch-sensitive construction spec.md §9 calls out as the
// one new deployments should adopt (as opposed to a single monotonic
// 64-bit counter, which this package does not implement).
func Nonce(dir Direction, epoch uint32, seq uint64) [NonceSize]byte {
	var n [NonceSize]byte
	binary.BigEndian.PutUint32(n[0:4], uint32(dir))
	binary.BigEndian.PutUint32(n[4:8], epoch)
	// sequence occupies the remaining 16 bytes, right-aligned, so the
	// low 64 bits vary every message while the top 64 stay zero until
	// sequence itself would need more than 64 bits (it never does,
	// §3 Invariant I2 forbids wraparound within an epoch).
	binary.BigEndian.PutUint64(n[16:24], seq)
	return n
}

// Seal encrypts plaintext and appends a 16-byte Poly1305 tag, using
// headerAAD (the cleartext wire header, see wire.HeaderBytes) as
// associated data. dst may be nil; the result is appended to dst.
func (c *Cipher) Seal(dst []byte, dir Direction, epoch uint32, seq uint64, headerAAD, plaintext []byte) []byte {
	nonce := Nonce(dir, epoch, seq)
	return c.aead.Seal(dst, nonce[:], plaintext, headerAAD)
}

// Open decrypts ciphertext||tag in place where possible (sealed aliases
// the caller's buffer) and authenticates it against headerAAD. Returns
// ErrAuth on any authentication failure, never detailing which part
// failed, per the error taxonomy in §7.
func (c *Cipher) Open(dst []byte, dir Direction, epoch uint32, seq uint64, headerAAD, sealed []byte) ([]byte, error) {
	nonce := Nonce(dir, epoch, seq)
	out, err := c.aead.Open(dst, nonce[:], sealed, headerAAD)
	if err != nil {
		return nil, ErrAuth
	}
	return out, nil
}

// ConstantTimeEqual performs a constant-time comparison, used wherever
// the spec requires it (e.g. §4.9 Merkle root comparison).
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
