// Package handshake implements component C3: a Noise_XX handshake that
// authenticates both static keys, establishes forward secrecy via
// ephemeral X25519 keys, and yields a root key for the session's
// ratchet (§4.3). It is grounded on the Noise_XX client/server exchange
// pattern found in the retrieved portal cryptoops handshaker (built on
// github.com/flynn/noise): the same three-message WriteMessage/
// ReadMessage dance, adapted so the final export is a 32-byte root key
// for the C4 ratchet rather than a pair of independent Noise
// CipherStates.
package handshake

import (
	"errors"

	"github.com/flynn/noise"
	"golang.org/x/crypto/sha3"
)

// Prologue binds every handshake to this protocol's wire format so a
// WRAITH handshake can never be replayed against, or confused with, an
// unrelated Noise-based protocol on the same port.
const Prologue = "wraith/noise-xx/1"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// Error surface per §4.3.
var (
	ErrDecryptFailed     = errors.New("handshake: decrypt failed")
	ErrBadPattern        = errors.New("handshake: unexpected message pattern")
	ErrUnexpectedMessage = errors.New("handshake: unexpected message at this stage")
	ErrReplayedHandshake = errors.New("handshake: replayed handshake from a peer with a live session")
)

// StaticKeypair is a long-term X25519 identity keypair.
type StaticKeypair = noise.DHKey

// GenerateStaticKeypair creates a new long-term X25519 identity.
func GenerateStaticKeypair() (StaticKeypair, error) {
	return noise.DH25519.GenerateKeypair(nil)
}

// Stage is which of the three Noise_XX messages a Handshake is waiting
// to send or receive next.
type Stage uint8

const (
	StageMsg1 Stage = iota
	StageMsg2
	StageMsg3
	StageComplete
)

// Handshake drives one side of a Noise_XX exchange to completion.
type Handshake struct {
	hs        *noise.HandshakeState
	initiator bool
	stage     Stage
}

// NewInitiator starts the initiator side of a handshake using the local
// static keypair.
func NewInitiator(static StaticKeypair) (*Handshake, error) {
	return newHandshake(static, true)
}

// NewResponder starts the responder side of a handshake using the local
// static keypair.
func NewResponder(static StaticKeypair) (*Handshake, error) {
	return newHandshake(static, false)
}

func newHandshake(static StaticKeypair, initiator bool) (*Handshake, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
		Prologue:      []byte(Prologue),
	})
	if err != nil {
		return nil, err
	}
	return &Handshake{hs: hs, initiator: initiator}, nil
}

// WriteMessage produces the next outbound handshake message carrying
// payload as additional authenticated (and, once keys exist, encrypted)
// data. It returns ErrUnexpectedMessage if it isn't this side's turn to
// write.
func (h *Handshake) WriteMessage(payload []byte) ([]byte, error) {
	if !h.canWrite() {
		return nil, ErrUnexpectedMessage
	}
	out, _, _, err := h.hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	h.stage++
	return out, nil
}

// ReadMessage consumes the next inbound handshake message, returning any
// payload it carried. It returns ErrUnexpectedMessage if it isn't this
// side's turn to read, and ErrDecryptFailed if the message fails to
// authenticate (§4.3 error surface).
func (h *Handshake) ReadMessage(msg []byte) ([]byte, error) {
	if !h.canRead() {
		return nil, ErrUnexpectedMessage
	}
	payload, _, _, err := h.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	h.stage++
	return payload, nil
}

func (h *Handshake) canWrite() bool {
	switch h.stage {
	case StageMsg1:
		return h.initiator
	case StageMsg3:
		return h.initiator
	case StageMsg2:
		return !h.initiator
	}
	return false
}

func (h *Handshake) canRead() bool { return !h.canWrite() && h.stage != StageComplete }

// Complete reports whether all three handshake messages have been
// exchanged.
func (h *Handshake) Complete() bool { return h.stage == StageComplete }

// PeerStatic returns the peer's static public key, available once it
// has been received (after message 2 for the initiator, message 3 for
// the responder).
func (h *Handshake) PeerStatic() []byte {
	return h.hs.PeerStatic()
}

// RootKey derives the 32-byte root key handed to the C4 ratchet. It must
// only be called once Complete reports true. The key is derived from the
// Noise channel-binding value (the final handshake hash) rather than
// either Noise CipherState's raw key, so the same export works
// regardless of which side is asking.
func (h *Handshake) RootKey() [32]byte {
	binding := h.hs.ChannelBinding()
	return sha3.Sum256(append([]byte("wraith root key export"), binding...))
}
