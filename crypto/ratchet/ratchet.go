// Package ratchet implements component C4: a symmetric KDF chain
// combined with a periodic Diffie-Hellman ratchet, adapted from the
// teacher's axolotl Ratchet. That implementation performed a DH step on
// every message; here the DH step only happens at epoch boundaries
// (§4.4) triggered by elapsed time, message count, byte count, or an
// explicit Rekey frame, while the symmetric chain still advances once
// per message to produce a unique message key.
package ratchet

import (
	"crypto/hmac"
	"errors"
	"io"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

const (
	keySize   = 32
	dhKeySize = 32
)

// Role distinguishes the two sides of a session for the asymmetric
// label assignment used when deriving the initial send/recv chains from
// a shared root key, mirroring how Noise_XX split keys are assigned by
// initiator/responder role.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

var (
	ErrDuplicateOrDelayed    = errors.New("ratchet: duplicate message or message delayed past reordering limit")
	ErrReorderingLimit       = errors.New("ratchet: message exceeds reordering limit")
	ErrEpochMismatch         = errors.New("ratchet: message belongs to an epoch we no longer retain keys for")
	ErrInvalidPeerPublicKey  = errors.New("ratchet: invalid peer DH public key")
)

// MaxSkippedPerEpoch bounds how many skipped-over message keys an epoch
// will cache to tolerate reordering, matching the replay window's own
// bound (§4.2, §8 P7) so a message cannot be delayed further than the
// replay window already permits.
const MaxSkippedPerEpoch = 1024

// DefaultRekeyAfterSeconds, DefaultRekeyAfterMessages and
// DefaultRekeyAfterBytes are the §6 configuration defaults for when a
// ratchet epoch must end.
const (
	DefaultRekeyAfterSeconds  = 120
	DefaultRekeyAfterMessages = 1_000_000
	DefaultRekeyAfterBytes    = 256 << 20
)

// Config holds the rekey thresholds from §6.
type Config struct {
	RekeyAfterSeconds  int
	RekeyAfterMessages uint64
	RekeyAfterBytes    uint64
}

// DefaultConfig returns the §6 default rekey thresholds.
func DefaultConfig() Config {
	return Config{
		RekeyAfterSeconds:  DefaultRekeyAfterSeconds,
		RekeyAfterMessages: DefaultRekeyAfterMessages,
		RekeyAfterBytes:    DefaultRekeyAfterBytes,
	}
}

var (
	sendChainLabel = []byte("wraith send chain")
	recvChainLabel = []byte("wraith recv chain")
	rootLabel      = []byte("wraith root key")
	rootUpdateLabel = []byte("wraith root key update")
	messageKeyLabel = []byte("wraith message key")
	chainStepLabel  = []byte("wraith chain key step")
)

// deriveKey computes HMAC(k, label) truncated to keySize, the same
// construction the teacher's ratchet used for chain derivation.
func deriveKey(key []byte, label []byte) []byte {
	h := hmac.New(sha3.New256, key)
	h.Write(label)
	return h.Sum(nil)[:keySize]
}

// skippedKey is one cached message key for a message that arrived, or
// may arrive, out of order within the current epoch.
type skippedKey struct {
	key [keySize]byte
	at  time.Time
}

// Ratchet is one session's C4 ratchet state: a single active epoch's
// symmetric chains plus the material needed to perform the next DH
// ratchet step.
type Ratchet struct {
	cfg  Config
	rnd  io.Reader
	role Role

	epoch uint32

	rootKey *memguard.LockedBuffer // keySize bytes

	sendChainKey *memguard.LockedBuffer // keySize bytes
	recvChainKey *memguard.LockedBuffer // keySize bytes

	dhPrivate      *memguard.LockedBuffer // dhKeySize bytes, this epoch's private half
	dhPublicCached [dhKeySize]byte        // cached public half, per §4.4 "Caching"
	peerDHPublic   [dhKeySize]byte

	sendCount uint64
	recvCount uint64
	sendBytes uint64

	epochStart time.Time

	// skipped holds message keys for recv sequence numbers we have
	// derived but not yet consumed, because a later sequence number in
	// the chain arrived first. Cleared on epoch rotation (§4.4
	// invariant: epoch E+2 keys are never available to decrypt epoch E).
	skipped map[uint64]skippedKey
}

// New derives the initial epoch-0 chains from a post-handshake root key
// and generates the first DH keypair that will be used at the first
// rekey. role decides which side derives the send chain from
// sendChainLabel vs recvChainLabel, so the two peers' send/recv chains
// line up without collision.
func New(rootKey [keySize]byte, role Role, rnd io.Reader, cfg Config) (*Ratchet, error) {
	r := &Ratchet{
		cfg:        cfg,
		rnd:        rnd,
		role:       role,
		epochStart: time.Now(),
		skipped:    make(map[uint64]skippedKey),
	}

	r.rootKey = memguard.NewBufferFromBytes(rootKey[:])

	sendLabel, recvLabel := sendChainLabel, recvChainLabel
	if role == RoleResponder {
		sendLabel, recvLabel = recvChainLabel, sendChainLabel
	}
	r.sendChainKey = memguard.NewBufferFromBytes(deriveKey(rootKey[:], sendLabel))
	r.recvChainKey = memguard.NewBufferFromBytes(deriveKey(rootKey[:], recvLabel))

	priv := make([]byte, dhKeySize)
	if _, err := io.ReadFull(rnd, priv); err != nil {
		return nil, err
	}
	r.dhPrivate = memguard.NewBufferFromBytes(priv)
	curve25519.ScalarBaseMult(&r.dhPublicCached, r.dhPrivate.ByteArray32())

	return r, nil
}

// Epoch returns the ratchet's current epoch number.
func (r *Ratchet) Epoch() uint32 { return r.epoch }

// NextEpochPublicKey returns this side's X25519 public key for the next
// DH ratchet step, to be carried in a Rekey frame. It is cached at
// construction and at the end of every epoch rotation so encrypting a
// message never needs a fresh scalar multiplication (§4.4 Caching).
func (r *Ratchet) NextEpochPublicKey() [dhKeySize]byte {
	return r.dhPublicCached
}

// AdvanceSend steps the send chain once, producing the message key for
// the next outgoing frame along with the epoch and sequence number the
// caller should place in the AEAD nonce. payloadLen is folded into the
// byte-count rekey threshold.
func (r *Ratchet) AdvanceSend(payloadLen int) (epoch uint32, seq uint64, key [keySize]byte) {
	chainKey := r.sendChainKey.ByteArray32()[:]
	msgKey := deriveKey(chainKey, messageKeyLabel)
	nextChain := deriveKey(chainKey, chainStepLabel)

	r.sendChainKey.Melt()
	r.sendChainKey.Copy(nextChain)
	r.sendChainKey.Freeze()

	seq = r.sendCount
	r.sendCount++
	r.sendBytes += uint64(payloadLen)

	copy(key[:], msgKey)
	return r.epoch, seq, key
}

// AdvanceRecv returns the message key for the given epoch and
// receive-chain sequence number, deriving and caching any intermediate
// skipped keys along the way. It tolerates the same bounded reordering
// the replay window does (§8 P7) via the skipped-key cache the
// teacher's ratchet used for exactly this purpose. A frame from any
// epoch other than the current one returns ErrEpochMismatch: once
// AdvanceEpoch has run, the prior epoch's chain and skipped-key state no
// longer exist anywhere, which is what realizes §4.4's invariant that a
// message from epoch E is never decryptable once E+2 has begun.
func (r *Ratchet) AdvanceRecv(epoch uint32, seq uint64) (key [keySize]byte, err error) {
	if epoch != r.epoch {
		return key, ErrEpochMismatch
	}

	if sk, ok := r.skipped[seq]; ok {
		delete(r.skipped, seq)
		return sk.key, nil
	}

	if seq < r.recvCount {
		return key, ErrDuplicateOrDelayed
	}

	missing := seq - r.recvCount
	if missing > MaxSkippedPerEpoch {
		return key, ErrReorderingLimit
	}

	chainKey := r.recvChainKey.ByteArray32()[:]
	now := time.Now()
	var msgKey []byte
	for n := r.recvCount; n <= seq; n++ {
		msgKey = deriveKey(chainKey, messageKeyLabel)
		chainKey = deriveKey(chainKey, chainStepLabel)
		if n < seq {
			var sk [keySize]byte
			copy(sk[:], msgKey)
			r.skipped[n] = skippedKey{key: sk, at: now}
		}
	}

	r.recvChainKey.Melt()
	r.recvChainKey.Copy(chainKey)
	r.recvChainKey.Freeze()

	r.recvCount = seq + 1
	copy(key[:], msgKey)
	return key, nil
}

// NeedsRekey reports whether the current epoch has crossed any of the
// §6 rekey thresholds and a Rekey frame should be sent. It is a pure
// predicate and is idempotent within the epoch: calling it repeatedly
// without an intervening AdvanceEpoch never changes ratchet state
// (§8 round-trip laws: "advance_ratchet is idempotent within the same
// epoch").
func (r *Ratchet) NeedsRekey(now time.Time) bool {
	if r.cfg.RekeyAfterSeconds > 0 && now.Sub(r.epochStart) >= time.Duration(r.cfg.RekeyAfterSeconds)*time.Second {
		return true
	}
	if r.cfg.RekeyAfterMessages > 0 && r.sendCount >= r.cfg.RekeyAfterMessages {
		return true
	}
	if r.cfg.RekeyAfterBytes > 0 && r.sendBytes >= r.cfg.RekeyAfterBytes {
		return true
	}
	return false
}

// AdvanceEpoch performs the DH ratchet: it mixes this side's current DH
// private key with the peer's newly received public key into the root
// key, re-derives both chains from the updated root, generates the next
// epoch's DH keypair, and resets the per-epoch counters. Skipped-key
// state from the previous epoch is discarded, which is what makes epoch
// E+2 material unreachable from epoch E (§4.4 invariant).
func (r *Ratchet) AdvanceEpoch(peerPublic [dhKeySize]byte, now time.Time) error {
	if isZero(peerPublic[:]) {
		return ErrInvalidPeerPublicKey
	}

	sharedBytes, err := curve25519.X25519(r.dhPrivate.ByteArray32()[:], peerPublic[:])
	if err != nil {
		return err
	}
	var shared [dhKeySize]byte
	copy(shared[:], sharedBytes)

	mix := sha3.New256()
	mix.Write(rootUpdateLabel)
	mix.Write(r.rootKey.ByteArray32()[:])
	mix.Write(shared[:])
	var mixed [keySize]byte
	mix.Sum(mixed[:0])

	sendLabel, recvLabel := sendChainLabel, recvChainLabel
	if r.role == RoleResponder {
		sendLabel, recvLabel = recvChainLabel, sendChainLabel
	}
	newRoot := deriveKey(mixed[:], rootLabel)
	newSendChain := deriveKey(mixed[:], sendLabel)
	newRecvChain := deriveKey(mixed[:], recvLabel)

	r.rootKey.Melt()
	r.rootKey.Copy(newRoot)
	r.rootKey.Freeze()

	r.sendChainKey.Melt()
	r.sendChainKey.Copy(newSendChain)
	r.sendChainKey.Freeze()

	r.recvChainKey.Melt()
	r.recvChainKey.Copy(newRecvChain)
	r.recvChainKey.Freeze()

	r.peerDHPublic = peerPublic
	r.skipped = make(map[uint64]skippedKey)
	r.sendCount, r.recvCount, r.sendBytes = 0, 0, 0
	r.epoch++
	r.epochStart = now

	priv := make([]byte, dhKeySize)
	if _, err := io.ReadFull(r.rnd, priv); err != nil {
		return err
	}
	r.dhPrivate.Melt()
	r.dhPrivate.Copy(priv)
	r.dhPrivate.Freeze()
	curve25519.ScalarBaseMult(&r.dhPublicCached, r.dhPrivate.ByteArray32())

	return nil
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// Destroy wipes all key material held by the ratchet. Callers must call
// this once a session is closing.
func (r *Ratchet) Destroy() {
	r.rootKey.Destroy()
	r.sendChainKey.Destroy()
	r.recvChainKey.Destroy()
	r.dhPrivate.Destroy()
	for k := range r.skipped {
		delete(r.skipped, k)
	}
}
