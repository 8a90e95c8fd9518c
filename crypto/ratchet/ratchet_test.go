package ratchet

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T, cfg Config) (*Ratchet, *Ratchet) {
	t.Helper()
	var root [keySize]byte
	_, err := rand.Read(root[:])
	require.NoError(t, err)

	a, err := New(root, RoleInitiator, rand.Reader, cfg)
	require.NoError(t, err)
	b, err := New(root, RoleResponder, rand.Reader, cfg)
	require.NoError(t, err)
	return a, b
}

func TestInitialChainsAreCrossWired(t *testing.T) {
	a, b := newPair(t, DefaultConfig())

	epoch, seq, keyA := a.AdvanceSend(10)
	keyB, err := b.AdvanceRecv(epoch, seq)
	require.NoError(t, err)
	require.Equal(t, keyA, keyB, "initiator's send chain must line up with responder's recv chain")
}

func TestAdvanceSendProducesDistinctKeysPerMessage(t *testing.T) {
	r, _ := newPair(t, DefaultConfig())
	_, _, k1 := r.AdvanceSend(1)
	_, _, k2 := r.AdvanceSend(1)
	require.NotEqual(t, k1, k2)
}

func TestAdvanceRecvOutOfOrderWithinLimit(t *testing.T) {
	a, b := newPair(t, DefaultConfig())

	epoch, seq0, k0 := a.AdvanceSend(1)
	_, seq1, k1 := a.AdvanceSend(1)
	_, seq2, k2 := a.AdvanceSend(1)

	// deliver seq2 first, forcing seq0 and seq1 to be cached as skipped
	got2, err := b.AdvanceRecv(epoch, seq2)
	require.NoError(t, err)
	require.Equal(t, k2, got2)

	got0, err := b.AdvanceRecv(epoch, seq0)
	require.NoError(t, err)
	require.Equal(t, k0, got0)

	got1, err := b.AdvanceRecv(epoch, seq1)
	require.NoError(t, err)
	require.Equal(t, k1, got1)
}

func TestAdvanceRecvRejectsDuplicate(t *testing.T) {
	a, b := newPair(t, DefaultConfig())
	epoch, seq, _ := a.AdvanceSend(1)
	_, err := b.AdvanceRecv(epoch, seq)
	require.NoError(t, err)
	_, err = b.AdvanceRecv(epoch, seq)
	require.ErrorIs(t, err, ErrDuplicateOrDelayed)
}

func TestAdvanceRecvRejectsBeyondReorderingLimit(t *testing.T) {
	a, b := newPair(t, DefaultConfig())
	for i := 0; i < MaxSkippedPerEpoch+2; i++ {
		a.AdvanceSend(1)
	}
	epoch, seq, _ := a.AdvanceSend(1)
	_, err := b.AdvanceRecv(epoch, seq)
	require.ErrorIs(t, err, ErrReorderingLimit)
}

func TestAdvanceRecvRejectsWrongEpoch(t *testing.T) {
	a, b := newPair(t, DefaultConfig())
	_, seq, _ := a.AdvanceSend(1)
	_, err := b.AdvanceRecv(a.Epoch()+1, seq)
	require.ErrorIs(t, err, ErrEpochMismatch)
}

func TestNeedsRekeyThresholds(t *testing.T) {
	cfg := Config{RekeyAfterSeconds: 0, RekeyAfterMessages: 3, RekeyAfterBytes: 0}
	r, _ := newPair(t, cfg)
	require.False(t, r.NeedsRekey(time.Now()))
	r.AdvanceSend(1)
	r.AdvanceSend(1)
	require.False(t, r.NeedsRekey(time.Now()))
	r.AdvanceSend(1)
	require.True(t, r.NeedsRekey(time.Now()))
}

func TestNeedsRekeyIsIdempotentWithoutAdvanceEpoch(t *testing.T) {
	cfg := Config{RekeyAfterSeconds: 0, RekeyAfterMessages: 1, RekeyAfterBytes: 0}
	r, _ := newPair(t, cfg)
	r.AdvanceSend(1)
	now := time.Now()
	first := r.NeedsRekey(now)
	second := r.NeedsRekey(now)
	require.Equal(t, first, second)
	require.Equal(t, uint32(0), r.Epoch())
}

func TestAdvanceEpochRotatesAndResetsCounters(t *testing.T) {
	a, b := newPair(t, DefaultConfig())
	a.AdvanceSend(1)
	a.AdvanceSend(1)

	aPub := a.NextEpochPublicKey()
	bPub := b.NextEpochPublicKey()

	require.NoError(t, a.AdvanceEpoch(bPub, time.Now()))
	require.NoError(t, b.AdvanceEpoch(aPub, time.Now()))

	require.Equal(t, uint32(1), a.Epoch())
	require.Equal(t, uint32(1), b.Epoch())

	epoch, seq, keyA := a.AdvanceSend(1)
	require.Equal(t, uint64(0), seq, "sequence counters reset to 0 on new epoch")
	keyB, err := b.AdvanceRecv(epoch, seq)
	require.NoError(t, err)
	require.Equal(t, keyA, keyB)
}

// TestAdvanceEpochInvalidatesOldEpochSkippedKeys exercises §4.4's
// invariant directly: a message skipped in epoch 0 and never delivered
// becomes permanently undecryptable once both sides have rotated into
// epoch 1, because the old chain and its skipped-key cache no longer
// exist.
func TestAdvanceEpochInvalidatesOldEpochSkippedKeys(t *testing.T) {
	a, b := newPair(t, DefaultConfig())
	epoch0, seq1, _ := a.AdvanceSend(1) // never delivered to b
	_, seq2, _ := a.AdvanceSend(1)

	_, err := b.AdvanceRecv(epoch0, seq2)
	require.NoError(t, err)

	aPub := a.NextEpochPublicKey()
	bPub := b.NextEpochPublicKey()
	require.NoError(t, a.AdvanceEpoch(bPub, time.Now()))
	require.NoError(t, b.AdvanceEpoch(aPub, time.Now()))

	_, err = b.AdvanceRecv(epoch0, seq1)
	require.ErrorIs(t, err, ErrEpochMismatch)
}

func TestAdvanceEpochRejectsZeroPeerKey(t *testing.T) {
	a, _ := newPair(t, DefaultConfig())
	var zero [32]byte
	err := a.AdvanceEpoch(zero, time.Now())
	require.ErrorIs(t, err, ErrInvalidPeerPublicKey)
}
