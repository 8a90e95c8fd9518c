package aead

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func key(b byte) [KeySize]byte {
	var k [KeySize]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := New(key(1))
	require.NoError(t, err)

	header := []byte("fake-28-byte-header---12345")
	plaintext := []byte("hello wraith")

	sealed := c.Seal(nil, DirectionInitiatorToResponder, 0, 7, header, plaintext)
	got, err := c.Open(nil, DirectionInitiatorToResponder, 0, 7, header, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	c1, _ := New(key(1))
	c2, _ := New(key(2))

	header := []byte("header")
	sealed := c1.Seal(nil, DirectionInitiatorToResponder, 0, 1, header, []byte("data"))
	_, err := c2.Open(nil, DirectionInitiatorToResponder, 0, 1, header, sealed)
	require.ErrorIs(t, err, ErrAuth)
}

func TestOpenFailsWithWrongHeader(t *testing.T) {
	c, _ := New(key(1))
	sealed := c.Seal(nil, DirectionInitiatorToResponder, 0, 1, []byte("header-a"), []byte("data"))
	_, err := c.Open(nil, DirectionInitiatorToResponder, 0, 1, []byte("header-b"), sealed)
	require.ErrorIs(t, err, ErrAuth)
}

func TestOpenFailsWithWrongSequence(t *testing.T) {
	c, _ := New(key(1))
	header := []byte("header")
	sealed := c.Seal(nil, DirectionInitiatorToResponder, 0, 1, header, []byte("data"))
	_, err := c.Open(nil, DirectionInitiatorToResponder, 0, 2, header, sealed)
	require.ErrorIs(t, err, ErrAuth)
}

func TestOpenFailsWithWrongDirection(t *testing.T) {
	c, _ := New(key(1))
	header := []byte("header")
	sealed := c.Seal(nil, DirectionInitiatorToResponder, 0, 1, header, []byte("data"))
	_, err := c.Open(nil, DirectionResponderToInitiator, 0, 1, header, sealed)
	require.ErrorIs(t, err, ErrAuth)
}

func TestReplayWindowAcceptsMonotonicSequence(t *testing.T) {
	w := NewWindow()
	for seq := uint64(0); seq < 10; seq++ {
		require.True(t, w.Accept(seq))
	}
	require.Equal(t, uint64(9), w.HighWaterMark())
}

func TestReplayWindowRejectsExactDuplicate(t *testing.T) {
	w := NewWindow()
	require.True(t, w.Accept(1000))
	require.False(t, w.Accept(1000))
}

func TestReplayWindowAcceptsOutOfOrderWithinWindow(t *testing.T) {
	w := NewWindow()
	require.True(t, w.Accept(100))
	require.True(t, w.Accept(102))
	require.True(t, w.Accept(101)) // arrived late but within the window
	require.False(t, w.Accept(101)) // now a duplicate
}

func TestReplayWindowRejectsTooOld(t *testing.T) {
	w := NewWindow()
	require.True(t, w.Accept(5000))
	require.False(t, w.Accept(5000-WindowSize))
}

func TestReplayWindowAlwaysAcceptsAboveHighWaterMark(t *testing.T) {
	w := NewWindow()
	require.True(t, w.Accept(10))
	require.True(t, w.Accept(20))
	require.True(t, w.Accept(1_000_000))
	require.Equal(t, uint64(1_000_000), w.HighWaterMark())
}

func TestReplayWindowReset(t *testing.T) {
	w := NewWindow()
	require.True(t, w.Accept(50))
	w.Reset()
	require.Equal(t, uint64(0), w.HighWaterMark())
	require.True(t, w.Accept(0))
}
