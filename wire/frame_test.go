package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildIntoParseRoundTrip(t *testing.T) {
	h := Header{
		Type:     TypeData,
		Flags:    FlagHasStream,
		CID:      [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		Sequence: 1000,
		StreamID: 42,
	}
	sealed := make([]byte, 64+TagSize)
	for i := range sealed {
		sealed[i] = byte(i)
	}

	packet, err := Build(h, sealed)
	require.NoError(t, err)

	f, err := Parse(packet)
	require.NoError(t, err)

	require.Equal(t, h.Type, f.Header.Type)
	require.Equal(t, h.Flags, f.Header.Flags)
	require.Equal(t, h.CID, f.Header.CID)
	require.Equal(t, h.Sequence, f.Header.Sequence)
	require.Equal(t, h.StreamID, f.Header.StreamID)
	require.Equal(t, sealed, f.Sealed)
}

func TestBuildIntoPooledBuffer(t *testing.T) {
	h := Header{Type: TypeAck, CID: [8]byte{9}}
	sealed := make([]byte, TagSize)

	buf := make([]byte, 0, MaxDatagram)
	packet, err := BuildInto(buf, h, sealed)
	require.NoError(t, err)

	f, err := Parse(packet)
	require.NoError(t, err)
	require.Equal(t, uint32(0), f.Header.Length)
	require.Equal(t, TagSize, len(f.Sealed))
}

func TestParseShortHeader(t *testing.T) {
	_, err := Parse(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrShortHeader)
}

func TestParseBadVersion(t *testing.T) {
	buf := make([]byte, HeaderSize+TagSize)
	buf[0] = Version + 1
	_, err := Parse(buf)
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestParseReservedFlag(t *testing.T) {
	h := Header{Type: TypeData}
	sealed := make([]byte, TagSize)
	packet, err := Build(h, sealed)
	require.NoError(t, err)
	// set a reserved bit (bit 2)
	packet[3] |= 0x04
	_, err = Parse(packet)
	require.ErrorIs(t, err, ErrReservedFlag)
}

func TestParseLengthOverflow(t *testing.T) {
	h := Header{Type: TypeData}
	sealed := make([]byte, TagSize)
	packet, err := Build(h, sealed)
	require.NoError(t, err)
	// claim a huge length that can't fit in the actual buffer
	packet[24], packet[25], packet[26], packet[27] = 0xFF, 0xFF, 0xFF, 0xFF
	_, err = Parse(packet)
	require.ErrorIs(t, err, ErrLengthOverflow)
}

func TestBuildIntoBufferTooSmall(t *testing.T) {
	h := Header{Type: TypeData}
	sealed := make([]byte, 100+TagSize)
	buf := make([]byte, 0, 10)
	_, err := BuildInto(buf, h, sealed)
	require.Error(t, err)
}

func TestHeaderStreamIDZeroedWithoutFlag(t *testing.T) {
	h := Header{Type: TypeData, StreamID: 777} // has_stream not set
	sealed := make([]byte, TagSize)
	packet, err := Build(h, sealed)
	require.NoError(t, err)

	f, err := Parse(packet)
	require.NoError(t, err)
	require.False(t, f.Header.HasStream())
	require.Equal(t, uint32(0), f.Header.StreamID)
}
