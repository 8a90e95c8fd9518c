package obfuscation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoneMimicRoundTrip(t *testing.T) {
	m := NewMimic(MimicryNone)
	payload := []byte("already-sealed-bytes")
	wrapped, err := m.Wrap(payload)
	require.NoError(t, err)
	unwrapped, err := m.Unwrap(wrapped)
	require.NoError(t, err)
	require.Equal(t, payload, unwrapped)
}

func TestTLSMimicRoundTrip(t *testing.T) {
	m := NewMimic(MimicryTLS)
	payload := []byte("ciphertext-and-tag")
	wrapped, err := m.Wrap(payload)
	require.NoError(t, err)
	require.Equal(t, byte(tlsContentTypeApplicationData), wrapped[0])
	unwrapped, err := m.Unwrap(wrapped)
	require.NoError(t, err)
	require.Equal(t, payload, unwrapped)
}

func TestTLSMimicRejectsBadType(t *testing.T) {
	m := NewMimic(MimicryTLS)
	wrapped, err := m.Wrap([]byte("x"))
	require.NoError(t, err)
	wrapped[0] = 0
	_, err = m.Unwrap(wrapped)
	require.ErrorIs(t, err, errTLSRecordBadType)
}

func TestWebSocketMimicRoundTripSmallPayload(t *testing.T) {
	m := NewMimic(MimicryWebSocket)
	payload := []byte("short frame payload")
	wrapped, err := m.Wrap(payload)
	require.NoError(t, err)
	unwrapped, err := m.Unwrap(wrapped)
	require.NoError(t, err)
	require.Equal(t, payload, unwrapped)
}

func TestWebSocketMimicRoundTripLargePayload(t *testing.T) {
	m := NewMimic(MimicryWebSocket)
	payload := make([]byte, 70000)
	for i := range payload {
		payload[i] = byte(i)
	}
	wrapped, err := m.Wrap(payload)
	require.NoError(t, err)
	unwrapped, err := m.Unwrap(wrapped)
	require.NoError(t, err)
	require.Equal(t, payload, unwrapped)
}

func TestDoHMimicRoundTrip(t *testing.T) {
	m := NewMimic(MimicryDoH)
	payload := make([]byte, 600) // spans more than one 255-byte TXT string
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	wrapped, err := m.Wrap(payload)
	require.NoError(t, err)
	unwrapped, err := m.Unwrap(wrapped)
	require.NoError(t, err)
	require.Equal(t, payload, unwrapped)
}

func TestWrapperPadAndWrapThenUnwrap(t *testing.T) {
	profile := FromThreatLevel(ThreatMedium)
	w := NewWrapper(profile)

	sealed := []byte("sealed-aead-output")
	envelope, err := w.PadAndWrap(sealed)
	require.NoError(t, err)

	back, err := w.Unwrap(envelope)
	require.NoError(t, err)
	require.True(t, len(back) >= len(sealed))
}
