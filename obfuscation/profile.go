package obfuscation

import "time"

// ThreatLevel is the coarse posture a node operator selects, from which
// an ObfuscationProfile derives concrete padding/timing/mimicry
// defaults (§4.11, §6 `threat_level`).
type ThreatLevel uint8

const (
	ThreatLow ThreatLevel = iota
	ThreatMedium
	ThreatHigh
)

func (t ThreatLevel) String() string {
	switch t {
	case ThreatLow:
		return "Low"
	case ThreatMedium:
		return "Medium"
	case ThreatHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// Profile enumerates every obfuscation option explicitly (§4.11:
// "A configuration struct enumerates every option explicitly").
type Profile struct {
	Padding      PaddingStrategy
	Timing       TimingDistribution
	Mimicry      MimicryMode
	CoverTraffic bool
}

// FromThreatLevel selects sensible padding/timing/mimicry defaults for
// a threat posture (§4.11 ObfuscationProfile::from_threat_level).
func FromThreatLevel(level ThreatLevel) Profile {
	switch level {
	case ThreatHigh:
		return Profile{
			Padding:      SizeClassesPadding{Classes: DefaultSizeClasses},
			Timing:       NewNormalTiming(40*time.Millisecond, 15*time.Millisecond),
			Mimicry:      MimicryDoH,
			CoverTraffic: true,
		}
	case ThreatMedium:
		return Profile{
			Padding:      PowerOfTwoPadding{MaxSize: 4096},
			Timing:       NewUniformTiming(2*time.Millisecond, 20*time.Millisecond),
			Mimicry:      MimicryTLS,
			CoverTraffic: false,
		}
	default: // ThreatLow
		return Profile{
			Padding:      NonePadding{},
			Timing:       NoneTiming{},
			Mimicry:      MimicryNone,
			CoverTraffic: false,
		}
	}
}

// Wrapper bundles a Profile's padding, timing and mimicry into a single
// call surface for the send path: PadAndWrap pads the sealed frame and
// wraps it in its mimicry envelope, and NextDelay samples the timing
// distribution. Wrapper itself never waits.
type Wrapper struct {
	profile Profile
	mimic   Mimic
}

// NewWrapper builds a Wrapper from a Profile.
func NewWrapper(p Profile) *Wrapper {
	return &Wrapper{profile: p, mimic: NewMimic(p.Mimicry)}
}

// PadAndWrap applies the profile's padding strategy to sealed (an
// already-AEAD-sealed frame) and then its mimicry envelope, returning
// the bytes ready to hand to the transport.
func (w *Wrapper) PadAndWrap(sealed []byte) ([]byte, error) {
	padded, err := w.profile.Padding.ApplyPadding(sealed)
	if err != nil {
		return nil, err
	}
	return w.mimic.Wrap(padded)
}

// Unwrap reverses PadAndWrap's mimicry envelope. Padding is not stripped
// here: the sealed frame's own wire.Header.Length field already
// describes the true ciphertext length, so any padding tacked on after
// it is simply additional trailing bytes the frame codec ignores.
func (w *Wrapper) Unwrap(envelope []byte) ([]byte, error) {
	return w.mimic.Unwrap(envelope)
}

// NextDelay samples the profile's timing distribution for the wait
// before the next outbound frame.
func (w *Wrapper) NextDelay() time.Duration {
	return w.profile.Timing.Sample()
}
