// Package obfuscation implements component C11: pluggable frame padding,
// inter-frame timing, and byte-level mimicry wrappers that shape the
// wire traffic a WRAITH node produces, without touching the AEAD
// construction underneath (§4.11). The padding/timing split mirrors
// wire.BuildInto's separation of framing from encryption: both layers
// operate on already-sealed bytes.
package obfuscation

import (
	"crypto/rand"
	"errors"
)

// PaddingStrategy is the trait-shaped interface every padding scheme
// implements (§4.11: "calculate_padding(len) -> usize;
// apply_padding(&mut buf)").
type PaddingStrategy interface {
	// CalculatePadding returns how many padding bytes a payload of the
	// given length should receive.
	CalculatePadding(length int) int
	// ApplyPadding appends that many padding bytes (random, not zero,
	// so padded frames aren't distinguishable by a trailing-zeros scan)
	// to buf and returns the result.
	ApplyPadding(buf []byte) ([]byte, error)
}

// NonePadding applies no padding at all.
type NonePadding struct{}

func (NonePadding) CalculatePadding(int) int { return 0 }
func (NonePadding) ApplyPadding(buf []byte) ([]byte, error) { return buf, nil }

// PowerOfTwoPadding rounds the frame up to the next power of two,
// bounded by maxSize so a single tiny frame doesn't balloon unbounded.
type PowerOfTwoPadding struct {
	MaxSize int
}

func (p PowerOfTwoPadding) CalculatePadding(length int) int {
	target := nextPowerOfTwo(length)
	if p.MaxSize > 0 && target > p.MaxSize {
		target = p.MaxSize
	}
	if target < length {
		return 0
	}
	return target - length
}

func (p PowerOfTwoPadding) ApplyPadding(buf []byte) ([]byte, error) {
	return appendRandomPadding(buf, p.CalculatePadding(len(buf)))
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// DefaultSizeClasses is the §4.11 bucket list.
var DefaultSizeClasses = []int{128, 256, 512, 1024, 2048, 4096}

// SizeClassesPadding rounds a frame up to the smallest class in Classes
// that fits it, or leaves it unpadded if it exceeds every class.
type SizeClassesPadding struct {
	Classes []int
}

func (s SizeClassesPadding) CalculatePadding(length int) int {
	for _, c := range s.Classes {
		if length <= c {
			return c - length
		}
	}
	return 0
}

func (s SizeClassesPadding) ApplyPadding(buf []byte) ([]byte, error) {
	return appendRandomPadding(buf, s.CalculatePadding(len(buf)))
}

// Distribution samples a non-negative quantity; used by Statistical
// padding. Timing delays use the separate TimingDistribution interface
// (timing.go).
type Distribution interface {
	Sample() float64
}

// StatisticalPadding draws its padding length from an arbitrary
// Distribution, clamped to [0, MaxSize].
type StatisticalPadding struct {
	Dist    Distribution
	MaxSize int
}

func (s StatisticalPadding) CalculatePadding(length int) int {
	n := int(s.Dist.Sample())
	if n < 0 {
		n = 0
	}
	if s.MaxSize > 0 && length+n > s.MaxSize {
		n = s.MaxSize - length
	}
	if n < 0 {
		n = 0
	}
	return n
}

func (s StatisticalPadding) ApplyPadding(buf []byte) ([]byte, error) {
	return appendRandomPadding(buf, s.CalculatePadding(len(buf)))
}

// ConstantRatePadding pads every frame up to a fixed size derived from
// a target bits-per-second rate and a fixed send interval, so that
// frames sent at a steady cadence always carry the same number of wire
// bytes regardless of payload size (§4.11 ConstantRate(bps)).
type ConstantRatePadding struct {
	BitsPerSecond   float64
	IntervalSeconds float64
}

// frameSize returns the constant per-frame size implied by the
// configured rate and interval.
func (c ConstantRatePadding) frameSize() int {
	bytesPerInterval := (c.BitsPerSecond / 8) * c.IntervalSeconds
	return int(bytesPerInterval)
}

func (c ConstantRatePadding) CalculatePadding(length int) int {
	target := c.frameSize()
	if target <= length {
		return 0
	}
	return target - length
}

func (c ConstantRatePadding) ApplyPadding(buf []byte) ([]byte, error) {
	return appendRandomPadding(buf, c.CalculatePadding(len(buf)))
}

var errPaddingTooLarge = errors.New("obfuscation: computed padding exceeds sane bound")

const maxPaddingBytes = 1 << 20

func appendRandomPadding(buf []byte, n int) ([]byte, error) {
	if n <= 0 {
		return buf, nil
	}
	if n > maxPaddingBytes {
		return nil, errPaddingTooLarge
	}
	pad := make([]byte, n)
	if _, err := rand.Read(pad); err != nil {
		return nil, err
	}
	return append(buf, pad...), nil
}
