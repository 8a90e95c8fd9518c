package obfuscation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPowerOfTwoPaddingRoundsUp(t *testing.T) {
	p := PowerOfTwoPadding{MaxSize: 4096}
	require.Equal(t, 1, p.CalculatePadding(63)) // 63 -> 64
	require.Equal(t, 0, p.CalculatePadding(64)) // already a power of two
}

func TestSizeClassesPaddingPicksSmallestFittingClass(t *testing.T) {
	s := SizeClassesPadding{Classes: DefaultSizeClasses}
	require.Equal(t, 128-10, s.CalculatePadding(10))
	require.Equal(t, 0, s.CalculatePadding(5000)) // exceeds every class: unpadded
}

func TestConstantRatePaddingPadsToFixedFrameSize(t *testing.T) {
	c := ConstantRatePadding{BitsPerSecond: 8000, IntervalSeconds: 0.1} // 100 bytes/interval
	buf, err := c.ApplyPadding(make([]byte, 10))
	require.NoError(t, err)
	require.Len(t, buf, 100)
}

func TestNonePaddingIsNoop(t *testing.T) {
	n := NonePadding{}
	buf, err := n.ApplyPadding([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), buf)
}

func TestStatisticalPaddingClampsToMaxSize(t *testing.T) {
	s := StatisticalPadding{Dist: constDist{v: 10_000}, MaxSize: 100}
	require.Equal(t, 90, s.CalculatePadding(10))
}

type constDist struct{ v float64 }

func (c constDist) Sample() float64 { return c.v }
