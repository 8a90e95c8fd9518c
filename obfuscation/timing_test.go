package obfuscation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoneTimingAlwaysZero(t *testing.T) {
	require.Equal(t, time.Duration(0), NoneTiming{}.Sample())
}

func TestFixedTimingAlwaysReturnsDelay(t *testing.T) {
	f := FixedTiming{Delay: 50 * time.Millisecond}
	for i := 0; i < 5; i++ {
		require.Equal(t, 50*time.Millisecond, f.Sample())
	}
}

func TestUniformTimingStaysWithinBounds(t *testing.T) {
	u := NewUniformTiming(10*time.Millisecond, 20*time.Millisecond)
	for i := 0; i < 100; i++ {
		d := u.Sample()
		require.GreaterOrEqual(t, d, 10*time.Millisecond)
		require.Less(t, d, 20*time.Millisecond)
	}
}

func TestNormalTimingNeverNegative(t *testing.T) {
	n := NewNormalTiming(0, 5*time.Millisecond)
	for i := 0; i < 100; i++ {
		require.GreaterOrEqual(t, n.Sample(), time.Duration(0))
	}
}

func TestExponentialTimingNonNegative(t *testing.T) {
	e := NewExponentialTiming(100)
	for i := 0; i < 100; i++ {
		require.GreaterOrEqual(t, e.Sample(), time.Duration(0))
	}
}
