package obfuscation

import (
	"math"
	"math/rand"
	"time"
)

// TimingDistribution samples the delay the outbound scheduler waits
// between frames (§4.11: "delay = policy.sample()").
type TimingDistribution interface {
	Sample() time.Duration
}

// NoneTiming never delays.
type NoneTiming struct{}

func (NoneTiming) Sample() time.Duration { return 0 }

// FixedTiming always waits the same interval.
type FixedTiming struct {
	Delay time.Duration
}

func (f FixedTiming) Sample() time.Duration { return f.Delay }

// UniformTiming waits a uniformly distributed interval in [Min, Max).
type UniformTiming struct {
	Min, Max time.Duration
	rnd      *rand.Rand
}

// NewUniformTiming constructs a UniformTiming with its own source so
// concurrent sessions don't contend on the package-level global rand.
func NewUniformTiming(min, max time.Duration) *UniformTiming {
	return &UniformTiming{Min: min, Max: max, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (u *UniformTiming) Sample() time.Duration {
	if u.Max <= u.Min {
		return u.Min
	}
	span := u.Max - u.Min
	return u.Min + time.Duration(u.rnd.Int63n(int64(span)))
}

// NormalTiming samples a Gaussian delay truncated at 0 (§4.11: "Normal
// (µ,σ, truncated at 0)") by resampling up to 32 times until a
// non-negative value is drawn, returning 0 if none is.
type NormalTiming struct {
	Mu, Sigma time.Duration
	rnd       *rand.Rand
}

func NewNormalTiming(mu, sigma time.Duration) *NormalTiming {
	return &NormalTiming{Mu: mu, Sigma: sigma, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (n *NormalTiming) Sample() time.Duration {
	for i := 0; i < 32; i++ {
		d := float64(n.Mu) + n.rnd.NormFloat64()*float64(n.Sigma)
		if d >= 0 {
			return time.Duration(d)
		}
	}
	return 0
}

// ExponentialTiming samples Exp(lambda), in events/second, converting
// the result to a duration.
type ExponentialTiming struct {
	Lambda float64
	rnd    *rand.Rand
}

func NewExponentialTiming(lambda float64) *ExponentialTiming {
	return &ExponentialTiming{Lambda: lambda, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (e *ExponentialTiming) Sample() time.Duration {
	if e.Lambda <= 0 {
		return 0
	}
	return time.Duration(e.rnd.ExpFloat64() / e.Lambda * float64(time.Second))
}

// normalDistribution adapts NormalTiming's shape into the padding
// package's Distribution interface (a plain float64 sampler), so
// StatisticalPadding can reuse the same timing distributions for
// padding-length selection (§4.11 "Statistical(distribution)").
type normalDistribution struct {
	mu, sigma float64
	rnd       *rand.Rand
}

func NewNormalDistribution(mu, sigma float64) Distribution {
	return &normalDistribution{mu: mu, sigma: sigma, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (n *normalDistribution) Sample() float64 {
	v := n.mu + n.rnd.NormFloat64()*n.sigma
	return math.Max(0, v)
}
