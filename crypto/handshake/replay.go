package handshake

import (
	"crypto/rand"
	"sync"

	"github.com/yawning/bloom"
)

// ReplayPreFilter is a probabilistic pre-filter for first-handshake-
// message replays: it records initiator ephemeral public keys in a bloom
// filter of recently-seen ephemerals and reports whether a key was
// probably seen before. A positive match is not proof of replay (false
// positives are expected). The filter does not consult live session
// state and does not itself return ErrReplayedHandshake.
type ReplayPreFilter struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	count  uint
	cap    uint
	fpRate float64
}

// NewReplayPreFilter creates a pre-filter sized for capacity expected
// handshake attempts with the given false-positive rate, resetting
// itself once capacity is exhausted so its false-positive rate does not
// degrade without bound under sustained handshake traffic.
func NewReplayPreFilter(capacity uint, falsePositiveRate float64) (*ReplayPreFilter, error) {
	f, err := bloom.New(rand.Reader, capacity, falsePositiveRate)
	if err != nil {
		return nil, err
	}
	return &ReplayPreFilter{filter: f, cap: capacity, fpRate: falsePositiveRate}, nil
}

// Observe records an initiator ephemeral public key and reports whether
// it had already been seen (a probable replay).
func (r *ReplayPreFilter) Observe(ephemeral []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count >= r.cap {
		f, err := bloom.New(rand.Reader, r.cap, r.fpRate)
		if err == nil {
			r.filter = f
			r.count = 0
		}
	}

	seen := r.filter.Test(ephemeral)
	r.filter.Add(ephemeral)
	r.count++
	return seen
}
