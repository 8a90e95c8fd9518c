package transfer

import (
	"bytes"
	"math"
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"
)

// Policy selects how the coordinator assigns the next missing chunk
// across available peers (§4.10). PolicyRarityFirst selects peers
// exactly as PolicyFastestFirst does: the coordinator does not track
// chunk rarity.
type Policy uint8

const (
	PolicyFastestFirst Policy = iota
	PolicyRoundRobin
	PolicyRarityFirst
)

// PeerPerformance tracks the rolling metrics §4.10 scores peers by: an
// RTT EWMA (alpha 0.125), a byte-rate EWMA, a loss fraction, and the
// number of chunks currently assigned to this peer.
type PeerPerformance struct {
	Peer PeerID

	rttEWMA  float64 // milliseconds
	rateEWMA float64 // bytes/sec
	loss     float64 // fraction in [0,1]
	inFlight int
	maxInFlight int

	scoreCache    float64
	scoreCachedAt time.Time
}

const ewmaAlpha = 0.125

// ScoreTTL is the cache lifetime for a peer's derived score (§3
// PeerPerformance: "a derived score cached with TTL ~100ms").
const ScoreTTL = 100 * time.Millisecond

// NewPeerPerformance creates tracking state for a peer with the given
// maximum concurrent in-flight chunk count.
func NewPeerPerformance(peer PeerID, maxInFlight int) *PeerPerformance {
	return &PeerPerformance{Peer: peer, maxInFlight: maxInFlight}
}

// ObserveRTT folds a new RTT sample into the EWMA.
func (p *PeerPerformance) ObserveRTT(d time.Duration) {
	ms := float64(d.Milliseconds())
	if p.rttEWMA == 0 {
		p.rttEWMA = ms
		return
	}
	p.rttEWMA = ewmaAlpha*ms + (1-ewmaAlpha)*p.rttEWMA
}

// ObserveThroughput folds a new bytes/sec sample into the EWMA.
func (p *PeerPerformance) ObserveThroughput(bytesPerSec float64) {
	if p.rateEWMA == 0 {
		p.rateEWMA = bytesPerSec
		return
	}
	p.rateEWMA = ewmaAlpha*bytesPerSec + (1-ewmaAlpha)*p.rateEWMA
}

// ObserveLoss folds a new observed loss fraction into the EWMA.
func (p *PeerPerformance) ObserveLoss(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	p.loss = ewmaAlpha*fraction + (1-ewmaAlpha)*p.loss
}

// IncInFlight and DecInFlight track the number of chunks currently
// assigned to this peer.
func (p *PeerPerformance) IncInFlight() { p.inFlight++ }
func (p *PeerPerformance) DecInFlight() {
	if p.inFlight > 0 {
		p.inFlight--
	}
}

func (p *PeerPerformance) freeSlots() int {
	f := p.maxInFlight - p.inFlight
	if f < 0 {
		return 0
	}
	return f
}

// Score computes the fastest-first score of §4.10:
// clip(1/rtt_ms) * (1 - loss) * free_slots, cached for ScoreTTL.
func (p *PeerPerformance) Score(now time.Time) float64 {
	if !p.scoreCachedAt.IsZero() && now.Sub(p.scoreCachedAt) < ScoreTTL {
		return p.scoreCache
	}
	rtt := p.rttEWMA
	if rtt <= 0 {
		rtt = 1 // avoid division by zero before any sample exists
	}
	invRTT := 1 / rtt
	if math.IsInf(invRTT, 1) {
		invRTT = 1
	}
	score := invRTT * (1 - p.loss) * float64(p.freeSlots())
	p.scoreCache = score
	p.scoreCachedAt = now
	return score
}

// ReassignTimeout is the §4.10 policy: reassign a chunk when its
// assignment exceeds max(3*RTT, 1s) without completion.
func (p *PeerPerformance) ReassignTimeout() time.Duration {
	rtt := time.Duration(p.rttEWMA) * time.Millisecond
	if t := 3 * rtt; t > time.Second {
		return t
	}
	return time.Second
}

// deadline is the avl-ordered record of one in-flight chunk assignment,
// modeled directly on server/internal/decoy/decoy.go's surbCtx/etaNode
// pattern: entries are ordered by expiry so a sweep need only walk the
// tree's front until it finds an assignment that hasn't yet expired.
type deadline struct {
	chunk  int
	peer   PeerID
	expiry time.Time
	node   *avl.Node
}

func deadlineLess(a, b *deadline) int {
	switch {
	case a.expiry.Before(b.expiry):
		return -1
	case a.expiry.After(b.expiry):
		return 1
	case a.chunk < b.chunk:
		return -1
	case a.chunk > b.chunk:
		return 1
	default:
		return 0
	}
}

// Coordinator implements C10: it assigns missing chunks to concurrent
// peers according to a Policy, tracks PeerPerformance per peer, and
// reassigns chunks whose deadline has elapsed.
type Coordinator struct {
	mu sync.Mutex

	policy Policy
	peers  map[PeerID]*PeerPerformance
	rrNext int
	order  []PeerID // stable round-robin order

	deadlines *avl.Tree
	byChunk   map[int]*deadline
}

// NewCoordinator creates a Coordinator using the given assignment
// policy.
func NewCoordinator(policy Policy) *Coordinator {
	return &Coordinator{
		policy: policy,
		peers:  make(map[PeerID]*PeerPerformance),
		deadlines: avl.New(func(a, b interface{}) int {
			return deadlineLess(a.(*deadline), b.(*deadline))
		}),
		byChunk: make(map[int]*deadline),
	}
}

// AddPeer registers a peer as available to serve chunks for this
// transfer.
func (c *Coordinator) AddPeer(p *PeerPerformance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.peers[p.Peer]; !exists {
		c.order = append(c.order, p.Peer)
	}
	c.peers[p.Peer] = p
}

// RemovePeer evicts a peer (e.g. after MaxMismatchesPerPeer, §7).
func (c *Coordinator) RemovePeer(peer PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, peer)
	for i, id := range c.order {
		if id == peer {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// PickPeer selects which peer should serve the next chunk, per the
// coordinator's Policy. Ties are broken by lower peer id (§4.10:
// "Lower peer id wins to make behavior deterministic under tests").
func (c *Coordinator) PickPeer(now time.Time) (PeerID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pickPeerLocked(now)
}

func (c *Coordinator) pickPeerLocked(now time.Time) (PeerID, bool) {
	if len(c.order) == 0 {
		return PeerID{}, false
	}
	switch c.policy {
	case PolicyRoundRobin:
		id := c.order[c.rrNext%len(c.order)]
		c.rrNext++
		return id, true
	case PolicyRarityFirst, PolicyFastestFirst:
		fallthrough
	default:
		var best PeerID
		var bestScore float64
		found := false
		for _, id := range c.order {
			p := c.peers[id]
			if p.freeSlots() <= 0 {
				continue
			}
			s := p.Score(now)
			if !found || s > bestScore || (s == bestScore && bytes.Compare(id[:], best[:]) < 0) {
				best, bestScore, found = id, s, true
			}
		}
		return best, found
	}
}

// AssignChunk records that chunk i has been requested from peer, due to
// complete by now+timeout.
func (c *Coordinator) AssignChunk(chunk int, peer PeerID, now time.Time, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A chunk already assigned gets reassigned here (e.g. after a
	// mismatch); drop its prior deadline first so the old node doesn't
	// linger in the tree once byChunk's entry is overwritten.
	c.clearChunkLocked(chunk)
	if p, ok := c.peers[peer]; ok {
		p.IncInFlight()
	}
	d := &deadline{chunk: chunk, peer: peer, expiry: now.Add(timeout)}
	d.node = c.deadlines.Insert(d)
	c.byChunk[chunk] = d
}

// CompleteChunk clears the in-flight bookkeeping for chunk, e.g. once
// ChunkState.MarkTransferred has been called for it.
func (c *Coordinator) CompleteChunk(chunk int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearChunkLocked(chunk)
}

func (c *Coordinator) clearChunkLocked(chunk int) {
	d, ok := c.byChunk[chunk]
	if !ok {
		return
	}
	if p, ok := c.peers[d.peer]; ok {
		p.DecInFlight()
	}
	c.deadlines.Remove(d.node)
	delete(c.byChunk, chunk)
}

// SweepExpired walks the deadline tree in expiry order and returns every
// chunk whose assignment has expired without completion, clearing their
// bookkeeping so the caller can re-request them from a different peer
// (§4.10 reassignment policy).
func (c *Coordinator) SweepExpired(now time.Time) []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []int
	iter := c.deadlines.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		d := node.Value.(*deadline)
		if d.expiry.After(now) {
			break
		}
		expired = append(expired, d.chunk)
	}
	for _, chunk := range expired {
		c.clearChunkLocked(chunk)
	}
	return expired
}

// PeerOf reports which peer chunk is currently assigned to, if any.
func (c *Coordinator) PeerOf(chunk int) (PeerID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.byChunk[chunk]
	if !ok {
		return PeerID{}, false
	}
	return d.peer, true
}
