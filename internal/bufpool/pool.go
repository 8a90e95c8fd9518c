// Package bufpool implements the MTU-sized buffer pool described in §5:
// a lock-free multi-producer/multi-consumer pool of fixed-size byte
// buffers, backing frame build/parse so the hot path does not allocate.
// Go's sync.Pool is the idiomatic realization of that contract (its
// per-P private slot plus victim cache is exactly a striped lock-free
// MPMC pool); the acquire/release naming follows the pattern used for
// handshake scratch buffers in the wider retrieval pack.
package bufpool

import "sync"

// Pool hands out byte slices of a fixed capacity.
type Pool struct {
	size int
	pool sync.Pool
}

// New creates a Pool that serves buffers of the given capacity. size
// should be the path MTU discovered by the transport (§6).
func New(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() any {
		return make([]byte, 0, size)
	}
	return p
}

// Get returns a zero-length buffer with at least Pool's configured
// capacity. Callers append/slice up to cap(buf).
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	return buf[:0]
}

// Put returns buf to the pool. Buffers with a capacity smaller than the
// pool's configured size are discarded rather than recycled, so a pool
// can be resized (MTU discovery) without leaking undersized buffers
// forward.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	p.pool.Put(buf[:0])
}

// Size reports the capacity of buffers served by this pool.
func (p *Pool) Size() int {
	return p.size
}
