package transport

import (
	"context"
	"errors"
	"net"
	"sync"
)

// addr is a trivial net.Addr used by the loopback test harness.
type addr string

func (a addr) Network() string { return "wraith-loopback" }
func (a addr) String() string  { return string(a) }

// Loopback is an in-memory Datagram implementation satisfying the same
// contract as UDPDatagram, for deterministic tests that need two
// endpoints exchanging frames without a real socket (§6: "any
// implementation meeting this contract ... is acceptable").
type Loopback struct {
	self  addr
	inbox chan packet
	peers map[addr]*Loopback
	mu    *sync.Mutex
	mtu   int
}

type packet struct {
	src     net.Addr
	payload []byte
}

// NewLoopbackPair creates two Loopback endpoints wired to each other.
func NewLoopbackPair(mtu int) (a, b *Loopback) {
	mu := &sync.Mutex{}
	peers := make(map[addr]*Loopback)
	a = &Loopback{self: "a", inbox: make(chan packet, 256), peers: peers, mu: mu, mtu: mtu}
	b = &Loopback{self: "b", inbox: make(chan packet, 256), peers: peers, mu: mu, mtu: mtu}
	mu.Lock()
	peers[a.self] = a
	peers[b.self] = b
	mu.Unlock()
	return a, b
}

var errNoSuchPeer = errors.New("transport: no such loopback peer")

func (l *Loopback) Send(ctx context.Context, dst net.Addr, b []byte) error {
	l.mu.Lock()
	peer, ok := l.peers[addr(dst.String())]
	l.mu.Unlock()
	if !ok {
		return errNoSuchPeer
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case peer.inbox <- packet{src: l.self, payload: cp}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) Recv(ctx context.Context) (net.Addr, []byte, error) {
	select {
	case p := <-l.inbox:
		return p.src, p.payload, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (l *Loopback) MTU() int { return l.mtu }

func (l *Loopback) LocalAddr() net.Addr { return l.self }

func (l *Loopback) Close() error { return nil }
