package transport

import (
	"context"
	"net"

	"github.com/doublegate/wraith-core/internal/bufpool"
	"github.com/doublegate/wraith-core/wire"
)

// UDPDatagram is the production Datagram implementation: a bound
// *net.UDPConn plus the MTU-sized receive buffer pool from §5.
type UDPDatagram struct {
	conn *net.UDPConn
	pool *bufpool.Pool
	mtu  int
}

// ListenUDP binds a UDP socket at bindAddr ("ip:port") and returns a
// Datagram ready for use. The initial MTU is the conservative §6 floor;
// callers that need real path MTU discovery should call ProbeMTU.
func ListenUDP(bindAddr string) (*UDPDatagram, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	const initialMTU = 576
	return &UDPDatagram{
		conn: conn,
		pool: bufpool.New(initialMTU),
		mtu:  initialMTU,
	}, nil
}

func (d *UDPDatagram) Send(ctx context.Context, dst net.Addr, b []byte) error {
	udpAddr, ok := dst.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", dst.String())
		if err != nil {
			return err
		}
		udpAddr = resolved
	}
	_, err := d.conn.WriteToUDP(b, udpAddr)
	return err
}

func (d *UDPDatagram) Recv(ctx context.Context) (net.Addr, []byte, error) {
	buf := d.pool.Get()
	buf = buf[:cap(buf)]
	n, addr, err := d.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return addr, buf[:n], nil
}

func (d *UDPDatagram) MTU() int { return d.mtu }

func (d *UDPDatagram) LocalAddr() net.Addr { return d.conn.LocalAddr() }

func (d *UDPDatagram) Close() error { return d.conn.Close() }

// ProbeMTU performs the §6 binary search between 576 and 9000 bytes by
// sending probes of increasing size to dst and observing whether probe
// sends fail (a real implementation would await an echo; this
// conservative version only checks local send-side MTU limits, which is
// sufficient when path MTU discovery is delegated to the OS via
// IP_MTU_DISCOVER on platforms that support it).
func (d *UDPDatagram) ProbeMTU(dst net.Addr, send func(size int) error) int {
	lo, hi := 576, 9000
	best := lo
	for lo <= hi {
		mid := (lo + hi) / 2
		if send(mid) == nil {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	d.mtu = best
	d.pool = bufpool.New(best)
	return best
}

// MaxDatagramCeiling is the hard ceiling imposed by the wire format
// regardless of what the transport's MTU probing discovers.
const MaxDatagramCeiling = wire.MaxDatagram
