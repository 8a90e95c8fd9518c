// Package transport defines the two external collaborator contracts the
// core is driven by (§6): a datagram facility that sends and receives
// MTU-sized byte buffers, and a positioned file facility. Concrete
// implementations (a UDP socket, an in-memory loopback harness, plain
// os.File pread/pwrite) satisfy these interfaces. Outside this package,
// only node imports net and os directly.
package transport

import (
	"context"
	"net"
)

// Datagram is the minimal interface the core requires of its packet
// transport: send to an address, receive with the sender's address, and
// report a usable MTU. Any of a UDP socket, an AF_XDP ring, or a
// loopback test harness can implement it.
type Datagram interface {
	// Send writes b to dst. b must not exceed MTU().
	Send(ctx context.Context, dst net.Addr, b []byte) error
	// Recv blocks until a datagram arrives, returning its source and
	// payload. The returned slice is only valid until the next Recv
	// call on implementations that reuse an internal buffer.
	Recv(ctx context.Context) (src net.Addr, payload []byte, err error)
	// MTU returns the current maximum transmission unit in bytes, as
	// discovered by the binary search described in §6 (576..9000).
	MTU() int
	// LocalAddr returns the bound local address.
	LocalAddr() net.Addr
	// Close releases the underlying socket.
	Close() error
}

// File is the positioned file facility of §6: open for reading or
// writing, positioned read/write, flush, close. Implementations may be
// backed by io_uring or plain pread/pwrite; this package ships a
// straightforward os.File-based one.
type File interface {
	ReadAt(offset int64, length int) ([]byte, error)
	WriteAt(offset int64, data []byte) error
	Flush() error
	Close() error
}

// FileFacility opens read and write handles.
type FileFacility interface {
	OpenRead(path string) (File, error)
	OpenWrite(path string, size int64) (File, error)
}
