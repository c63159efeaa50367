package peerconn

import (
	"net"
	"time"
)

// Socket is the non-blocking byte stream collaborator consumed by the core
// (§6). Short reads/writes are legal and expected; a returned error is
// fatal to the connection.
type Socket interface {
	ReadStream(p []byte) (int, error)
	WriteStream(p []byte) (int, error)
	Close() error
}

// connSocket adapts a net.Conn into the non-blocking Socket contract using
// a read/write deadline ioWait ahead: if no bytes can be moved within that
// window, the call returns (0, nil) instead of blocking the caller,
// matching the "short return legal" rule of §6 rather than treating a
// would-block condition as an error. The deadline is not set to exactly
// now, because net.Conn then reports a timeout without attempting the
// read or write at all.
type connSocket struct {
	net.Conn
}

// ioWait bounds how long a single ReadStream or WriteStream call may block.
const ioWait = time.Millisecond

// NewSocket wraps a net.Conn for use by a PeerConn.
func NewSocket(c net.Conn) Socket {
	return &connSocket{Conn: c}
}

func (s *connSocket) ReadStream(p []byte) (int, error) {
	if err := s.Conn.SetReadDeadline(time.Now().Add(ioWait)); err != nil {
		return 0, err
	}
	n, err := s.Conn.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (s *connSocket) WriteStream(p []byte) (int, error) {
	if err := s.Conn.SetWriteDeadline(time.Now().Add(ioWait)); err != nil {
		return 0, err
	}
	n, err := s.Conn.Write(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}
