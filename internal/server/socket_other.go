//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package server

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"time"
)

// nonBlockingReader emulates a non-blocking read with an expired deadline.
type nonBlockingReader struct {
	conn *net.UDPConn
}

func newNonBlockingReader(conn *net.UDPConn) (nonBlockingReader, error) {
	return nonBlockingReader{conn: conn}, nil
}

func (r nonBlockingReader) readFrom(b []byte) (int, netip.AddrPort, error) {
	if err := r.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, netip.AddrPort{}, err
	}
	n, from, err := r.conn.ReadFromUDPAddrPort(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	return n, from, err
}

func setSocketBuffers(conn *net.UDPConn, size int) error {
	if err := conn.SetReadBuffer(size); err != nil {
		return err
	}
	return conn.SetWriteBuffer(size)
}
