//go:build linux || darwin || freebsd || netbsd || openbsd

package server

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// nonBlockingReader reads with MSG_DONTWAIT on the socket's descriptor,
// so a read never parks the calling goroutine.
type nonBlockingReader struct {
	raw syscall.RawConn
}

func newNonBlockingReader(conn *net.UDPConn) (nonBlockingReader, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nonBlockingReader{}, fmt.Errorf("raw socket: %w", err)
	}
	return nonBlockingReader{raw: raw}, nil
}

func (r nonBlockingReader) readFrom(b []byte) (int, netip.AddrPort, error) {
	var (
		n    int
		from unix.Sockaddr
		rerr error
	)
	err := r.raw.Read(func(fd uintptr) bool {
		n, from, rerr = unix.Recvfrom(int(fd), b, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if rerr != nil {
		if errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EWOULDBLOCK) || errors.Is(rerr, unix.EINTR) {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		return 0, netip.AddrPort{}, os.NewSyscallError("recvfrom", rerr)
	}

	switch sa := from.(type) {
	case *unix.SockaddrInet4:
		return n, netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		return n, netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)), nil
	default:
		return 0, netip.AddrPort{}, fmt.Errorf("recvfrom: unexpected address family %T", from)
	}
}

func setSocketBuffers(conn *net.UDPConn, size int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
	})
	if err != nil {
		return err
	}
	return serr
}
