package server

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ErrWouldBlock is returned by Socket.ReadFrom when no datagram is queued.
var ErrWouldBlock = errors.New("server: would block")

// Socket is a datagram socket with a non-blocking read.
type Socket interface {
	// ReadFrom reads one datagram without blocking. It returns
	// ErrWouldBlock when none is queued and an error wrapping
	// net.ErrClosed once the socket is closed.
	ReadFrom(b []byte) (int, netip.AddrPort, error)

	WriteTo(b []byte, addr netip.AddrPort) (int, error)
	LocalAddr() netip.AddrPort
	Close() error
}

// SocketConfig configures ListenUDP.
type SocketConfig struct {
	Listen string

	// Buffer sets the kernel send and receive buffer sizes when positive.
	Buffer int

	// DSCP is written into the TOS / traffic class byte when positive.
	DSCP int
}

// UDPSocket is a bound UDP socket.
type UDPSocket struct {
	conn  *net.UDPConn
	local netip.AddrPort
	nb    nonBlockingReader
}

// ListenUDP binds a UDP socket.
func ListenUDP(cfg SocketConfig) (*UDPSocket, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", cfg.Listen, err)
	}

	s := &UDPSocket{
		conn:  conn,
		local: conn.LocalAddr().(*net.UDPAddr).AddrPort(),
	}
	if err := s.setup(cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *UDPSocket) setup(cfg SocketConfig) error {
	if cfg.Buffer > 0 {
		if err := setSocketBuffers(s.conn, cfg.Buffer); err != nil {
			return fmt.Errorf("set socket buffers: %w", err)
		}
	}
	if cfg.DSCP > 0 {
		if err := setDSCP(s.conn, s.local, cfg.DSCP); err != nil {
			return fmt.Errorf("set dscp %d: %w", cfg.DSCP, err)
		}
	}
	nb, err := newNonBlockingReader(s.conn)
	if err != nil {
		return err
	}
	s.nb = nb
	return nil
}

// ReadFrom reads one datagram without blocking. Source addresses are
// unmapped, so IPv4 peers of a dual-stack socket appear as IPv4.
func (s *UDPSocket) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	n, from, err := s.nb.readFrom(b)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), nil
}

func (s *UDPSocket) WriteTo(b []byte, addr netip.AddrPort) (int, error) {
	return s.conn.WriteToUDPAddrPort(b, addr)
}

func (s *UDPSocket) LocalAddr() netip.AddrPort {
	return s.local
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// setDSCP marks outgoing traffic. Dual-stack sockets get both the IPv6
// traffic class and the IPv4 TOS byte.
func setDSCP(conn *net.UDPConn, local netip.AddrPort, dscp int) error {
	tos := dscp << 2
	if local.Addr().Is4() {
		return ipv4.NewConn(conn).SetTOS(tos)
	}
	if err := ipv6.NewConn(conn).SetTrafficClass(tos); err != nil {
		return err
	}
	if local.Addr().IsUnspecified() {
		// Applies to IPv4-mapped traffic; not every platform supports it.
		_ = ipv4.NewConn(conn).SetTOS(tos)
	}
	return nil
}

var _ Socket = (*UDPSocket)(nil)
