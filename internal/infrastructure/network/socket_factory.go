package network

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

const sockFlags = unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC

// ListenTCP binds a non-blocking listening socket. A zero port picks an
// ephemeral one; use LocalAddr to learn it.
func ListenTCP(addr netip.AddrPort, backlog int) (*Socket, error) {
	sa, err := sockaddr(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|sockFlags, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	s := NewSocket(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		s.Close()
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	if err := unix.Bind(fd, sa); err != nil {
		s.Close()
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		s.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	return s, nil
}

// BindUDP opens the non-blocking datagram socket used for DNS queries.
func BindUDP() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|sockFlags, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	s := NewSocket(fd)
	if err := unix.Bind(fd, &unix.SockaddrInet4{}); err != nil {
		s.Close()
		return nil, fmt.Errorf("bind: %w", err)
	}
	return s, nil
}

// DialTCP starts a non-blocking connect. The socket turns writable once the
// handshake finishes; check Err then.
func DialTCP(to netip.AddrPort) (*Socket, error) {
	sa, err := sockaddr(to)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|sockFlags, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	s := NewSocket(fd)

	err = ignoringEINTR(func() error { return unix.Connect(fd, sa) })
	if err != nil && err != unix.EINPROGRESS {
		s.Close()
		return nil, fmt.Errorf("connect %s: %w", to, err)
	}
	return s, nil
}

func sockaddr(ap netip.AddrPort) (*unix.SockaddrInet4, error) {
	addr := ap.Addr().Unmap()
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	if !addr.Is4() {
		return nil, fmt.Errorf("%s: not an IPv4 address", ap)
	}
	return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))
	}
	return netip.AddrPort{}
}
