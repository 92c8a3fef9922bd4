// Package network wraps the raw non-blocking socket calls the proxy needs.
// Every descriptor lives inside a Socket so that closing is idempotent and
// owners can release unconditionally.
package network

import (
	"io"
	"net/netip"

	"golang.org/x/sys/unix"

	"socks-relay/internal/domain"
)

// ErrWouldBlock is returned instead of EAGAIN/EWOULDBLOCK.
var ErrWouldBlock = domain.ErrWouldBlock

var _ domain.Socket = (*Socket)(nil)

type Socket struct {
	fd int
}

func NewSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

// FD returns the descriptor, or -1 once closed.
func (s *Socket) FD() int {
	if s == nil {
		return -1
	}
	return s.fd
}

func (s *Socket) Close() error {
	if s == nil || s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// Read returns io.EOF on an orderly shutdown by the peer.
func (s *Socket) Read(p []byte) (int, error) {
	var n int
	err := ignoringEINTR(func() error {
		var err error
		n, err = unix.Read(s.fd, p)
		return err
	})
	if err != nil {
		return 0, mapErr(err)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write sends what the kernel accepts without raising SIGPIPE. Short writes
// are not errors.
func (s *Socket) Write(p []byte) (int, error) {
	var n int
	err := ignoringEINTR(func() error {
		var err error
		n, err = unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		return err
	})
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// WriteAll is for the short handshake replies. A reply that does not fit
// in an empty send buffer is reported as ErrWouldBlock.
func (s *Socket) WriteAll(p []byte) error {
	for len(p) > 0 {
		n, err := s.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (s *Socket) SendTo(p []byte, to netip.AddrPort) error {
	sa, err := sockaddr(to)
	if err != nil {
		return err
	}
	return mapErr(ignoringEINTR(func() error { return unix.Sendto(s.fd, p, 0, sa) }))
}

func (s *Socket) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	var (
		n  int
		sa unix.Sockaddr
	)
	err := ignoringEINTR(func() error {
		var err error
		n, sa, err = unix.Recvfrom(s.fd, p, 0)
		return err
	})
	if err != nil {
		return 0, netip.AddrPort{}, mapErr(err)
	}
	return n, addrPort(sa), nil
}

// Accept returns a non-blocking socket for the next pending connection.
func (s *Socket) Accept() (*Socket, netip.AddrPort, error) {
	var (
		nfd int
		sa  unix.Sockaddr
	)
	err := ignoringEINTR(func() error {
		var err error
		nfd, sa, err = unix.Accept4(s.fd, sockFlags)
		return err
	})
	if err != nil {
		return nil, netip.AddrPort{}, mapErr(err)
	}
	return NewSocket(nfd), addrPort(sa), nil
}

// Err reports the pending error of a socket, i.e. the outcome of a
// non-blocking connect.
func (s *Socket) Err() error {
	val, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

func (s *Socket) CloseWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPort(sa), nil
}

func mapErr(err error) error {
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return ErrWouldBlock
	}
	return err
}

func ignoringEINTR(fn func() error) error {
	for {
		err := fn()
		if err != unix.EINTR {
			return err
		}
	}
}
