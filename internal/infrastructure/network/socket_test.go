package network

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (*Socket, *Socket) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|sockFlags, 0)
	if err != nil {
		t.Fatal(err)
	}
	a, b := NewSocket(fds[0]), NewSocket(fds[1])
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func waitWritable(t *testing.T, s *Socket) {
	t.Helper()

	fds := []unix.PollFd{{Fd: int32(s.FD()), Events: unix.POLLOUT}}
	if _, err := unix.Poll(fds, 2000); err != nil {
		t.Fatal(err)
	}
	if fds[0].Revents == 0 {
		t.Fatal("socket never became writable")
	}
}

func TestSocketReadWouldBlockAndEOF(t *testing.T) {
	a, b := socketPair(t)

	buf := make([]byte, 16)
	if _, err := a.Read(buf); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("empty read err = %v", err)
	}

	if err := b.WriteAll([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	n, err := a.Read(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("read %q, %v", buf[:n], err)
	}

	if err := b.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Read(buf); err != io.EOF {
		t.Fatalf("read after shutdown err = %v", err)
	}

	// the other direction stays open after a half-close
	if err := a.WriteAll([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	n, err = b.Read(buf)
	if err != nil || string(buf[:n]) != "pong" {
		t.Fatalf("read %q, %v", buf[:n], err)
	}
}

func TestSocketWriteToClosedPeer(t *testing.T) {
	a, b := socketPair(t)
	b.Close()

	if _, err := a.Write([]byte("x")); err == nil || errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected hard error, got %v", err)
	}
}

func TestSocketCloseIdempotent(t *testing.T) {
	a, _ := socketPair(t)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if a.FD() != -1 {
		t.Fatalf("fd = %d after close", a.FD())
	}

	var nilSock *Socket
	if err := nilSock.Close(); err != nil || nilSock.FD() != -1 {
		t.Fatal("nil socket must be closable")
	}
}

func TestListenAcceptDial(t *testing.T) {
	ln, err := ListenTCP(netip.MustParseAddrPort("127.0.0.1:0"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	addr, err := ln.LocalAddr()
	if err != nil {
		t.Fatal(err)
	}
	if addr.Port() == 0 || addr.Addr() != netip.MustParseAddr("127.0.0.1") {
		t.Fatalf("unexpected local addr %s", addr)
	}

	if _, _, err := ln.Accept(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("accept on idle listener err = %v", err)
	}

	c, err := DialTCP(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	waitWritable(t, c)
	if err := c.Err(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var srv *Socket
	deadline := time.Now().Add(2 * time.Second)
	for srv == nil {
		srv, _, err = ln.Accept()
		if errors.Is(err, ErrWouldBlock) && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	defer srv.Close()

	if err := c.WriteAll([]byte("hi")); err != nil {
		t.Fatal(err)
	}
}

func TestDialRefused(t *testing.T) {
	// grab a free port, then release it so nothing listens there
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	to := netip.MustParseAddrPort(l.Addr().String())
	l.Close()

	c, err := DialTCP(to)
	if err != nil {
		// loopback may refuse synchronously
		return
	}
	defer c.Close()
	waitWritable(t, c)
	if err := c.Err(); !errors.Is(err, unix.ECONNREFUSED) {
		t.Fatalf("err = %v, want ECONNREFUSED", err)
	}
}

func TestDialRejectsIPv6(t *testing.T) {
	if _, err := DialTCP(netip.MustParseAddrPort("[::1]:80")); err == nil {
		t.Fatal("expected error for IPv6 target")
	}
}

func TestUDPSendRecv(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	s, err := BindUDP()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	buf := make([]byte, 64)
	if _, _, err := s.RecvFrom(buf); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("idle recv err = %v", err)
	}

	to := netip.MustParseAddrPort(pc.LocalAddr().String())
	if err := s.SendTo([]byte("q"), to); err != nil {
		t.Fatal(err)
	}

	_ = pc.SetDeadline(time.Now().Add(2 * time.Second))
	n, from, err := pc.ReadFrom(buf)
	if err != nil || string(buf[:n]) != "q" {
		t.Fatalf("read %q, %v", buf[:n], err)
	}
	if _, err := pc.WriteTo([]byte("a"), from); err != nil {
		t.Fatal(err)
	}

	fds := []unix.PollFd{{Fd: int32(s.FD()), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, 2000); err != nil {
		t.Fatal(err)
	}
	n, src, err := s.RecvFrom(buf)
	if err != nil || string(buf[:n]) != "a" {
		t.Fatalf("recv %q, %v", buf[:n], err)
	}
	if src != to {
		t.Fatalf("source %s, want %s", src, to)
	}
}
