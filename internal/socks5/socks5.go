// Package socks5 parses the subset of RFC 1928 the proxy speaks: the method
// negotiation greeting and the CONNECT request, both read from a buffer that
// may hold only part of a frame.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

const (
	Version      = 0x05
	MethodNoAuth = 0x00
	CmdConnect   = 0x01
	AtypIPv4     = 0x01
	AtypDomain   = 0x03
	AtypIPv6     = 0x04
	RepSuccess   = 0x00

	minRequestLen  = 7
	ipv4RequestLen = 10
)

var (
	ErrVersion  = errors.New("socks5: unsupported version")
	ErrCommand  = errors.New("socks5: unsupported command")
	ErrReserved = errors.New("socks5: non-zero reserved byte")
	ErrAddrType = errors.New("socks5: unsupported address type")
	ErrDomain   = errors.New("socks5: empty domain name")
)

// MethodReply selects "no authentication" regardless of what was offered.
func MethodReply() []byte {
	return []byte{Version, MethodNoAuth}
}

// SuccessReply is the CONNECT reply sent once the outbound connect
// completes. BND.ADDR and BND.PORT are always zero.
func SuccessReply() []byte {
	return []byte{Version, RepSuccess, 0x00, AtypIPv4, 0, 0, 0, 0, 0, 0}
}

// ParseGreeting reports how many bytes of b form a complete greeting.
// A zero length with a nil error means more bytes are needed.
func ParseGreeting(b []byte) (int, error) {
	if len(b) >= 1 && b[0] != Version {
		return 0, fmt.Errorf("%w: %#02x", ErrVersion, b[0])
	}
	if len(b) < 2 {
		return 0, nil
	}
	n := 2 + int(b[1])
	if len(b) < n {
		return 0, nil
	}
	return n, nil
}

type Request struct {
	AddrType byte
	IP       netip.Addr
	Domain   string
	Port     uint16
}

func (r Request) Host() string {
	if r.AddrType == AtypDomain {
		return r.Domain
	}
	return r.IP.String()
}

func (r Request) String() string {
	return net.JoinHostPort(r.Host(), strconv.Itoa(int(r.Port)))
}

// ParseRequest decodes a CONNECT request from the front of b and returns the
// number of bytes it occupied. Header bytes are validated as soon as they
// arrive; a zero length with a nil error means more bytes are needed.
func ParseRequest(b []byte) (Request, int, error) {
	if err := checkRequestHeader(b); err != nil {
		return Request{}, 0, err
	}
	if len(b) < minRequestLen {
		return Request{}, 0, nil
	}

	switch atyp := b[3]; atyp {
	case AtypIPv4:
		if len(b) < ipv4RequestLen {
			return Request{}, 0, nil
		}
		return Request{
			AddrType: atyp,
			IP:       netip.AddrFrom4([4]byte(b[4:8])),
			Port:     binary.BigEndian.Uint16(b[8:10]),
		}, ipv4RequestLen, nil
	case AtypDomain:
		l := int(b[4])
		if l == 0 {
			return Request{}, 0, ErrDomain
		}
		n := 5 + l + 2
		if len(b) < n {
			return Request{}, 0, nil
		}
		return Request{
			AddrType: atyp,
			Domain:   string(b[5 : 5+l]),
			Port:     binary.BigEndian.Uint16(b[5+l : n]),
		}, n, nil
	default:
		return Request{}, 0, fmt.Errorf("%w: %#02x", ErrAddrType, atyp)
	}
}

func checkRequestHeader(b []byte) error {
	if len(b) >= 1 && b[0] != Version {
		return fmt.Errorf("%w: %#02x", ErrVersion, b[0])
	}
	if len(b) >= 2 && b[1] != CmdConnect {
		return fmt.Errorf("%w: %#02x", ErrCommand, b[1])
	}
	if len(b) >= 3 && b[2] != 0x00 {
		return ErrReserved
	}
	if len(b) >= 4 && b[3] != AtypIPv4 && b[3] != AtypDomain {
		return fmt.Errorf("%w: %#02x", ErrAddrType, b[3])
	}
	return nil
}
