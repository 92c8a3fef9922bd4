// Package dnswire builds minimal A-record queries and extracts the first IPv4
// answer from a response without allocating a full message tree.
package dnswire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

const (
	HeaderLen = 12
	MaxPacket = 512

	maxLabel = 63
	flagRD   = 0x0100
	flagQR   = 0x8000
)

var (
	ErrShort     = errors.New("dnswire: packet shorter than header")
	ErrMalformed = errors.New("dnswire: malformed packet")
	ErrNoAnswer  = errors.New("dnswire: no A record in answer")
	ErrLabel     = errors.New("dnswire: invalid label")
	ErrTooLong   = errors.New("dnswire: name does not fit in query")
)

type Header struct {
	ID      uint16
	Flags   uint16
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

func (h Header) Response() bool { return h.Flags&flagQR != 0 }

func (h Header) Rcode() int { return int(h.Flags & 0x000f) }

func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShort
	}
	return Header{
		ID:      binary.BigEndian.Uint16(b[0:]),
		Flags:   binary.BigEndian.Uint16(b[2:]),
		QDCount: binary.BigEndian.Uint16(b[4:]),
		ANCount: binary.BigEndian.Uint16(b[6:]),
		NSCount: binary.BigEndian.Uint16(b[8:]),
		ARCount: binary.BigEndian.Uint16(b[10:]),
	}, nil
}

// EncodeQuery returns a recursive IN/A query for domain. A single trailing
// dot is accepted; empty or oversized labels are rejected.
func EncodeQuery(id uint16, domain string) ([]byte, error) {
	name := strings.TrimSuffix(domain, ".")
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrLabel)
	}

	buf := make([]byte, HeaderLen, MaxPacket)
	binary.BigEndian.PutUint16(buf[0:], id)
	binary.BigEndian.PutUint16(buf[2:], flagRD)
	binary.BigEndian.PutUint16(buf[4:], 1)

	for label := range strings.SplitSeq(name, ".") {
		if len(label) == 0 || len(label) > maxLabel {
			return nil, fmt.Errorf("%w: %q", ErrLabel, label)
		}
		// label, root byte, QTYPE and QCLASS must still fit
		if len(buf)+1+len(label)+1+4 > MaxPacket {
			return nil, ErrTooLong
		}
		buf = append(buf, byte(len(label)))
		buf = append(buf, label...)
	}

	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint16(buf, dns.TypeA)
	buf = binary.BigEndian.AppendUint16(buf, dns.ClassINET)
	return buf, nil
}

// DecodeResponse walks the question and answer sections and returns the
// RDATA of the first A record with a 4-byte payload.
func DecodeResponse(b []byte) (netip.Addr, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return netip.Addr{}, err
	}
	if h.ANCount == 0 {
		return netip.Addr{}, ErrNoAnswer
	}

	off := HeaderLen
	for range h.QDCount {
		if off, err = skipName(b, off); err != nil {
			return netip.Addr{}, err
		}
		if off+4 > len(b) {
			return netip.Addr{}, ErrMalformed
		}
		off += 4
	}

	for range h.ANCount {
		if off, err = skipName(b, off); err != nil {
			return netip.Addr{}, err
		}
		// TYPE(2) CLASS(2) TTL(4) RDLENGTH(2)
		if off+10 > len(b) {
			return netip.Addr{}, ErrMalformed
		}
		typ := binary.BigEndian.Uint16(b[off:])
		rdlen := int(binary.BigEndian.Uint16(b[off+8:]))
		off += 10
		if off+rdlen > len(b) {
			return netip.Addr{}, ErrMalformed
		}
		if typ == dns.TypeA && rdlen == 4 {
			return netip.AddrFrom4([4]byte(b[off : off+4])), nil
		}
		off += rdlen
	}
	return netip.Addr{}, ErrNoAnswer
}

// skipName advances past an encoded name. Compression pointers end the name
// and are not followed.
func skipName(b []byte, off int) (int, error) {
	for {
		if off >= len(b) {
			return 0, ErrMalformed
		}
		l := int(b[off])
		switch {
		case l == 0:
			return off + 1, nil
		case l&0xC0 == 0xC0:
			if off+2 > len(b) {
				return 0, ErrMalformed
			}
			return off + 2, nil
		default:
			off += 1 + l
		}
	}
}
