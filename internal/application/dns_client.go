package application

import (
	"errors"
	"net/netip"

	"socks-relay/internal/dnswire"
	"socks-relay/internal/domain"
	"socks-relay/internal/infrastructure/network"
)

var errTxnExhausted = errors.New("no free DNS transaction id")

// dnsClient owns the UDP socket and the table of outstanding queries. The
// table maps to connection ids, never to connections, so a reply for a
// connection that is already gone is simply not found.
type dnsClient struct {
	sock    *network.Socket
	server  netip.AddrPort
	nextID  uint16
	pending map[uint16]domain.ConnID
	buf     []byte
}

func newDNSClient(sock *network.Socket, server netip.AddrPort) *dnsClient {
	return &dnsClient{
		sock:    sock,
		server:  netip.AddrPortFrom(server.Addr().Unmap(), server.Port()),
		pending: make(map[uint16]domain.ConnID),
		buf:     make([]byte, 4096),
	}
}

// allocate returns the next free id, skipping 0 and ids still in flight.
func (d *dnsClient) allocate() (uint16, error) {
	for range 1 << 16 {
		d.nextID++
		if d.nextID == 0 {
			d.nextID = 1
		}
		if _, busy := d.pending[d.nextID]; !busy {
			return d.nextID, nil
		}
	}
	return 0, errTxnExhausted
}

// query sends an A query for name and records it under a fresh id.
func (d *dnsClient) query(owner domain.ConnID, name string) (uint16, error) {
	id, err := d.allocate()
	if err != nil {
		return 0, err
	}
	pkt, err := dnswire.EncodeQuery(id, name)
	if err != nil {
		return 0, err
	}
	if err := d.sock.SendTo(pkt, d.server); err != nil {
		return 0, err
	}
	d.pending[id] = owner
	return id, nil
}

func (d *dnsClient) forget(id uint16) {
	delete(d.pending, id)
}

// reply is one datagram that matched an outstanding query.
type reply struct {
	owner  domain.ConnID
	header dnswire.Header
	packet []byte
}

// next returns the next matching reply. Datagrams from other sources,
// runts and unknown ids are dropped. ok is false once the socket is empty.
// The packet is only valid until the following call.
func (d *dnsClient) next() (r reply, dropped int, ok bool, err error) {
	for {
		n, from, err := d.sock.RecvFrom(d.buf)
		if errors.Is(err, network.ErrWouldBlock) {
			return reply{}, dropped, false, nil
		}
		if err != nil {
			return reply{}, dropped, false, err
		}
		if from != d.server {
			dropped++
			continue
		}
		pkt := d.buf[:n]
		h, err := dnswire.ParseHeader(pkt)
		if err != nil || !h.Response() {
			dropped++
			continue
		}
		owner, found := d.pending[h.ID]
		if !found {
			dropped++
			continue
		}
		delete(d.pending, h.ID)
		return reply{owner: owner, header: h, packet: pkt}, dropped, true, nil
	}
}
