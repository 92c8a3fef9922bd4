package domain

import (
	"fmt"
	"net/netip"
	"time"

	"socks-relay/internal/relay"
	"socks-relay/internal/socks5"
)

// Negotiation is what FeedClient produced from the bytes seen so far.
type Negotiation struct {
	// Reply must be written to the client before anything else.
	Reply []byte
	// Request is set once a complete CONNECT request was parsed. The
	// connection stays in REQUEST until BeginResolve or BeginConnect.
	Request *socks5.Request
}

// FeedClient appends bytes read from the client during HANDSHAKE or REQUEST
// and advances as far as complete frames allow. Bytes past the greeting
// are parsed as the request; bytes past the request are kept and relayed
// once the outbound connection is up.
func (c *Connection) FeedClient(p []byte, now time.Time) (Negotiation, error) {
	var out Negotiation

	if hs, ok := c.phase.(*handshakePhase); ok {
		hs.accum = append(hs.accum, p...)
		n, err := socks5.ParseGreeting(hs.accum)
		if err != nil {
			return out, err
		}
		if n == 0 {
			return out, nil
		}
		out.Reply = socks5.MethodReply()
		rest := append([]byte(nil), hs.accum[n:]...)
		c.enter(&requestPhase{accum: rest}, now)
		p = nil
	}

	rq, ok := c.phase.(*requestPhase)
	if !ok {
		return out, fmt.Errorf("client data in state %s", c.State())
	}
	rq.accum = append(rq.accum, p...)
	if rq.parsed {
		return out, nil
	}
	req, n, err := socks5.ParseRequest(rq.accum)
	if err != nil {
		return out, err
	}
	if n > 0 {
		out.Request = &req
		rq.accum = rq.accum[n:]
		rq.parsed = true
	}
	return out, nil
}

// BeginResolve moves REQUEST to DNS_WAIT under transaction id txn.
func (c *Connection) BeginResolve(txn uint16, domain string, port uint16, now time.Time) error {
	rq, ok := c.phase.(*requestPhase)
	if !ok {
		return fmt.Errorf("resolve in state %s", c.State())
	}
	c.enter(&dnsWaitPhase{
		txn:     txn,
		domain:  domain,
		port:    port,
		pending: rq.accum,
	}, now)
	return nil
}

// BeginConnect moves REQUEST or DNS_WAIT to CONNECTING. The connection owns
// remote from here on, even if the transition is rejected.
func (c *Connection) BeginConnect(remote Socket, target netip.AddrPort, now time.Time) error {
	var pending []byte
	switch p := c.phase.(type) {
	case *requestPhase:
		pending = p.accum
	case *dnsWaitPhase:
		pending = p.pending
	default:
		remote.Close()
		return fmt.Errorf("connect in state %s", c.State())
	}
	c.enter(&connectingPhase{
		remote:  remote,
		target:  target,
		pending: pending,
	}, now)
	return nil
}

// Established moves CONNECTING to RELAY with queues of the given capacity.
// Early client bytes are queued towards the remote.
func (c *Connection) Established(capacity int, now time.Time) error {
	cp, ok := c.phase.(*connectingPhase)
	if !ok {
		return fmt.Errorf("established in state %s", c.State())
	}
	r := &relayPhase{
		remote: cp.remote,
		target: cp.target,
		c2r:    relay.NewPipe(capacity),
		r2c:    relay.NewPipe(capacity),
	}
	if n := r.c2r.Write(cp.pending); n < len(cp.pending) {
		return fmt.Errorf("%d early bytes exceed queue capacity %d", len(cp.pending), r.c2r.Cap())
	}
	c.enter(r, now)
	return nil
}
