package domain

import (
	"errors"
	"net/netip"
	"time"
)

type State int

const (
	StateHandshake  State = iota // method negotiation
	StateRequest                 // CONNECT request
	StateDNSWait                 // waiting for the resolver
	StateConnecting              // non-blocking connect in flight
	StateRelay                   // shuttling bytes
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateRequest:
		return "request"
	case StateDNSWait:
		return "dns_wait"
	case StateConnecting:
		return "connecting"
	case StateRelay:
		return "relay"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrWouldBlock is returned by a Socket when the operation cannot make
// progress without blocking.
var ErrWouldBlock = errors.New("operation would block")

// Socket is a non-blocking stream socket. Read returns io.EOF on orderly
// shutdown. Close must be idempotent.
type Socket interface {
	FD() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	WriteAll(p []byte) error
	CloseWrite() error
	Err() error
	Close() error
}

type ConnID uint64

// Connection is one accepted client. The per-state data lives in phase, so
// fields that only make sense in one state cannot be read in another.
type Connection struct {
	ID     ConnID
	Client Socket
	Peer   netip.AddrPort

	// Since is when the current state was entered.
	Since time.Time

	phase phase
}

type phase interface {
	state() State
}

type handshakePhase struct{ accum []byte }

type requestPhase struct {
	accum []byte
	// parsed is set once a full request was taken off accum; what remains
	// is early payload for the remote.
	parsed bool
}

type dnsWaitPhase struct {
	txn     uint16
	domain  string
	port    uint16
	pending []byte
}

type connectingPhase struct {
	remote  Socket
	target  netip.AddrPort
	pending []byte
}

type closedPhase struct{ reason string }

func (*handshakePhase) state() State  { return StateHandshake }
func (*requestPhase) state() State    { return StateRequest }
func (*dnsWaitPhase) state() State    { return StateDNSWait }
func (*connectingPhase) state() State { return StateConnecting }
func (*relayPhase) state() State      { return StateRelay }
func (*closedPhase) state() State     { return StateClosed }

func NewConnection(id ConnID, client Socket, peer netip.AddrPort, now time.Time) *Connection {
	return &Connection{
		ID:     id,
		Client: client,
		Peer:   peer,
		Since:  now,
		phase:  &handshakePhase{},
	}
}

func (c *Connection) State() State { return c.phase.state() }

// Remote returns the outbound socket, or nil before CONNECTING.
func (c *Connection) Remote() Socket {
	switch p := c.phase.(type) {
	case *connectingPhase:
		return p.remote
	case *relayPhase:
		return p.remote
	}
	return nil
}

// PendingTxn returns the DNS transaction id while in DNS_WAIT.
func (c *Connection) PendingTxn() (uint16, bool) {
	if p, ok := c.phase.(*dnsWaitPhase); ok {
		return p.txn, true
	}
	return 0, false
}

// Lookup returns the name and port being resolved while in DNS_WAIT.
func (c *Connection) Lookup() (string, uint16, bool) {
	if p, ok := c.phase.(*dnsWaitPhase); ok {
		return p.domain, p.port, true
	}
	return "", 0, false
}

// Target returns the address being connected to or relayed with.
func (c *Connection) Target() netip.AddrPort {
	switch p := c.phase.(type) {
	case *connectingPhase:
		return p.target
	case *relayPhase:
		return p.target
	}
	return netip.AddrPort{}
}

// CloseReason is set once the connection is CLOSED.
func (c *Connection) CloseReason() string {
	if p, ok := c.phase.(*closedPhase); ok {
		return p.reason
	}
	return ""
}

// Close releases both sockets and moves to CLOSED. Calling it again keeps
// the first reason.
func (c *Connection) Close(reason string) error {
	if c.State() == StateClosed {
		return nil
	}
	remote := c.Remote()
	c.phase = &closedPhase{reason: reason}

	var errs []error
	if remote != nil {
		errs = append(errs, remote.Close())
	}
	errs = append(errs, c.Client.Close())
	return errors.Join(errs...)
}

// Interest reports which readiness each socket wants in the current state.
func (c *Connection) Interest() (client, remote EventType) {
	switch p := c.phase.(type) {
	case *handshakePhase, *requestPhase:
		return EventRead, 0
	case *connectingPhase:
		return 0, EventWrite
	case *relayPhase:
		return p.interest()
	}
	return 0, 0
}

func (c *Connection) enter(p phase, now time.Time) {
	c.phase = p
	c.Since = now
}
