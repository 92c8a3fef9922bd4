package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"socks-relay/internal/dnswire"
	"socks-relay/internal/domain"
	"socks-relay/internal/infrastructure/network"
	"socks-relay/internal/socks5"
)

// ProxyService is the readiness loop. It alone owns the connection set, the
// descriptor index and the DNS table; nothing here is safe for concurrent
// use except stopping Run through its context.
type ProxyService struct {
	cfg      Config
	log      *slog.Logger
	loop     domain.EventLoop
	listener *network.Socket
	addr     netip.AddrPort
	dns      *dnsClient

	conns    map[domain.ConnID]*domain.Connection
	owners   map[int]fdOwner
	interest map[int]domain.EventType
	dirty    map[domain.ConnID]*domain.Connection
	nextID   domain.ConnID

	scratch []byte
	ready   []readiness
	now     func() time.Time
}

type fdOwner struct {
	conn   *domain.Connection
	remote bool
}

type readiness struct {
	conn           *domain.Connection
	client, remote domain.EventType
}

func NewProxyService(loop domain.EventLoop, logger *slog.Logger, cfg Config) (*ProxyService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ln, err := network.ListenTCP(cfg.ListenAddr, cfg.Backlog)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}
	addr, err := ln.LocalAddr()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to read listen address: %w", err)
	}

	udp, err := network.BindUDP()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to bind udp: %w", err)
	}

	s := &ProxyService{
		cfg:      cfg,
		log:      logger,
		loop:     loop,
		listener: ln,
		addr:     addr,
		dns:      newDNSClient(udp, cfg.Resolver),
		conns:    make(map[domain.ConnID]*domain.Connection),
		owners:   make(map[int]fdOwner),
		interest: make(map[int]domain.EventType),
		dirty:    make(map[domain.ConnID]*domain.Connection),
		scratch:  make([]byte, negotiationChunk),
		now:      time.Now,
	}

	s.log.Info("Registering server sockets in EventLoop", "listener_fd", ln.FD(), "dns_fd", udp.FD())
	if err := s.loop.Register(ln.FD(), domain.EventRead); err != nil {
		s.closeSockets()
		return nil, fmt.Errorf("failed to register listener: %w", err)
	}
	if err := s.loop.Register(udp.FD(), domain.EventRead); err != nil {
		s.closeSockets()
		return nil, fmt.Errorf("failed to register dns socket: %w", err)
	}
	return s, nil
}

// Addr is the bound listening address.
func (s *ProxyService) Addr() netip.AddrPort { return s.addr }

// Run multiplexes every socket until ctx is cancelled or the readiness
// primitive fails. All connections are released on return.
func (s *ProxyService) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.loop.Wake() })
	defer stop()
	defer s.shutdown()

	s.log.Info("Proxy service is running loop...", "addr", s.addr, "resolver", s.cfg.Resolver)
	for {
		if ctx.Err() != nil {
			return nil
		}

		for id, conn := range s.dirty {
			delete(s.dirty, id)
			s.syncInterest(conn)
		}

		events, err := s.loop.Wait(s.waitTimeout())
		if err != nil {
			return err
		}
		s.dispatch(events)
		s.closeStalled()
	}
}

func (s *ProxyService) dispatch(events []domain.Event) {
	var acceptReady, dnsReady bool

	// bind events to connections before accept or DNS handling can free
	// and reuse a descriptor
	s.ready = s.ready[:0]
	index := make(map[domain.ConnID]int, len(events))
	for _, ev := range events {
		switch ev.FD {
		case s.listener.FD():
			acceptReady = true
			continue
		case s.dns.sock.FD():
			dnsReady = true
			continue
		}
		owner, ok := s.owners[ev.FD]
		if !ok {
			continue
		}
		i, seen := index[owner.conn.ID]
		if !seen {
			i = len(s.ready)
			index[owner.conn.ID] = i
			s.ready = append(s.ready, readiness{conn: owner.conn})
		}
		if owner.remote {
			s.ready[i].remote |= ev.Events
		} else {
			s.ready[i].client |= ev.Events
		}
	}

	if acceptReady {
		s.acceptClients()
	}
	if dnsReady {
		s.processDNSResponses()
	}
	for _, r := range s.ready {
		if r.conn.State() == domain.StateClosed {
			continue
		}
		s.handle(r.conn, r.client, r.remote)
	}
}

func (s *ProxyService) handle(conn *domain.Connection, clientEv, remoteEv domain.EventType) {
	s.dirty[conn.ID] = conn

	switch conn.State() {
	case domain.StateHandshake, domain.StateRequest:
		if clientEv&domain.EventRead != 0 {
			s.negotiate(conn)
		}
	case domain.StateConnecting:
		if remoteEv&domain.EventWrite != 0 {
			s.finalizeConnect(conn)
		}
	}

	if conn.State() != domain.StateRelay {
		return
	}
	if err := conn.Pump(clientEv, remoteEv, s.cfg.ReadChunk); err != nil {
		s.closeConn(conn, err.Error())
		return
	}
	if conn.Drained() {
		s.closeConn(conn, "relay finished")
	}
}

func (s *ProxyService) acceptClients() {
	for {
		sock, peer, err := s.listener.Accept()
		if errors.Is(err, network.ErrWouldBlock) {
			return
		}
		if err != nil {
			// EMFILE and friends: leave the backlog for the next round
			s.log.Error("Accept failed", "error", err)
			return
		}

		s.nextID++
		conn := domain.NewConnection(s.nextID, sock, peer, s.now())
		s.conns[conn.ID] = conn
		s.owners[sock.FD()] = fdOwner{conn: conn}
		s.dirty[conn.ID] = conn

		s.log.Info("New client accepted", "conn", conn.ID, "fd", sock.FD(), "ip", peer)
	}
}

func (s *ProxyService) negotiate(conn *domain.Connection) {
	n, err := conn.Client.Read(s.scratch)
	switch {
	case errors.Is(err, network.ErrWouldBlock):
		return
	case err == io.EOF:
		s.closeConn(conn, "client closed during negotiation")
		return
	case err != nil:
		s.closeConn(conn, fmt.Sprintf("negotiation read failed: %v", err))
		return
	}

	neg, err := conn.FeedClient(s.scratch[:n], s.now())
	if neg.Reply != nil {
		if werr := conn.Client.WriteAll(neg.Reply); werr != nil {
			s.closeConn(conn, fmt.Sprintf("auth write failed: %v", werr))
			return
		}
		s.log.Debug("Auth successful, waiting for command", "conn", conn.ID)
	}
	if err != nil {
		s.log.Warn("Rejecting client", "conn", conn.ID, "error", err)
		s.closeConn(conn, "protocol violation")
		return
	}
	if neg.Request != nil {
		s.startRequest(conn, *neg.Request)
	}
}

func (s *ProxyService) startRequest(conn *domain.Connection, req socks5.Request) {
	if req.AddrType == socks5.AtypIPv4 {
		s.log.Info("Connecting direct IP", "conn", conn.ID, "target", req)
		s.startTCPConnect(conn, netip.AddrPortFrom(req.IP, req.Port))
		return
	}

	s.log.Info("Resolving domain", "conn", conn.ID, "domain", req.Domain)
	txn, err := s.dns.query(conn.ID, req.Domain)
	if err != nil {
		s.closeConn(conn, fmt.Sprintf("dns query failed: %v", err))
		return
	}
	if err := conn.BeginResolve(txn, req.Domain, req.Port, s.now()); err != nil {
		s.dns.forget(txn)
		s.closeConn(conn, err.Error())
	}
}

func (s *ProxyService) processDNSResponses() {
	for {
		r, dropped, ok, err := s.dns.next()
		if dropped > 0 {
			s.log.Debug("Dropped DNS datagrams", "count", dropped)
		}
		if err != nil {
			s.log.Warn("DNS receive failed", "error", err)
			return
		}
		if !ok {
			return
		}

		conn := s.conns[r.owner]
		if conn == nil || conn.State() != domain.StateDNSWait {
			continue
		}
		s.dirty[conn.ID] = conn

		name, port, _ := conn.Lookup()
		ip, err := dnswire.DecodeResponse(r.packet)
		if err != nil {
			s.log.Warn("DNS resolution failed", "conn", conn.ID, "domain", name,
				"rcode", dns.RcodeToString[r.header.Rcode()], "error", err)
			s.closeConn(conn, "dns resolution failed")
			continue
		}

		s.log.Info("DNS Resolved", "conn", conn.ID, "domain", name, "ip", ip)
		s.startTCPConnect(conn, netip.AddrPortFrom(ip, port))
	}
}

func (s *ProxyService) startTCPConnect(conn *domain.Connection, target netip.AddrPort) {
	remote, err := network.DialTCP(target)
	if err != nil {
		s.closeConn(conn, err.Error())
		return
	}
	if err := conn.BeginConnect(remote, target, s.now()); err != nil {
		s.closeConn(conn, err.Error())
		return
	}
	s.owners[remote.FD()] = fdOwner{conn: conn, remote: true}
	s.log.Debug("Initiating TCP connection", "conn", conn.ID, "target", target, "remote_fd", remote.FD())
}

func (s *ProxyService) finalizeConnect(conn *domain.Connection) {
	if err := conn.Remote().Err(); err != nil {
		s.closeConn(conn, fmt.Sprintf("connect async failed: %v", err))
		return
	}
	if err := conn.Client.WriteAll(socks5.SuccessReply()); err != nil {
		s.closeConn(conn, fmt.Sprintf("reply write failed: %v", err))
		return
	}
	if err := conn.Established(s.cfg.BufferSize, s.now()); err != nil {
		s.closeConn(conn, err.Error())
		return
	}
	s.log.Info("Connected to target", "conn", conn.ID, "target", conn.Target())
}

// syncInterest brings the registered interest of conn's sockets in line
// with its state. Sockets with no interest are removed from the poller so
// hangups on them do not spin the loop.
func (s *ProxyService) syncInterest(conn *domain.Connection) {
	if conn.State() == domain.StateClosed {
		return
	}
	client, remote := conn.Interest()
	if err := s.setInterest(conn.Client.FD(), client); err != nil {
		s.closeConn(conn, fmt.Sprintf("poller update failed: %v", err))
		return
	}
	if r := conn.Remote(); r != nil {
		if err := s.setInterest(r.FD(), remote); err != nil {
			s.closeConn(conn, fmt.Sprintf("poller update failed: %v", err))
		}
	}
}

func (s *ProxyService) setInterest(fd int, want domain.EventType) error {
	have, registered := s.interest[fd]
	switch {
	case want == 0:
		if !registered {
			return nil
		}
		delete(s.interest, fd)
		return s.loop.Unregister(fd)
	case !registered:
		s.interest[fd] = want
		return s.loop.Register(fd, want)
	case have != want:
		s.interest[fd] = want
		return s.loop.Modify(fd, want)
	}
	return nil
}

func (s *ProxyService) waitTimeout() time.Duration {
	if s.cfg.StallTimeout <= 0 {
		return -1
	}
	var earliest time.Time
	for _, conn := range s.conns {
		if conn.State() == domain.StateRelay {
			continue
		}
		if earliest.IsZero() || conn.Since.Before(earliest) {
			earliest = conn.Since
		}
	}
	if earliest.IsZero() {
		return -1
	}
	return max(earliest.Add(s.cfg.StallTimeout).Sub(s.now()), 0)
}

func (s *ProxyService) closeStalled() {
	if s.cfg.StallTimeout <= 0 {
		return
	}
	now := s.now()
	for _, conn := range s.conns {
		if conn.State() != domain.StateRelay && now.Sub(conn.Since) >= s.cfg.StallTimeout {
			s.closeConn(conn, fmt.Sprintf("stalled in %s", conn.State()))
		}
	}
}

// closeConn tears conn down and drops every table entry that refers to it.
func (s *ProxyService) closeConn(conn *domain.Connection, reason string) {
	if conn.State() == domain.StateClosed {
		return
	}
	if txn, ok := conn.PendingTxn(); ok {
		s.dns.forget(txn)
	}
	fds := []int{conn.Client.FD()}
	if r := conn.Remote(); r != nil {
		fds = append(fds, r.FD())
	}
	for _, fd := range fds {
		if _, ok := s.interest[fd]; ok {
			_ = s.loop.Unregister(fd)
			delete(s.interest, fd)
		}
		delete(s.owners, fd)
	}
	delete(s.conns, conn.ID)
	delete(s.dirty, conn.ID)

	state := conn.State()
	if err := conn.Close(reason); err != nil {
		s.log.Warn("Error releasing sockets", "conn", conn.ID, "error", err)
	}
	s.log.Info("Closing session", "conn", conn.ID, "state", state, "reason", reason)
}

func (s *ProxyService) shutdown() {
	for _, conn := range s.conns {
		s.closeConn(conn, "proxy shutting down")
	}
	s.closeSockets()
	s.log.Info("Proxy service stopped")
}

func (s *ProxyService) closeSockets() {
	_ = s.loop.Unregister(s.listener.FD())
	_ = s.loop.Unregister(s.dns.sock.FD())
	s.listener.Close()
	s.dns.sock.Close()
}
