package domain

import (
	"errors"
	"fmt"
	"io"
	"net/netip"

	"socks-relay/internal/relay"
)

type relayPhase struct {
	remote Socket
	target netip.AddrPort

	c2r, r2c *relay.Pipe

	clientEOF, remoteEOF bool
	// write side already shut down after the opposite EOF drained
	clientShut, remoteShut bool
}

func (r *relayPhase) interest() (client, remote EventType) {
	if !r.clientEOF && !r.c2r.Full() {
		client |= EventRead
	}
	if !r.r2c.Empty() {
		client |= EventWrite
	}
	if !r.remoteEOF && !r.r2c.Full() {
		remote |= EventRead
	}
	if !r.c2r.Empty() {
		remote |= EventWrite
	}
	return client, remote
}

// Pending returns the number of bytes queued in each direction.
func (c *Connection) Pending() (toRemote, toClient int) {
	if r, ok := c.phase.(*relayPhase); ok {
		return r.c2r.Len(), r.r2c.Len()
	}
	return 0, 0
}

// Pump moves bytes for a RELAY connection given the readiness observed for
// each side. Reads are capped at chunk bytes. A returned error is fatal for
// the connection.
func (c *Connection) Pump(clientEv, remoteEv EventType, chunk int) error {
	r, ok := c.phase.(*relayPhase)
	if !ok {
		return nil
	}

	if clientEv&EventRead != 0 && !r.clientEOF {
		eof, err := fill(r.c2r, chunk, c.Client)
		if err != nil {
			return fmt.Errorf("client read: %w", err)
		}
		r.clientEOF = eof
	}
	if remoteEv&EventWrite != 0 {
		if err := drain(r.c2r, r.remote); err != nil {
			return fmt.Errorf("remote write: %w", err)
		}
	}

	if remoteEv&EventRead != 0 && !r.remoteEOF {
		eof, err := fill(r.r2c, chunk, r.remote)
		if err != nil {
			return fmt.Errorf("remote read: %w", err)
		}
		r.remoteEOF = eof
	}
	if clientEv&EventWrite != 0 {
		if err := drain(r.r2c, c.Client); err != nil {
			return fmt.Errorf("client write: %w", err)
		}
	}

	// forward a drained EOF as a half-close
	if r.clientEOF && r.c2r.Empty() && !r.remoteShut {
		r.remoteShut = true
		if err := r.remote.CloseWrite(); err != nil {
			return fmt.Errorf("remote shutdown: %w", err)
		}
	}
	if r.remoteEOF && r.r2c.Empty() && !r.clientShut {
		r.clientShut = true
		if err := c.Client.CloseWrite(); err != nil {
			return fmt.Errorf("client shutdown: %w", err)
		}
	}
	return nil
}

// Drained reports that both peers finished and every queued byte was
// delivered.
func (c *Connection) Drained() bool {
	r, ok := c.phase.(*relayPhase)
	if !ok {
		return false
	}
	return r.clientEOF && r.remoteEOF && r.c2r.Empty() && r.r2c.Empty()
}

func fill(p *relay.Pipe, chunk int, src Socket) (eof bool, err error) {
	if p.Full() {
		return false, nil
	}
	_, err = p.Fill(chunk, src.Read)
	switch {
	case err == nil, errors.Is(err, ErrWouldBlock):
		return false, nil
	case err == io.EOF:
		return true, nil
	}
	return false, err
}

func drain(p *relay.Pipe, dst Socket) error {
	if p.Empty() {
		return nil
	}
	_, err := p.Drain(dst.Write)
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		return err
	}
	return nil
}
