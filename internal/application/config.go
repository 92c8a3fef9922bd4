package application

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"socks-relay/internal/relay"
)

const (
	DefaultReadChunk = 4096

	// negotiation frames are read in pieces this large; anything past the
	// request must still fit the client-to-remote queue
	negotiationChunk = 512
	minBufferSize    = 2 * negotiationChunk
)

var DefaultResolver = netip.MustParseAddrPort("8.8.8.8:53")

type Config struct {
	// ListenAddr is the IPv4 address and port to accept clients on.
	ListenAddr netip.AddrPort
	// Resolver receives every DNS query; replies from other sources are
	// ignored.
	Resolver netip.AddrPort

	// BufferSize caps each direction's relay queue.
	BufferSize int
	// ReadChunk caps a single relay read.
	ReadChunk int
	Backlog   int

	// StallTimeout closes connections that stay in one pre-relay state
	// longer than this. Zero disables it.
	StallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: netip.AddrPortFrom(netip.IPv4Unspecified(), 1080),
		Resolver:   DefaultResolver,
		BufferSize: relay.DefaultCapacity,
		ReadChunk:  DefaultReadChunk,
	}
}

func (c Config) Validate() error {
	var errs []error
	if a := c.ListenAddr.Addr(); a.IsValid() && !a.Unmap().Is4() {
		errs = append(errs, fmt.Errorf("listen address %s is not IPv4", a))
	}
	if !c.Resolver.IsValid() || !c.Resolver.Addr().Unmap().Is4() || c.Resolver.Port() == 0 {
		errs = append(errs, fmt.Errorf("resolver %s must be an IPv4 host:port", c.Resolver))
	}
	if c.BufferSize < minBufferSize {
		errs = append(errs, fmt.Errorf("buffer size %d is below %d", c.BufferSize, minBufferSize))
	}
	if c.ReadChunk <= 0 || c.ReadChunk > c.BufferSize {
		errs = append(errs, fmt.Errorf("read chunk %d must be in (0, %d]", c.ReadChunk, c.BufferSize))
	}
	if c.StallTimeout < 0 {
		errs = append(errs, errors.New("stall timeout must not be negative"))
	}
	return errors.Join(errs...)
}
