package application

import (
	"net/netip"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ipv6 listen", func(c *Config) { c.ListenAddr = netip.MustParseAddrPort("[::]:1080") }},
		{"missing resolver", func(c *Config) { c.Resolver = netip.AddrPort{} }},
		{"ipv6 resolver", func(c *Config) { c.Resolver = netip.MustParseAddrPort("[2001:db8::1]:53") }},
		{"resolver port zero", func(c *Config) { c.Resolver = netip.MustParseAddrPort("8.8.8.8:0") }},
		{"tiny buffer", func(c *Config) { c.BufferSize = 512 }},
		{"zero chunk", func(c *Config) { c.ReadChunk = 0 }},
		{"chunk over buffer", func(c *Config) { c.ReadChunk = c.BufferSize + 1 }},
		{"negative stall", func(c *Config) { c.StallTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestConfigValidateMappedResolver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolver = netip.MustParseAddrPort("[::ffff:127.0.0.1]:53")
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}
