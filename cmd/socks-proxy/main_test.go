package main

import (
	"net/netip"
	"testing"
	"time"
)

func TestParseFlags(t *testing.T) {
	cfg, level, format, err := parseFlags([]string{"--port", "9050", "--dns-server", "1.1.1.1:53", "--stall-timeout", "5s", "--log-format", "json"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != netip.MustParseAddrPort("0.0.0.0:9050") {
		t.Fatalf("listen %s", cfg.ListenAddr)
	}
	if cfg.Resolver != netip.MustParseAddrPort("1.1.1.1:53") {
		t.Fatalf("resolver %s", cfg.Resolver)
	}
	if cfg.StallTimeout != 5*time.Second || cfg.BufferSize != 8192 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if level != "info" || format != "json" {
		t.Fatalf("log %s/%s", level, format)
	}
}

func TestParseFlagsPositionalPort(t *testing.T) {
	cfg, _, _, err := parseFlags([]string{"1081"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr.Port() != 1081 {
		t.Fatalf("port %d", cfg.ListenAddr.Port())
	}
}

func TestParseFlagsRejects(t *testing.T) {
	tests := [][]string{
		{"0"},
		{"65536"},
		{"-p", "-1"},
		{"abc"},
		{"1080", "1081"},
		{"-p", "1080", "1081"},
		{"--dns-server", "8.8.8.8"},
		{"--dns-server", "[::1]:53"},
		{"--listen", "::"},
		{"--buffer-size", "100"},
		{"--read-chunk", "0"},
		{"--no-such-flag"},
	}
	for _, args := range tests {
		if _, _, _, err := parseFlags(args); err == nil {
			t.Errorf("parseFlags(%q) succeeded", args)
		}
	}
}
