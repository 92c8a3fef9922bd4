package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"socks-relay/internal/application"
	"socks-relay/internal/infrastructure/epoll"
	"socks-relay/pkg/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, logLevel, logFormat, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	log, err := logger.Setup(logLevel, logFormat)
	if err != nil {
		return err
	}
	log.Info("Initializing SOCKS5 Proxy...")

	eventLoop, err := epoll.New()
	if err != nil {
		return fmt.Errorf("failed to create event loop: %w", err)
	}
	defer eventLoop.Close()

	proxy, err := application.NewProxyService(eventLoop, log, cfg)
	if err != nil {
		return fmt.Errorf("failed to create proxy service: %w", err)
	}
	log.Info("Proxy listening", "addr", proxy.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := proxy.Run(ctx); err != nil {
			return fmt.Errorf("proxy stopped unexpectedly: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func parseFlags(args []string) (application.Config, string, string, error) {
	cfg := application.DefaultConfig()

	fs := pflag.NewFlagSet("socks-proxy", pflag.ContinueOnError)
	fs.SortFlags = false
	var (
		port         = fs.IntP("port", "p", 1080, "Port to listen on (may also be given as the only argument)")
		listen       = fs.String("listen", "0.0.0.0", "IPv4 address to listen on")
		resolver     = fs.String("dns-server", cfg.Resolver.String(), "Resolver for domain targets (IPv4 host:port)")
		bufferSize   = fs.Int("buffer-size", cfg.BufferSize, "Per-direction relay buffer in bytes")
		readChunk    = fs.Int("read-chunk", cfg.ReadChunk, "Maximum bytes read from a socket at once")
		stallTimeout = fs.Duration("stall-timeout", 0, "Close connections stuck before relaying for this long (0 disables)")
		logLevel     = fs.String("log-level", "info", "Log level: debug|info|warn|error")
		logFormat    = fs.String("log-format", "text", "Log format: text|json")
	)
	if err := fs.Parse(args); err != nil {
		return cfg, "", "", err
	}

	switch fs.NArg() {
	case 0:
	case 1:
		if fs.Changed("port") {
			return cfg, "", "", errors.New("port given both as flag and argument")
		}
		p, err := strconv.Atoi(fs.Arg(0))
		if err != nil {
			return cfg, "", "", fmt.Errorf("invalid port %q", fs.Arg(0))
		}
		*port = p
	default:
		return cfg, "", "", fmt.Errorf("usage: socks-proxy [flags] [listen_port]")
	}

	if *port <= 0 || *port > 65535 {
		return cfg, "", "", fmt.Errorf("invalid port %d", *port)
	}
	addr, err := netip.ParseAddr(*listen)
	if err != nil {
		return cfg, "", "", fmt.Errorf("invalid --listen: %w", err)
	}
	cfg.ListenAddr = netip.AddrPortFrom(addr, uint16(*port))

	cfg.Resolver, err = netip.ParseAddrPort(*resolver)
	if err != nil {
		return cfg, "", "", fmt.Errorf("invalid --dns-server: %w", err)
	}
	cfg.BufferSize = *bufferSize
	cfg.ReadChunk = *readChunk
	cfg.StallTimeout = *stallTimeout

	if err := cfg.Validate(); err != nil {
		return cfg, "", "", err
	}
	return cfg, *logLevel, *logFormat, nil
}
