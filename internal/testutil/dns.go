package testutil

import (
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
)

// StartStubResolver serves A queries on a loopback UDP port from a fixed
// table. Unknown names get NXDOMAIN.
func StartStubResolver(t *testing.T, records map[string]netip.Addr) netip.AddrPort {
	t.Helper()

	table := make(map[string]netip.Addr, len(records))
	for name, ip := range records {
		table[dns.CanonicalName(name)] = ip
	}

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		if len(r.Question) != 1 {
			m.SetRcode(r, dns.RcodeFormatError)
			_ = w.WriteMsg(m)
			return
		}
		q := r.Question[0]
		ip, ok := table[dns.CanonicalName(q.Name)]
		if !ok {
			m.SetRcode(r, dns.RcodeNameError)
			_ = w.WriteMsg(m)
			return
		}
		m.SetReply(r)
		if q.Qtype == dns.TypeA {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30},
				A:   ip.AsSlice(),
			})
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		Handler:           handler,
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return netip.MustParseAddrPort(pc.LocalAddr().String())
}
