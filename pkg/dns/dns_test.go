package dns

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/siteforge/steward/pkg/config"
)

func TestInZone(t *testing.T) {
	tests := []struct {
		fqdn string
		zone string
		want bool
	}{
		{"acme.apps.steward.io", "apps.steward.io", true},
		{"acme.apps.steward.io.", "apps.steward.io.", true},
		{"ACME.Apps.Steward.IO", "apps.steward.io", true},
		{"apps.steward.io", "apps.steward.io", true},
		{"blog.acme.com", "apps.steward.io", false},
		{"evilapps.steward.io", "apps.steward.io", false},
		{"acme.apps.steward.io", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.fqdn, func(t *testing.T) {
			if got := inZone(tt.fqdn, tt.zone); got != tt.want {
				t.Errorf("inZone(%q, %q) = %v, want %v", tt.fqdn, tt.zone, got, tt.want)
			}
		})
	}
}

func TestDesiredRecordsIPv4Target(t *testing.T) {
	p := NewRFC2136(config.DNSConfig{Target: "203.0.113.10", TTLSeconds: 300})

	records := p.desiredRecords("acme.apps.steward.io")
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	apex, ok := records[0].(*dns.A)
	if !ok {
		t.Fatalf("expected A record for IP target, got %T", records[0])
	}
	if apex.Hdr.Name != "acme.apps.steward.io." {
		t.Errorf("apex name = %q", apex.Hdr.Name)
	}
	if apex.A.String() != "203.0.113.10" {
		t.Errorf("apex address = %s", apex.A)
	}
	if apex.Hdr.Ttl != 300 {
		t.Errorf("ttl = %d, want 300", apex.Hdr.Ttl)
	}

	www, ok := records[1].(*dns.CNAME)
	if !ok {
		t.Fatalf("expected CNAME for www, got %T", records[1])
	}
	if www.Hdr.Name != "www.acme.apps.steward.io." {
		t.Errorf("www name = %q", www.Hdr.Name)
	}
	if www.Target != "acme.apps.steward.io." {
		t.Errorf("www target = %q", www.Target)
	}
}

func TestDesiredRecordsHostnameTarget(t *testing.T) {
	p := NewRFC2136(config.DNSConfig{Target: "ingress.steward.io", TTLSeconds: 60})

	records := p.desiredRecords("acme.apps.steward.io")
	apex, ok := records[0].(*dns.CNAME)
	if !ok {
		t.Fatalf("expected CNAME for hostname target, got %T", records[0])
	}
	if apex.Target != "ingress.steward.io." {
		t.Errorf("apex target = %q", apex.Target)
	}
}

func TestLogProviderEnsureDelete(t *testing.T) {
	p := NewLogProvider()
	ctx := context.Background()

	if err := p.EnsureRecord(ctx, "acme.apps.steward.io"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !p.Ensured("acme.apps.steward.io") {
		t.Error("apex record missing")
	}
	if !p.Ensured("www.acme.apps.steward.io") {
		t.Error("www record missing")
	}

	if err := p.DeleteRecord(ctx, "acme.apps.steward.io"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if p.Ensured("acme.apps.steward.io") {
		t.Error("apex record survived delete")
	}
}

// startUpdateServer runs a loopback DNS server recording every message
// it receives and answering success.
func startUpdateServer(t *testing.T) (string, func() []*dns.Msg) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var mu sync.Mutex
	var received []*dns.Msg

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		mu.Lock()
		received = append(received, r.Copy())
		mu.Unlock()

		reply := new(dns.Msg)
		reply.SetReply(r)
		w.WriteMsg(reply)
	})

	server := &dns.Server{
		Listener: listener,
		Handler:  mux,
		// The default accept func rejects the Update opcode with NOTIMP
		// before the handler runs.
		MsgAcceptFunc: func(dns.Header) dns.MsgAcceptAction { return dns.MsgAccept },
	}
	go server.ActivateAndServe()
	t.Cleanup(func() { server.Shutdown() })

	return listener.Addr().String(), func() []*dns.Msg {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*dns.Msg, len(received))
		copy(out, received)
		return out
	}
}

func TestEnsureRecordSendsUpdate(t *testing.T) {
	addr, received := startUpdateServer(t)
	p := NewRFC2136(config.DNSConfig{
		Mode:       "rfc2136",
		ServerAddr: addr,
		Zone:       "apps.steward.io",
		Target:     "203.0.113.10",
		TTLSeconds: 300,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.EnsureRecord(ctx, "acme.apps.steward.io"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	msgs := received()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 update, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Opcode != dns.OpcodeUpdate {
		t.Fatalf("opcode = %d, want update", msg.Opcode)
	}
	if msg.Question[0].Name != "apps.steward.io." {
		t.Errorf("zone = %q", msg.Question[0].Name)
	}

	// RemoveName entries precede inserts so re-ensure replaces cleanly.
	var removes, inserts int
	for _, rr := range msg.Ns {
		if rr.Header().Class == dns.ClassANY {
			removes++
		}
		if rr.Header().Class == dns.ClassINET {
			inserts++
		}
	}
	if removes != 2 {
		t.Errorf("remove entries = %d, want 2", removes)
	}
	if inserts != 2 {
		t.Errorf("insert entries = %d, want 2", inserts)
	}
}

func TestEnsureRecordSkipsForeignDomain(t *testing.T) {
	// Unreachable server proves the skip path never dials.
	p := NewRFC2136(config.DNSConfig{
		ServerAddr: "192.0.2.1:53",
		Zone:       "apps.steward.io",
		Target:     "203.0.113.10",
	})

	if err := p.EnsureRecord(context.Background(), "blog.acme.com"); err != nil {
		t.Fatalf("foreign domain should be a no-op, got %v", err)
	}
}

func TestDeleteRecordSendsRemoveOnly(t *testing.T) {
	addr, received := startUpdateServer(t)
	p := NewRFC2136(config.DNSConfig{
		ServerAddr: addr,
		Zone:       "apps.steward.io",
		Target:     "203.0.113.10",
		TTLSeconds: 300,
	})

	if err := p.DeleteRecord(context.Background(), "acme.apps.steward.io"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	msg := received()[0]
	for _, rr := range msg.Ns {
		if rr.Header().Class != dns.ClassANY {
			t.Errorf("unexpected insert in delete update: %v", rr)
		}
	}
}

func TestTSIGAttachedToUpdates(t *testing.T) {
	addr, received := startUpdateServer(t)
	p := NewRFC2136(config.DNSConfig{
		ServerAddr: addr,
		Zone:       "apps.steward.io",
		Target:     "203.0.113.10",
		TSIGName:   "steward-key",
		TSIGSecret: "c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0", // base64
	})

	if err := p.EnsureRecord(context.Background(), "acme.apps.steward.io"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	msg := received()[0]
	tsig := msg.IsTsig()
	if tsig == nil {
		t.Fatal("update was not TSIG signed")
	}
	if tsig.Hdr.Name != "steward-key." {
		t.Errorf("key name = %q", tsig.Hdr.Name)
	}
	if tsig.Algorithm != dns.HmacSHA256 {
		t.Errorf("algorithm = %q", tsig.Algorithm)
	}
}
