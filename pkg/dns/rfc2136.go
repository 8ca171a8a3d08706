package dns

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/types"
)

// RFC2136 publishes records through dynamic updates with optional TSIG
// authentication. One update message replaces the apex and www records
// atomically.
type RFC2136 struct {
	cfg    config.DNSConfig
	logger zerolog.Logger
}

// NewRFC2136 builds the dynamic-update provider.
func NewRFC2136(cfg config.DNSConfig) *RFC2136 {
	return &RFC2136{
		cfg:    cfg,
		logger: log.WithComponent("dns"),
	}
}

// desiredRecords builds the apex record (A, AAAA or CNAME depending on
// the configured target) and the www CNAME pointing at the apex.
func (p *RFC2136) desiredRecords(fqdn string) []dns.RR {
	name := dns.Fqdn(fqdn)
	ttl := uint32(p.cfg.TTLSeconds)

	var apex dns.RR
	switch ip := net.ParseIP(p.cfg.Target); {
	case ip != nil && ip.To4() != nil:
		apex = &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   ip.To4(),
		}
	case ip != nil:
		apex = &dns.AAAA{
			Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
			AAAA: ip,
		}
	default:
		apex = &dns.CNAME{
			Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
			Target: dns.Fqdn(p.cfg.Target),
		}
	}

	www := &dns.CNAME{
		Hdr:    dns.RR_Header{Name: "www." + name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
		Target: name,
	}
	return []dns.RR{apex, www}
}

func (p *RFC2136) EnsureRecord(ctx context.Context, fqdn string) error {
	if !inZone(fqdn, p.cfg.Zone) {
		p.logger.Warn().
			Str("fqdn", fqdn).
			Str("zone", p.cfg.Zone).
			Msg("Domain outside managed zone, skipping DNS update")
		return nil
	}

	records := p.desiredRecords(fqdn)
	msg := new(dns.Msg)
	msg.SetUpdate(dns.Fqdn(p.cfg.Zone))
	// RemoveName first so a target-type change (CNAME to A) never
	// leaves both record types behind.
	msg.RemoveName(records)
	msg.Insert(records)

	if err := p.exchange(ctx, msg); err != nil {
		return err
	}
	p.logger.Info().
		Str("fqdn", fqdn).
		Str("target", p.cfg.Target).
		Msg("DNS records ensured")
	return nil
}

func (p *RFC2136) DeleteRecord(ctx context.Context, fqdn string) error {
	if !inZone(fqdn, p.cfg.Zone) {
		return nil
	}

	msg := new(dns.Msg)
	msg.SetUpdate(dns.Fqdn(p.cfg.Zone))
	msg.RemoveName(p.desiredRecords(fqdn))

	if err := p.exchange(ctx, msg); err != nil {
		return err
	}
	p.logger.Info().Str("fqdn", fqdn).Msg("DNS records removed")
	return nil
}

func (p *RFC2136) exchange(ctx context.Context, msg *dns.Msg) error {
	client := &dns.Client{Net: "tcp", Timeout: 5 * time.Second}
	if p.cfg.TSIGName != "" {
		keyName := dns.Fqdn(p.cfg.TSIGName)
		msg.SetTsig(keyName, dns.HmacSHA256, 300, time.Now().Unix())
		client.TsigSecret = map[string]string{keyName: p.cfg.TSIGSecret}
	}

	response, _, err := client.ExchangeContext(ctx, msg, p.cfg.ServerAddr)
	if err != nil {
		return types.Transient("dns update", err)
	}
	if response.Rcode != dns.RcodeSuccess {
		return types.Transient("dns update", fmt.Errorf("server returned %s", dns.RcodeToString[response.Rcode]))
	}
	return nil
}
