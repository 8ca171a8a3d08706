package dns

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/log"
)

// Provider manages the public records pointing tenant domains at the
// ingress. Called on provision success, reactivation and deletion.
type Provider interface {
	// EnsureRecord publishes fqdn and www.fqdn. Domains outside the
	// managed zone are skipped; their owners run their own DNS.
	EnsureRecord(ctx context.Context, fqdn string) error

	// DeleteRecord removes every record for fqdn and www.fqdn.
	DeleteRecord(ctx context.Context, fqdn string) error
}

// New builds the provider selected by the configuration.
func New(cfg config.DNSConfig) (Provider, error) {
	switch cfg.Mode {
	case "rfc2136":
		return NewRFC2136(cfg), nil
	case "log":
		return NewLogProvider(), nil
	default:
		return nil, fmt.Errorf("unknown dns mode %q", cfg.Mode)
	}
}

// inZone reports whether fqdn belongs to the managed zone.
func inZone(fqdn, zone string) bool {
	if zone == "" {
		return false
	}
	f := strings.TrimSuffix(strings.ToLower(fqdn), ".")
	z := strings.TrimSuffix(strings.ToLower(zone), ".")
	return f == z || strings.HasSuffix(f, "."+z)
}

// LogProvider records intents without touching a DNS server. Default
// for development; doubles as the test seam.
type LogProvider struct {
	mu      sync.Mutex
	records map[string]bool

	// Err, when set, is returned by every call.
	Err error
}

// NewLogProvider returns an empty recording provider.
func NewLogProvider() *LogProvider {
	return &LogProvider{records: map[string]bool{}}
}

// Ensured reports whether fqdn currently has a record.
func (p *LogProvider) Ensured(fqdn string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[strings.TrimSuffix(fqdn, ".")]
}

func (p *LogProvider) EnsureRecord(ctx context.Context, fqdn string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	name := strings.TrimSuffix(fqdn, ".")
	p.records[name] = true
	p.records["www."+name] = true
	logger := log.WithComponent("dns")
	logger.Info().Str("fqdn", name).Msg("DNS record ensure recorded")
	return nil
}

func (p *LogProvider) DeleteRecord(ctx context.Context, fqdn string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	name := strings.TrimSuffix(fqdn, ".")
	delete(p.records, name)
	delete(p.records, "www."+name)
	logger := log.WithComponent("dns")
	logger.Info().Str("fqdn", name).Msg("DNS record delete recorded")
	return nil
}
