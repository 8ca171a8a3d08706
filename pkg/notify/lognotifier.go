package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/types"
)

// SentNotice is one recorded Send call.
type SentNotice struct {
	Kind     Kind
	TenantID string
}

// LogNotifier records notices instead of delivering them. It backs the
// log notify mode and the test suites.
type LogNotifier struct {
	mu     sync.Mutex
	sent   []SentNotice
	ops    []string
	logger zerolog.Logger

	// Err, when set, is returned from every Send.
	Err error
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("notify")}
}

func (n *LogNotifier) Send(_ context.Context, kind Kind, tenant *types.Tenant, invoice *types.Invoice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.sent = append(n.sent, SentNotice{Kind: kind, TenantID: tenant.ID})
	evt := n.logger.Info().
		Str("tenant_id", tenant.ID).
		Str("kind", string(kind))
	if invoice != nil {
		evt = evt.Str("invoice_id", invoice.ID)
	}
	evt.Msg("Notification recorded")
	return nil
}

func (n *LogNotifier) NotifyOps(_ context.Context, subject, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.ops = append(n.ops, subject)
	n.logger.Info().Str("subject", subject).Str("text", text).Msg("Operator notice recorded")
	return nil
}

// Sent returns a copy of the recorded notices.
func (n *LogNotifier) Sent() []SentNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]SentNotice, len(n.sent))
	copy(out, n.sent)
	return out
}

// OpsNotices returns the subjects of recorded operator notices.
func (n *LogNotifier) OpsNotices() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.ops))
	copy(out, n.ops)
	return out
}
