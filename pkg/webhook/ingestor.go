// Package webhook normalizes payment gateway notifications into domain
// events. The ingestor trusts nothing about the sender: signatures are
// verified over the raw body, unknown event types are dropped, and the
// response is 200 regardless so the gateway never enters a retry storm.
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/siteforge/steward/pkg/gateway"
	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/metrics"
	"github.com/siteforge/steward/pkg/storage"
	"github.com/siteforge/steward/pkg/types"
)

// SignatureHeader carries the gateway's hex HMAC-SHA256 of the body.
const SignatureHeader = "X-Signature"

// dedupTTL bounds the window in which a replayed notification is
// recognized as a duplicate.
const dedupTTL = 24 * time.Hour

// maxBodyBytes caps inbound payloads. Gateway notifications are small.
const maxBodyBytes = 1 << 20

// Publisher is the bus surface normalized events go out on.
type Publisher interface {
	Publish(event *types.DomainEvent) error
}

// translations maps gateway event names onto the internal set. Absent
// names are logged and dropped; PAYMENT_OVERDUE is deliberately absent
// because the dunning scanner is authoritative for overdue handling.
var translations = map[string]types.EventType{
	"PAYMENT_CONFIRMED":            types.EventPaymentConfirmed,
	"PAYMENT_RECEIVED":             types.EventPaymentConfirmed,
	"PAYMENT_REFUNDED":             types.EventPaymentReversed,
	"PAYMENT_CHARGEBACK_REQUESTED": types.EventPaymentReversed,
	"SUBSCRIPTION_DELETED":         types.EventSubscriptionCancelled,
}

// notification is the gateway's wire shape. Unknown fields are
// discarded on decode rather than carried forward.
type notification struct {
	ID      string `json:"id,omitempty"`
	Event   string `json:"event"`
	Payment struct {
		ID                string `json:"id,omitempty"`
		Customer          string `json:"customer,omitempty"`
		Subscription      string `json:"subscription,omitempty"`
		ExternalReference string `json:"externalReference,omitempty"`
	} `json:"payment,omitempty"`
	Subscription struct {
		ID                string `json:"id,omitempty"`
		Customer          string `json:"customer,omitempty"`
		ExternalReference string `json:"externalReference,omitempty"`
	} `json:"subscription,omitempty"`
}

// Ingestor verifies, deduplicates and translates gateway webhooks.
type Ingestor struct {
	store  storage.Store
	bus    Publisher
	secret string
	seen   *gocache.Cache
	logger zerolog.Logger
	now    func() time.Time
}

func New(store storage.Store, bus Publisher, webhookSecret string) *Ingestor {
	return &Ingestor{
		store:  store,
		bus:    bus,
		secret: webhookSecret,
		seen:   gocache.New(dedupTTL, dedupTTL/4),
		logger: log.WithComponent("webhook"),
		now:    time.Now,
	}
}

// ServeHTTP handles POST /system/webhooks/payments. The status is 200
// for every readable request; outcomes are visible through counters
// and logs only.
func (i *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer i.respond(w)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		i.count("unreadable", "dropped")
		return
	}

	if !gateway.VerifyWebhookSignature(i.secret, r.Header.Get(SignatureHeader), body) {
		metrics.WebhookInvalidSignature.Inc()
		i.count("unverified", "invalid_signature")
		i.logger.Warn().Int("body_bytes", len(body)).Msg("Webhook signature mismatch, dropping")
		return
	}

	var note notification
	if err := json.Unmarshal(body, &note); err != nil {
		i.count("unparseable", "dropped")
		i.logger.Warn().Err(err).Msg("Webhook body is not valid JSON, dropping")
		return
	}

	i.ingest(&note)
}

func (i *Ingestor) respond(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
}

func (i *Ingestor) ingest(note *notification) {
	eventName := strings.ToUpper(strings.TrimSpace(note.Event))

	if eventName == "PAYMENT_OVERDUE" {
		// The dunning scanner owns overdue escalation.
		i.count(eventName, "ignored")
		return
	}

	eventType, known := translations[eventName]
	if !known {
		i.count(eventName, "dropped")
		i.logger.Info().Str("event", note.Event).Msg("Unknown gateway event, dropping")
		return
	}

	eventID := note.ID
	if eventID == "" {
		eventID = synthesizeEventID(note)
	}

	tenantID, err := i.resolveTenant(note)
	if err != nil {
		i.count(eventName, "unresolved")
		i.logger.Warn().Err(err).
			Str("event", note.Event).
			Str("event_id", eventID).
			Msg("Webhook does not resolve to a tenant, dropping")
		return
	}

	if i.duplicate(eventID, tenantID, note.Payment.ID) {
		i.count(eventName, "duplicate")
		return
	}

	event := &types.DomainEvent{
		ID:        eventID,
		Type:      eventType,
		TenantID:  tenantID,
		InvoiceID: note.Payment.ID,
		Timestamp: i.now().UTC(),
	}
	if err := i.bus.Publish(event); err != nil {
		i.count(eventName, "dropped")
		i.logger.Error().Err(err).
			Str("event_id", eventID).
			Str("tenant_id", tenantID).
			Msg("Webhook event publish failed")
		return
	}

	i.count(eventName, "published")
	i.logger.Info().
		Str("event", note.Event).
		Str("event_id", eventID).
		Str("tenant_id", tenantID).
		Str("invoice_id", note.Payment.ID).
		Msg("Webhook event published")
}

// resolveTenant maps a notification to a tenant id. externalReference
// carries the tenant id when the subscription was created by us; the
// fallbacks cover notifications for objects created out of band.
func (i *Ingestor) resolveTenant(note *notification) (string, error) {
	for _, ref := range []string{note.Payment.ExternalReference, note.Subscription.ExternalReference} {
		if ref == "" {
			continue
		}
		if _, err := i.store.GetTenant(ref); err == nil {
			return ref, nil
		}
	}

	subscription := note.Payment.Subscription
	if subscription == "" {
		subscription = note.Subscription.ID
	}
	customer := note.Payment.Customer
	if customer == "" {
		customer = note.Subscription.Customer
	}
	if subscription == "" && customer == "" {
		return "", types.ErrWebhookIgnored
	}

	tenants, err := i.store.ListTenants()
	if err != nil {
		return "", err
	}
	match, found := lo.Find(tenants, func(t *types.Tenant) bool {
		if subscription != "" && t.SubscriptionRef == subscription {
			return true
		}
		return customer != "" && t.CustomerRef == customer
	})
	if !found {
		return "", types.ErrWebhookIgnored
	}
	return match.ID, nil
}

// duplicate records the dedup key and reports whether it was already
// present inside the TTL window.
func (i *Ingestor) duplicate(eventID, tenantID, invoiceID string) bool {
	key := eventID + "|" + tenantID + "|" + invoiceID
	if _, seen := i.seen.Get(key); seen {
		return true
	}
	i.seen.Set(key, struct{}{}, gocache.DefaultExpiration)
	return false
}

// synthesizeEventID derives a stable id for gateways that omit one:
// the hash of the decoded notification, which normalizes field order
// and drops unknown fields.
func synthesizeEventID(note *notification) string {
	normalized, err := json.Marshal(note)
	if err != nil {
		return "evt_unknown"
	}
	sum := sha256.Sum256(normalized)
	return "evt_" + hex.EncodeToString(sum[:16])
}

func (i *Ingestor) count(event, action string) {
	metrics.WebhookEventsTotal.WithLabelValues(event, action).Inc()
}
