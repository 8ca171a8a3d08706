package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteforge/steward/pkg/storage"
	"github.com/siteforge/steward/pkg/types"
)

const testSecret = "whsec_test"

type busCapture struct {
	mu     sync.Mutex
	events []*types.DomainEvent
}

func (b *busCapture) Publish(event *types.DomainEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *busCapture) all() []*types.DomainEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.DomainEvent(nil), b.events...)
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func newIngestor(t *testing.T) (*Ingestor, *busCapture, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := &busCapture{}
	ingestor := New(store, bus, testSecret)
	return ingestor, bus, store
}

func seedTenant(t *testing.T, store storage.Store, id string) *types.Tenant {
	t.Helper()
	tenant := &types.Tenant{
		ID:              id,
		Domain:          id + ".example.com",
		State:           types.StateActive,
		StateSince:      time.Now().UTC(),
		CustomerRef:     "cus_" + id,
		SubscriptionRef: "sub_" + id,
		Infrastructure:  types.NewInfrastructureRef(id),
	}
	require.NoError(t, store.CreateTenant(tenant))
	return tenant
}

func post(ingestor *Ingestor, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/system/webhooks/payments", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	ingestor.ServeHTTP(rec, req)
	return rec
}

func TestPaymentConfirmedPublished(t *testing.T) {
	ingestor, bus, store := newIngestor(t)
	seedTenant(t, store, "padariarosa_a1b2c3")

	body := `{"id":"evt_1","event":"PAYMENT_CONFIRMED","payment":{"id":"pay_9","externalReference":"padariarosa_a1b2c3"}}`
	rec := post(ingestor, body, sign(testSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	events := bus.all()
	require.Len(t, events, 1)
	assert.Equal(t, types.EventPaymentConfirmed, events[0].Type)
	assert.Equal(t, "padariarosa_a1b2c3", events[0].TenantID)
	assert.Equal(t, "pay_9", events[0].InvoiceID)
	assert.Equal(t, "evt_1", events[0].ID)
}

func TestPaymentReceivedAlsoConfirms(t *testing.T) {
	ingestor, bus, store := newIngestor(t)
	seedTenant(t, store, "padariarosa_a1b2c3")

	body := `{"id":"evt_2","event":"PAYMENT_RECEIVED","payment":{"id":"pay_9","externalReference":"padariarosa_a1b2c3"}}`
	post(ingestor, body, sign(testSecret, body))

	events := bus.all()
	require.Len(t, events, 1)
	assert.Equal(t, types.EventPaymentConfirmed, events[0].Type)
}

func TestBadSignatureDroppedWith200(t *testing.T) {
	ingestor, bus, store := newIngestor(t)
	seedTenant(t, store, "padariarosa_a1b2c3")

	body := `{"event":"PAYMENT_CONFIRMED","payment":{"id":"p1"}}`
	rec := post(ingestor, body, "deadbeef")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, bus.all())
}

func TestMissingSignatureDropped(t *testing.T) {
	ingestor, bus, store := newIngestor(t)
	seedTenant(t, store, "padariarosa_a1b2c3")

	body := `{"id":"evt_3","event":"PAYMENT_CONFIRMED","payment":{"externalReference":"padariarosa_a1b2c3"}}`
	rec := post(ingestor, body, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, bus.all())
}

func TestNoSecretAcceptsAnySignature(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	seedTenant(t, store, "padariarosa_a1b2c3")

	bus := &busCapture{}
	ingestor := New(store, bus, "")

	body := `{"id":"evt_4","event":"PAYMENT_CONFIRMED","payment":{"externalReference":"padariarosa_a1b2c3"}}`
	post(ingestor, body, "deadbeef")

	assert.Len(t, bus.all(), 1)
}

func TestOverdueIgnored(t *testing.T) {
	ingestor, bus, store := newIngestor(t)
	seedTenant(t, store, "padariarosa_a1b2c3")

	body := `{"id":"evt_5","event":"PAYMENT_OVERDUE","payment":{"externalReference":"padariarosa_a1b2c3"}}`
	rec := post(ingestor, body, sign(testSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, bus.all())
}

func TestUnknownEventDropped(t *testing.T) {
	ingestor, bus, store := newIngestor(t)
	seedTenant(t, store, "padariarosa_a1b2c3")

	body := `{"id":"evt_6","event":"PAYMENT_SPLIT_DIVERGENCE_BLOCK","payment":{"externalReference":"padariarosa_a1b2c3"}}`
	rec := post(ingestor, body, sign(testSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, bus.all())
}

func TestMalformedBodyDroppedWith200(t *testing.T) {
	ingestor, bus, _ := newIngestor(t)

	body := `{"event": nope`
	rec := post(ingestor, body, sign(testSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, bus.all())
}

func TestReversalEvents(t *testing.T) {
	for _, gatewayEvent := range []string{"PAYMENT_REFUNDED", "PAYMENT_CHARGEBACK_REQUESTED"} {
		t.Run(gatewayEvent, func(t *testing.T) {
			ingestor, bus, store := newIngestor(t)
			seedTenant(t, store, "padariarosa_a1b2c3")

			body := `{"id":"evt_7","event":"` + gatewayEvent + `","payment":{"id":"pay_1","externalReference":"padariarosa_a1b2c3"}}`
			post(ingestor, body, sign(testSecret, body))

			events := bus.all()
			require.Len(t, events, 1)
			assert.Equal(t, types.EventPaymentReversed, events[0].Type)
		})
	}
}

func TestSubscriptionDeleted(t *testing.T) {
	ingestor, bus, store := newIngestor(t)
	tenant := seedTenant(t, store, "padariarosa_a1b2c3")

	body := `{"id":"evt_8","event":"SUBSCRIPTION_DELETED","subscription":{"id":"` + tenant.SubscriptionRef + `"}}`
	post(ingestor, body, sign(testSecret, body))

	events := bus.all()
	require.Len(t, events, 1)
	assert.Equal(t, types.EventSubscriptionCancelled, events[0].Type)
	assert.Equal(t, tenant.ID, events[0].TenantID)
}

func TestResolvesByCustomerRef(t *testing.T) {
	ingestor, bus, store := newIngestor(t)
	tenant := seedTenant(t, store, "padariarosa_a1b2c3")

	body := `{"id":"evt_9","event":"PAYMENT_CONFIRMED","payment":{"id":"pay_1","customer":"` + tenant.CustomerRef + `"}}`
	post(ingestor, body, sign(testSecret, body))

	events := bus.all()
	require.Len(t, events, 1)
	assert.Equal(t, tenant.ID, events[0].TenantID)
}

func TestUnresolvableTenantDropped(t *testing.T) {
	ingestor, bus, _ := newIngestor(t)

	body := `{"id":"evt_10","event":"PAYMENT_CONFIRMED","payment":{"id":"pay_1","customer":"cus_unknown"}}`
	rec := post(ingestor, body, sign(testSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, bus.all())
}

func TestDuplicateSuppressed(t *testing.T) {
	ingestor, bus, store := newIngestor(t)
	seedTenant(t, store, "padariarosa_a1b2c3")

	body := `{"id":"evt_11","event":"PAYMENT_CONFIRMED","payment":{"id":"pay_1","externalReference":"padariarosa_a1b2c3"}}`
	post(ingestor, body, sign(testSecret, body))
	post(ingestor, body, sign(testSecret, body))

	assert.Len(t, bus.all(), 1)
}

func TestSynthesizedEventIDDeduplicates(t *testing.T) {
	ingestor, bus, store := newIngestor(t)
	seedTenant(t, store, "padariarosa_a1b2c3")

	// No gateway event id: the ingestor hashes the normalized body.
	body := `{"event":"PAYMENT_CONFIRMED","payment":{"id":"pay_1","externalReference":"padariarosa_a1b2c3"}}`
	post(ingestor, body, sign(testSecret, body))
	post(ingestor, body, sign(testSecret, body))

	events := bus.all()
	require.Len(t, events, 1)
	assert.True(t, strings.HasPrefix(events[0].ID, "evt_"))

	other := `{"event":"PAYMENT_CONFIRMED","payment":{"id":"pay_2","externalReference":"padariarosa_a1b2c3"}}`
	post(ingestor, other, sign(testSecret, other))
	assert.Len(t, bus.all(), 2)
}
