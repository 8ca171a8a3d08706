package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewHTTPClient(config.GatewayConfig{
		BaseURL:        server.URL,
		APIKey:         "test-key",
		RequestTimeout: config.Duration{Duration: 2 * time.Second},
	})
}

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"event":"PAYMENT_CONFIRMED"}`)
	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write(body)
	good := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifyWebhookSignature("shh", good, body))
	assert.False(t, VerifyWebhookSignature("shh", good, []byte(`{"event":"tampered"}`)))
	assert.False(t, VerifyWebhookSignature("shh", "deadbeef", body))

	// Empty secret disables verification.
	assert.True(t, VerifyWebhookSignature("", "anything", body))
}

func TestGetInvoiceMapsProviderFields(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "/invoices/inv_123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "inv_123",
			"customer": "cus_9",
			"subscription": "sub_4",
			"external_reference": "acme_a1b2c3",
			"value_cents": 9900,
			"currency": "USD",
			"due_date": "2026-08-01T00:00:00Z",
			"status": "OVERDUE"
		}`))
	}))

	invoice, err := client.GetInvoice(context.Background(), "inv_123")
	require.NoError(t, err)
	assert.Equal(t, "inv_123", invoice.ID)
	assert.Equal(t, "acme_a1b2c3", invoice.TenantID)
	assert.Equal(t, "sub_4", invoice.SubscriptionRef)
	assert.Equal(t, int64(9900), invoice.AmountDue)
	assert.Equal(t, types.InvoiceOverdue, invoice.Status)
	assert.Nil(t, invoice.PaidAt)
}

func TestRetriesTransientFailures(t *testing.T) {
	var requests atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"inv_1","external_reference":"t1","status":"PENDING","due_date":"2026-08-01T00:00:00Z"}`))
	}))

	invoice, err := client.GetInvoice(context.Background(), "inv_1")
	require.NoError(t, err)
	assert.Equal(t, types.InvoicePending, invoice.Status)
	assert.Equal(t, int32(3), requests.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var requests atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"plan unknown"}`))
	}))

	_, err := client.CreateSubscription(context.Background(), CreateSubscriptionRequest{CustomerID: "cus_1", Plan: "bogus"})
	require.Error(t, err)
	assert.True(t, types.IsPermanent(err))
	assert.Equal(t, int32(1), requests.Load())
}

func TestNotFoundSurfacesSentinel(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.GetInvoice(context.Background(), "inv_missing")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestListOverdueInvoices(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "OVERDUE", r.URL.Query().Get("status"))
		assert.Equal(t, "cus_7", r.URL.Query().Get("customer"))
		w.Write([]byte(`{"data":[
			{"id":"inv_1","external_reference":"t1","status":"OVERDUE","due_date":"2026-08-01T00:00:00Z"},
			{"id":"inv_2","external_reference":"t1","status":"OVERDUE","due_date":"2026-08-10T00:00:00Z"}
		]}`))
	}))

	invoices, err := client.ListOverdueInvoices(context.Background(), "cus_7")
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, "inv_1", invoices[0].ID)
	assert.Equal(t, types.InvoiceOverdue, invoices[1].Status)
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	var requests atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.GetInvoice(context.Background(), "inv_1")
	require.Error(t, err)
	assert.Equal(t, int32(retryAttempts), requests.Load(), "all retry budget spent against the failing upstream")

	// The breaker is now open: the next call fails without reaching the
	// server.
	_, err = client.GetInvoice(context.Background(), "inv_1")
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
	assert.Equal(t, int32(retryAttempts), requests.Load())
}

func TestFakeSubscriptionLifecycle(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()

	customer, err := fake.CreateCustomer(ctx, CreateCustomerRequest{Name: "Acme", Email: "owner@acme.com"})
	require.NoError(t, err)

	subscription, err := fake.CreateSubscription(ctx, CreateSubscriptionRequest{CustomerID: customer.ID, Plan: "professional"})
	require.NoError(t, err)

	updated, err := fake.UpdateSubscription(ctx, subscription.ID, UpdateSubscriptionRequest{Plan: "business"})
	require.NoError(t, err)
	assert.Equal(t, "business", updated.Plan)

	require.NoError(t, fake.CancelSubscription(ctx, subscription.ID))
	assert.True(t, fake.Cancelled(subscription.ID))

	_, err = fake.CreateSubscription(ctx, CreateSubscriptionRequest{CustomerID: "cus_unknown", Plan: "starter"})
	require.ErrorIs(t, err, types.ErrNotFound)
}
