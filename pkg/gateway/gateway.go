package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/siteforge/steward/pkg/types"
)

// Client is the payment gateway surface the control plane depends on.
// Everything billing-related goes through here; no other package talks
// to the provider.
type Client interface {
	// CreateCustomer registers the payer and returns the gateway id
	// stored as Tenant.CustomerRef.
	CreateCustomer(ctx context.Context, req CreateCustomerRequest) (*Customer, error)

	// CreateSubscription opens the recurring charge for a customer.
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)

	// UpdateSubscription changes the plan on an existing subscription.
	UpdateSubscription(ctx context.Context, subscriptionRef string, req UpdateSubscriptionRequest) (*Subscription, error)

	// CancelSubscription stops future charges. Called on forced delete
	// and when deletion due elapses.
	CancelSubscription(ctx context.Context, subscriptionRef string) error

	// ListOverdueInvoices returns the customer's unpaid invoices past
	// their due date, oldest first.
	ListOverdueInvoices(ctx context.Context, customerRef string) ([]types.Invoice, error)

	// GetInvoice fetches one invoice by gateway id. The lifecycle engine
	// re-reads through this before applying any escalation.
	GetInvoice(ctx context.Context, invoiceID string) (*types.Invoice, error)
}

// Customer is the gateway-side payer record.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateCustomerRequest carries the payer identity. ExternalRef is our
// tenant id so gateway dashboards link back.
type CreateCustomerRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	ExternalRef string `json:"external_reference"`
}

// Subscription is the recurring charge attached to a customer.
type Subscription struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer"`
	Plan       string `json:"plan"`
	Status     string `json:"status"`
}

// CreateSubscriptionRequest opens a subscription on a plan.
type CreateSubscriptionRequest struct {
	CustomerID  string `json:"customer"`
	Plan        string `json:"plan"`
	ExternalRef string `json:"external_reference"`
}

// UpdateSubscriptionRequest changes the plan.
type UpdateSubscriptionRequest struct {
	Plan string `json:"plan"`
}

// VerifyWebhookSignature checks a hex HMAC-SHA256 of body against the
// provider's signature header in constant time. An empty secret
// disables verification and accepts everything.
func VerifyWebhookSignature(secret, signature string, body []byte) bool {
	if secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// wireInvoice is the provider's invoice shape.
type wireInvoice struct {
	ID           string     `json:"id"`
	Customer     string     `json:"customer"`
	Subscription string     `json:"subscription"`
	ExternalRef  string     `json:"external_reference"`
	ValueCents   int64      `json:"value_cents"`
	Currency     string     `json:"currency"`
	DueDate      time.Time  `json:"due_date"`
	Status       string     `json:"status"`
	PaidAt       *time.Time `json:"paid_at,omitempty"`
}

// invoiceStatus maps provider statuses onto ours. RECEIVED and
// CONFIRMED both mean paid.
func invoiceStatus(s string) types.InvoiceStatus {
	switch s {
	case "CONFIRMED", "RECEIVED":
		return types.InvoiceConfirmed
	case "OVERDUE":
		return types.InvoiceOverdue
	case "REFUNDED", "CHARGEBACK":
		return types.InvoiceRefunded
	case "CANCELLED", "DELETED":
		return types.InvoiceCancelled
	default:
		return types.InvoicePending
	}
}

func (w wireInvoice) toInvoice() types.Invoice {
	return types.Invoice{
		ID:              w.ID,
		TenantID:        w.ExternalRef,
		SubscriptionRef: w.Subscription,
		AmountDue:       w.ValueCents,
		Currency:        w.Currency,
		DueDate:         w.DueDate,
		Status:          invoiceStatus(w.Status),
		PaidAt:          w.PaidAt,
	}
}
