package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/siteforge/steward/pkg/types"
)

// Fake is an in-memory Client used by tests and by log-mode runs where
// no provider is configured.
type Fake struct {
	mu            sync.Mutex
	customers     map[string]Customer
	subscriptions map[string]Subscription
	invoices      map[string]types.Invoice
	overdue       map[string][]types.Invoice
	cancelled     map[string]bool
	nextID        int

	// Err, when set, is returned by every call.
	Err error
}

// NewFake returns an empty fake gateway.
func NewFake() *Fake {
	return &Fake{
		customers:     map[string]Customer{},
		subscriptions: map[string]Subscription{},
		invoices:      map[string]types.Invoice{},
		overdue:       map[string][]types.Invoice{},
		cancelled:     map[string]bool{},
	}
}

// SetInvoice seeds an invoice for GetInvoice.
func (f *Fake) SetInvoice(invoice types.Invoice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[invoice.ID] = invoice
}

// SetOverdue seeds the ListOverdueInvoices result for a customer.
func (f *Fake) SetOverdue(customerRef string, invoices ...types.Invoice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overdue[customerRef] = invoices
	for _, invoice := range invoices {
		f.invoices[invoice.ID] = invoice
	}
}

// Cancelled reports whether the subscription was cancelled.
func (f *Fake) Cancelled(subscriptionRef string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[subscriptionRef]
}

func (f *Fake) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (*Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.nextID++
	customer := Customer{
		ID:    fmt.Sprintf("cus_%06d", f.nextID),
		Name:  req.Name,
		Email: req.Email,
	}
	f.customers[customer.ID] = customer
	return &customer, nil
}

func (f *Fake) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if _, ok := f.customers[req.CustomerID]; !ok {
		return nil, types.Permanent("fake gateway", types.ErrNotFound)
	}
	f.nextID++
	subscription := Subscription{
		ID:         fmt.Sprintf("sub_%06d", f.nextID),
		CustomerID: req.CustomerID,
		Plan:       req.Plan,
		Status:     "ACTIVE",
	}
	f.subscriptions[subscription.ID] = subscription
	return &subscription, nil
}

func (f *Fake) UpdateSubscription(ctx context.Context, subscriptionRef string, req UpdateSubscriptionRequest) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	subscription, ok := f.subscriptions[subscriptionRef]
	if !ok {
		return nil, types.Permanent("fake gateway", types.ErrNotFound)
	}
	subscription.Plan = req.Plan
	f.subscriptions[subscriptionRef] = subscription
	return &subscription, nil
}

func (f *Fake) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.cancelled[subscriptionRef] = true
	if subscription, ok := f.subscriptions[subscriptionRef]; ok {
		subscription.Status = "CANCELLED"
		f.subscriptions[subscriptionRef] = subscription
	}
	return nil
}

func (f *Fake) ListOverdueInvoices(ctx context.Context, customerRef string) ([]types.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]types.Invoice, len(f.overdue[customerRef]))
	copy(out, f.overdue[customerRef])
	return out, nil
}

func (f *Fake) GetInvoice(ctx context.Context, invoiceID string) (*types.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	invoice, ok := f.invoices[invoiceID]
	if !ok {
		return nil, types.Permanent("fake gateway", types.ErrNotFound)
	}
	return &invoice, nil
}
