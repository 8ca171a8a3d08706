package notify

import (
	"context"
	"fmt"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/types"
)

// Kind names a customer-facing notice.
type Kind string

const (
	KindPaymentReminder Kind = "payment_reminder"
	KindFinalWarning    Kind = "final_warning"
	KindReactivation    Kind = "reactivation"
	KindDeletionNotice  Kind = "deletion_notice"
)

// Notifier delivers lifecycle notices. Delivery is fire-and-forget:
// callers log failures and move on, a lost notice never blocks or
// reverts a transition.
type Notifier interface {
	// Send delivers the notice for kind. invoice may be nil for kinds
	// that do not reference one.
	Send(ctx context.Context, kind Kind, tenant *types.Tenant, invoice *types.Invoice) error

	// NotifyOps posts to the operator channel, if one is configured.
	NotifyOps(ctx context.Context, subject, text string) error
}

// New builds the notifier selected by the configuration.
func New(cfg config.NotifyConfig) (Notifier, error) {
	switch cfg.Mode {
	case "smtp":
		return NewService(cfg), nil
	case "log":
		return NewLogNotifier(), nil
	default:
		return nil, fmt.Errorf("unknown notify mode %q", cfg.Mode)
	}
}

// message is a rendered notice.
type message struct {
	Subject string
	Body    string
}

func render(kind Kind, tenant *types.Tenant, invoice *types.Invoice) message {
	switch kind {
	case KindPaymentReminder:
		m := message{
			Subject: fmt.Sprintf("Payment reminder for %s", tenant.Domain),
			Body: fmt.Sprintf(
				"Hello,\n\nWe have not received payment for %s. Your site at https://%s stays online, but please settle the open invoice to avoid a suspension.\n",
				tenant.BusinessName, tenant.Domain),
		}
		if invoice != nil {
			m.Body += fmt.Sprintf("\nOpen invoice: %s, amount %s, due %s.\n",
				invoice.ID, formatAmount(invoice.AmountDue, invoice.Currency), invoice.DueDate.Format("2006-01-02"))
		}
		return m

	case KindFinalWarning:
		m := message{
			Subject: fmt.Sprintf("Final warning: %s will be scheduled for deletion", tenant.Domain),
			Body: fmt.Sprintf(
				"Hello,\n\nYour site %s has been suspended for non-payment and will be scheduled for deletion if the open invoice stays unpaid. Settle it now to restore service immediately.\n",
				tenant.Domain),
		}
		if invoice != nil {
			m.Body += fmt.Sprintf("\nOpen invoice: %s, amount %s, due %s.\n",
				invoice.ID, formatAmount(invoice.AmountDue, invoice.Currency), invoice.DueDate.Format("2006-01-02"))
		}
		return m

	case KindReactivation:
		return message{
			Subject: fmt.Sprintf("%s is back online", tenant.Domain),
			Body: fmt.Sprintf(
				"Hello,\n\nPayment received. Your site at https://%s has been reactivated.\n\nThank you for staying with us.\n",
				tenant.Domain),
		}

	case KindDeletionNotice:
		m := message{
			Subject: fmt.Sprintf("%s is scheduled for deletion", tenant.Domain),
			Body: fmt.Sprintf(
				"Hello,\n\nYour site %s has been scheduled for deletion. A final backup has been taken.\n",
				tenant.Domain),
		}
		if tenant.DeletionDueAt != nil {
			m.Body += fmt.Sprintf("Deletion happens after %s unless payment arrives first.\n",
				tenant.DeletionDueAt.Format("2006-01-02 15:04 MST"))
		}
		return m
	}

	return message{Subject: string(kind), Body: string(kind)}
}

func formatAmount(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}
