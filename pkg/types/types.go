package types

import (
	"fmt"
	"time"
)

// Tenant is the primary aggregate: one paying customer's isolated
// WordPress instance and its lifecycle record. Keyed by ID (opaque,
// URL-safe, at most 32 chars).
type Tenant struct {
	ID           string
	BusinessName string
	Domain       string // FQDN, unique across tenants
	Industry     string
	PlanTier     PlanTier
	OwnerUserID  string
	ContactEmail string // dunning and lifecycle notices go here

	State         LifecycleState
	StateSince    time.Time
	GraceAnchor   *time.Time // first day an unpaid invoice went overdue
	DeletionDueAt *time.Time // set when state reaches ScheduledForDeletion

	CustomerRef     string // gateway customer id
	SubscriptionRef string // gateway subscription id

	Infrastructure InfrastructureRef

	// CredentialsBlob holds the sealed SiteCredentials (AES-256-GCM).
	// Written once by the provisioner. The plaintext is recoverable
	// through the one-shot reveal channel only.
	CredentialsBlob       []byte
	CredentialsRevealedAt *time.Time

	// SlackWebhookURL enables the optional out-of-band notification
	// channel for this tenant. Empty means email only.
	SlackWebhookURL string

	TemplateID     string
	FieldOverrides map[string]string

	// CompletedSteps records provision workflow progress so a resumed
	// run skips what already succeeded.
	CompletedSteps map[string]time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlanTier determines resource sizing and the plugin matrix.
type PlanTier string

const (
	PlanStarter      PlanTier = "starter"
	PlanProfessional PlanTier = "professional"
	PlanBusiness     PlanTier = "business"
	PlanAgency       PlanTier = "agency"
)

// ValidPlanTier reports whether p is a known tier.
func ValidPlanTier(p PlanTier) bool {
	switch p {
	case PlanStarter, PlanProfessional, PlanBusiness, PlanAgency:
		return true
	}
	return false
}

// LifecycleState is the tenant's position in the billing-linked lifecycle.
type LifecycleState string

const (
	StateProvisioning         LifecycleState = "provisioning"
	StateActive               LifecycleState = "active"
	StateWarningSent          LifecycleState = "warning_sent"
	StateSuspended            LifecycleState = "suspended"
	StateFinalWarningSent     LifecycleState = "final_warning_sent"
	StateScheduledForDeletion LifecycleState = "scheduled_for_deletion"
	StateDeleted              LifecycleState = "deleted"
	StateProvisioningFailed   LifecycleState = "provisioning_failed"
)

// Suspendable reports whether PaymentConfirmed can reactivate from s.
func (s LifecycleState) Suspendable() bool {
	switch s {
	case StateWarningSent, StateSuspended, StateFinalWarningSent, StateScheduledForDeletion:
		return true
	}
	return false
}

// Terminal reports whether no further event-driven transitions exist.
func (s LifecycleState) Terminal() bool {
	return s == StateDeleted || s == StateProvisioningFailed
}

// SiteCredentials holds everything generated once at provisioning.
// Never logged; persisted only inside Tenant.CredentialsBlob.
type SiteCredentials struct {
	AdminUser      string `json:"admin_user"`
	AdminPassword  string `json:"admin_password"`
	AdminEmail     string `json:"admin_email"`
	DBName         string `json:"db_name"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"db_password"`
	DBRootPassword string `json:"db_root_password"`
	CachePassword  string `json:"cache_password"`
}

// Zero overwrites every secret field. Called on rollback so failed
// provisions leave nothing recoverable.
func (c *SiteCredentials) Zero() {
	c.AdminUser = ""
	c.AdminPassword = ""
	c.AdminEmail = ""
	c.DBName = ""
	c.DBUser = ""
	c.DBPassword = ""
	c.DBRootPassword = ""
	c.CachePassword = ""
}

// InfrastructureRef names every orchestrator object owned by a tenant.
// All names derive deterministically from the tenant id; the scheme is
// permanent.
type InfrastructureRef struct {
	Namespace     string
	WPDeployment  string
	DBDeployment  string
	WPService     string
	DBService     string
	WPVolumeClaim string
	DBVolumeClaim string
	Ingress       string
	BackupCronJob string
}

// NewInfrastructureRef derives the orchestrator object names for a tenant.
func NewInfrastructureRef(tenantID string) InfrastructureRef {
	return InfrastructureRef{
		Namespace:     "client-" + tenantID,
		WPDeployment:  "wp-" + tenantID,
		DBDeployment:  "db-" + tenantID,
		WPService:     "wp-" + tenantID,
		DBService:     "db-" + tenantID,
		WPVolumeClaim: "wp-data-" + tenantID,
		DBVolumeClaim: "db-data-" + tenantID,
		Ingress:       "ing-" + tenantID,
		BackupCronJob: "backup-" + tenantID,
	}
}

// Invoice mirrors a gateway invoice, keyed by the gateway id.
type Invoice struct {
	ID              string
	TenantID        string
	SubscriptionRef string
	AmountDue       int64 // minor currency units
	Currency        string
	DueDate         time.Time
	Status          InvoiceStatus
	PaidAt          *time.Time
}

// InvoiceStatus is the gateway-side status of an invoice. Confirmed is
// terminal with respect to dunning.
type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoiceConfirmed InvoiceStatus = "confirmed"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceRefunded  InvoiceStatus = "refunded"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// DaysOverdue computes floor((now - dueDate) / 24h), never negative.
func (i *Invoice) DaysOverdue(now time.Time) int {
	if !now.After(i.DueDate) {
		return 0
	}
	return int(now.Sub(i.DueDate) / (24 * time.Hour))
}

// LifecycleEvent is one row of the append-only per-tenant audit stream.
type LifecycleEvent struct {
	Seq      uint64
	TenantID string
	From     LifecycleState
	To       LifecycleState
	Reason   TransitionReason
	// Cause identifies the trigger origin: a payment id, "timer",
	// "admin" or "webhook".
	Cause     string
	EventID   string
	Timestamp time.Time
}

// TransitionReason names the trigger that caused a transition.
type TransitionReason string

const (
	ReasonProvisionSucceeded TransitionReason = "provision_succeeded"
	ReasonProvisionFailed    TransitionReason = "provision_failed"
	ReasonOverdueD3          TransitionReason = "overdue_d3"
	ReasonOverdueD7          TransitionReason = "overdue_d7"
	ReasonOverdueD15         TransitionReason = "overdue_d15"
	ReasonOverdueD30         TransitionReason = "overdue_d30"
	ReasonPaymentConfirmed   TransitionReason = "payment_confirmed"
	ReasonDeletionDueElapsed TransitionReason = "deletion_due_elapsed"
	ReasonForcedDelete       TransitionReason = "forced_delete"
)

// BackupKind selects the retention class of a backup.
type BackupKind string

const (
	BackupDaily   BackupKind = "daily"
	BackupWeekly  BackupKind = "weekly"
	BackupMonthly BackupKind = "monthly"
	BackupFinal   BackupKind = "final"
)

// ValidBackupKind reports whether k is a known kind.
func ValidBackupKind(k BackupKind) bool {
	switch k {
	case BackupDaily, BackupWeekly, BackupMonthly, BackupFinal:
		return true
	}
	return false
}

// RetentionDays returns the store-side retention for a kind. Zero means
// the object is kept until an explicit admin delete.
func (k BackupKind) RetentionDays() int {
	switch k {
	case BackupDaily:
		return 30
	case BackupWeekly:
		return 56
	case BackupMonthly:
		return 360
	default:
		return 0
	}
}

// RetentionClass is the label recorded on BackupRecord and in archive
// metadata.
func (k BackupKind) RetentionClass() string {
	if d := k.RetentionDays(); d > 0 {
		return fmt.Sprintf("%s-%dd", k, d)
	}
	return string(k) + "-forever"
}

// BackupRecord is written once per successful backup.
type BackupRecord struct {
	ID             string // also the object filename stem
	TenantID       string
	Kind           BackupKind
	CreatedAt      time.Time
	SizeBytes      int64
	Checksum       string // SHA-256 of the archive, hex
	ObjectKey      string
	RetentionClass string
}

// ProvisionRequest is the input to the provisioning workflow.
type ProvisionRequest struct {
	BusinessName   string            `json:"business_name" validate:"required,min=2,max=128"`
	Domain         string            `json:"domain" validate:"required,fqdn"`
	Industry       string            `json:"industry" validate:"required,min=2,max=64"`
	PlanTier       PlanTier          `json:"plan_tier" validate:"required,oneof=starter professional business agency"`
	OwnerUserID    string            `json:"owner_user_id" validate:"required"`
	OwnerEmail     string            `json:"owner_email" validate:"omitempty,email"`
	TemplateID     string            `json:"template_id" validate:"omitempty,max=64"`
	FieldOverrides map[string]string `json:"field_overrides" validate:"omitempty,max=64"`
	// SlackWebhookURL registers the optional out-of-band channel.
	SlackWebhookURL string `json:"slack_webhook_url" validate:"omitempty,url"`
}

// EventType identifies a domain event. The set is closed; the bus
// rejects types it does not know.
type EventType string

const (
	EventTenantProvisioned        EventType = "tenant.provisioned"
	EventTenantProvisioningFailed EventType = "tenant.provisioning_failed"
	EventTenantDeleted            EventType = "tenant.deleted"
	EventPaymentConfirmed         EventType = "payment.confirmed"
	EventPaymentReversed          EventType = "payment.reversed"
	EventSubscriptionCancelled    EventType = "subscription.cancelled"
	EventOverdueD3                EventType = "overdue.d3"
	EventOverdueD7                EventType = "overdue.d7"
	EventOverdueD15               EventType = "overdue.d15"
	EventOverdueD30               EventType = "overdue.d30"
	EventDeletionDueElapsed       EventType = "deletion.due_elapsed"
	EventBackupCompleted          EventType = "backup.completed"
	EventBackupFailed             EventType = "backup.failed"
)

// KnownEventType reports whether t belongs to the closed event set.
func KnownEventType(t EventType) bool {
	switch t {
	case EventTenantProvisioned, EventTenantProvisioningFailed, EventTenantDeleted,
		EventPaymentConfirmed, EventPaymentReversed, EventSubscriptionCancelled,
		EventOverdueD3, EventOverdueD7, EventOverdueD15, EventOverdueD30,
		EventDeletionDueElapsed, EventBackupCompleted, EventBackupFailed:
		return true
	}
	return false
}

// OverdueEvent reports whether t is one of the dunning escalation events.
func OverdueEvent(t EventType) bool {
	switch t {
	case EventOverdueD3, EventOverdueD7, EventOverdueD15, EventOverdueD30:
		return true
	}
	return false
}

// DomainEvent is the normalized event flowing through the bus. Fields
// beyond Type/ID/TenantID are populated per type: InvoiceID for payment
// events, BackupID for backup events, Error for failure events.
type DomainEvent struct {
	ID        string
	Type      EventType
	TenantID  string
	InvoiceID string
	BackupID  string
	Error     string
	Timestamp time.Time
}
