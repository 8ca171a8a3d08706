package storage

import (
	"time"

	"github.com/siteforge/steward/pkg/types"
)

// Store defines the durable state interface for the control plane.
// Implementations must return types.ErrNotFound for missing rows and
// types.ErrAlreadyExists when tenant uniqueness is violated.
type Store interface {
	// Tenants
	CreateTenant(tenant *types.Tenant) error
	GetTenant(id string) (*types.Tenant, error)
	GetTenantByDomain(domain string) (*types.Tenant, error)
	ListTenants() ([]*types.Tenant, error)
	ListTenantsByState(states ...types.LifecycleState) ([]*types.Tenant, error)
	UpdateTenant(tenant *types.Tenant) error
	DeleteTenant(id string) error

	// ApplyTransition persists the mutated tenant and appends the audit
	// event in a single transaction. The event's Seq is assigned here.
	ApplyTransition(tenant *types.Tenant, event *types.LifecycleEvent) error

	// Invoices
	UpsertInvoice(invoice *types.Invoice) error
	GetInvoice(id string) (*types.Invoice, error)
	ListInvoices() ([]*types.Invoice, error)
	ListInvoicesByTenant(tenantID string) ([]*types.Invoice, error)

	// Lifecycle events (append-only)
	AppendLifecycleEvent(event *types.LifecycleEvent) error
	ListLifecycleEvents(tenantID string) ([]*types.LifecycleEvent, error)

	// Backup records. An empty tenantID lists every record.
	CreateBackupRecord(record *types.BackupRecord) error
	GetBackupRecord(id string) (*types.BackupRecord, error)
	ListBackupRecords(tenantID string) ([]*types.BackupRecord, error)

	// Leases implement the advisory lock used for dunning leadership.
	// AcquireLease grants when the lease is absent, expired or already
	// held by owner; it refreshes the expiry on success.
	AcquireLease(name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(name, owner string) error

	// Utility
	Close() error
}

// Lease is the persisted form of an advisory lock.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}
