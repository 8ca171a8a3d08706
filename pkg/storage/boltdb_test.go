package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/siteforge/steward/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testTenant(id, domain string) *types.Tenant {
	now := time.Now().UTC()
	return &types.Tenant{
		ID:           id,
		BusinessName: "Acme Floristry",
		Domain:       domain,
		PlanTier:     types.PlanStarter,
		State:        types.StateProvisioning,
		StateSince:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCreateTenantUniqueness(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateTenant(testTenant("acme_a1b2c3", "acme.example.com")); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}

	tests := []struct {
		name   string
		tenant *types.Tenant
	}{
		{
			name:   "duplicate id",
			tenant: testTenant("acme_a1b2c3", "other.example.com"),
		},
		{
			name:   "duplicate domain",
			tenant: testTenant("other_d4e5f6", "acme.example.com"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.CreateTenant(tt.tenant)
			if !errors.Is(err, types.ErrAlreadyExists) {
				t.Errorf("CreateTenant() error = %v, want ErrAlreadyExists", err)
			}
		})
	}
}

func TestGetTenant(t *testing.T) {
	store := newTestStore(t)

	tenant := testTenant("acme_a1b2c3", "acme.example.com")
	if err := store.CreateTenant(tenant); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}

	got, err := store.GetTenant("acme_a1b2c3")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if got.Domain != tenant.Domain {
		t.Errorf("GetTenant() domain = %s, want %s", got.Domain, tenant.Domain)
	}

	if _, err := store.GetTenant("missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetTenant(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTenantRoundTripFidelity(t *testing.T) {
	store := newTestStore(t)

	anchor := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	tenant := testTenant("acme_a1b2c3", "acme.example.com")
	tenant.CustomerRef = "cus_000042"
	tenant.SubscriptionRef = "sub_000042"
	tenant.GraceAnchor = &anchor
	tenant.CredentialsBlob = []byte{0x01, 0x02, 0x03}
	tenant.Infrastructure = types.NewInfrastructureRef(tenant.ID)

	if err := store.CreateTenant(tenant); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}

	got, err := store.GetTenant(tenant.ID)
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if diff := cmp.Diff(tenant, got); diff != "" {
		t.Errorf("tenant round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGetTenantByDomain(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateTenant(testTenant("acme_a1b2c3", "acme.example.com")); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}

	got, err := store.GetTenantByDomain("acme.example.com")
	if err != nil {
		t.Fatalf("GetTenantByDomain() error = %v", err)
	}
	if got.ID != "acme_a1b2c3" {
		t.Errorf("GetTenantByDomain() id = %s, want acme_a1b2c3", got.ID)
	}

	if _, err := store.GetTenantByDomain("missing.example.com"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetTenantByDomain(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListTenantsByState(t *testing.T) {
	store := newTestStore(t)

	active := testTenant("active_a1b2c3", "active.example.com")
	active.State = types.StateActive
	suspended := testTenant("susp_a1b2c3", "suspended.example.com")
	suspended.State = types.StateSuspended

	for _, tenant := range []*types.Tenant{active, suspended} {
		if err := store.CreateTenant(tenant); err != nil {
			t.Fatalf("CreateTenant() error = %v", err)
		}
	}

	got, err := store.ListTenantsByState(types.StateActive)
	if err != nil {
		t.Fatalf("ListTenantsByState() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "active_a1b2c3" {
		t.Errorf("ListTenantsByState(active) = %d tenants, want the active one", len(got))
	}

	got, err = store.ListTenantsByState(types.StateActive, types.StateSuspended)
	if err != nil {
		t.Fatalf("ListTenantsByState() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListTenantsByState(active, suspended) = %d tenants, want 2", len(got))
	}
}

func TestApplyTransitionAtomicity(t *testing.T) {
	store := newTestStore(t)

	tenant := testTenant("acme_a1b2c3", "acme.example.com")
	if err := store.CreateTenant(tenant); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}

	tenant.State = types.StateActive
	event := &types.LifecycleEvent{
		TenantID:  tenant.ID,
		From:      types.StateProvisioning,
		To:        types.StateActive,
		Reason:    types.ReasonProvisionSucceeded,
		Cause:     "timer",
		Timestamp: time.Now().UTC(),
	}
	if err := store.ApplyTransition(tenant, event); err != nil {
		t.Fatalf("ApplyTransition() error = %v", err)
	}
	if event.Seq == 0 {
		t.Error("ApplyTransition() did not assign a sequence number")
	}

	got, err := store.GetTenant(tenant.ID)
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if got.State != types.StateActive {
		t.Errorf("tenant state = %s, want %s", got.State, types.StateActive)
	}

	events, err := store.ListLifecycleEvents(tenant.ID)
	if err != nil {
		t.Fatalf("ListLifecycleEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("ListLifecycleEvents() = %d events, want 1", len(events))
	}
	if events[0].To != types.StateActive {
		t.Errorf("event to = %s, want %s", events[0].To, types.StateActive)
	}
}

func TestLifecycleEventOrdering(t *testing.T) {
	store := newTestStore(t)

	states := []types.LifecycleState{
		types.StateActive,
		types.StateWarningSent,
		types.StateSuspended,
	}
	for _, state := range states {
		event := &types.LifecycleEvent{
			TenantID:  "acme_a1b2c3",
			To:        state,
			Timestamp: time.Now().UTC(),
		}
		if err := store.AppendLifecycleEvent(event); err != nil {
			t.Fatalf("AppendLifecycleEvent() error = %v", err)
		}
	}

	events, err := store.ListLifecycleEvents("acme_a1b2c3")
	if err != nil {
		t.Fatalf("ListLifecycleEvents() error = %v", err)
	}
	if len(events) != len(states) {
		t.Fatalf("ListLifecycleEvents() = %d events, want %d", len(events), len(states))
	}
	for i, event := range events {
		if event.To != states[i] {
			t.Errorf("event %d to = %s, want %s", i, event.To, states[i])
		}
		if i > 0 && events[i].Seq <= events[i-1].Seq {
			t.Errorf("event %d seq = %d, not increasing", i, events[i].Seq)
		}
	}
}

func TestInvoiceOperations(t *testing.T) {
	store := newTestStore(t)

	invoice := &types.Invoice{
		ID:        "inv-001",
		TenantID:  "acme_a1b2c3",
		AmountDue: 2900,
		Currency:  "USD",
		DueDate:   time.Now().UTC().Add(-72 * time.Hour),
		Status:    types.InvoiceOverdue,
	}
	if err := store.UpsertInvoice(invoice); err != nil {
		t.Fatalf("UpsertInvoice() error = %v", err)
	}

	invoice.Status = types.InvoiceConfirmed
	if err := store.UpsertInvoice(invoice); err != nil {
		t.Fatalf("UpsertInvoice() update error = %v", err)
	}

	got, err := store.GetInvoice("inv-001")
	if err != nil {
		t.Fatalf("GetInvoice() error = %v", err)
	}
	if got.Status != types.InvoiceConfirmed {
		t.Errorf("invoice status = %s, want %s", got.Status, types.InvoiceConfirmed)
	}

	other := &types.Invoice{ID: "inv-002", TenantID: "other_d4e5f6", Status: types.InvoicePending}
	if err := store.UpsertInvoice(other); err != nil {
		t.Fatalf("UpsertInvoice() error = %v", err)
	}

	byTenant, err := store.ListInvoicesByTenant("acme_a1b2c3")
	if err != nil {
		t.Fatalf("ListInvoicesByTenant() error = %v", err)
	}
	if len(byTenant) != 1 || byTenant[0].ID != "inv-001" {
		t.Errorf("ListInvoicesByTenant() = %d invoices, want inv-001 only", len(byTenant))
	}
}

func TestBackupRecordFilter(t *testing.T) {
	store := newTestStore(t)

	records := []*types.BackupRecord{
		{ID: "bk-1", TenantID: "acme_a1b2c3", Kind: types.BackupDaily},
		{ID: "bk-2", TenantID: "acme_a1b2c3", Kind: types.BackupFinal},
		{ID: "bk-3", TenantID: "other_d4e5f6", Kind: types.BackupDaily},
	}
	for _, record := range records {
		if err := store.CreateBackupRecord(record); err != nil {
			t.Fatalf("CreateBackupRecord() error = %v", err)
		}
	}

	all, err := store.ListBackupRecords("")
	if err != nil {
		t.Fatalf("ListBackupRecords() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListBackupRecords(all) = %d, want 3", len(all))
	}

	mine, err := store.ListBackupRecords("acme_a1b2c3")
	if err != nil {
		t.Fatalf("ListBackupRecords() error = %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("ListBackupRecords(acme) = %d, want 2", len(mine))
	}
}

func TestAcquireLease(t *testing.T) {
	store := newTestStore(t)

	acquired, err := store.AcquireLease("dunning", "node-a", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if !acquired {
		t.Fatal("AcquireLease() = false for free lease")
	}

	// Held by node-a, node-b must be refused.
	acquired, err = store.AcquireLease("dunning", "node-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if acquired {
		t.Error("AcquireLease() = true while held by another owner")
	}

	// Same owner refreshes.
	acquired, err = store.AcquireLease("dunning", "node-a", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if !acquired {
		t.Error("AcquireLease() = false for re-acquire by holder")
	}
}

func TestAcquireLeaseExpired(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.AcquireLease("dunning", "node-a", -time.Second); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	acquired, err := store.AcquireLease("dunning", "node-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if !acquired {
		t.Error("AcquireLease() = false for expired lease")
	}
}

func TestReleaseLease(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.AcquireLease("dunning", "node-a", time.Minute); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	// Wrong owner release is a no-op.
	if err := store.ReleaseLease("dunning", "node-b"); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}
	acquired, err := store.AcquireLease("dunning", "node-c", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if acquired {
		t.Error("lease released by non-owner")
	}

	if err := store.ReleaseLease("dunning", "node-a"); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}
	acquired, err = store.AcquireLease("dunning", "node-c", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if !acquired {
		t.Error("AcquireLease() = false after owner release")
	}
}

func TestSchemaVersion(t *testing.T) {
	store := newTestStore(t)

	version, err := store.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion() error = %v", err)
	}
	if version != 0 {
		t.Errorf("GetSchemaVersion() = %d on fresh store, want 0", version)
	}

	if err := store.SetSchemaVersion(2); err != nil {
		t.Fatalf("SetSchemaVersion() error = %v", err)
	}
	version, err = store.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion() error = %v", err)
	}
	if version != 2 {
		t.Errorf("GetSchemaVersion() = %d, want 2", version)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	if err := store.CreateTenant(testTenant("acme_a1b2c3", "acme.example.com")); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore() reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetTenant("acme_a1b2c3")
	if err != nil {
		t.Fatalf("GetTenant() after reopen error = %v", err)
	}
	if got.Domain != "acme.example.com" {
		t.Errorf("tenant domain after reopen = %s", got.Domain)
	}
}
