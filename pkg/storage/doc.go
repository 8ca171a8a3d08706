/*
Package storage provides BoltDB-backed state persistence for Steward's tenant data.

The storage package implements the Store interface using BoltDB as the underlying
database, providing ACID transactions for control-plane state including tenants,
invoices, lifecycle audit events, backup records, and advisory leases. All data is
serialized as JSON and stored in separate buckets for efficient querying and
isolation.

# Architecture

Steward uses BoltDB (bbolt) for embedded, transactional storage with zero external
dependencies:

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/steward.db               │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌──────────────────────────────┐           │          │
	│  │  │ tenants         (Tenant ID)  │           │          │
	│  │  │ invoices        (Invoice ID) │           │          │
	│  │  │ lifecycle_events (BE seq)    │           │          │
	│  │  │ backup_records  (Backup ID)  │           │          │
	│  │  │ leases          (Lease name) │           │          │
	│  │  │ meta            (fixed keys) │           │          │
	│  │  └──────────────────────────────┘           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Transaction Management                │          │
	│  │  - Read: db.View() - Concurrent reads       │          │
	│  │  - Write: db.Update() - Serialized writes   │          │
	│  │  - Rollback: Automatic on error             │          │
	│  │  - Commit: Automatic on success + fsync     │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

BoltStore:
  - Implements Store interface using BoltDB
  - Single database file per control-plane node
  - Automatic bucket creation on initialization
  - Thread-safe via BoltDB's transaction model

Buckets:
  - tenants: Tenant records including sealed credential blobs
  - invoices: Gateway invoice mirror used by the dunning scan
  - lifecycle_events: Append-only audit stream, keyed by big-endian sequence
  - backup_records: Metadata for archives uploaded to object storage
  - leases: Advisory locks for scheduler leadership
  - meta: Schema version for the migration utility

Transaction Model:
  - Read transactions: db.View() - Concurrent, consistent snapshots
  - Write transactions: db.Update() - Serialized, atomic commits
  - Isolation: Snapshot isolation (MVCC)
  - Durability: fsync on commit ensures crash recovery

# Lifecycle Transitions

ApplyTransition is the only write path for state changes. It puts the updated
tenant row and appends the audit event inside a single Update transaction, so
the tenant state and its audit trail can never diverge across a crash. The
event sequence comes from the bucket's NextSequence counter and is written
back to the event, giving callers a strictly increasing global order.

Big-endian sequence keys make cursor iteration return events in append order,
which is what ListLifecycleEvents relies on for per-tenant history.

# Uniqueness

CreateTenant rejects duplicate tenant IDs and duplicate domains with
ErrAlreadyExists. Both checks run inside the same write transaction that
inserts the row; BoltDB's single-writer model makes the store the arbiter
when two provisioning calls race for the same domain.

# Advisory Leases

AcquireLease implements a coarse time-based lock used by the dunning
scheduler to elect a single scanning node:

  - Free or expired leases are granted to any caller
  - The current holder can re-acquire, refreshing the expiry
  - A held, unexpired lease is refused (returns false, not an error)
  - ReleaseLease only deletes the row when the owner matches

Clock skew between nodes bounds the safety of this lock. TTLs are chosen an
order of magnitude above expected skew, and the guarded work (a dunning scan)
is idempotent, so a double grant degrades to duplicate no-op scans.

# Usage

Creating a Store:

	store, err := storage.NewBoltStore("/var/lib/steward")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

Tenant Operations:

	// Create tenant (enforces id and domain uniqueness)
	tenant := &types.Tenant{
		ID:       "acme_a1b2c3",
		Domain:   "acme.example.com",
		PlanTier: types.PlanStarter,
		State:    types.StateProvisioning,
	}
	err := store.CreateTenant(tenant)

	// Lookup
	tenant, err := store.GetTenant("acme_a1b2c3")
	tenant, err := store.GetTenantByDomain("acme.example.com")

	// Dunning scan input
	tenants, err := store.ListTenantsByState(
		types.StateActive,
		types.StateWarningSent,
	)

	// State change with audit trail, atomic
	tenant.State = types.StateActive
	err = store.ApplyTransition(tenant, &types.LifecycleEvent{
		TenantID: tenant.ID,
		From:     types.StateProvisioning,
		To:       types.StateActive,
		Reason:   types.ReasonProvisionSucceeded,
	})

Lease Operations:

	acquired, err := store.AcquireLease("dunning-scan", nodeID, 30*time.Second)
	if acquired {
		defer store.ReleaseLease("dunning-scan", nodeID)
		// run the scan
	}

# Integration Points

This package integrates with:

  - pkg/lifecycle: ApplyTransition for every state change
  - pkg/provision: Tenant creation and step checkpointing
  - pkg/dunning: ListTenantsByState scans and leadership leases
  - pkg/backup: Backup record bookkeeping
  - pkg/metrics: Collector polls entity counts
  - pkg/types: All entity definitions

# Design Patterns

Upsert Pattern:
  - UpdateTenant and UpsertInvoice use plain db.Put
  - No separate "exists" check needed
  - Atomic replacement

Idempotent Deletes:
  - Delete returns no error if key doesn't exist
  - Safe to call multiple times

Filter Pattern:
  - List all, filter in memory (ListInvoicesByTenant)
  - Simple implementation for small datasets
  - A control plane tracks hundreds of tenants, not millions

Error Wrapping:
  - Missing rows wrap types.ErrNotFound
  - Uniqueness violations wrap types.ErrAlreadyExists
  - Callers branch with errors.Is

# Data Migration

Schema changes are handled via JSON flexibility:
  - New fields: Add with omitempty tag (backward compatible)
  - Removed fields: Ignored during unmarshal
  - Major changes: steward-migrate reads GetSchemaVersion and applies
    stepwise migrations, then records the new version

# Security

The database file is created 0600. Credential blobs inside tenant rows are
already sealed with AES-256-GCM by pkg/secrets before they reach the store,
so a leaked database file does not expose site passwords without the
encryption key.

# See Also

  - pkg/types for all entity definitions
  - pkg/lifecycle for the transition rules feeding ApplyTransition
  - pkg/secrets for credential sealing
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
