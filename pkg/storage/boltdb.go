package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/siteforge/steward/pkg/types"
)

var (
	// Bucket names
	bucketTenants         = []byte("tenants")
	bucketInvoices        = []byte("invoices")
	bucketLifecycleEvents = []byte("lifecycle_events")
	bucketBackupRecords   = []byte("backup_records")
	bucketLeases          = []byte("leases")
	bucketMeta            = []byte("meta")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "steward.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTenants,
			bucketInvoices,
			bucketLifecycleEvents,
			bucketBackupRecords,
			bucketLeases,
			bucketMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Tenant operations

// CreateTenant inserts a tenant, enforcing id and domain uniqueness in
// the same transaction. Bolt's single-writer guarantee makes this the
// arbiter for concurrent double-provisions.
func (s *BoltStore) CreateTenant(tenant *types.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)

		if b.Get([]byte(tenant.ID)) != nil {
			return fmt.Errorf("tenant %s: %w", tenant.ID, types.ErrAlreadyExists)
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var existing types.Tenant
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if existing.Domain == tenant.Domain {
				return fmt.Errorf("domain %s: %w", tenant.Domain, types.ErrAlreadyExists)
			}
		}

		data, err := json.Marshal(tenant)
		if err != nil {
			return err
		}
		return b.Put([]byte(tenant.ID), data)
	})
}

func (s *BoltStore) GetTenant(id string) (*types.Tenant, error) {
	var tenant types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("tenant %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &tenant)
	})
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *BoltStore) GetTenantByDomain(domain string) (*types.Tenant, error) {
	var found *types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tenant types.Tenant
			if err := json.Unmarshal(v, &tenant); err != nil {
				continue
			}
			if tenant.Domain == domain {
				found = &tenant
				return nil
			}
		}
		return fmt.Errorf("domain %s: %w", domain, types.ErrNotFound)
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *BoltStore) ListTenants() ([]*types.Tenant, error) {
	var tenants []*types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		return b.ForEach(func(k, v []byte) error {
			var tenant types.Tenant
			if err := json.Unmarshal(v, &tenant); err != nil {
				return err
			}
			tenants = append(tenants, &tenant)
			return nil
		})
	})
	return tenants, err
}

func (s *BoltStore) ListTenantsByState(states ...types.LifecycleState) ([]*types.Tenant, error) {
	want := make(map[types.LifecycleState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	var tenants []*types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		return b.ForEach(func(k, v []byte) error {
			var tenant types.Tenant
			if err := json.Unmarshal(v, &tenant); err != nil {
				return err
			}
			if want[tenant.State] {
				tenants = append(tenants, &tenant)
			}
			return nil
		})
	})
	return tenants, err
}

func (s *BoltStore) UpdateTenant(tenant *types.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		data, err := json.Marshal(tenant)
		if err != nil {
			return err
		}
		return b.Put([]byte(tenant.ID), data)
	})
}

func (s *BoltStore) DeleteTenant(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		return b.Delete([]byte(id))
	})
}

// ApplyTransition writes the tenant row and its audit event atomically.
// Side-effects only run after this commits, so a crash never leaves an
// audit row without the matching state (or vice versa).
func (s *BoltStore) ApplyTransition(tenant *types.Tenant, event *types.LifecycleEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTenants)
		data, err := json.Marshal(tenant)
		if err != nil {
			return err
		}
		if err := tb.Put([]byte(tenant.ID), data); err != nil {
			return err
		}

		return appendEvent(tx, event)
	})
}

func appendEvent(tx *bolt.Tx, event *types.LifecycleEvent) error {
	eb := tx.Bucket(bucketLifecycleEvents)
	seq, err := eb.NextSequence()
	if err != nil {
		return err
	}
	event.Seq = seq

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return eb.Put(seqKey(seq), data)
}

// seqKey encodes the sequence big-endian so cursor order is append order.
func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Invoice operations

func (s *BoltStore) UpsertInvoice(invoice *types.Invoice) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvoices)
		data, err := json.Marshal(invoice)
		if err != nil {
			return err
		}
		return b.Put([]byte(invoice.ID), data)
	})
}

func (s *BoltStore) GetInvoice(id string) (*types.Invoice, error) {
	var invoice types.Invoice
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvoices)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("invoice %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &invoice)
	})
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *BoltStore) ListInvoices() ([]*types.Invoice, error) {
	var invoices []*types.Invoice
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvoices)
		return b.ForEach(func(k, v []byte) error {
			var invoice types.Invoice
			if err := json.Unmarshal(v, &invoice); err != nil {
				return err
			}
			invoices = append(invoices, &invoice)
			return nil
		})
	})
	return invoices, err
}

func (s *BoltStore) ListInvoicesByTenant(tenantID string) ([]*types.Invoice, error) {
	invoices, err := s.ListInvoices()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Invoice
	for _, invoice := range invoices {
		if invoice.TenantID == tenantID {
			filtered = append(filtered, invoice)
		}
	}
	return filtered, nil
}

// Lifecycle event operations

func (s *BoltStore) AppendLifecycleEvent(event *types.LifecycleEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendEvent(tx, event)
	})
}

func (s *BoltStore) ListLifecycleEvents(tenantID string) ([]*types.LifecycleEvent, error) {
	var events []*types.LifecycleEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLifecycleEvents)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var event types.LifecycleEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.TenantID == tenantID {
				events = append(events, &event)
			}
		}
		return nil
	})
	return events, err
}

// Backup record operations

func (s *BoltStore) CreateBackupRecord(record *types.BackupRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackupRecords)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(record.ID), data)
	})
}

func (s *BoltStore) GetBackupRecord(id string) (*types.BackupRecord, error) {
	var record types.BackupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackupRecords)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("backup record %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) ListBackupRecords(tenantID string) ([]*types.BackupRecord, error) {
	var records []*types.BackupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackupRecords)
		return b.ForEach(func(k, v []byte) error {
			var record types.BackupRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if tenantID == "" || record.TenantID == tenantID {
				records = append(records, &record)
			}
			return nil
		})
	})
	return records, err
}

// Lease operations

// AcquireLease grants the named advisory lock when it is free, expired
// or already held by owner. Grants refresh the expiry.
func (s *BoltStore) AcquireLease(name, owner string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)

		if data := b.Get([]byte(name)); data != nil {
			var lease Lease
			if err := json.Unmarshal(data, &lease); err != nil {
				return err
			}
			if lease.Owner != owner && time.Now().Before(lease.ExpiresAt) {
				return nil // held by someone else
			}
		}

		lease := Lease{
			Name:      name,
			Owner:     owner,
			ExpiresAt: time.Now().Add(ttl),
		}
		data, err := json.Marshal(&lease)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(name), data); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseLease frees the lock if owner still holds it.
func (s *BoltStore) ReleaseLease(name, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)

		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		var lease Lease
		if err := json.Unmarshal(data, &lease); err != nil {
			return err
		}
		if lease.Owner != owner {
			return nil
		}
		return b.Delete([]byte(name))
	})
}

// Meta operations, used by the schema migration utility.

// GetSchemaVersion reads the stored schema version, zero when unset.
func (s *BoltStore) GetSchemaVersion() (int, error) {
	version := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data := b.Get([]byte("schema_version"))
		if data == nil {
			return nil
		}
		if len(data) != 8 {
			return fmt.Errorf("malformed schema version")
		}
		version = int(binary.BigEndian.Uint64(data))
		return nil
	})
	return version, err
}

// SetSchemaVersion records the schema version.
func (s *BoltStore) SetSchemaVersion(version int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Put([]byte("schema_version"), seqKey(uint64(version)))
	})
}
