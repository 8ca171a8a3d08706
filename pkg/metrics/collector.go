package metrics

import (
	"time"

	"github.com/siteforge/steward/pkg/storage"
	"github.com/siteforge/steward/pkg/types"
)

// Collector periodically refreshes store-derived gauges
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTenantMetrics()
	c.collectInvoiceMetrics()
	c.collectBackupMetrics()
}

func (c *Collector) collectTenantMetrics() {
	tenants, err := c.store.ListTenants()
	if err != nil {
		return
	}

	counts := make(map[types.LifecycleState]int)
	for _, t := range tenants {
		counts[t.State]++
	}

	// Zero out states with no tenants so gauges fall back after deletes
	for _, state := range []types.LifecycleState{
		types.StateProvisioning, types.StateActive, types.StateWarningSent,
		types.StateSuspended, types.StateFinalWarningSent,
		types.StateScheduledForDeletion, types.StateDeleted,
		types.StateProvisioningFailed,
	} {
		TenantsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectInvoiceMetrics() {
	invoices, err := c.store.ListInvoices()
	if err != nil {
		return
	}

	counts := make(map[types.InvoiceStatus]int)
	for _, inv := range invoices {
		counts[inv.Status]++
	}

	for _, status := range []types.InvoiceStatus{
		types.InvoicePending, types.InvoiceConfirmed, types.InvoiceOverdue,
		types.InvoiceRefunded, types.InvoiceCancelled,
	} {
		InvoicesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectBackupMetrics() {
	records, err := c.store.ListBackupRecords("")
	if err != nil {
		return
	}

	BackupRecordsTotal.Set(float64(len(records)))
}
