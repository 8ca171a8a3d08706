package dunning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/gateway"
	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/metrics"
	"github.com/siteforge/steward/pkg/storage"
	"github.com/siteforge/steward/pkg/types"
)

// leaseName is the advisory lock that elects the dunning leader.
const leaseName = "dunning-leader"

// Thresholds are the day marks of the escalation ladder.
type Thresholds struct {
	Warn         int
	Suspend      int
	FinalWarning int
	Delete       int
}

// DefaultThresholds is the 3/7/15/30 ladder.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn: 3, Suspend: 7, FinalWarning: 15, Delete: 30}
}

// Publisher is the bus surface ticks emit through.
type Publisher interface {
	Publish(event *types.DomainEvent) error
}

// TickReport summarizes one tick for the on-demand API.
type TickReport struct {
	Skipped   bool      `json:"skipped"`
	Scanned   int       `json:"scanned"`
	Emitted   int       `json:"emitted"`
	Deletions int       `json:"deletions"`
	At        time.Time `json:"at"`
}

// Scheduler owns the dunning loop. One instance runs per daemon; the
// lease decides which daemon's ticks actually do work.
type Scheduler struct {
	store      storage.Store
	gateway    gateway.Client
	bus        Publisher
	cfg        config.DunningConfig
	thresholds Thresholds
	nodeID     string
	cron       *cron.Cron
	logger     zerolog.Logger
	now        func() time.Time
}

// New builds a stopped scheduler.
func New(store storage.Store, gw gateway.Client, bus Publisher, cfg config.DunningConfig, nodeID string) *Scheduler {
	if cfg.LeaseTTL.Duration <= 0 {
		cfg.LeaseTTL.Duration = 5 * time.Minute
	}
	if cfg.LeaseBudget.Duration <= 0 {
		cfg.LeaseBudget.Duration = time.Second
	}
	return &Scheduler{
		store:      store,
		gateway:    gw,
		bus:        bus,
		cfg:        cfg,
		thresholds: DefaultThresholds(),
		nodeID:     nodeID,
		logger:     log.WithComponent("dunning"),
		now:        time.Now,
	}
}

// SetThresholds overrides the default ladder. Call before Start.
func (s *Scheduler) SetThresholds(t Thresholds) {
	s.thresholds = t
}

// Start schedules the periodic tick. The expression is a standard
// 5-field cron spec evaluated in UTC.
func (s *Scheduler) Start() error {
	schedule, err := cron.ParseStandard(s.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("invalid dunning schedule %q: %w", s.cfg.Schedule, err)
	}

	s.cron = cron.NewWithLocation(time.UTC)
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		if _, err := s.RunTick(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Dunning tick failed")
		}
	}))
	s.cron.Start()

	s.logger.Info().Str("schedule", s.cfg.Schedule).Msg("Dunning scheduler started")
	return nil
}

// Stop halts the cron loop. An in-flight tick finishes.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	s.logger.Info().Msg("Dunning scheduler stopped")
}

// RunTick executes one scan. Also called directly by the admin API.
// The leader lease is taken per tick; a follower records a skip and
// returns immediately.
func (s *Scheduler) RunTick(ctx context.Context) (*TickReport, error) {
	now := s.now().UTC()
	report := &TickReport{At: now}

	acquired, err := s.acquireLease(ctx)
	if err != nil {
		metrics.DunningTicksTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("lease acquisition: %w", err)
	}
	if !acquired {
		metrics.DunningTicksTotal.WithLabelValues("skipped").Inc()
		s.logger.Info().Msg("Dunning lease held elsewhere, tick skipped")
		report.Skipped = true
		return report, nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DunningTickDuration)

	var errs error
	if err := s.escalationPass(ctx, now, report); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := s.deletionPass(now, report); err != nil {
		errs = multierr.Append(errs, err)
	}

	if errs != nil {
		metrics.DunningTicksTotal.WithLabelValues("failed").Inc()
		return report, errs
	}
	metrics.DunningTicksTotal.WithLabelValues("led").Inc()
	s.logger.Info().
		Int("scanned", report.Scanned).
		Int("emitted", report.Emitted).
		Int("deletions", report.Deletions).
		Msg("Dunning tick complete")
	return report, nil
}

// acquireLease takes the leader lease under the configured budget. A
// store stalled past the budget counts as a skip; the orphaned
// acquisition goroutine resolves on its own and its lease, if won,
// lapses at the TTL.
func (s *Scheduler) acquireLease(ctx context.Context) (bool, error) {
	type result struct {
		acquired bool
		err      error
	}
	resCh := make(chan result, 1)
	go func() {
		acquired, err := s.store.AcquireLease(leaseName, s.nodeID, s.cfg.LeaseTTL.Duration)
		resCh <- result{acquired, err}
	}()

	budget := time.NewTimer(s.cfg.LeaseBudget.Duration)
	defer budget.Stop()

	select {
	case res := <-resCh:
		return res.acquired, res.err
	case <-budget.C:
		s.logger.Warn().
			Dur("budget", s.cfg.LeaseBudget.Duration).
			Msg("Lease acquisition exceeded budget, tick skipped")
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// escalationPass scans every tenant the ladder can still move and
// emits at most one Overdue* event each.
func (s *Scheduler) escalationPass(ctx context.Context, now time.Time, report *TickReport) error {
	tenants, err := s.store.ListTenantsByState(
		types.StateActive,
		types.StateWarningSent,
		types.StateSuspended,
		types.StateFinalWarningSent,
	)
	if err != nil {
		return err
	}

	var errs error
	for _, tenant := range tenants {
		report.Scanned++
		emitted, err := s.scanTenant(ctx, tenant, now)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tenant %s: %w", tenant.ID, err))
			continue
		}
		if emitted {
			report.Emitted++
		}
	}
	return errs
}

func (s *Scheduler) scanTenant(ctx context.Context, tenant *types.Tenant, now time.Time) (bool, error) {
	if tenant.CustomerRef == "" {
		return false, nil
	}

	invoices, err := s.gateway.ListOverdueInvoices(ctx, tenant.CustomerRef)
	if err != nil {
		return false, err
	}

	days := 0
	oldest := ""
	for i := range invoices {
		invoice := invoices[i]
		invoice.TenantID = tenant.ID
		if err := s.store.UpsertInvoice(&invoice); err != nil {
			s.logger.Warn().Err(err).Str("invoice_id", invoice.ID).Msg("Invoice mirror update failed")
		}
		if d := invoice.DaysOverdue(now); d > days || oldest == "" {
			days = d
			oldest = invoice.ID
		}
	}
	if len(invoices) == 0 {
		return false, nil
	}

	eventType, ok := s.escalationFor(tenant.State, days)
	if !ok {
		return false, nil
	}

	// One transition per day per tenant, regardless of how the tick
	// schedule drifts. An hour of clock jitter around midnight must not
	// fire two rungs back to back.
	if tenant.State != types.StateActive && now.Sub(tenant.StateSince) < 23*time.Hour {
		s.logger.Debug().
			Str("tenant_id", tenant.ID).
			Str("state", string(tenant.State)).
			Msg("Escalated within the last day, held")
		return false, nil
	}

	event := &types.DomainEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		TenantID:  tenant.ID,
		InvoiceID: oldest,
		Timestamp: now,
	}
	if err := s.bus.Publish(event); err != nil {
		return false, err
	}
	metrics.DunningEventsEmitted.WithLabelValues(string(eventType)).Inc()
	s.logger.Info().
		Str("tenant_id", tenant.ID).
		Str("type", string(eventType)).
		Int("days_overdue", days).
		Str("invoice_id", oldest).
		Msg("Escalation emitted")
	return true, nil
}

// escalationFor picks the event for a tenant's position on the ladder.
// The ladder moves one rung per tick: a tenant that slept through
// several thresholds gets the rung its current state can actually
// take, not the highest day mark.
func (s *Scheduler) escalationFor(state types.LifecycleState, days int) (types.EventType, bool) {
	switch state {
	case types.StateActive:
		if days >= s.thresholds.Warn {
			return types.EventOverdueD3, true
		}
	case types.StateWarningSent:
		if days >= s.thresholds.Suspend {
			return types.EventOverdueD7, true
		}
	case types.StateSuspended:
		if days >= s.thresholds.FinalWarning {
			return types.EventOverdueD15, true
		}
	case types.StateFinalWarningSent:
		if days >= s.thresholds.Delete {
			return types.EventOverdueD30, true
		}
	}
	return "", false
}

// deletionPass fires DeletionDueElapsed for every scheduled tenant
// whose grace window ran out.
func (s *Scheduler) deletionPass(now time.Time, report *TickReport) error {
	tenants, err := s.store.ListTenantsByState(types.StateScheduledForDeletion)
	if err != nil {
		return err
	}

	var errs error
	for _, tenant := range tenants {
		if tenant.DeletionDueAt == nil || now.Before(*tenant.DeletionDueAt) {
			continue
		}
		event := &types.DomainEvent{
			ID:        uuid.New().String(),
			Type:      types.EventDeletionDueElapsed,
			TenantID:  tenant.ID,
			Timestamp: now,
		}
		if err := s.bus.Publish(event); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tenant %s: %w", tenant.ID, err))
			continue
		}
		metrics.DunningEventsEmitted.WithLabelValues(string(types.EventDeletionDueElapsed)).Inc()
		report.Deletions++
		s.logger.Info().
			Str("tenant_id", tenant.ID).
			Time("due_at", *tenant.DeletionDueAt).
			Msg("Deletion due elapsed")
	}
	return errs
}
