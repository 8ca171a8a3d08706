package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/siteforge/steward/pkg/dns"
	"github.com/siteforge/steward/pkg/events"
	"github.com/siteforge/steward/pkg/gateway"
	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/metrics"
	"github.com/siteforge/steward/pkg/notify"
	"github.com/siteforge/steward/pkg/orchestrator"
	"github.com/siteforge/steward/pkg/storage"
	"github.com/siteforge/steward/pkg/tenantlock"
	"github.com/siteforge/steward/pkg/types"
)

// BackupTaker is the slice of the backup engine the state machine
// needs: the final safety backup before a tenant is scheduled for
// deletion.
type BackupTaker interface {
	Take(ctx context.Context, tenantID string, kind types.BackupKind) (*types.BackupRecord, error)
}

// Publisher is the bus surface the engine emits through.
type Publisher interface {
	Publish(event *types.DomainEvent) error
}

// Deps are the collaborators side-effects run through.
type Deps struct {
	Store    storage.Store
	Driver   orchestrator.Driver
	DNS      dns.Provider
	Gateway  gateway.Client
	Notifier notify.Notifier
	Backups  BackupTaker
	Bus      Publisher
	Locks    *tenantlock.Map

	// DeletionGrace is the delay between scheduling and executing a
	// deletion.
	DeletionGrace time.Duration

	// SuspensionService is the ingress backend suspended tenants are
	// pointed at.
	SuspensionService string
}

// Engine drives tenants through the billing-linked lifecycle. All
// transitions for one tenant are serialized; the committed state plus
// the append-only event stream are the source of truth, and every
// side-effect converges toward whatever the committed state says.
type Engine struct {
	store         storage.Store
	driver        orchestrator.Driver
	dns           dns.Provider
	gateway       gateway.Client
	notifier      notify.Notifier
	backups       BackupTaker
	bus           Publisher
	locks         *tenantlock.Map
	grace         time.Duration
	suspensionSvc string
	logger        zerolog.Logger
	now           func() time.Time
}

func New(deps Deps) *Engine {
	grace := deps.DeletionGrace
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	locks := deps.Locks
	if locks == nil {
		locks = tenantlock.NewMap()
	}
	suspensionSvc := deps.SuspensionService
	if suspensionSvc == "" {
		suspensionSvc = "steward-suspension"
	}
	return &Engine{
		store:         deps.Store,
		driver:        deps.Driver,
		dns:           deps.DNS,
		gateway:       deps.Gateway,
		notifier:      deps.Notifier,
		backups:       deps.Backups,
		bus:           deps.Bus,
		locks:         locks,
		grace:         grace,
		suspensionSvc: suspensionSvc,
		logger:        log.WithComponent("lifecycle"),
		now:           time.Now,
	}
}

// Register subscribes the engine for every event that can move a
// tenant.
func (e *Engine) Register(bus *events.Bus) error {
	for _, eventType := range []types.EventType{
		types.EventPaymentConfirmed,
		types.EventPaymentReversed,
		types.EventSubscriptionCancelled,
		types.EventOverdueD3,
		types.EventOverdueD7,
		types.EventOverdueD15,
		types.EventOverdueD30,
		types.EventDeletionDueElapsed,
	} {
		if err := bus.Subscribe(eventType, e.HandleEvent); err != nil {
			return err
		}
	}
	return nil
}

// transitionFor returns the edge for trigger out of from. ok is false
// when the diagram has no such edge.
func transitionFor(from types.LifecycleState, trigger types.EventType) (types.LifecycleState, types.TransitionReason, bool) {
	switch trigger {
	case types.EventOverdueD3:
		if from == types.StateActive {
			return types.StateWarningSent, types.ReasonOverdueD3, true
		}
	case types.EventOverdueD7:
		if from == types.StateWarningSent {
			return types.StateSuspended, types.ReasonOverdueD7, true
		}
	case types.EventOverdueD15:
		if from == types.StateSuspended {
			return types.StateFinalWarningSent, types.ReasonOverdueD15, true
		}
	case types.EventOverdueD30:
		if from == types.StateFinalWarningSent {
			return types.StateScheduledForDeletion, types.ReasonOverdueD30, true
		}
	case types.EventPaymentConfirmed:
		if from.Suspendable() {
			return types.StateActive, types.ReasonPaymentConfirmed, true
		}
	case types.EventDeletionDueElapsed:
		if from == types.StateScheduledForDeletion {
			return types.StateDeleted, types.ReasonDeletionDueElapsed, true
		}
	}
	return "", "", false
}

// targetOf maps a trigger to the state it lands in, regardless of the
// source state. Used to recognize redeliveries of an already-applied
// transition.
func targetOf(trigger types.EventType) (types.LifecycleState, bool) {
	switch trigger {
	case types.EventOverdueD3:
		return types.StateWarningSent, true
	case types.EventOverdueD7:
		return types.StateSuspended, true
	case types.EventOverdueD15:
		return types.StateFinalWarningSent, true
	case types.EventOverdueD30:
		return types.StateScheduledForDeletion, true
	case types.EventPaymentConfirmed:
		return types.StateActive, true
	case types.EventDeletionDueElapsed:
		return types.StateDeleted, true
	}
	return "", false
}

// HandleEvent is the bus entry point. Delivery is at least once, so
// every path in here tolerates replays: a non-diagram trigger is a
// no-op, and a trigger whose transition already happened re-runs the
// idempotent side-effects instead of mutating state again.
func (e *Engine) HandleEvent(ctx context.Context, event *types.DomainEvent) error {
	unlock := e.locks.Lock(event.TenantID)
	defer unlock()

	tenant, err := e.store.GetTenant(event.TenantID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			e.logger.Warn().
				Str("tenant_id", event.TenantID).
				Str("type", string(event.Type)).
				Msg("Event for unknown tenant dropped")
			return nil
		}
		return err
	}

	switch {
	case types.OverdueEvent(event.Type):
		return e.handleOverdue(ctx, tenant, event)
	case event.Type == types.EventPaymentConfirmed:
		return e.handlePaymentConfirmed(ctx, tenant, event)
	case event.Type == types.EventPaymentReversed:
		return e.handlePaymentReversed(ctx, tenant, event)
	case event.Type == types.EventSubscriptionCancelled:
		return e.handleSubscriptionCancelled(ctx, tenant, event)
	case event.Type == types.EventDeletionDueElapsed:
		return e.handleDeletionDue(ctx, tenant, event)
	}
	return nil
}

func (e *Engine) handleOverdue(ctx context.Context, tenant *types.Tenant, event *types.DomainEvent) error {
	if tenant.State.Terminal() {
		return nil
	}

	// Queued escalations go stale the moment the owner pays. The bus
	// invalidates what it can; the authoritative check is a fresh read
	// of the invoice.
	var invoice *types.Invoice
	if event.InvoiceID != "" {
		var err error
		invoice, err = e.gateway.GetInvoice(ctx, event.InvoiceID)
		if err != nil {
			if types.IsPermanent(err) {
				e.logger.Warn().
					Str("tenant_id", tenant.ID).
					Str("invoice_id", event.InvoiceID).
					Err(err).
					Msg("Invoice unverifiable, dropping escalation")
				return nil
			}
			return err
		}
		if upsertErr := e.store.UpsertInvoice(invoice); upsertErr != nil {
			e.logger.Warn().Err(upsertErr).Str("invoice_id", invoice.ID).Msg("Invoice mirror update failed")
		}
		if invoice.Status != types.InvoiceOverdue {
			e.logger.Info().
				Str("tenant_id", tenant.ID).
				Str("invoice_id", invoice.ID).
				Str("status", string(invoice.Status)).
				Msg("Invoice no longer overdue, escalation dropped")
			return nil
		}
	}

	to, reason, ok := transitionFor(tenant.State, event.Type)
	if !ok {
		return e.heal(ctx, tenant, event, invoice)
	}

	now := e.now().UTC()
	mutate := func(t *types.Tenant) {
		if t.GraceAnchor == nil {
			anchor := now
			t.GraceAnchor = &anchor
		}
		if to == types.StateScheduledForDeletion {
			due := now.Add(e.grace)
			t.DeletionDueAt = &due
		}
	}
	if err := e.apply(tenant, to, reason, causeOf(event), event.ID, now, mutate); err != nil {
		return err
	}
	return e.runEffects(ctx, tenant, invoice, false)
}

func (e *Engine) handlePaymentConfirmed(ctx context.Context, tenant *types.Tenant, event *types.DomainEvent) error {
	now := e.now().UTC()

	if tenant.State == types.StateActive {
		// Regular payment, or a redelivered confirmation after a partial
		// reactivation. Clear the anchor and converge the active shape;
		// no transition, no notification.
		if tenant.GraceAnchor != nil || tenant.DeletionDueAt != nil {
			tenant.GraceAnchor = nil
			tenant.DeletionDueAt = nil
			tenant.UpdatedAt = now
			if err := e.store.UpdateTenant(tenant); err != nil {
				return err
			}
		}
		return e.runEffects(ctx, tenant, nil, true)
	}

	to, reason, ok := transitionFor(tenant.State, event.Type)
	if !ok {
		e.logger.Debug().
			Str("tenant_id", tenant.ID).
			Str("state", string(tenant.State)).
			Msg("Payment confirmation without a reactivation edge, ignored")
		return nil
	}

	mutate := func(t *types.Tenant) {
		t.GraceAnchor = nil
		t.DeletionDueAt = nil
	}
	if err := e.apply(tenant, to, reason, causeOf(event), event.ID, now, mutate); err != nil {
		return err
	}
	return e.runEffects(ctx, tenant, nil, false)
}

func (e *Engine) handlePaymentReversed(ctx context.Context, tenant *types.Tenant, event *types.DomainEvent) error {
	// A reversal never moves the lifecycle directly. The invoice mirror
	// flips back to overdue and the next dunning tick escalates from
	// authoritative gateway state.
	if event.InvoiceID != "" {
		invoice, err := e.store.GetInvoice(event.InvoiceID)
		if err == nil {
			invoice.Status = types.InvoiceRefunded
			invoice.PaidAt = nil
			if upsertErr := e.store.UpsertInvoice(invoice); upsertErr != nil {
				return upsertErr
			}
		} else if !errors.Is(err, types.ErrNotFound) {
			return err
		}
	}

	e.logger.Warn().
		Str("tenant_id", tenant.ID).
		Str("invoice_id", event.InvoiceID).
		Msg("Payment reversed")
	e.notifyOps(ctx, "Payment reversed",
		"Tenant "+tenant.ID+" ("+tenant.Domain+") had invoice "+event.InvoiceID+" refunded or charged back.")
	return nil
}

func (e *Engine) handleSubscriptionCancelled(ctx context.Context, tenant *types.Tenant, event *types.DomainEvent) error {
	// No lifecycle edge for a gateway-side cancellation: the tenant
	// stops paying and the dunning ladder walks it out. The operator
	// channel gets a heads-up for manual wind-down.
	e.logger.Warn().
		Str("tenant_id", tenant.ID).
		Str("state", string(tenant.State)).
		Msg("Gateway subscription cancelled")
	e.notifyOps(ctx, "Subscription cancelled",
		"Tenant "+tenant.ID+" ("+tenant.Domain+") cancelled its subscription at the gateway.")
	return nil
}

func (e *Engine) handleDeletionDue(ctx context.Context, tenant *types.Tenant, event *types.DomainEvent) error {
	to, reason, ok := transitionFor(tenant.State, event.Type)
	if !ok {
		return e.heal(ctx, tenant, event, nil)
	}

	now := e.now().UTC()
	if tenant.DeletionDueAt == nil || now.Before(*tenant.DeletionDueAt) {
		e.logger.Warn().
			Str("tenant_id", tenant.ID).
			Msg("Deletion trigger before due time, dropped")
		return nil
	}

	if err := e.apply(tenant, to, reason, causeOf(event), event.ID, now, nil); err != nil {
		return err
	}
	return e.runEffects(ctx, tenant, nil, false)
}

// ForceDelete is the admin override: it walks any tenant straight to
// Deleted with a best-effort final backup first. The audit stream
// records reason forced_delete.
func (e *Engine) ForceDelete(ctx context.Context, tenantID string) error {
	unlock := e.locks.Lock(tenantID)
	defer unlock()

	tenant, err := e.store.GetTenant(tenantID)
	if err != nil {
		return err
	}
	if tenant.State == types.StateDeleted {
		return nil
	}

	if tenant.State != types.StateProvisioningFailed && tenant.State != types.StateProvisioning {
		if err := e.finalBackup(ctx, tenant); err != nil {
			e.logger.Warn().
				Str("tenant_id", tenant.ID).
				Err(err).
				Msg("Final backup failed, forced delete proceeds without it")
		}
	}

	now := e.now().UTC()
	if err := e.apply(tenant, types.StateDeleted, types.ReasonForcedDelete, "admin", "", now, nil); err != nil {
		return err
	}
	return e.runEffects(ctx, tenant, nil, false)
}

// heal re-runs the side-effects of an already-applied transition when
// the same trigger is delivered again. State never changes here.
func (e *Engine) heal(ctx context.Context, tenant *types.Tenant, event *types.DomainEvent, invoice *types.Invoice) error {
	target, ok := targetOf(event.Type)
	if !ok || tenant.State != target {
		e.logger.Debug().
			Str("tenant_id", tenant.ID).
			Str("state", string(tenant.State)).
			Str("type", string(event.Type)).
			Msg("Trigger without an edge, ignored")
		return nil
	}
	return e.runEffects(ctx, tenant, invoice, true)
}

// apply commits the transition: tenant row and audit event change in
// one store transaction, then the metrics and log follow.
func (e *Engine) apply(tenant *types.Tenant, to types.LifecycleState, reason types.TransitionReason, cause, eventID string, now time.Time, mutate func(*types.Tenant)) error {
	from := tenant.State
	tenant.State = to
	tenant.StateSince = now
	tenant.UpdatedAt = now
	if mutate != nil {
		mutate(tenant)
	}

	levt := &types.LifecycleEvent{
		TenantID:  tenant.ID,
		From:      from,
		To:        to,
		Reason:    reason,
		Cause:     cause,
		EventID:   eventID,
		Timestamp: now,
	}
	if err := e.store.ApplyTransition(tenant, levt); err != nil {
		return err
	}

	metrics.TransitionsTotal.WithLabelValues(string(to), string(reason)).Inc()
	metrics.TenantsTotal.WithLabelValues(string(from)).Dec()
	metrics.TenantsTotal.WithLabelValues(string(to)).Inc()
	e.logger.Info().
		Str("tenant_id", tenant.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", string(reason)).
		Str("cause", cause).
		Msg("Lifecycle transition")
	return nil
}

func causeOf(event *types.DomainEvent) string {
	switch {
	case types.OverdueEvent(event.Type), event.Type == types.EventDeletionDueElapsed:
		return "timer"
	case event.InvoiceID != "":
		return event.InvoiceID
	default:
		return "webhook"
	}
}
