package lifecycle

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"

	"github.com/siteforge/steward/pkg/notify"
	"github.com/siteforge/steward/pkg/orchestrator"
	"github.com/siteforge/steward/pkg/types"
)

const (
	effectAttempts = 3
	effectDelay    = 500 * time.Millisecond
	effectMaxDelay = 5 * time.Second
)

// runEffects executes the side-effects belonging to the tenant's
// committed state. Every infrastructure effect is idempotent; on a
// replay the notifications are skipped so a redelivery never spams the
// owner.
func (e *Engine) runEffects(ctx context.Context, tenant *types.Tenant, invoice *types.Invoice, replay bool) error {
	switch tenant.State {
	case types.StateWarningSent:
		if !replay {
			e.sendNotice(ctx, notify.KindPaymentReminder, tenant, invoice)
		}
		return nil
	case types.StateSuspended:
		return e.suspend(ctx, tenant)
	case types.StateFinalWarningSent:
		if !replay {
			e.sendNotice(ctx, notify.KindFinalWarning, tenant, invoice)
		}
		return nil
	case types.StateScheduledForDeletion:
		return e.scheduleDeletion(ctx, tenant, replay)
	case types.StateDeleted:
		return e.teardown(ctx, tenant)
	case types.StateActive:
		return e.activate(ctx, tenant, replay)
	}
	return nil
}

// suspend takes the site offline while keeping the data warm. The
// database stays up so backups keep working and reactivation is
// instant.
func (e *Engine) suspend(ctx context.Context, tenant *types.Tenant) error {
	site := orchestrator.SiteFor(tenant)
	if err := e.withRetry(ctx, func() error {
		return e.driver.Scale(ctx, site, orchestrator.ComponentWordPress, 0)
	}); err != nil {
		return err
	}
	return e.withRetry(ctx, func() error {
		return e.driver.PointIngressTo(ctx, site, e.suspensionSvc, 80)
	})
}

// activate restores the plan's serving shape. Also runs as the
// convergence pass for payment confirmations on already-active
// tenants, where every call lands on infrastructure that is already in
// the desired state.
func (e *Engine) activate(ctx context.Context, tenant *types.Tenant, replay bool) error {
	site := orchestrator.SiteFor(tenant)
	replicas := orchestrator.ResourcesFor(tenant.PlanTier).WPReplicas

	if err := e.withRetry(ctx, func() error {
		return e.driver.Scale(ctx, site, orchestrator.ComponentWordPress, replicas)
	}); err != nil {
		return err
	}
	if err := e.withRetry(ctx, func() error {
		return e.driver.PointIngressTo(ctx, site, site.Refs.WPService, 80)
	}); err != nil {
		return err
	}
	if err := e.withRetry(ctx, func() error {
		return e.dns.EnsureRecord(ctx, tenant.Domain)
	}); err != nil {
		return err
	}
	if err := e.withRetry(ctx, func() error {
		return e.driver.SetCronJobSuspended(ctx, site, false)
	}); err != nil {
		return err
	}

	if !replay {
		e.sendNotice(ctx, notify.KindReactivation, tenant, nil)
	}
	return nil
}

// scheduleDeletion takes the final safety backup and freezes the
// nightly cron. The namespace itself survives until the due time
// elapses.
func (e *Engine) scheduleDeletion(ctx context.Context, tenant *types.Tenant, replay bool) error {
	if err := e.finalBackup(ctx, tenant); err != nil {
		return err
	}

	site := orchestrator.SiteFor(tenant)
	if err := e.withRetry(ctx, func() error {
		return e.driver.SetCronJobSuspended(ctx, site, true)
	}); err != nil {
		return err
	}

	if !replay {
		e.sendNotice(ctx, notify.KindDeletionNotice, tenant, nil)
	}
	return nil
}

// finalBackup takes the pre-deletion backup once. A final record
// created since the tenant entered its current state counts; replays
// and forced deletes reuse it instead of stacking archives.
func (e *Engine) finalBackup(ctx context.Context, tenant *types.Tenant) error {
	records, err := e.store.ListBackupRecords(tenant.ID)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.Kind == types.BackupFinal && !record.CreatedAt.Before(tenant.StateSince) {
			e.logger.Debug().
				Str("tenant_id", tenant.ID).
				Str("backup_id", record.ID).
				Msg("Final backup already taken")
			return nil
		}
	}

	record, err := e.backups.Take(ctx, tenant.ID, types.BackupFinal)
	if err != nil {
		return err
	}
	e.logger.Info().
		Str("tenant_id", tenant.ID).
		Str("backup_id", record.ID).
		Msg("Final backup taken")
	return nil
}

// teardown removes everything the tenant owned. Each effect is
// idempotent against an earlier partial run.
func (e *Engine) teardown(ctx context.Context, tenant *types.Tenant) error {
	site := orchestrator.SiteFor(tenant)
	if err := e.withRetry(ctx, func() error {
		return e.driver.DeleteNamespace(ctx, site)
	}); err != nil {
		return err
	}
	if err := e.withRetry(ctx, func() error {
		return e.dns.DeleteRecord(ctx, tenant.Domain)
	}); err != nil {
		return err
	}

	if tenant.SubscriptionRef != "" {
		err := e.withRetry(ctx, func() error {
			return e.gateway.CancelSubscription(ctx, tenant.SubscriptionRef)
		})
		if err != nil {
			if !types.IsPermanent(err) {
				return err
			}
			// Already cancelled or gone at the gateway.
			e.logger.Debug().
				Str("tenant_id", tenant.ID).
				Str("subscription_ref", tenant.SubscriptionRef).
				Msg("Subscription cancel reported permanent error, treating as done")
		}
	}

	if e.bus != nil {
		if err := e.bus.Publish(&types.DomainEvent{
			ID:        uuid.New().String(),
			Type:      types.EventTenantDeleted,
			TenantID:  tenant.ID,
			Timestamp: e.now().UTC(),
		}); err != nil {
			e.logger.Warn().Err(err).Str("tenant_id", tenant.ID).Msg("TenantDeleted publish failed")
		}
	}
	return nil
}

// withRetry wraps one side-effect with the bounded in-handler retry.
// The bus adds its own redelivery on top, so this only has to smooth
// over short blips.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(effectAttempts),
		retry.Delay(effectDelay),
		retry.MaxDelay(effectMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !types.IsPermanent(err) }),
	)
}

// sendNotice delivers fire-and-forget: a lost notice never reverts a
// committed transition.
func (e *Engine) sendNotice(ctx context.Context, kind notify.Kind, tenant *types.Tenant, invoice *types.Invoice) {
	if err := e.notifier.Send(ctx, kind, tenant, invoice); err != nil {
		e.logger.Warn().
			Str("tenant_id", tenant.ID).
			Str("kind", string(kind)).
			Err(err).
			Msg("Notification failed")
	}
}

func (e *Engine) notifyOps(ctx context.Context, subject, text string) {
	if err := e.notifier.NotifyOps(ctx, subject, text); err != nil {
		e.logger.Warn().Err(err).Str("subject", subject).Msg("Operator notice failed")
	}
}
