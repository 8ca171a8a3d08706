package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/dns"
	"github.com/siteforge/steward/pkg/gateway"
	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/metrics"
	"github.com/siteforge/steward/pkg/orchestrator"
	"github.com/siteforge/steward/pkg/secrets"
	"github.com/siteforge/steward/pkg/storage"
	"github.com/siteforge/steward/pkg/tenantlock"
	"github.com/siteforge/steward/pkg/types"
)

// Workflow step names. Completion is recorded per step on the tenant
// row; a resumed run skips everything already marked done.
const (
	stepGateway     = "gateway_subscription"
	stepCredentials = "credentials"
	stepNamespace   = "namespace"
	stepSecrets     = "secrets"
	stepDatabase    = "database"
	stepCache       = "cache"
	stepWordPress   = "wordpress"
	stepIngress     = "ingress"
	stepDNS         = "dns"
	stepInstall     = "wp_install"
	stepPlugins     = "plugins"
	stepHooks       = "post_hooks"
	stepBackupCron  = "backup_cron"
)

// rollbackTimeout bounds the cleanup pass. Rollback runs on a fresh
// context because the triggering failure may be a cancellation.
const rollbackTimeout = 2 * time.Minute

// Publisher is the bus surface the provisioner emits through.
type Publisher interface {
	Publish(event *types.DomainEvent) error
}

// Deps are the provisioner's collaborators.
type Deps struct {
	Store   storage.Store
	Driver  orchestrator.Driver
	DNS     dns.Provider
	Gateway gateway.Client
	Secrets *secrets.Manager
	Bus     Publisher
	Locks   *tenantlock.Map
	Hooks   []PostHook

	Provision config.ProvisionConfig
	Backup    config.BackupConfig
}

// Provisioner executes the tenant creation workflow. At most one
// workflow runs per domain at a time; the loser of a concurrent
// double-provision gets ErrAlreadyExists before any infrastructure is
// touched.
type Provisioner struct {
	store    storage.Store
	driver   orchestrator.Driver
	dns      dns.Provider
	gateway  gateway.Client
	secrets  *secrets.Manager
	bus      Publisher
	locks    *tenantlock.Map
	hooks    []PostHook
	cfg      config.ProvisionConfig
	backup   config.BackupConfig
	logger   zerolog.Logger
	now      func() time.Time
}

func New(deps Deps) *Provisioner {
	locks := deps.Locks
	if locks == nil {
		locks = tenantlock.NewMap()
	}
	cfg := deps.Provision
	if cfg.StepTimeout.Duration <= 0 {
		cfg.StepTimeout.Duration = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Provisioner{
		store:   deps.Store,
		driver:  deps.Driver,
		dns:     deps.DNS,
		gateway: deps.Gateway,
		secrets: deps.Secrets,
		bus:     deps.Bus,
		locks:   locks,
		hooks:   deps.Hooks,
		cfg:     cfg,
		backup:  deps.Backup,
		logger:  log.WithComponent("provision"),
		now:     time.Now,
	}
}

// Execute runs the workflow for req. On success it returns the tenant
// and the generated credentials; the credentials are returned exactly
// once, later calls for the same site never see them again. Calling
// Execute again with an already-provisioned request returns the
// existing row, or ErrAlreadyExists once the credentials have been
// revealed.
func (p *Provisioner) Execute(ctx context.Context, req types.ProvisionRequest) (*types.Tenant, *types.SiteCredentials, error) {
	if !types.ValidPlanTier(req.PlanTier) {
		return nil, nil, types.Permanent("provision", fmt.Errorf("unknown plan tier %q", req.PlanTier))
	}

	unlock, ok := p.locks.TryLock("provision:" + req.Domain)
	if !ok {
		return nil, nil, fmt.Errorf("domain %s: %w", req.Domain, types.ErrAlreadyExists)
	}
	defer unlock()

	tenant, err := p.claimTenant(req)
	if err != nil {
		var done *alreadyProvisioned
		if errors.As(err, &done) {
			return done.tenant, nil, nil
		}
		return nil, nil, err
	}

	start := p.now()
	creds, runErr := p.run(ctx, tenant, req)
	metrics.ProvisionDuration.Observe(p.now().Sub(start).Seconds())

	if runErr != nil {
		metrics.ProvisionsTotal.WithLabelValues("failed").Inc()
		if rbErr := p.rollback(tenant, creds, runErr); rbErr != nil {
			p.logger.Error().Err(rbErr).Str("tenant_id", tenant.ID).Msg("Rollback incomplete")
		}
		return nil, nil, runErr
	}

	metrics.ProvisionsTotal.WithLabelValues("success").Inc()
	return tenant, creds, nil
}

// claimTenant resolves the request to the tenant row the workflow will
// drive. A fresh request creates the row; a request for a domain mid-
// provision resumes it; a finished one short-circuits per the reveal
// contract via alreadyProvisioned.
func (p *Provisioner) claimTenant(req types.ProvisionRequest) (*types.Tenant, error) {
	existing, err := p.store.GetTenantByDomain(req.Domain)
	switch {
	case err == nil:
		switch existing.State {
		case types.StateProvisioning:
			p.logger.Info().
				Str("tenant_id", existing.ID).
				Str("domain", existing.Domain).
				Msg("Resuming interrupted provision")
			metrics.ProvisionsTotal.WithLabelValues("resumed").Inc()
			return existing, nil
		default:
			if existing.CredentialsRevealedAt != nil || existing.State.Terminal() {
				return nil, fmt.Errorf("domain %s: %w", req.Domain, types.ErrAlreadyExists)
			}
			// Same request replayed after success: hand back the row,
			// never the credentials.
			return nil, &alreadyProvisioned{tenant: existing}
		}
	case errors.Is(err, types.ErrNotFound):
		// fresh request
	default:
		return nil, err
	}

	id, err := newTenantID(req.BusinessName)
	if err != nil {
		return nil, err
	}
	contact := req.OwnerEmail
	if contact == "" {
		contact = "admin@" + req.Domain
	}
	now := p.now().UTC()
	tenant := &types.Tenant{
		ID:              id,
		BusinessName:    req.BusinessName,
		Domain:          req.Domain,
		Industry:        req.Industry,
		PlanTier:        req.PlanTier,
		OwnerUserID:     req.OwnerUserID,
		ContactEmail:    contact,
		State:           types.StateProvisioning,
		StateSince:      now,
		Infrastructure:  types.NewInfrastructureRef(id),
		SlackWebhookURL: req.SlackWebhookURL,
		TemplateID:      req.TemplateID,
		FieldOverrides:  req.FieldOverrides,
		CompletedSteps:  map[string]time.Time{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.store.CreateTenant(tenant); err != nil {
		return nil, err
	}
	metrics.TenantsTotal.WithLabelValues(string(types.StateProvisioning)).Inc()
	p.logger.Info().
		Str("tenant_id", id).
		Str("domain", req.Domain).
		Str("plan", string(req.PlanTier)).
		Msg("Provision started")
	return tenant, nil
}

// alreadyProvisioned is the internal signal for the replayed-request
// path. Execute unwraps it into a plain row return.
type alreadyProvisioned struct {
	tenant *types.Tenant
}

func (e *alreadyProvisioned) Error() string {
	return "tenant " + e.tenant.ID + " already provisioned"
}

func (p *Provisioner) run(ctx context.Context, tenant *types.Tenant, req types.ProvisionRequest) (*types.SiteCredentials, error) {
	site := orchestrator.SiteFor(tenant)
	resources := orchestrator.ResourcesFor(tenant.PlanTier)

	if err := p.step(ctx, tenant, stepGateway, func(ctx context.Context) error {
		return p.ensureSubscription(ctx, tenant, req)
	}); err != nil {
		return nil, err
	}

	creds, err := p.ensureCredentials(ctx, tenant, req)
	if err != nil {
		return nil, err
	}

	if err := p.step(ctx, tenant, stepNamespace, func(ctx context.Context) error {
		return p.driver.EnsureNamespace(ctx, site)
	}); err != nil {
		return creds, err
	}

	if err := p.step(ctx, tenant, stepSecrets, func(ctx context.Context) error {
		if err := p.driver.EnsureCredentialsSecret(ctx, site, creds); err != nil {
			return err
		}
		pair, err := secrets.SelfSignedCertificate(tenant.Domain)
		if err != nil {
			return err
		}
		return p.driver.EnsureTLSSecret(ctx, site, pair.CertPEM, pair.KeyPEM)
	}); err != nil {
		return creds, err
	}

	if err := p.step(ctx, tenant, stepDatabase, func(ctx context.Context) error {
		if err := p.driver.EnsureDatabase(ctx, site); err != nil {
			return err
		}
		return p.driver.WaitReady(ctx, site, orchestrator.ComponentDatabase, p.cfg.StepTimeout.Duration)
	}); err != nil {
		return creds, err
	}

	if resources.Cache {
		if err := p.step(ctx, tenant, stepCache, func(ctx context.Context) error {
			if err := p.driver.EnsureCache(ctx, site); err != nil {
				return err
			}
			return p.driver.WaitReady(ctx, site, orchestrator.ComponentCache, p.cfg.StepTimeout.Duration)
		}); err != nil {
			return creds, err
		}
	}

	if err := p.step(ctx, tenant, stepWordPress, func(ctx context.Context) error {
		if err := p.driver.EnsureWordPress(ctx, site); err != nil {
			return err
		}
		return p.driver.WaitReady(ctx, site, orchestrator.ComponentWordPress, p.cfg.StepTimeout.Duration)
	}); err != nil {
		return creds, err
	}

	if err := p.step(ctx, tenant, stepIngress, func(ctx context.Context) error {
		return p.driver.EnsureIngress(ctx, site)
	}); err != nil {
		return creds, err
	}

	if err := p.step(ctx, tenant, stepDNS, func(ctx context.Context) error {
		return p.dns.EnsureRecord(ctx, tenant.Domain)
	}); err != nil {
		return creds, err
	}

	if err := p.step(ctx, tenant, stepInstall, func(ctx context.Context) error {
		return p.installWordPress(ctx, site, tenant, creds)
	}); err != nil {
		return creds, err
	}

	if err := p.step(ctx, tenant, stepPlugins, func(ctx context.Context) error {
		return p.installPlugins(ctx, site, tenant)
	}); err != nil {
		return creds, err
	}

	if err := p.step(ctx, tenant, stepHooks, func(ctx context.Context) error {
		return p.runHooks(ctx, site, tenant)
	}); err != nil {
		return creds, err
	}

	if err := p.step(ctx, tenant, stepBackupCron, func(ctx context.Context) error {
		return p.driver.EnsureBackupCronJob(ctx, site, orchestrator.BackupJobSpec{
			Schedule: p.cfg.BackupSchedule,
			Bucket:   p.backup.Bucket,
			Region:   p.backup.Region,
			Endpoint: p.backup.Endpoint,
		})
	}); err != nil {
		return creds, err
	}

	if err := p.finalize(tenant); err != nil {
		return creds, err
	}
	return creds, nil
}

// step runs fn once unless it already completed in an earlier run.
// Transient failures retry with exponential backoff capped at 30s per
// attempt; permanent errors, readiness timeouts and non-zero execs
// abort immediately.
func (p *Provisioner) step(ctx context.Context, tenant *types.Tenant, name string, fn func(context.Context) error) error {
	if tenant.CompletedSteps == nil {
		tenant.CompletedSteps = map[string]time.Time{}
	}
	if _, done := tenant.CompletedSteps[name]; done {
		p.logger.Debug().Str("tenant_id", tenant.ID).Str("step", name).Msg("Step already complete, skipped")
		return nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout.Duration)
	defer cancel()

	err := retry.Do(
		func() error { return fn(stepCtx) },
		retry.Context(stepCtx),
		retry.Attempts(uint(p.cfg.MaxAttempts)),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryableStepError),
		retry.OnRetry(func(n uint, err error) {
			metrics.ProvisionStepRetries.WithLabelValues(name).Inc()
			p.logger.Warn().
				Str("tenant_id", tenant.ID).
				Str("step", name).
				Uint("attempt", n+1).
				Err(err).
				Msg("Step failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("step %s: %w", name, err)
	}

	tenant.CompletedSteps[name] = p.now().UTC()
	tenant.UpdatedAt = p.now().UTC()
	return p.store.UpdateTenant(tenant)
}

// retryableStepError keeps retrying anything not classified as final: a
// raw network error is worth another attempt, a 4xx, a readiness
// timeout or a failed in-pod command is not.
func retryableStepError(err error) bool {
	var execErr *types.ExecError
	return !types.IsPermanent(err) &&
		!types.IsProvisionTimeout(err) &&
		!errors.As(err, &execErr) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (p *Provisioner) ensureSubscription(ctx context.Context, tenant *types.Tenant, req types.ProvisionRequest) error {
	customer, err := p.gateway.CreateCustomer(ctx, gateway.CreateCustomerRequest{
		Name:        req.BusinessName,
		Email:       tenant.ContactEmail,
		ExternalRef: tenant.ID,
	})
	if err != nil {
		return err
	}
	subscription, err := p.gateway.CreateSubscription(ctx, gateway.CreateSubscriptionRequest{
		CustomerID:  customer.ID,
		Plan:        string(req.PlanTier),
		ExternalRef: tenant.ID,
	})
	if err != nil {
		return err
	}
	tenant.CustomerRef = customer.ID
	tenant.SubscriptionRef = subscription.ID
	return nil
}

// ensureCredentials generates and seals the credential set exactly
// once. A resumed run unseals the existing blob instead, so the
// orchestrator secrets stay consistent with what was minted first.
func (p *Provisioner) ensureCredentials(ctx context.Context, tenant *types.Tenant, req types.ProvisionRequest) (*types.SiteCredentials, error) {
	if len(tenant.CredentialsBlob) > 0 {
		return p.secrets.OpenCredentials(tenant.CredentialsBlob)
	}

	var creds *types.SiteCredentials
	err := p.step(ctx, tenant, stepCredentials, func(context.Context) error {
		generated, err := secrets.GenerateSiteCredentials(tenant.ID, tenant.Domain, req.OwnerEmail)
		if err != nil {
			return err
		}
		blob, err := p.secrets.SealCredentials(generated)
		if err != nil {
			return err
		}
		tenant.CredentialsBlob = blob
		creds = generated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func (p *Provisioner) installWordPress(ctx context.Context, site orchestrator.Site, tenant *types.Tenant, creds *types.SiteCredentials) error {
	commands := installCommands(installParams{
		Domain:       tenant.Domain,
		BusinessName: tenant.BusinessName,
		DBHost:       site.Refs.DBService,
		Locale:       p.cfg.Locale,
		Timezone:     p.cfg.Timezone,
		Creds:        creds,
	})
	for _, command := range commands {
		if _, err := p.driver.ExecInPod(ctx, site, orchestrator.ComponentWordPress, command, nil); err != nil {
			return err
		}
	}
	return nil
}

// installPlugins walks the industry and plan matrix. A plugin that
// fails to install is a soft dependency: logged and skipped, never
// fatal.
func (p *Provisioner) installPlugins(ctx context.Context, site orchestrator.Site, tenant *types.Tenant) error {
	for _, plugin := range PluginsFor(tenant.Industry, tenant.PlanTier) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.driver.ExecInPod(ctx, site, orchestrator.ComponentWordPress, pluginInstallCommand(plugin), nil); err != nil {
			p.logger.Warn().
				Str("tenant_id", tenant.ID).
				Str("plugin", plugin).
				Err(err).
				Msg("Plugin install failed, continuing")
		}
	}
	return nil
}

func (p *Provisioner) runHooks(ctx context.Context, site orchestrator.Site, tenant *types.Tenant) error {
	hc := &HookContext{
		Tenant: tenant,
		Site:   site,
		Exec: func(ctx context.Context, component string, command []string, stdin io.Reader) (*orchestrator.ExecResult, error) {
			return p.driver.ExecInPod(ctx, site, component, command, stdin)
		},
	}
	for _, hook := range p.hooks {
		if err := hook.Apply(ctx, hc); err != nil {
			return fmt.Errorf("hook %s: %w", hook.Name(), err)
		}
	}
	return nil
}

// finalize commits Provisioning -> Active and announces the tenant.
func (p *Provisioner) finalize(tenant *types.Tenant) error {
	now := p.now().UTC()
	from := tenant.State
	tenant.State = types.StateActive
	tenant.StateSince = now
	tenant.UpdatedAt = now

	event := &types.LifecycleEvent{
		TenantID:  tenant.ID,
		From:      from,
		To:        types.StateActive,
		Reason:    types.ReasonProvisionSucceeded,
		Cause:     "provisioner",
		Timestamp: now,
	}
	if err := p.store.ApplyTransition(tenant, event); err != nil {
		return err
	}
	metrics.TransitionsTotal.WithLabelValues(string(types.StateActive), string(types.ReasonProvisionSucceeded)).Inc()
	metrics.TenantsTotal.WithLabelValues(string(from)).Dec()
	metrics.TenantsTotal.WithLabelValues(string(types.StateActive)).Inc()

	if p.bus != nil {
		if err := p.bus.Publish(&types.DomainEvent{
			ID:        uuid.New().String(),
			Type:      types.EventTenantProvisioned,
			TenantID:  tenant.ID,
			Timestamp: now,
		}); err != nil {
			p.logger.Warn().Err(err).Str("tenant_id", tenant.ID).Msg("TenantProvisioned publish failed")
		}
	}

	p.logger.Info().
		Str("tenant_id", tenant.ID).
		Str("domain", tenant.Domain).
		Msg("Provision complete")
	return nil
}

// rollback reverses a failed workflow: namespace and DNS record
// removed, credentials zeroed everywhere, tenant pinned to the
// observable ProvisioningFailed terminal state.
func (p *Provisioner) rollback(tenant *types.Tenant, creds *types.SiteCredentials, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	p.logger.Error().
		Str("tenant_id", tenant.ID).
		Err(cause).
		Msg("Provision failed, rolling back")

	site := orchestrator.SiteFor(tenant)
	var errs error
	errs = multierr.Append(errs, p.driver.DeleteNamespace(ctx, site))
	errs = multierr.Append(errs, p.dns.DeleteRecord(ctx, tenant.Domain))

	if creds != nil {
		creds.Zero()
	}
	tenant.CredentialsBlob = nil

	now := p.now().UTC()
	from := tenant.State
	tenant.State = types.StateProvisioningFailed
	tenant.StateSince = now
	tenant.UpdatedAt = now
	event := &types.LifecycleEvent{
		TenantID:  tenant.ID,
		From:      from,
		To:        types.StateProvisioningFailed,
		Reason:    types.ReasonProvisionFailed,
		Cause:     "provisioner",
		Timestamp: now,
	}
	if err := p.store.ApplyTransition(tenant, event); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		metrics.TransitionsTotal.WithLabelValues(string(types.StateProvisioningFailed), string(types.ReasonProvisionFailed)).Inc()
		metrics.TenantsTotal.WithLabelValues(string(from)).Dec()
		metrics.TenantsTotal.WithLabelValues(string(types.StateProvisioningFailed)).Inc()
	}

	if p.bus != nil {
		if err := p.bus.Publish(&types.DomainEvent{
			ID:        uuid.New().String(),
			Type:      types.EventTenantProvisioningFailed,
			TenantID:  tenant.ID,
			Error:     cause.Error(),
			Timestamp: now,
		}); err != nil {
			p.logger.Warn().Err(err).Str("tenant_id", tenant.ID).Msg("ProvisioningFailed publish failed")
		}
	}
	return errs
}
