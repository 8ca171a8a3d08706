package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/dns"
	"github.com/siteforge/steward/pkg/gateway"
	"github.com/siteforge/steward/pkg/orchestrator"
	"github.com/siteforge/steward/pkg/secrets"
	"github.com/siteforge/steward/pkg/storage"
	"github.com/siteforge/steward/pkg/types"
)

type capturedEvents struct {
	mu     sync.Mutex
	events []*types.DomainEvent
}

func (c *capturedEvents) Publish(event *types.DomainEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturedEvents) ofType(t types.EventType) []*types.DomainEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.DomainEvent
	for _, event := range c.events {
		if event.Type == t {
			out = append(out, event)
		}
	}
	return out
}

type fixture struct {
	provisioner *Provisioner
	store       *storage.BoltStore
	driver      *orchestrator.LogDriver
	dns         *dns.LogProvider
	gateway     *gateway.Fake
	bus         *capturedEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	manager, err := secrets.NewManagerFromPassword("test-key")
	require.NoError(t, err)

	driver := orchestrator.NewLogDriver()
	provider := dns.NewLogProvider()
	fakeGateway := gateway.NewFake()
	bus := &capturedEvents{}

	provisioner := New(Deps{
		Store:   store,
		Driver:  driver,
		DNS:     provider,
		Gateway: fakeGateway,
		Secrets: manager,
		Bus:     bus,
		Hooks:   []PostHook{TemplateHook{}, FieldOverridesHook{}},
		Provision: config.ProvisionConfig{
			StepTimeout:    config.Duration{Duration: 5 * time.Second},
			MaxAttempts:    2,
			Locale:         "pt_BR",
			Timezone:       "America/Sao_Paulo",
			BackupSchedule: "30 3 * * *",
		},
		Backup: config.BackupConfig{Bucket: "steward-backups", Region: "us-east-1"},
	})

	return &fixture{
		provisioner: provisioner,
		store:       store,
		driver:      driver,
		dns:         provider,
		gateway:     fakeGateway,
		bus:         bus,
	}
}

func testRequest() types.ProvisionRequest {
	return types.ProvisionRequest{
		BusinessName: "Padaria Rosa",
		Domain:       "rosa.ex.com",
		Industry:     "restaurant",
		PlanTier:     types.PlanProfessional,
		OwnerUserID:  "u42",
	}
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t)

	tenant, creds, err := f.provisioner.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotNil(t, tenant)
	require.NotNil(t, creds)

	assert.Equal(t, types.StateActive, tenant.State)
	assert.True(t, strings.HasPrefix(tenant.ID, "padariarosa_"), "tenant id %q", tenant.ID)
	assert.LessOrEqual(t, len(tenant.ID), 32)

	assert.Len(t, creds.AdminPassword, 16)
	assert.Len(t, creds.DBRootPassword, 20)
	assert.Equal(t, "admin@rosa.ex.com", creds.AdminEmail)

	ns := "client-" + tenant.ID
	assert.True(t, f.driver.HasNamespace(ns))
	assert.True(t, f.driver.Has("deployment", ns, "wp-"+tenant.ID))
	assert.True(t, f.driver.Has("deployment", ns, "db-"+tenant.ID))
	assert.True(t, f.driver.Has("ingress", ns, "ing-"+tenant.ID))
	assert.True(t, f.driver.Has("cronjob", ns, "backup-"+tenant.ID))
	assert.True(t, f.dns.Ensured("rosa.ex.com"))

	assert.NotEmpty(t, tenant.SubscriptionRef)
	assert.NotEmpty(t, tenant.CredentialsBlob)

	assert.Len(t, f.bus.ofType(types.EventTenantProvisioned), 1)

	stored, err := f.store.GetTenant(tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, stored.State)

	events, err := f.store.ListLifecycleEvents(tenant.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.StateProvisioning, events[0].From)
	assert.Equal(t, types.StateActive, events[0].To)
}

func TestExecuteRunsInstallSequence(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var commands []string
	f.driver.ExecFunc = func(_ orchestrator.Site, _ string, command []string, _ io.Reader) (*orchestrator.ExecResult, error) {
		mu.Lock()
		commands = append(commands, strings.Join(command[:3], " "))
		mu.Unlock()
		return &orchestrator.ExecResult{}, nil
	}

	_, _, err := f.provisioner.Execute(context.Background(), testRequest())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, commands)
	assert.Equal(t, "wp core download", commands[0])
	assert.Contains(t, commands, "wp core install")
	assert.Contains(t, commands, "wp plugin install")
}

func TestExecuteRollbackOnFailure(t *testing.T) {
	f := newFixture(t)
	f.driver.FailOn["ensure_wordpress"] = types.Permanent("ensure_wordpress", errors.New("quota exceeded"))

	_, _, err := f.provisioner.Execute(context.Background(), testRequest())
	require.Error(t, err)

	tenant, err := f.store.GetTenantByDomain("rosa.ex.com")
	require.NoError(t, err)
	assert.Equal(t, types.StateProvisioningFailed, tenant.State)
	assert.Empty(t, tenant.CredentialsBlob)
	assert.False(t, f.driver.HasNamespace("client-"+tenant.ID))

	assert.Len(t, f.bus.ofType(types.EventTenantProvisioningFailed), 1)
	assert.Empty(t, f.bus.ofType(types.EventTenantProvisioned))
}

func TestExecutePluginFailureIsSoft(t *testing.T) {
	f := newFixture(t)
	f.driver.ExecFunc = func(_ orchestrator.Site, _ string, command []string, _ io.Reader) (*orchestrator.ExecResult, error) {
		if len(command) > 2 && command[1] == "plugin" {
			return nil, &types.ExecError{Command: "wp plugin install", ExitCode: 1, Stderr: "download failed"}
		}
		return &orchestrator.ExecResult{}, nil
	}

	tenant, _, err := f.provisioner.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, tenant.State)
}

func TestExecuteReplayReturnsRowWithoutCredentials(t *testing.T) {
	f := newFixture(t)

	first, creds, err := f.provisioner.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotNil(t, creds)

	second, replayCreds, err := f.provisioner.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Nil(t, replayCreds)
	assert.Equal(t, first.ID, second.ID)
}

func TestExecuteAlreadyExistsAfterReveal(t *testing.T) {
	f := newFixture(t)

	tenant, _, err := f.provisioner.Execute(context.Background(), testRequest())
	require.NoError(t, err)

	revealed := time.Now().UTC()
	tenant.CredentialsRevealedAt = &revealed
	require.NoError(t, f.store.UpdateTenant(tenant))

	_, _, err = f.provisioner.Execute(context.Background(), testRequest())
	assert.ErrorIs(t, err, types.ErrAlreadyExists)
}

func TestExecuteConcurrentDoubleProvision(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, results[i] = f.provisioner.Execute(context.Background(), testRequest())
		}(i)
	}
	wg.Wait()

	var winners, losers int
	for _, err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, types.ErrAlreadyExists):
			losers++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// The loser either hit the advisory lock and got AlreadyExists, or
	// arrived after the winner finished and got the replay row back.
	// Both ways, exactly one tenant exists.
	assert.Equal(t, 2, winners+losers)
	assert.GreaterOrEqual(t, winners, 1)
	tenants, err := f.store.ListTenants()
	require.NoError(t, err)
	assert.Len(t, tenants, 1)
}

func TestExecuteResumeSkipsCompletedSteps(t *testing.T) {
	f := newFixture(t)
	f.driver.FailOn["ensure_ingress"] = types.Permanent("ensure_ingress", errors.New("admission webhook rejected"))

	_, _, err := f.provisioner.Execute(context.Background(), testRequest())
	require.Error(t, err)

	// First run rolled back to ProvisioningFailed; the domain stays
	// occupied until an admin force-deletes it.
	_, _, err = f.provisioner.Execute(context.Background(), testRequest())
	assert.ErrorIs(t, err, types.ErrAlreadyExists)
}

func TestExecuteResumesMidProvision(t *testing.T) {
	f := newFixture(t)

	// Seed a tenant stuck mid-provision, as if the daemon crashed after
	// the namespace step.
	manager, err := secrets.NewManagerFromPassword("test-key")
	require.NoError(t, err)
	creds, err := secrets.GenerateSiteCredentials("padariarosa_ab12cd", "rosa.ex.com", "")
	require.NoError(t, err)
	blob, err := manager.SealCredentials(creds)
	require.NoError(t, err)

	now := time.Now().UTC()
	stuck := &types.Tenant{
		ID:              "padariarosa_ab12cd",
		BusinessName:    "Padaria Rosa",
		Domain:          "rosa.ex.com",
		Industry:        "restaurant",
		PlanTier:        types.PlanProfessional,
		OwnerUserID:     "u42",
		ContactEmail:    "admin@rosa.ex.com",
		State:           types.StateProvisioning,
		StateSince:      now,
		Infrastructure:  types.NewInfrastructureRef("padariarosa_ab12cd"),
		CredentialsBlob: blob,
		CustomerRef:     "cus_000001",
		SubscriptionRef: "sub_000002",
		CompletedSteps: map[string]time.Time{
			stepGateway:     now,
			stepCredentials: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateTenant(stuck))

	tenant, resumedCreds, err := f.provisioner.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "padariarosa_ab12cd", tenant.ID)
	assert.Equal(t, types.StateActive, tenant.State)
	// Resume unseals the original credential set rather than minting a
	// new one.
	require.NotNil(t, resumedCreds)
	assert.Equal(t, creds.AdminPassword, resumedCreds.AdminPassword)
	// The gateway step was recorded done, so the fake saw no calls.
	assert.Equal(t, "sub_000002", tenant.SubscriptionRef)
}

func TestPluginsFor(t *testing.T) {
	tests := []struct {
		name     string
		industry string
		tier     types.PlanTier
		want     []string
		notWant  []string
	}{
		{
			name:     "starter restaurant",
			industry: "restaurant",
			tier:     types.PlanStarter,
			want:     []string{"wordpress-seo", "restaurant-reservations"},
			notWant:  []string{"wp-super-cache", "redis-cache"},
		},
		{
			name:     "professional gets caching",
			industry: "services",
			tier:     types.PlanProfessional,
			want:     []string{"wp-super-cache", "updraftplus"},
			notWant:  []string{"redis-cache"},
		},
		{
			name:     "agency gets every tier row",
			industry: "ecommerce",
			tier:     types.PlanAgency,
			want:     []string{"wp-super-cache", "redis-cache", "advanced-custom-fields", "woocommerce"},
		},
		{
			name:     "unknown industry falls back to base",
			industry: "zeppelin-repair",
			tier:     types.PlanStarter,
			want:     []string{"wordpress-seo", "wordfence", "contact-form-7"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PluginsFor(tt.industry, tt.tier)
			for _, plugin := range tt.want {
				assert.Contains(t, got, plugin)
			}
			for _, plugin := range tt.notWant {
				assert.NotContains(t, got, plugin)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Padaria Rosa", "padariarosa"},
		{"ACME & Sons, Ltd.", "acmesonsltd"},
		{"---", "site"},
		{strings.Repeat("a", 40), strings.Repeat("a", maxSlugLen)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, slugify(tt.in), "slugify(%q)", tt.in)
	}
}

func TestNewTenantIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := newTenantID("Padaria Rosa")
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		assert.LessOrEqual(t, len(id), 32)
	}
}

func TestInstallCommandsOrder(t *testing.T) {
	creds := &types.SiteCredentials{
		AdminUser: "admin", AdminPassword: "pw", AdminEmail: "a@b.c",
		DBName: "wp_x", DBUser: "wp_x", DBPassword: "dbpw",
	}
	commands := installCommands(installParams{
		Domain: "rosa.ex.com", BusinessName: "Padaria Rosa",
		DBHost: "db-x", Locale: "pt_BR", Timezone: "America/Sao_Paulo",
		Creds: creds,
	})

	require.GreaterOrEqual(t, len(commands), 5)
	assert.Equal(t, "download", commands[0][2])
	assert.Equal(t, "create", commands[1][2])
	assert.Equal(t, "install", commands[2][2])

	// Config must carry the DB coordinates, install the admin identity.
	assert.Contains(t, commands[1], "--dbhost=db-x")
	assert.Contains(t, commands[2], "--url=https://rosa.ex.com")
	assert.Contains(t, commands[2], fmt.Sprintf("--admin_email=%s", creds.AdminEmail))
}
