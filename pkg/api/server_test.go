package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteforge/steward/pkg/backup"
	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/dns"
	"github.com/siteforge/steward/pkg/dunning"
	"github.com/siteforge/steward/pkg/gateway"
	"github.com/siteforge/steward/pkg/lifecycle"
	"github.com/siteforge/steward/pkg/notify"
	"github.com/siteforge/steward/pkg/objectstore"
	"github.com/siteforge/steward/pkg/orchestrator"
	"github.com/siteforge/steward/pkg/provision"
	"github.com/siteforge/steward/pkg/secrets"
	"github.com/siteforge/steward/pkg/storage"
	"github.com/siteforge/steward/pkg/types"
	"github.com/siteforge/steward/pkg/webhook"
)

const adminToken = "tok_admin_test"

type publisher struct {
	mu     sync.Mutex
	events []*types.DomainEvent
}

func (p *publisher) Publish(event *types.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type fixture struct {
	server *Server
	store  storage.Store
	driver *orchestrator.LogDriver
	bus    *publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	manager, err := secrets.NewManagerFromPassword("api-test-key")
	require.NoError(t, err)

	driver := orchestrator.NewLogDriver()
	driver.ExecFunc = func(_ orchestrator.Site, _ string, command []string, _ io.Reader) (*orchestrator.ExecResult, error) {
		if strings.Contains(strings.Join(command, " "), "core version") {
			return &orchestrator.ExecResult{Stdout: []byte("6.5.2")}, nil
		}
		return &orchestrator.ExecResult{Stdout: []byte("ok")}, nil
	}

	bus := &publisher{}
	provider := dns.NewLogProvider()
	gw := gateway.NewFake()
	cfg := config.Default()
	cfg.API.AdminToken = adminToken

	provisioner := provision.New(provision.Deps{
		Store:     store,
		Driver:    driver,
		DNS:       provider,
		Gateway:   gw,
		Secrets:   manager,
		Bus:       bus,
		Provision: cfg.Provision,
		Backup:    cfg.Backup,
	})

	backups := backup.New(backup.Deps{
		Store:   store,
		Driver:  driver,
		Objects: objectstore.NewMemStore(),
		Bus:     bus,
		Fs:      afero.NewMemMapFs(),
		Backup:  cfg.Backup,
	})

	engine := lifecycle.New(lifecycle.Deps{
		Store:    store,
		Driver:   driver,
		DNS:      provider,
		Gateway:  gw,
		Notifier: notify.NewLogNotifier(),
		Backups:  backups,
		Bus:      bus,
	})

	scheduler := dunning.New(store, gw, bus, cfg.Dunning, "api-test")

	server := NewServer(Deps{
		Config:    cfg.API,
		Store:     store,
		Provision: provisioner,
		Lifecycle: engine,
		Backups:   backups,
		Dunning:   scheduler,
		Webhook:   webhook.New(store, bus, ""),
		Secrets:   manager,
	})

	return &fixture{server: server, store: store, driver: driver, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func provisionBody() types.ProvisionRequest {
	return types.ProvisionRequest{
		BusinessName: "Padaria Rosa",
		Domain:       "rosa.example.com",
		Industry:     "restaurant",
		PlanTier:     types.PlanProfessional,
		OwnerUserID:  "u42",
		OwnerEmail:   "owner@rosa.example.com",
	}
}

func TestProvisionEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/system/tenants", provisionBody(), true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Tenant      tenantView             `json:"tenant"`
		Credentials *types.SiteCredentials `json:"credentials"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.StateActive), resp.Tenant.State)
	assert.True(t, strings.HasPrefix(resp.Tenant.ID, "padariarosa_"))
	require.NotNil(t, resp.Credentials)
	assert.NotEmpty(t, resp.Credentials.AdminPassword)
	assert.True(t, resp.Tenant.Revealed)

	// The sealed blob must never appear on the wire.
	assert.NotContains(t, rec.Body.String(), "CredentialsBlob")
	assert.NotContains(t, rec.Body.String(), "credentials_blob")
}

func TestProvisionCredentialsReturnedOnlyOnce(t *testing.T) {
	f := newFixture(t)

	first := f.do(t, http.MethodPost, "/system/tenants", provisionBody(), true)
	require.Equal(t, http.StatusCreated, first.Code)

	var resp struct {
		Tenant tenantView `json:"tenant"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &resp))

	rec := f.do(t, http.MethodGet, "/system/tenants/"+resp.Tenant.ID+"/credentials", nil, true)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestProvisionValidation(t *testing.T) {
	f := newFixture(t)

	body := provisionBody()
	body.Domain = "not a domain"
	rec := f.do(t, http.MethodPost, "/system/tenants", body, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAuthRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/system/tenants", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/system/tenants", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	out := httptest.NewRecorder()
	f.server.Router().ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}

func TestWebhookEndpointSkipsAdminAuth(t *testing.T) {
	f := newFixture(t)

	body := `{"id":"evt_1","event":"PAYMENT_SOMETHING_ELSE"}`
	req := httptest.NewRequest(http.MethodPost, "/system/webhooks/payments", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/system/tenants", provisionBody(), true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Tenant tenantView `json:"tenant"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created.Tenant.ID

	get := f.do(t, http.MethodGet, "/system/tenants/"+id, nil, true)
	assert.Equal(t, http.StatusOK, get.Code)

	list := f.do(t, http.MethodGet, "/system/tenants?state=active", nil, true)
	assert.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), id)

	events := f.do(t, http.MethodGet, "/system/tenants/"+id+"/events", nil, true)
	assert.Equal(t, http.StatusOK, events.Code)
	assert.Contains(t, events.Body.String(), "provision_succeeded")

	missing := f.do(t, http.MethodGet, "/system/tenants/nope_000000", nil, true)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestBackupEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/system/tenants", provisionBody(), true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Tenant tenantView `json:"tenant"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created.Tenant.ID

	take := f.do(t, http.MethodPost, "/system/tenants/"+id+"/backups", backupRequest{Kind: types.BackupDaily}, true)
	require.Equal(t, http.StatusCreated, take.Code, take.Body.String())
	var record backupView
	require.NoError(t, json.Unmarshal(take.Body.Bytes(), &record))
	assert.Equal(t, "daily", record.Kind)

	list := f.do(t, http.MethodGet, "/system/tenants/"+id+"/backups", nil, true)
	assert.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), record.ID)

	restore := f.do(t, http.MethodPost, "/system/tenants/"+id+"/backups/"+record.ID+"/restore", nil, true)
	assert.Equal(t, http.StatusOK, restore.Code, restore.Body.String())

	badKind := f.do(t, http.MethodPost, "/system/tenants/"+id+"/backups", backupRequest{Kind: "hourly"}, true)
	assert.Equal(t, http.StatusBadRequest, badKind.Code)
}

func TestForceDeleteEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/system/tenants", provisionBody(), true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Tenant tenantView `json:"tenant"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created.Tenant.ID

	del := f.do(t, http.MethodDelete, "/system/tenants/"+id, nil, true)
	require.Equal(t, http.StatusOK, del.Code, del.Body.String())

	tenant, err := f.store.GetTenant(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateDeleted, tenant.State)
	assert.False(t, f.driver.HasNamespace(tenant.Infrastructure.Namespace))
}

func TestDunningTickEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/system/dunning/tick", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report dunning.TickReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Skipped)
}

func TestCredentialsOneShotReveal(t *testing.T) {
	f := newFixture(t)

	manager, err := secrets.NewManagerFromPassword("api-test-key")
	require.NoError(t, err)

	creds := &types.SiteCredentials{AdminUser: "admin", AdminPassword: "pw1234"}
	blob, err := manager.SealCredentials(creds)
	require.NoError(t, err)

	tenant := &types.Tenant{
		ID:              "sealedco_aa11bb",
		Domain:          "sealed.example.com",
		State:           types.StateActive,
		StateSince:      time.Now().UTC(),
		Infrastructure:  types.NewInfrastructureRef("sealedco_aa11bb"),
		CredentialsBlob: blob,
	}
	require.NoError(t, f.store.CreateTenant(tenant))

	first := f.do(t, http.MethodGet, "/system/tenants/"+tenant.ID+"/credentials", nil, true)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	var revealed types.SiteCredentials
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &revealed))
	assert.Equal(t, "pw1234", revealed.AdminPassword)

	second := f.do(t, http.MethodGet, "/system/tenants/"+tenant.ID+"/credentials", nil, true)
	assert.Equal(t, http.StatusGone, second.Code)
}

func TestHealthEndpointsUnauthenticated(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.server.Router().ServeHTTP(rec, req)
		assert.NotEqual(t, http.StatusUnauthorized, rec.Code, path)
		assert.NotEqual(t, http.StatusNotFound, rec.Code, path)
	}
}
