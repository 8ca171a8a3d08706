// Package api serves the admin/system HTTP surface: webhook intake,
// tenant provisioning and teardown, backup triggers, the dunning tick
// and health/metrics exposition. The public site-owner API is a
// separate system; everything here sits behind the admin token except
// the webhook endpoint, which authenticates by HMAC instead.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/siteforge/steward/pkg/backup"
	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/dunning"
	"github.com/siteforge/steward/pkg/lifecycle"
	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/metrics"
	"github.com/siteforge/steward/pkg/provision"
	"github.com/siteforge/steward/pkg/secrets"
	"github.com/siteforge/steward/pkg/storage"
	"github.com/siteforge/steward/pkg/webhook"
)

// Deps are the engines the API fronts. Webhook may be nil when no
// gateway is configured; its route then answers 404.
type Deps struct {
	Config    config.APIConfig
	Store     storage.Store
	Provision *provision.Provisioner
	Lifecycle *lifecycle.Engine
	Backups   *backup.Engine
	Dunning   *dunning.Scheduler
	Webhook   *webhook.Ingestor
	Secrets   *secrets.Manager
}

type Server struct {
	cfg        config.APIConfig
	store      storage.Store
	provision  *provision.Provisioner
	lifecycle  *lifecycle.Engine
	backups    *backup.Engine
	dunning    *dunning.Scheduler
	secrets    *secrets.Manager
	validate   *validator.Validate
	router     chi.Router
	httpServer *http.Server
	logger     zerolog.Logger
}

func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:       deps.Config,
		store:     deps.Store,
		provision: deps.Provision,
		lifecycle: deps.Lifecycle,
		backups:   deps.Backups,
		dunning:   deps.Dunning,
		secrets:   deps.Secrets,
		validate:  validator.New(),
		logger:    log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	if deps.Config.RequestTimeout.Duration > 0 {
		r.Use(middleware.Timeout(deps.Config.RequestTimeout.Duration))
	}

	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/system", func(r chi.Router) {
		// HMAC is the webhook's auth; the admin token never reaches
		// the payment gateway.
		if deps.Webhook != nil {
			r.Post("/webhooks/payments", deps.Webhook.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/tenants", s.provisionTenant)
			r.Get("/tenants", s.listTenants)
			r.Get("/tenants/{id}", s.getTenant)
			r.Delete("/tenants/{id}", s.deleteTenant)
			r.Get("/tenants/{id}/credentials", s.revealCredentials)
			r.Get("/tenants/{id}/events", s.listTenantEvents)
			r.Post("/tenants/{id}/backups", s.takeBackup)
			r.Get("/tenants/{id}/backups", s.listBackups)
			r.Post("/tenants/{id}/backups/{bid}/restore", s.restoreBackup)
			r.Post("/dunning/tick", s.dunningTick)
		})
	})

	s.router = r
	return s
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("API listening")
	metrics.UpdateComponent("api", true, "listening")

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	metrics.UpdateComponent("api", false, "shutting down")
	return s.httpServer.Shutdown(ctx)
}
