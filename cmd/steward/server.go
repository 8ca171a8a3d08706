package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/siteforge/steward/pkg/api"
	"github.com/siteforge/steward/pkg/backup"
	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/dns"
	"github.com/siteforge/steward/pkg/dunning"
	"github.com/siteforge/steward/pkg/events"
	"github.com/siteforge/steward/pkg/gateway"
	"github.com/siteforge/steward/pkg/lifecycle"
	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/metrics"
	"github.com/siteforge/steward/pkg/notify"
	"github.com/siteforge/steward/pkg/objectstore"
	"github.com/siteforge/steward/pkg/orchestrator"
	"github.com/siteforge/steward/pkg/provision"
	"github.com/siteforge/steward/pkg/secrets"
	"github.com/siteforge/steward/pkg/storage"
	"github.com/siteforge/steward/pkg/tenantlock"
	"github.com/siteforge/steward/pkg/webhook"
)

const shutdownTimeout = 30 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the steward control plane",
	Long: `Start the full control plane: bolt store, event bus, provisioner,
lifecycle engine, dunning scheduler, backup engine and the admin HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServer(cfg)
	},
}

func runServer(cfg *config.Config) error {
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "open")

	secretsManager, err := buildSecrets(cfg)
	if err != nil {
		return err
	}

	driver, err := orchestrator.New(cfg.Orchestrator)
	if err != nil {
		return fmt.Errorf("orchestrator driver: %w", err)
	}

	dnsProvider, err := dns.New(cfg.DNS)
	if err != nil {
		return fmt.Errorf("dns provider: %w", err)
	}

	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	var gw gateway.Client
	if cfg.Gateway.BaseURL != "" {
		gw = gateway.NewHTTPClient(cfg.Gateway)
	} else {
		logger.Warn().Msg("No gateway configured, using in-memory fake")
		gw = gateway.NewFake()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := driver.EnsureSuspensionTarget(ctx); err != nil {
		return fmt.Errorf("ensure suspension target: %w", err)
	}

	objects, err := objectstore.New(ctx, cfg.Backup)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	if err := objects.ApplyRetentionPolicy(ctx); err != nil {
		return fmt.Errorf("apply retention policy: %w", err)
	}

	bus := events.NewBus(events.Config{
		Workers:       cfg.Bus.Workers,
		QueueCapacity: cfg.Bus.QueueCapacity,
		MaxRetries:    cfg.Bus.MaxRetries,
		MaxEventAge:   cfg.Bus.MaxEventAge.Duration,
	})

	locks := tenantlock.NewMap()

	backups := backup.New(backup.Deps{
		Store:   store,
		Driver:  driver,
		Objects: objects,
		Bus:     bus,
		Locks:   locks,
		Backup:  cfg.Backup,
	})

	engine := lifecycle.New(lifecycle.Deps{
		Store:             store,
		Driver:            driver,
		DNS:               dnsProvider,
		Gateway:           gw,
		Notifier:          notifier,
		Backups:           backups,
		Bus:               bus,
		Locks:             locks,
		DeletionGrace:     cfg.Dunning.DeletionGrace.Duration,
		SuspensionService: cfg.Orchestrator.SuspensionService,
	})
	if err := engine.Register(bus); err != nil {
		return fmt.Errorf("register lifecycle handlers: %w", err)
	}

	provisioner := provision.New(provision.Deps{
		Store:     store,
		Driver:    driver,
		DNS:       dnsProvider,
		Gateway:   gw,
		Secrets:   secretsManager,
		Bus:       bus,
		Provision: cfg.Provision,
		Backup:    cfg.Backup,
	})

	scheduler := dunning.New(store, gw, bus, cfg.Dunning, cfg.NodeID)

	server := api.NewServer(api.Deps{
		Config:    cfg.API,
		Store:     store,
		Provision: provisioner,
		Lifecycle: engine,
		Backups:   backups,
		Dunning:   scheduler,
		Webhook:   webhook.New(store, bus, cfg.Gateway.WebhookSecret),
		Secrets:   secretsManager,
	})

	// Start order: bus first so nothing publishes into a dead queue,
	// then the cron, then the listener. The collector refreshes the
	// store-derived gauges immediately so restarts do not zero them.
	bus.Start()
	metrics.RegisterComponent("bus", true, "workers running")
	collector := metrics.NewCollector(store)
	collector.Start()
	if err := scheduler.Start(); err != nil {
		bus.Stop()
		return fmt.Errorf("start dunning scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Str("listen_addr", cfg.API.ListenAddr).
		Msg("Steward running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("API server failed")
		}
	}

	// Shutdown order: dunning stops emitting, the bus drains, then the
	// listener closes.
	scheduler.Stop()
	collector.Stop()
	bus.Stop()
	metrics.UpdateComponent("bus", false, "stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}

	logger.Info().Msg("Steward stopped")
	return nil
}

// buildSecrets derives the credential sealer. A real key is mandatory
// whenever a real orchestrator is driven.
func buildSecrets(cfg *config.Config) (*secrets.Manager, error) {
	if cfg.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
		}
		return secrets.NewManager(key)
	}
	if cfg.Orchestrator.Mode != "log" {
		return nil, fmt.Errorf("encryptionKey is required when orchestrator mode is %q", cfg.Orchestrator.Mode)
	}
	logger := log.WithComponent("main")
	logger.Warn().Msg("No encryption key configured, using development key")
	return secrets.NewManagerFromPassword("steward-dev-only")
}
