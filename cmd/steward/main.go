package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward - WordPress tenant lifecycle control plane",
	Long: `Steward provisions isolated WordPress sites for paying tenants,
walks them through the billing-linked lifecycle (active, warning,
suspended, scheduled for deletion, deleted), takes periodic backups
to an object store and reacts to payment gateway webhooks.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Steward version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(dunningCmd)
}

// loadConfig reads the config file (if any), applies environment
// overrides and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logCfg := log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.Format != "console",
	}
	if cfg.Log.File != "" {
		file, err := os.OpenFile(cfg.Log.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logCfg.Output = file
	}
	log.Init(logCfg)
	return cfg, nil
}
