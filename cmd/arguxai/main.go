// Command arguxai detects conversion drops in product funnels, opens issues
// for them and tracks each issue until its fix is measured.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/techiepookie/arguxai/internal/config"
	"github.com/techiepookie/arguxai/internal/logging"
	"github.com/techiepookie/arguxai/internal/service"
	"github.com/techiepookie/arguxai/internal/telemetry"
)

var version = "dev"

var (
	cfgFile        string
	dbPath         string
	windowStrategy string
	jsonOutput     bool

	settings *config.Config
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
)

var rootCmd = &cobra.Command{
	Use:     "arguxai",
	Short:   "Funnel conversion anomaly detection and issue tracking",
	Version: version,
	Long: `ArguxAI watches funnel events for statistically significant conversion
drops, collects evidence for each drop, asks an AI model for a root cause and
tracks the resulting issue until the fix has been measured.

Configuration is read from --config (YAML) and ARGUXAI_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if dbPath != "" {
			if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
				cfg.Storage.PostgresDSN = dbPath
			} else {
				cfg.Storage.Path = dbPath
				cfg.Storage.PostgresDSN = ""
			}
		}
		if windowStrategy != "" {
			cfg.Window.Strategy = windowStrategy
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		l, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
		if err != nil {
			return err
		}
		settings = cfg
		logger = l
		metrics = telemetry.New()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path or postgres:// DSN (overrides config)")
	rootCmd.PersistentFlags().StringVar(&windowStrategy, "window", "", "window strategy: data_range or relative (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

// openService builds the service from the loaded settings
func openService(ctx context.Context) *service.Service {
	funnels, err := config.LoadFunnels(settings.Funnels.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	svc, err := service.New(ctx, &service.Config{
		Settings: settings,
		Funnels:  funnels,
		Metrics:  metrics,
		Logger:   &logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start: %v\n", err)
		os.Exit(1)
	}
	return svc
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
