// Command routectl sequences stop lists and plans technician routes from the
// command line, against the same store the API uses.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fieldroute/internal/app"
	"fieldroute/internal/config"
	"fieldroute/internal/logging"
)

var (
	configPath string
	verbose    bool
	timeout    time.Duration
)

// rootCmd is the base command
var rootCmd = &cobra.Command{
	Use:           "routectl",
	Short:         "Sequence stops and plan technician routes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fieldroute.yaml", "Path to YAML config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	rootCmd.AddCommand(sequenceCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "routectl:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and builds a logger that writes to stderr.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	lc := cfg.Logging
	lc.Format = "console"
	if verbose {
		lc.Level = "debug"
	} else if lc.Level == "info" {
		lc.Level = "warn"
	}
	log, err := logging.New(lc)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// withDeps runs fn with store-backed dependencies built from config.
func withDeps(cmd *cobra.Command, fn func(ctx context.Context, d *app.Deps, log *zap.Logger) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	d, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d, log)
}
