// Package cli provides the command-line interface for catalogpipeline.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"CatalogPipeline/internal/app"
	"CatalogPipeline/internal/config"
	"CatalogPipeline/internal/logging"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	configPath string
	logLevel   string

	application *app.Application
	logger      *slog.Logger
	closeLog    func() error
)

var rootCmd = &cobra.Command{
	Use:   "catalogpipeline",
	Short: "Scrape, clean, enrich and store product catalogs",
	Long: `catalogpipeline collects product listings from configured catalog sites,
validates and deduplicates them, enriches them with categories, descriptions
and anomaly scores, and stores canonical products with a price history.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger, closeLog, err = logging.New(cfg.Logging.Level, cfg.Logging.File)
		if err != nil {
			return err
		}

		application, err = app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdown()
	},
}

func shutdown() {
	if application != nil {
		application.Close()
		application = nil
	}
	if closeLog != nil {
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
		}
		closeLog = nil
	}
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	defer shutdown()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (default $CATALOG_PIPELINE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
}
