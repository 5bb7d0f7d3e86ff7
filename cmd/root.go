// Package cmd defines and implements the CLI commands for the scavenge
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkoster/scavenge/internal/config"
	"github.com/mkoster/scavenge/internal/logging"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scavenge",
		Short: "A resumable concurrent web crawler",
		Long: `scavenge performs breadth-first web crawls with a fixed worker pool,
URL filtering, and an append-only checkpoint log that lets an interrupted
crawl pick up exactly where it left off.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is environment-only)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newStatsCmd())
	return cmd
}

// loadConfig reads the config file named by --config plus the SCAVENGE_*
// environment, and builds the logger it describes.
func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
