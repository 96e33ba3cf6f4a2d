package main

import (
	"fmt"
	"os"

	"github.com/jobs/tracker/pkg/config"
	"github.com/jobs/tracker/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string

	cfg       *config.Config
	zapLogger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Execution tracking for Redis backed job queues",
	Long: `tracker runs jobs from Redis queues and tracks every attempt at them.

Each running job has an execution whose keys expire unless its worker keeps
sending heartbeats. Readers clean stale executions lazily; the reaper sweeps
them on a schedule.

Available commands:
  worker  - Perform jobs from one or more queues
  reaper  - Sweep stale executions on a schedule
  serve   - Serve the HTTP API and metrics
  enqueue - Push a job onto a queue
  events  - Print execution lifecycle events

Examples:
  tracker worker --queues high,default
  tracker worker --burst
  tracker enqueue sleep '{"seconds": 5}' --timeout 30s
  tracker serve --config configs/config.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if zapLogger, err = logger.FromConfig(cfg.Log); err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if zapLogger != nil {
			_ = zapLogger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults and TRACKER_* env when empty)")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(reaperCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
