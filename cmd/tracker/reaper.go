package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Sweep stale executions on a schedule",
	Long: `Run the reaper in the foreground.

Every tick cleans the execution registry of each job listed in a started-job
registry, then the started-job registries themselves, and logs jobs left
without a live execution. Use --once for a single sweep.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("schedule") {
			cfg.Reaper.Schedule, _ = cmd.Flags().GetString("schedule")
		}
		once, _ := cmd.Flags().GetBool("once")
		cfg.Reaper.Enabled = true

		r, cleanup, err := InitializeReaper(*cfg, zapLogger)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if once {
			res, err := r.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "jobs=%d live=%d orphaned=%d removed=%d\n",
				res.Jobs, res.Live, len(res.Orphaned), res.RemovedExecutions+res.RemovedStarted)
			return nil
		}

		if err := r.Start(); err != nil {
			return err
		}
		<-ctx.Done()
		r.Stop()
		return nil
	},
}

func init() {
	reaperCmd.Flags().String("schedule", "", "cron schedule, e.g. \"@every 30s\"")
	reaperCmd.Flags().Bool("once", false, "run a single sweep and exit")
}
