package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jobs/tracker/internal/composite"
	"github.com/jobs/tracker/internal/job"
	"github.com/jobs/tracker/internal/queue"
	"github.com/jobs/tracker/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <func> [json payload]",
	Short: "Push a job onto a queue",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("queue")
		timeout := cfg.Worker.DefaultJobTimeout
		if cmd.Flags().Changed("timeout") {
			timeout, _ = cmd.Flags().GetDuration("timeout")
			if timeout == 0 {
				return fmt.Errorf("--timeout: %w", job.ErrInvalidTimeout)
			}
		}

		var payload json.RawMessage = []byte("null")
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("payload is not valid JSON: %s", args[1])
			}
			payload = json.RawMessage(args[1])
		}

		opts := []job.Option{job.WithTimeout(timeout)}
		if id, _ := cmd.Flags().GetString("id"); id != "" {
			if strings.Contains(id, composite.Separator) {
				return fmt.Errorf("%w: job id %q contains %q", composite.ErrMalformedKey, id, composite.Separator)
			}
			opts = append(opts, job.WithID(id))
		}

		conn, cleanup, err := store.ProvideClient(cfg.Redis)
		if err != nil {
			return err
		}
		defer cleanup()

		j, err := queue.New(conn, name).Enqueue(context.Background(), args[0], payload, opts...)
		if err != nil {
			return err
		}

		zapLogger.Info("job enqueued",
			zap.String("job_id", j.ID),
			zap.String("queue", j.Origin),
			zap.Duration("timeout", j.Timeout))
		fmt.Fprintln(cmd.OutOrStdout(), j.ID)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("queue", "default", "queue name")
	enqueueCmd.Flags().Duration("timeout", 0, "job timeout rounded up to whole seconds, negative for none, zero rejected (defaults to worker.default_job_timeout)")
	enqueueCmd.Flags().String("id", "", "explicit job id, must not contain ':'")
}
