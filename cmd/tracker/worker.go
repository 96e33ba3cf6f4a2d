package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Perform jobs from one or more queues",
	Long: `Start a worker in the foreground.

The worker pops jobs in queue order, registers an execution for each, and
sends a heartbeat every monitoring interval until the job ends. On SIGINT or
SIGTERM the current job is interrupted and recorded as failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("queues") {
			cfg.Worker.Queues, _ = cmd.Flags().GetStringSlice("queues")
		}
		if cmd.Flags().Changed("burst") {
			cfg.Worker.Burst, _ = cmd.Flags().GetBool("burst")
		}
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		app, cleanup, err := InitializeWorker(*cfg, zapLogger)
		if err != nil {
			return err
		}
		defer cleanup()

		app.Worker.RegisterBuiltins()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if metricsAddr != "" {
			srv := serveMetrics(metricsAddr, app.Registry)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		return app.Worker.Work(ctx, cfg.Worker.Burst)
	},
}

func init() {
	workerCmd.Flags().StringSliceP("queues", "q", nil, "queues to listen on, highest priority first")
	workerCmd.Flags().BoolP("burst", "b", false, "exit once every queue is empty")
	workerCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		zapLogger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
