package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}

		app, cleanup, err := InitializeServer(*cfg, zapLogger)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := app.Reaper.Start(); err != nil {
			return err
		}
		defer app.Reaper.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- app.Server.Run() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		zapLogger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.Server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("failed to shutdown api server", zap.Error(err))
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "listen port, overrides server.port")
}
