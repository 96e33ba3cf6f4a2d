package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print execution lifecycle events as they happen",
	Long: `Subscribe to the events channel and print each event as one JSON line.

Events published while nothing is subscribed are lost.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		bus, cleanup, err := InitializeEvents(*cfg, zapLogger)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ch, err := bus.Subscribe(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for ev := range ch {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	},
}
