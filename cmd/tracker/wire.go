//go:build wireinject
// +build wireinject

package main

//go:generate go run -mod=mod github.com/google/wire/cmd/wire

import (
	"github.com/google/wire"
	"github.com/jobs/tracker/internal/api"
	"github.com/jobs/tracker/internal/events"
	"github.com/jobs/tracker/internal/metrics"
	"github.com/jobs/tracker/internal/reaper"
	"github.com/jobs/tracker/internal/store"
	"github.com/jobs/tracker/internal/worker"
	"github.com/jobs/tracker/pkg/config"
	"go.uber.org/zap"
)

func InitializeWorker(cfg config.Config, logger *zap.Logger) (*WorkerApp, func(), error) {
	wire.Build(
		NewWorkerApp,

		ProvideRedisConfig,
		ProvideWorkerConfig,

		store.Provider,
		metrics.Provider,
		events.Provider,
		worker.Provider,
	)
	return nil, nil, nil
}

func InitializeReaper(cfg config.Config, logger *zap.Logger) (*reaper.Reaper, func(), error) {
	wire.Build(
		ProvideRedisConfig,
		ProvideReaperConfig,

		store.Provider,
		metrics.Provider,
		events.Provider,
		reaper.Provider,
	)
	return nil, nil, nil
}

func InitializeServer(cfg config.Config, logger *zap.Logger) (*ServerApp, func(), error) {
	wire.Build(
		NewServerApp,

		ProvideRedisConfig,
		ProvideReaperConfig,
		ProvideServerConfig,

		store.Provider,
		metrics.Provider,
		events.Provider,
		reaper.Provider,

		// http api providers
		api.Provider,
	)
	return nil, nil, nil
}

func InitializeEvents(cfg config.Config, logger *zap.Logger) (*events.Bus, func(), error) {
	wire.Build(
		ProvideRedisConfig,

		store.Provider,
		events.Provider,
	)
	return nil, nil, nil
}
