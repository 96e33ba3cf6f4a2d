package main

import (
	"github.com/jobs/tracker/internal/api"
	"github.com/jobs/tracker/internal/reaper"
	"github.com/jobs/tracker/internal/worker"
	"github.com/jobs/tracker/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
)

func ProvideRedisConfig(cfg config.Config) config.RedisConfig {
	return cfg.Redis
}

func ProvideWorkerConfig(cfg config.Config) config.WorkerConfig {
	return cfg.Worker
}

func ProvideReaperConfig(cfg config.Config) config.ReaperConfig {
	return cfg.Reaper
}

func ProvideServerConfig(cfg config.Config) config.ServerConfig {
	return cfg.Server
}

type WorkerApp struct {
	Worker   *worker.Worker
	Registry *prometheus.Registry
}

func NewWorkerApp(w *worker.Worker, reg *prometheus.Registry) *WorkerApp {
	return &WorkerApp{Worker: w, Registry: reg}
}

// ServerApp is the API server with the in-process reaper, which only runs
// when enabled in config.
type ServerApp struct {
	Server *api.Server
	Reaper *reaper.Reaper
}

func NewServerApp(server *api.Server, r *reaper.Reaper) *ServerApp {
	return &ServerApp{Server: server, Reaper: r}
}
