// Package metrics exposes Prometheus instrumentation for execution tracking.
package metrics

import (
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Provider = wire.NewSet(
	ProvideRegistry,
	New,
)

const namespace = "tracker"

// Heartbeat results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Registries cleaned by sweeps.
const (
	RegistryExecutions = "executions"
	RegistryStarted    = "started"
)

type Collector struct {
	executionsCreated *prometheus.CounterVec
	executionsDeleted *prometheus.CounterVec
	heartbeats        *prometheus.CounterVec
	cleanupRemoved    *prometheus.CounterVec
	liveExecutions    prometheus.Gauge
	orphanedJobs      prometheus.Gauge
	sweepDuration     prometheus.Histogram
}

// ProvideRegistry returns a fresh registry for the process.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// New registers every collector on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg *prometheus.Registry) *Collector {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	if reg != nil {
		registerer = reg
	}
	factory := promauto.With(registerer)

	return &Collector{
		executionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_created_total",
			Help:      "Executions registered by workers, by queue.",
		}, []string{"queue"}),
		executionsDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_deleted_total",
			Help:      "Executions removed on completion, by queue and job outcome.",
		}, []string{"queue", "status"}),
		heartbeats: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat batches executed, by result.",
		}, []string{"result"}),
		cleanupRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_total",
			Help:      "Stale registry members removed by cleanup sweeps.",
		}, []string{"registry"}),
		liveExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_executions",
			Help:      "Executions still registered after the last sweep.",
		}),
		orphanedJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_without_live_execution",
			Help:      "Jobs left with no live execution by the last sweep.",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reaper sweeps.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

// The methods below are no-ops on a nil Collector so callers can run
// uninstrumented.

func (c *Collector) ExecutionCreated(queue string) {
	if c == nil {
		return
	}
	c.executionsCreated.WithLabelValues(queue).Inc()
}

func (c *Collector) ExecutionDeleted(queue, status string) {
	if c == nil {
		return
	}
	c.executionsDeleted.WithLabelValues(queue, status).Inc()
}

func (c *Collector) Heartbeat(err error) {
	if c == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	c.heartbeats.WithLabelValues(result).Inc()
}

func (c *Collector) CleanupRemoved(registry string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.cleanupRemoved.WithLabelValues(registry).Add(float64(n))
}

// SweepFinished records the outcome of one reaper pass.
func (c *Collector) SweepFinished(live, orphaned int64, seconds float64) {
	if c == nil {
		return
	}
	c.liveExecutions.Set(float64(live))
	c.orphanedJobs.Set(float64(orphaned))
	c.sweepDuration.Observe(seconds)
}
