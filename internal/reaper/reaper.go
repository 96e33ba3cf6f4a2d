// Package reaper periodically sweeps stale executions out of the registries.
//
// Registries are cleaned lazily by their readers, so a job nobody looks at
// keeps the members of dead executions until its registry key expires. The
// reaper walks every started-job registry on a cron schedule and cleans the
// execution registry of each job it finds there. It only reports jobs left
// without a live execution; deciding their fate belongs to the caller.
package reaper

import (
	"context"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/google/wire"
	"github.com/jobs/tracker/internal/events"
	"github.com/jobs/tracker/internal/execution"
	"github.com/jobs/tracker/internal/metrics"
	"github.com/jobs/tracker/internal/queue"
	"github.com/jobs/tracker/pkg/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var Provider = wire.NewSet(
	New,
)

// SweepResult summarizes one pass over every queue.
type SweepResult struct {
	Queues            int
	Jobs              int
	Live              int64
	Orphaned          []string
	RemovedExecutions int64
	RemovedStarted    int64
	Errors            int
	Duration          time.Duration
}

type Reaper struct {
	conn    redis.UniversalClient
	config  config.ReaperConfig
	logger  *zap.Logger
	metrics *metrics.Collector
	bus     *events.Bus
	cron    *cron.Cron
}

// New builds a reaper. m and bus may be nil.
func New(cfg config.ReaperConfig, conn redis.UniversalClient, logger *zap.Logger, m *metrics.Collector, bus *events.Bus) *Reaper {
	logger = logger.Named("reaper")
	return &Reaper{
		conn:    conn,
		config:  cfg,
		logger:  logger,
		metrics: m,
		bus:     bus,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.Sugar()})),
		),
	}
}

// Start schedules sweeps. It does nothing when the reaper is disabled.
func (r *Reaper) Start() error {
	if !r.config.Enabled {
		r.logger.Info("reaper is disabled")
		return nil
	}

	_, err := r.cron.AddFunc(r.config.Schedule, func() {
		if _, err := r.Sweep(context.Background()); err != nil {
			r.logger.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.config.Schedule, err)
	}

	r.cron.Start()
	r.logger.Info("reaper started", zap.String("schedule", r.config.Schedule))
	return nil
}

// Stop waits for a running sweep to return.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("reaper stopped")
}

// Sweep cleans the execution registry of every job found in a started-job
// registry, then the started-job registries themselves. Failures on a single
// job are logged and counted, and the sweep moves on.
func (r *Reaper) Sweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()

	queues, err := queue.All(ctx, r.conn)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{Queues: len(queues)}
	for _, q := range queues {
		r.sweepQueue(ctx, q, res)
	}
	res.Duration = time.Since(start)

	r.metrics.CleanupRemoved(metrics.RegistryExecutions, res.RemovedExecutions)
	r.metrics.CleanupRemoved(metrics.RegistryStarted, res.RemovedStarted)
	r.metrics.SweepFinished(res.Live, int64(len(res.Orphaned)), res.Duration.Seconds())

	r.logger.Info("sweep finished",
		zap.Int("queues", res.Queues),
		zap.Int("jobs", res.Jobs),
		zap.Int64("live", res.Live),
		zap.Int("orphaned", len(res.Orphaned)),
		zap.Int64("removed_executions", res.RemovedExecutions),
		zap.Int64("removed_started", res.RemovedStarted),
		zap.Int("errors", res.Errors),
		zap.Duration("duration", res.Duration))

	return res, nil
}

func (r *Reaper) sweepQueue(ctx context.Context, q *queue.Queue, res *SweepResult) {
	started := q.StartedJobRegistry()

	jobIDs, err := started.JobIDs(ctx)
	if err != nil {
		res.Errors++
		r.logger.Error("failed to list started jobs", zap.String("queue", q.Name()), zap.Error(err))
		return
	}

	for _, id := range jobIDs {
		res.Jobs++
		reg := execution.NewRegistry(r.conn, id)

		removed, err := reg.CleanupNow(ctx)
		if err != nil {
			res.Errors++
			r.logger.Error("failed to clean execution registry", zap.String("job_id", id), zap.Error(err))
			continue
		}
		res.RemovedExecutions += removed

		live, err := reg.Count(ctx)
		if err != nil {
			res.Errors++
			r.logger.Error("failed to count executions", zap.String("job_id", id), zap.Error(err))
			continue
		}
		res.Live += live

		if live == 0 {
			res.Orphaned = append(res.Orphaned, id)
			r.logger.Warn("job has no live execution",
				zap.String("job_id", id),
				zap.String("queue", q.Name()))
			_ = r.bus.Publish(ctx, events.Event{
				Type:   events.JobOrphaned,
				JobID:  id,
				Queue:  q.Name(),
				Source: "reaper",
			})
		}
	}

	removed, err := started.Cleanup(ctx, time.Now())
	if err != nil {
		res.Errors++
		r.logger.Error("failed to clean started registry", zap.String("queue", q.Name()), zap.Error(err))
		return
	}
	res.RemovedStarted += removed
}

// cronLogger routes cron's own messages to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
