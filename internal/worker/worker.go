// Package worker runs jobs from queues and keeps their executions alive.
//
// While a handler runs, the worker sends a heartbeat every monitoring
// interval: one atomic batch renewing the execution key TTL, its registry
// scores and the registry key TTL. A failed heartbeat is logged and left to
// the next tick. If the worker dies, the TTLs run out and any reader's
// cleanup sweep reclaims the stale registry entries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/google/wire"
	"github.com/jobs/tracker/internal/events"
	"github.com/jobs/tracker/internal/execution"
	"github.com/jobs/tracker/internal/job"
	"github.com/jobs/tracker/internal/metrics"
	"github.com/jobs/tracker/internal/queue"
	"github.com/jobs/tracker/internal/registry"
	"github.com/jobs/tracker/internal/store"
	"github.com/jobs/tracker/pkg/config"
	"go.uber.org/zap"
)

var Provider = wire.NewSet(
	New,
)

// HeartbeatBuffer is added to every heartbeat TTL so a single late tick does
// not expire a live execution.
const HeartbeatBuffer = 60 * time.Second

var (
	ErrUnknownFunction = errors.New("no handler registered for function")
	ErrJobTimeout      = errors.New("job exceeded its timeout")
	ErrNoExecution     = errors.New("worker has no current execution")
)

// HandlerFunc runs a job. It should return once ctx is done.
type HandlerFunc func(ctx context.Context, j *job.Job) error

type Worker struct {
	name               string
	conn               redis.UniversalClient
	queues             []*queue.Queue
	monitoringInterval time.Duration
	dequeueTimeout     time.Duration
	logger             *zap.Logger
	metrics            *metrics.Collector
	bus                *events.Bus

	mu        sync.RWMutex
	handlers  map[string]HandlerFunc
	execution *execution.Execution
}

// New builds a worker for the configured queues. m and bus may be nil.
func New(cfg config.WorkerConfig, conn redis.UniversalClient, logger *zap.Logger, m *metrics.Collector, bus *events.Bus) *Worker {
	name := cfg.Name
	if name == "" {
		host, _ := os.Hostname()
		name = fmt.Sprintf("%s.%d", host, os.Getpid())
	}

	queues := make([]*queue.Queue, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queues = append(queues, queue.New(conn, q))
	}
	if len(queues) == 0 {
		queues = append(queues, queue.New(conn, queue.DefaultName))
	}

	return &Worker{
		name:               name,
		conn:               conn,
		queues:             queues,
		monitoringInterval: cfg.MonitoringInterval,
		dequeueTimeout:     cfg.DequeueTimeout,
		logger:             logger.With(zap.String("worker", name)),
		metrics:            m,
		bus:                bus,
		handlers:           make(map[string]HandlerFunc),
	}
}

func (w *Worker) Name() string {
	return w.name
}

// Register binds a function name to its handler.
func (w *Worker) Register(name string, fn HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = fn
}

func (w *Worker) handler(name string) (HandlerFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn, ok := w.handlers[name]
	return fn, ok
}

// Execution returns the execution of the job being performed, or nil.
func (w *Worker) Execution() *execution.Execution {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.execution
}

func (w *Worker) setExecution(e *execution.Execution) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.execution = e
}

// HeartbeatTTL is how long j's execution should stay alive after a
// heartbeat: until the next tick or the job's deadline, whichever comes
// first, plus HeartbeatBuffer.
func (w *Worker) HeartbeatTTL(j *job.Job) time.Duration {
	if !j.HasTimeout() {
		return w.monitoringInterval + HeartbeatBuffer
	}

	var working time.Duration
	if !j.StartedAt.IsZero() {
		working = time.Since(j.StartedAt)
	}
	remaining := max(j.Timeout-working, 0)
	return min(remaining, w.monitoringInterval) + HeartbeatBuffer
}

// PrepareExecution marks j started and registers a new execution for it in
// one batch. The execution becomes the worker's current one.
func (w *Worker) PrepareExecution(ctx context.Context, j *job.Job) (*execution.Execution, error) {
	var e *execution.Execution
	var ttl time.Duration

	err := store.Atomic(ctx, w.conn, func(pipe redis.Pipeliner) error {
		j.SetStatus(ctx, pipe, job.StatusStarted)
		ttl = w.HeartbeatTTL(j)
		e = execution.Create(ctx, w.conn, pipe, j, ttl)
		return w.bus.Stage(ctx, pipe, events.Event{
			Type:        events.ExecutionStarted,
			JobID:       j.ID,
			ExecutionID: e.ID,
			Queue:       j.Origin,
			Source:      w.name,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare execution of job %s: %w", j.ID, err)
	}

	w.setExecution(e)
	w.metrics.ExecutionCreated(j.Origin)
	w.logger.Debug("execution prepared",
		zap.String("job_id", j.ID),
		zap.String("execution_id", e.ID),
		zap.Duration("ttl", ttl))

	return e, nil
}

// Heartbeat renews the current execution of j. It is not retried: the
// caller waits for the next tick.
func (w *Worker) Heartbeat(ctx context.Context, j *job.Job) error {
	e := w.Execution()
	if e == nil {
		return ErrNoExecution
	}

	ttl := w.HeartbeatTTL(j)
	previous := e.LastHeartbeat

	pipe := w.conn.TxPipeline()
	renewed := e.Heartbeat(ctx, pipe, registry.NewStartedJobRegistry(w.conn, j.Origin), ttl)
	_, err := pipe.Exec(ctx)
	if err == nil {
		if n, _ := renewed.Int(); n == 0 {
			err = fmt.Errorf("%w: %s expired before its heartbeat", execution.ErrNotFound, e.CompositeKey())
		}
	}
	w.metrics.Heartbeat(err)
	if err != nil {
		e.LastHeartbeat = previous
		w.logger.Warn("heartbeat failed",
			zap.String("job_id", j.ID),
			zap.String("execution_id", e.ID),
			zap.Error(err))
		return fmt.Errorf("failed to send heartbeat for %s: %w", e.CompositeKey(), err)
	}

	w.logger.Debug("heartbeat sent",
		zap.String("job_id", j.ID),
		zap.String("execution_id", e.ID),
		zap.Duration("ttl", ttl))
	return nil
}

// Perform runs j to completion while heartbeating its execution, then
// removes the execution and records the job's terminal status. Handler
// failures end up on the job; the returned error only reports tracking
// state that could not be written.
func (w *Worker) Perform(ctx context.Context, j *job.Job) error {
	e, err := w.PrepareExecution(ctx, j)
	if err != nil {
		w.requeue(ctx, j)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if j.HasTimeout() {
		runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
	}
	defer cancel()

	w.logger.Info("performing job",
		zap.String("job_id", j.ID),
		zap.String("func", j.FuncName),
		zap.String("queue", j.Origin),
		zap.String("execution_id", e.ID))

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panicked: %v", r)
			}
		}()

		fn, ok := w.handler(j.FuncName)
		if !ok {
			done <- fmt.Errorf("%w: %s", ErrUnknownFunction, j.FuncName)
			return
		}
		done <- fn(runCtx, j)
	}()

	jobErr := w.monitor(ctx, runCtx, j, done)

	// tracking state must be written even when ctx is cancelled
	return w.finish(context.WithoutCancel(ctx), e, j, jobErr)
}

// monitor heartbeats until the handler returns or its context ends. A handler
// that ignores its context is abandoned at the deadline.
func (w *Worker) monitor(ctx, runCtx context.Context, j *job.Job, done <-chan error) error {
	ticker := time.NewTicker(w.monitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			_ = w.Heartbeat(ctx, j)
		case <-runCtx.Done():
			select {
			case err := <-done:
				return err
			default:
			}
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w (%s)", ErrJobTimeout, j.Timeout)
			}
			return fmt.Errorf("job interrupted: %w", runCtx.Err())
		}
	}
}

func (w *Worker) finish(ctx context.Context, e *execution.Execution, j *job.Job, jobErr error) error {
	defer w.setExecution(nil)

	err := store.Atomic(ctx, w.conn, func(pipe redis.Pipeliner) error {
		e.Delete(ctx, pipe, j)
		if jobErr != nil {
			j.SetFailure(ctx, pipe, jobErr)
		} else {
			j.SetStatus(ctx, pipe, job.StatusFinished)
		}
		return w.bus.Stage(ctx, pipe, events.Event{
			Type:        events.ExecutionEnded,
			JobID:       j.ID,
			ExecutionID: e.ID,
			Queue:       j.Origin,
			Status:      string(j.Status),
			Source:      w.name,
		})
	})
	if err != nil {
		w.logger.Error("failed to finalize execution",
			zap.String("job_id", j.ID),
			zap.String("execution_id", e.ID),
			zap.Error(err))
		return fmt.Errorf("failed to finalize execution %s: %w", e.CompositeKey(), err)
	}

	w.metrics.ExecutionDeleted(j.Origin, string(j.Status))
	if jobErr != nil {
		w.logger.Warn("job failed",
			zap.String("job_id", j.ID),
			zap.String("execution_id", e.ID),
			zap.Error(jobErr))
	} else {
		w.logger.Info("job finished",
			zap.String("job_id", j.ID),
			zap.String("execution_id", e.ID),
			zap.Duration("elapsed", j.EndedAt.Sub(j.StartedAt)))
	}
	return nil
}

// requeue returns a job whose execution could not be prepared to the head of
// its queue. If that fails too the job is only logged.
func (w *Worker) requeue(ctx context.Context, j *job.Job) {
	err := queue.New(w.conn, j.Origin).Requeue(context.WithoutCancel(ctx), j)
	if err != nil {
		w.logger.Error("job lost: dequeued but neither started nor requeued",
			zap.String("job_id", j.ID),
			zap.String("queue", j.Origin),
			zap.Error(err))
		return
	}
	w.logger.Warn("job requeued after failed start",
		zap.String("job_id", j.ID),
		zap.String("queue", j.Origin))
}

// Work dequeues and performs jobs until ctx is done. In burst mode it
// returns as soon as every queue is empty.
func (w *Worker) Work(ctx context.Context, burst bool) error {
	w.logger.Info("worker started",
		zap.Int("queues", len(w.queues)),
		zap.Duration("monitoring_interval", w.monitoringInterval),
		zap.Bool("burst", burst))
	defer w.logger.Info("worker stopped")

	for ctx.Err() == nil {
		j, err := w.dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("failed to dequeue", zap.Error(err))
			w.wait(ctx)
			continue
		}

		if j == nil {
			if burst {
				return nil
			}
			w.wait(ctx)
			continue
		}

		if err := w.Perform(ctx, j); err != nil {
			w.logger.Error("failed to perform job", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
	return nil
}

// dequeue takes the first job available, honouring queue order.
func (w *Worker) dequeue(ctx context.Context) (*job.Job, error) {
	for _, q := range w.queues {
		j, err := q.Dequeue(ctx, 0)
		if err != nil {
			return nil, err
		}
		if j != nil {
			return j, nil
		}
	}
	return nil, nil
}

func (w *Worker) wait(ctx context.Context) {
	timer := time.NewTimer(w.dequeueTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
