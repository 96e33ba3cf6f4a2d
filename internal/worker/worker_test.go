package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/jobs/tracker/internal/events"
	"github.com/jobs/tracker/internal/execution"
	"github.com/jobs/tracker/internal/job"
	"github.com/jobs/tracker/internal/metrics"
	"github.com/jobs/tracker/internal/queue"
	"github.com/jobs/tracker/internal/store/storetest"
	"github.com/jobs/tracker/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newWorker(t *testing.T, conn redis.UniversalClient, interval time.Duration) *Worker {
	t.Helper()
	cfg := config.WorkerConfig{
		Name:               "test-worker",
		Queues:             []string{queue.DefaultName},
		MonitoringInterval: interval,
		DequeueTimeout:     50 * time.Millisecond,
	}
	logger := zaptest.NewLogger(t)
	return New(cfg, conn, logger, metrics.New(prometheus.NewRegistry()), events.NewBus(conn, logger))
}

func enqueue(t *testing.T, conn redis.UniversalClient, funcName string, payload any, opts ...job.Option) *job.Job {
	t.Helper()
	j, err := queue.New(conn, queue.DefaultName).Enqueue(context.Background(), funcName, payload, opts...)
	require.NoError(t, err)
	return j
}

func TestNew_Defaults(t *testing.T) {
	_, conn := storetest.StartRedis(t)
	w := New(config.WorkerConfig{MonitoringInterval: time.Second}, conn, zaptest.NewLogger(t), nil, nil)

	assert.NotEmpty(t, w.Name())
	require.Len(t, w.queues, 1)
	assert.Equal(t, queue.DefaultName, w.queues[0].Name())
	assert.Nil(t, w.Execution())
}

func TestHeartbeatTTL(t *testing.T) {
	_, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, 30*time.Second)

	t.Run("no timeout", func(t *testing.T) {
		j := &job.Job{Timeout: job.NoTimeout}
		assert.Equal(t, 90*time.Second, w.HeartbeatTTL(j))
	})

	t.Run("short timeout", func(t *testing.T) {
		j := &job.Job{Timeout: time.Second}
		assert.Equal(t, 61*time.Second, w.HeartbeatTTL(j))
	})

	t.Run("long timeout", func(t *testing.T) {
		j := &job.Job{Timeout: time.Hour, StartedAt: time.Now()}
		assert.Equal(t, 90*time.Second, w.HeartbeatTTL(j))
	})

	t.Run("past deadline", func(t *testing.T) {
		j := &job.Job{Timeout: time.Minute, StartedAt: time.Now().Add(-10 * time.Minute)}
		assert.Equal(t, HeartbeatBuffer, w.HeartbeatTTL(j))
	})
}

func TestPrepareExecution(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, time.Second)
	j := enqueue(t, conn, FuncEcho, nil, job.WithTimeout(3*time.Second))

	e, err := w.PrepareExecution(ctx, j)
	require.NoError(t, err)
	assert.Same(t, e, w.Execution())

	status, err := job.GetStatus(ctx, conn, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusStarted, status)

	ids, err := e.Registry().ExecutionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{e.ID}, ids)

	ok, err := queue.New(conn, j.Origin).StartedJobRegistry().Contains(ctx, e.CompositeKey())
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := e.TTL(ctx)
	require.NoError(t, err)
	assert.Equal(t, 61*time.Second, ttl)
}

func TestPrepareExecution_Twice(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, time.Second)
	j := enqueue(t, conn, FuncEcho, nil)

	first, err := w.PrepareExecution(ctx, j)
	require.NoError(t, err)
	second, err := w.PrepareExecution(ctx, j)
	require.NoError(t, err)

	ids, err := execution.NewRegistry(conn, j.ID).ExecutionIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	srv, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, 30*time.Second)
	j := enqueue(t, conn, FuncEcho, nil, job.WithTimeout(job.NoTimeout))

	assert.ErrorIs(t, w.Heartbeat(ctx, j), ErrNoExecution)

	e, err := w.PrepareExecution(ctx, j)
	require.NoError(t, err)
	before := e.LastHeartbeat

	srv.FastForward(20 * time.Second)
	ttl, err := e.TTL(ctx)
	require.NoError(t, err)
	assert.Equal(t, 70*time.Second, ttl)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, w.Heartbeat(ctx, j))
	assert.True(t, e.LastHeartbeat.After(before))

	ttl, err = e.TTL(ctx)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, ttl)

	stored, err := execution.Fetch(ctx, conn, e.ID, j.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastHeartbeat.Equal(e.LastHeartbeat))
}

func TestHeartbeat_FailureKeepsLocalState(t *testing.T) {
	ctx := context.Background()
	srv, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, time.Second)
	j := enqueue(t, conn, FuncEcho, nil)

	e, err := w.PrepareExecution(ctx, j)
	require.NoError(t, err)
	before := e.LastHeartbeat

	srv.SetError("LOADING")
	err = w.Heartbeat(ctx, j)
	srv.SetError("")

	require.Error(t, err)
	assert.True(t, e.LastHeartbeat.Equal(before))
}

func TestHeartbeat_ExpiredExecution(t *testing.T) {
	ctx := context.Background()
	srv, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, time.Second)
	j := enqueue(t, conn, FuncEcho, nil)

	e, err := w.PrepareExecution(ctx, j)
	require.NoError(t, err)
	before := e.LastHeartbeat

	srv.FastForward(62 * time.Second)

	err = w.Heartbeat(ctx, j)
	require.ErrorIs(t, err, execution.ErrNotFound)
	assert.True(t, e.LastHeartbeat.Equal(before))
	assert.False(t, srv.Exists(e.Key()), "a late heartbeat must not recreate the execution")
}

func TestPerform_Success(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, time.Second)

	var seen *execution.Execution
	w.Register("capture", func(ctx context.Context, j *job.Job) error {
		seen = w.Execution()
		return nil
	})
	j := enqueue(t, conn, "capture", nil)

	require.NoError(t, w.Perform(ctx, j))
	require.NotNil(t, seen)
	assert.Nil(t, w.Execution())

	require.NoError(t, j.Refresh(ctx, conn))
	assert.Equal(t, job.StatusFinished, j.Status)
	assert.False(t, j.EndedAt.IsZero())

	_, err := execution.Fetch(ctx, conn, seen.ID, j.ID)
	assert.ErrorIs(t, err, execution.ErrNotFound)

	count, err := seen.Registry().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	ok, err := queue.New(conn, j.Origin).StartedJobRegistry().Contains(ctx, seen.CompositeKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPerform_PublishesLifecycleEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, time.Second)

	ch, err := w.bus.Subscribe(ctx)
	require.NoError(t, err)

	w.Register("noop", func(ctx context.Context, j *job.Job) error { return nil })
	j := enqueue(t, conn, "noop", nil)
	require.NoError(t, w.Perform(ctx, j))

	var got []events.Event
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d events, want 2", len(got))
		}
	}

	assert.Equal(t, events.ExecutionStarted, got[0].Type)
	assert.Equal(t, events.ExecutionEnded, got[1].Type)
	assert.Equal(t, got[0].ExecutionID, got[1].ExecutionID)
	assert.Equal(t, j.ID, got[1].JobID)
	assert.Equal(t, string(job.StatusFinished), got[1].Status)
	assert.Equal(t, "test-worker", got[1].Source)
}

func TestPerform_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler HandlerFunc
		excInfo string
	}{
		{
			name: "error",
			handler: func(ctx context.Context, j *job.Job) error {
				return errors.New("boom")
			},
			excInfo: "boom",
		},
		{
			name: "panic",
			handler: func(ctx context.Context, j *job.Job) error {
				panic("kaput")
			},
			excInfo: "handler panicked: kaput",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			_, conn := storetest.StartRedis(t)
			w := newWorker(t, conn, time.Second)
			w.Register(tt.name, tt.handler)
			j := enqueue(t, conn, tt.name, nil)

			require.NoError(t, w.Perform(ctx, j))

			require.NoError(t, j.Refresh(ctx, conn))
			assert.Equal(t, job.StatusFailed, j.Status)
			assert.Equal(t, tt.excInfo, j.ExcInfo)

			count, err := execution.NewRegistry(conn, j.ID).Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestPerform_RequeuesWhenStartFails(t *testing.T) {
	_, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, time.Second)
	q := queue.New(conn, queue.DefaultName)

	first := enqueue(t, conn, FuncEcho, nil)
	enqueue(t, conn, FuncEcho, nil)

	j, err := q.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, first.ID, j.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, w.Perform(ctx, j))
	assert.Nil(t, w.Execution())

	next, err := q.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.ID, next.ID)
	assert.Equal(t, job.StatusQueued, next.Status)
}

func TestPerform_UnknownFunction(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, time.Second)
	j := enqueue(t, conn, "missing", nil)

	require.NoError(t, w.Perform(ctx, j))

	require.NoError(t, j.Refresh(ctx, conn))
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ExcInfo, ErrUnknownFunction.Error())
}

func TestPerform_Timeout(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, 10*time.Second)
	w.RegisterBuiltins()
	j := enqueue(t, conn, FuncSleep, SleepArgs{Seconds: 30}, job.WithTimeout(time.Second))

	start := time.Now()
	require.NoError(t, w.Perform(ctx, j))
	assert.Less(t, time.Since(start), 5*time.Second)

	require.NoError(t, j.Refresh(ctx, conn))
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.NotEmpty(t, j.ExcInfo)
}

func TestWork_BurstEmpty(t *testing.T) {
	_, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, time.Second)

	require.NoError(t, w.Work(context.Background(), true))
}

func TestWork_StopsOnCancel(t *testing.T) {
	_, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Work(ctx, false) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// A long running job is visible in the started registry while it runs, gets
// heartbeats, and leaves no trace once finished.
func TestWork_LongRunningJob(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	w := newWorker(t, conn, time.Second)

	running := make(chan struct{})
	release := make(chan struct{})
	w.Register("long_running_job", func(ctx context.Context, j *job.Job) error {
		close(running)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	j := enqueue(t, conn, "long_running_job", nil, job.WithTimeout(3*time.Second))
	started := queue.New(conn, j.Origin).StartedJobRegistry()

	done := make(chan error, 1)
	go func() { done <- w.Work(ctx, true) }()

	<-running
	time.Sleep(500 * time.Millisecond)

	keys, err := started.CompositeKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	e, err := execution.FromCompositeKey(conn, keys[0])
	require.NoError(t, err)
	assert.Equal(t, j.ID, e.JobID)
	require.NoError(t, e.Refresh(ctx))

	ttl, err := e.TTL(ctx)
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second)
	assert.Less(t, ttl, 200*time.Second)

	first := e.LastHeartbeat
	require.Eventually(t, func() bool {
		if err := e.Refresh(ctx); err != nil {
			return false
		}
		return !e.LastHeartbeat.Equal(first)
	}, 3*time.Second, 100*time.Millisecond)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish")
	}

	ok, err := started.Contains(ctx, keys[0])
	require.NoError(t, err)
	assert.False(t, ok)

	status, err := job.GetStatus(ctx, conn, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFinished, status)
}
