// Package execution tracks worker attempts at jobs and their liveness.
//
// An Execution is one worker's attempt at one job. It owns a hash key holding
// its timestamps, which carries a TTL renewed by every heartbeat: when the
// worker dies the key simply expires. Each job also has a Registry, a sorted
// set of the composite keys of its executions scored by expiry time. Sorted
// set members do not expire individually, so stale members are purged by
// Registry.Cleanup, run lazily by whichever process reads the registry.
//
// Between an execution key expiring and the next sweep the registry
// over-approximates the live set. It never under-approximates it, as long as
// every create, heartbeat and delete is applied as one atomic batch.
//
// Handles are not safe for concurrent use and are not kept in sync with the
// store. Call Refresh to observe changes made by other processes.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jobs/tracker/internal/composite"
	"github.com/jobs/tracker/internal/job"
	"github.com/jobs/tracker/internal/registry"
	"github.com/jobs/tracker/internal/store"
	"github.com/samber/mo"
)

var ErrNotFound = errors.New("execution not found")

const (
	fieldCreatedAt     = "created_at"
	fieldLastHeartbeat = "last_heartbeat"
)

// JobFetcher loads the job an execution belongs to.
type JobFetcher func(ctx context.Context, conn redis.Cmdable, id string) (*job.Job, error)

type Execution struct {
	ID            string
	JobID         string
	CreatedAt     time.Time
	LastHeartbeat time.Time

	conn     redis.UniversalClient
	fetchJob JobFetcher
	job      mo.Option[*job.Job]
}

type Option func(*Execution)

// WithJobFetcher replaces job.Fetch as the loader behind Job.
func WithJobFetcher(fetch JobFetcher) Option {
	return func(e *Execution) { e.fetchJob = fetch }
}

// WithJob seeds the cached job so Job never hits the store.
func WithJob(j *job.Job) Option {
	return func(e *Execution) { e.job = mo.Some(j) }
}

// New returns a handle without touching the store. Timestamps stay zero
// until Refresh.
func New(conn redis.UniversalClient, id, jobID string, opts ...Option) *Execution {
	e := &Execution{
		ID:       id,
		JobID:    jobID,
		conn:     conn,
		fetchJob: job.Fetch,
		job:      mo.None[*job.Job](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCompositeKey parses "<job_id>:<execution_id>" into a handle without a
// round trip. It fails with composite.ErrMalformedKey on keys without a
// separator.
func FromCompositeKey(conn redis.UniversalClient, key string, opts ...Option) (*Execution, error) {
	jobID, id, err := composite.Split(key)
	if err != nil {
		return nil, err
	}
	return New(conn, id, jobID, opts...), nil
}

// Create stages a new execution of j that lives for ttl: its own key, its
// membership in the job's Registry and in the started-job registry of the
// job's queue. The caller executes pipe.
func Create(ctx context.Context, conn redis.UniversalClient, pipe redis.Pipeliner, j *job.Job, ttl time.Duration) *Execution {
	now := store.Now()

	e := New(conn, uuid.NewString(), j.ID, WithJob(j))
	e.CreatedAt = now
	e.LastHeartbeat = now

	pipe.HSet(ctx, e.Key(), map[string]any{
		fieldCreatedAt:     store.FormatTime(now),
		fieldLastHeartbeat: store.FormatTime(now),
	})
	store.Expire(ctx, pipe, e.Key(), ttl)
	e.Registry().Add(ctx, pipe, e, ttl)
	registry.NewStartedJobRegistry(conn, j.Origin).AddExecution(ctx, pipe, e.CompositeKey(), ttl, false)

	return e
}

// Fetch loads the execution id of job jobID. It fails with ErrNotFound when
// the key has expired, was deleted or never existed.
func Fetch(ctx context.Context, conn redis.UniversalClient, id, jobID string, opts ...Option) (*Execution, error) {
	e := New(conn, id, jobID, opts...)
	if err := e.Refresh(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// CompositeKey is "<job_id>:<execution_id>".
func (e *Execution) CompositeKey() string {
	return composite.Join(e.JobID, e.ID)
}

func (e *Execution) Key() string {
	return store.ExecutionKey(e.CompositeKey())
}

// Registry returns the execution registry of the owning job.
func (e *Execution) Registry() *Registry {
	return NewRegistry(e.conn, e.JobID)
}

// Equal reports whether both handles address the same execution.
func (e *Execution) Equal(other *Execution) bool {
	return other != nil && e.CompositeKey() == other.CompositeKey()
}

// Refresh overwrites the cached timestamps with what the store holds.
func (e *Execution) Refresh(ctx context.Context) error {
	values, err := e.conn.HGetAll(ctx, e.Key()).Result()
	if err != nil {
		return fmt.Errorf("failed to fetch execution %s: %w", e.CompositeKey(), err)
	}
	// a hash without created_at was never created by Create
	if len(values) == 0 || values[fieldCreatedAt] == "" {
		return fmt.Errorf("%w: %s", ErrNotFound, e.CompositeKey())
	}

	createdAt, err := store.ParseTime(values[fieldCreatedAt])
	if err != nil {
		return fmt.Errorf("failed to decode %s of execution %s: %w", fieldCreatedAt, e.CompositeKey(), err)
	}
	lastHeartbeat, err := store.ParseTime(values[fieldLastHeartbeat])
	if err != nil {
		return fmt.Errorf("failed to decode %s of execution %s: %w", fieldLastHeartbeat, e.CompositeKey(), err)
	}

	e.CreatedAt = createdAt
	e.LastHeartbeat = lastHeartbeat
	return nil
}

// heartbeatScript renews an execution only while its key still exists, so
// a late heartbeat from a stalled worker cannot bring back an execution that
// already expired or was cleaned up.
//
// KEYS: execution key, registry key, optional started-job registry key.
// ARGV: composite key, heartbeat field, heartbeat value, key TTL, score,
// registry TTL.
var heartbeatScript = redis.NewScript(store.ExtendSortedSetTTL + `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl < 0 then
	redis.call('PERSIST', KEYS[1])
else
	redis.call('EXPIRE', KEYS[1], ttl)
end
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
extend(KEYS[2], tonumber(ARGV[6]))
if KEYS[3] then
	redis.call('ZADD', KEYS[3], 'XX', ARGV[5], ARGV[1])
end
return 1
`)

// Heartbeat stages a liveness renewal for ttl: the execution key TTL, its
// Registry score and the Registry key TTL, and its score in started if the
// execution is still registered there. Nothing is written if the execution
// key is already gone; the returned command then yields 0 after the batch
// runs. LastHeartbeat is updated locally.
func (e *Execution) Heartbeat(ctx context.Context, pipe redis.Pipeliner, started *registry.StartedJobRegistry, ttl time.Duration) *redis.Cmd {
	e.LastHeartbeat = store.Now()

	keys := []string{e.Key(), e.Registry().Key()}
	if started != nil {
		keys = append(keys, started.Key())
	}
	return heartbeatScript.Eval(ctx, pipe, keys,
		e.CompositeKey(),
		fieldLastHeartbeat,
		store.FormatTime(e.LastHeartbeat),
		store.TTLArg(ttl),
		store.ScoreArg(store.Score(time.Now(), ttl)),
		store.TTLArg(registryTTL(ttl)),
	)
}

// Delete stages removal of the execution key and of its membership in the
// job's Registry and in the started-job registry of the job's queue.
func (e *Execution) Delete(ctx context.Context, pipe redis.Pipeliner, j *job.Job) {
	pipe.Del(ctx, e.Key())
	e.Registry().Remove(ctx, pipe, e)
	registry.NewStartedJobRegistry(e.conn, j.Origin).RemoveExecution(ctx, pipe, e.CompositeKey())
}

// TTL returns the remaining lifetime of the execution key. It fails with
// ErrNotFound if the key is gone and returns -1 for keys without expiry.
func (e *Execution) TTL(ctx context.Context) (time.Duration, error) {
	ttl, err := e.conn.TTL(ctx, e.Key()).Result()
	if err != nil {
		return 0, err
	}
	switch ttl {
	case -2:
		return 0, fmt.Errorf("%w: %s", ErrNotFound, e.CompositeKey())
	case -1:
		return -1, nil
	}
	return ttl, nil
}

// Job returns the job this execution belongs to. The first call fetches it;
// later calls return the same object even if the job changed in the store.
// Call ForgetJob to fetch again.
func (e *Execution) Job(ctx context.Context) (*job.Job, error) {
	if j, ok := e.job.Get(); ok {
		return j, nil
	}

	j, err := e.fetchJob(ctx, e.conn, e.JobID)
	if err != nil {
		return nil, err
	}
	e.job = mo.Some(j)
	return j, nil
}

// ForgetJob drops the cached job.
func (e *Execution) ForgetJob() {
	e.job = mo.None[*job.Job]()
}
