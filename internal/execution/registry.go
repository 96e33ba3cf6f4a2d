package execution

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/jobs/tracker/internal/composite"
	"github.com/jobs/tracker/internal/job"
	"github.com/jobs/tracker/internal/registry"
	"github.com/jobs/tracker/internal/store"
)

// RegistryTTLBuffer is how much longer than its longest-lived member the
// registry key is kept, so it never disappears while members reference it.
const RegistryTTLBuffer = 60 * time.Second

// Registry is the live set of executions of one job: composite key to the
// Unix time at which the execution is presumed dead unless renewed.
type Registry struct {
	conn  redis.UniversalClient
	jobID string
	key   string
}

func NewRegistry(conn redis.UniversalClient, jobID string) *Registry {
	return &Registry{
		conn:  conn,
		jobID: jobID,
		key:   store.ExecutionRegistryKey(jobID),
	}
}

func (r *Registry) Key() string {
	return r.key
}

func (r *Registry) JobID() string {
	return r.jobID
}

// Add stages e with an expiry of now+ttl and raises the registry key TTL to
// ttl+RegistryTTLBuffer unless it already outlives that. A registry holding a
// never-expiring member is not given an expiry.
func (r *Registry) Add(ctx context.Context, pipe redis.Pipeliner, e *Execution, ttl time.Duration) {
	pipe.ZAdd(ctx, r.key, &redis.Z{
		Score:  store.Score(time.Now(), ttl),
		Member: e.CompositeKey(),
	})

	store.ExpireAtLeast(ctx, pipe, r.key, registryTTL(ttl))
}

// registryTTL is the key TTL a registry needs to outlive a member added with
// ttl.
func registryTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return ttl
	}
	return ttl + RegistryTTLBuffer
}

// Remove stages removal of e. Removing an absent member is a no-op.
func (r *Registry) Remove(ctx context.Context, pipe redis.Pipeliner, e *Execution) {
	pipe.ZRem(ctx, r.key, e.CompositeKey())
}

// CompositeKeys lists every member as stored.
func (r *Registry) CompositeKeys(ctx context.Context) ([]string, error) {
	keys, err := r.conn.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions of job %s: %w", r.jobID, err)
	}
	return keys, nil
}

// ExecutionIDs returns the execution id half of every member, in store
// order. A member that does not decode fails the call.
func (r *Registry) ExecutionIDs(ctx context.Context) ([]string, error) {
	keys, err := r.CompositeKeys(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		_, id, err := composite.Split(key)
		if err != nil {
			return nil, fmt.Errorf("registry %s: %w", r.key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Executions returns unloaded handles for every member.
func (r *Registry) Executions(ctx context.Context) ([]*Execution, error) {
	keys, err := r.CompositeKeys(ctx)
	if err != nil {
		return nil, err
	}

	executions := make([]*Execution, 0, len(keys))
	for _, key := range keys {
		e, err := FromCompositeKey(r.conn, key)
		if err != nil {
			return nil, fmt.Errorf("registry %s: %w", r.key, err)
		}
		executions = append(executions, e)
	}
	return executions, nil
}

// Count is the number of members. Non-zero means at least one attempt is
// believed to be outstanding.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	n, err := r.conn.ZCard(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count executions of job %s: %w", r.jobID, err)
	}
	return n, nil
}

// Cleanup removes every member whose expiry is at or before cutoff and
// returns how many were removed. Execution keys are left to expire on their
// own TTL. Safe to run concurrently with adds and heartbeats of live
// members, and idempotent for a given cutoff.
func (r *Registry) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	upper := strconv.FormatFloat(store.Timestamp(cutoff), 'f', -1, 64)
	n, err := r.conn.ZRemRangeByScore(ctx, r.key, "-inf", upper).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to clean executions of job %s: %w", r.jobID, err)
	}
	return n, nil
}

// CleanupNow is Cleanup with the current time as cutoff.
func (r *Registry) CleanupNow(ctx context.Context) (int64, error) {
	return r.Cleanup(ctx, time.Now())
}

// Delete stages a cascading teardown used when the job itself goes away:
// every member's execution key, the registry key, and every execution of the
// job in the started-job registry of its queue. Membership is read before
// staging.
func (r *Registry) Delete(ctx context.Context, pipe redis.Pipeliner, j *job.Job) error {
	keys, err := r.CompositeKeys(ctx)
	if err != nil {
		return err
	}

	for _, key := range keys {
		pipe.Del(ctx, store.ExecutionKey(key))
	}
	pipe.Del(ctx, r.key)

	started := registry.NewStartedJobRegistry(r.conn, j.Origin)
	if err := started.RemoveExecutions(ctx, pipe, j.ID); err != nil {
		return fmt.Errorf("failed to stage started registry removal of job %s: %w", j.ID, err)
	}
	return nil
}
