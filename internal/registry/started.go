// Package registry holds the started-job registry of a queue: the sorted set
// of execution composite keys currently running, scored by the time each
// should be presumed dead unless renewed.
//
// The registry records membership only. Deciding a job's terminal status is
// left to the code that reads it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/jobs/tracker/internal/composite"
	"github.com/jobs/tracker/internal/store"
	"github.com/samber/lo"
)

type StartedJobRegistry struct {
	conn  redis.UniversalClient
	queue string
	key   string
}

func NewStartedJobRegistry(conn redis.UniversalClient, queue string) *StartedJobRegistry {
	return &StartedJobRegistry{
		conn:  conn,
		queue: queue,
		key:   store.StartedRegistryKey(queue),
	}
}

func (r *StartedJobRegistry) Key() string {
	return r.key
}

func (r *StartedJobRegistry) Queue() string {
	return r.queue
}

// AddExecution stages membership of compositeKey with an expiry of now+ttl.
// With onlyExisting the score is refreshed only if the member is still
// present, so a heartbeat never resurrects a removed execution.
func (r *StartedJobRegistry) AddExecution(ctx context.Context, pipe redis.Cmdable, compositeKey string, ttl time.Duration, onlyExisting bool) {
	member := &redis.Z{Score: store.Score(time.Now(), ttl), Member: compositeKey}
	if onlyExisting {
		pipe.ZAddXX(ctx, r.key, member)
		return
	}
	pipe.ZAdd(ctx, r.key, member)
}

// RemoveExecution stages removal of compositeKey. Removing an absent member
// is a no-op.
func (r *StartedJobRegistry) RemoveExecution(ctx context.Context, pipe redis.Cmdable, compositeKey string) {
	pipe.ZRem(ctx, r.key, compositeKey)
}

// RemoveExecutions stages removal of every execution of jobID. Membership is
// read before staging.
func (r *StartedJobRegistry) RemoveExecutions(ctx context.Context, pipe redis.Cmdable, jobID string) error {
	keys, err := r.CompositeKeys(ctx)
	if err != nil {
		return err
	}

	owned := lo.Filter(keys, func(key string, _ int) bool {
		return composite.HasJob(key, jobID)
	})
	if len(owned) == 0 {
		return nil
	}
	pipe.ZRem(ctx, r.key, lo.ToAnySlice(owned)...)
	return nil
}

// CompositeKeys lists every member.
func (r *StartedJobRegistry) CompositeKeys(ctx context.Context) ([]string, error) {
	keys, err := r.conn.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list started registry %s: %w", r.queue, err)
	}
	return keys, nil
}

// JobIDs lists the distinct jobs with at least one registered execution.
// Members that do not decode are skipped.
func (r *StartedJobRegistry) JobIDs(ctx context.Context) ([]string, error) {
	keys, err := r.CompositeKeys(ctx)
	if err != nil {
		return nil, err
	}

	ids := lo.FilterMap(keys, func(key string, _ int) (string, bool) {
		jobID, err := composite.JobID(key)
		return jobID, err == nil
	})
	return lo.Uniq(ids), nil
}

// Contains reports whether compositeKey is a member.
func (r *StartedJobRegistry) Contains(ctx context.Context, compositeKey string) (bool, error) {
	_, err := r.conn.ZScore(ctx, r.key, compositeKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *StartedJobRegistry) Count(ctx context.Context) (int64, error) {
	return r.conn.ZCard(ctx, r.key).Result()
}

// Expired lists members whose expiry score is at or before cutoff.
func (r *StartedJobRegistry) Expired(ctx context.Context, cutoff time.Time) ([]string, error) {
	return r.conn.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min: "-inf",
		Max: scoreArg(cutoff),
	}).Result()
}

// Cleanup removes members whose expiry score is at or before cutoff and
// returns how many were removed.
func (r *StartedJobRegistry) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := r.conn.ZRemRangeByScore(ctx, r.key, "-inf", scoreArg(cutoff)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to clean started registry %s: %w", r.queue, err)
	}
	return n, nil
}

func scoreArg(t time.Time) string {
	return strconv.FormatFloat(store.Timestamp(t), 'f', -1, 64)
}
