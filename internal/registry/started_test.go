package registry

import (
	"context"
	"testing"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/jobs/tracker/internal/store"
	"github.com/jobs/tracker/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartedJobRegistry_AddRemove(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	reg := NewStartedJobRegistry(conn, "default")

	require.NoError(t, store.Atomic(ctx, conn, func(pipe redis.Pipeliner) error {
		reg.AddExecution(ctx, pipe, "job1:e1", 100*time.Second, false)
		reg.AddExecution(ctx, pipe, "job1:e2", 100*time.Second, false)
		reg.AddExecution(ctx, pipe, "job2:e1", 100*time.Second, false)
		return nil
	}))

	count, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	ids, err := reg.JobIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job1", "job2"}, ids)

	reg.RemoveExecution(ctx, conn, "job2:e1")
	ok, err := reg.Contains(ctx, "job2:e1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Atomic(ctx, conn, func(pipe redis.Pipeliner) error {
		return reg.RemoveExecutions(ctx, pipe, "job1")
	}))
	count, err = reg.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStartedJobRegistry_OnlyExistingDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	reg := NewStartedJobRegistry(conn, "default")

	reg.AddExecution(ctx, conn, "job1:e1", 200*time.Second, true)

	ok, err := reg.Contains(ctx, "job1:e1")
	require.NoError(t, err)
	assert.False(t, ok)

	reg.AddExecution(ctx, conn, "job1:e1", 10*time.Second, false)
	reg.AddExecution(ctx, conn, "job1:e1", 200*time.Second, true)

	score := conn.ZScore(ctx, reg.Key(), "job1:e1").Val()
	assert.InDelta(t, float64(time.Now().Unix()+200), score, 2)
}

func TestStartedJobRegistry_Cleanup(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	reg := NewStartedJobRegistry(conn, "default")

	reg.AddExecution(ctx, conn, "job1:short", 10*time.Second, false)
	reg.AddExecution(ctx, conn, "job1:long", 100*time.Second, false)
	reg.AddExecution(ctx, conn, "job2:forever", -1, false)

	now := time.Now()
	expired, err := reg.Expired(ctx, now.Add(50*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"job1:short"}, expired)

	removed, err := reg.Cleanup(ctx, now.Add(50*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removed, err = reg.Cleanup(ctx, now.Add(50*time.Second))
	require.NoError(t, err)
	assert.Zero(t, removed, "second sweep with the same cutoff is a no-op")

	removed, err = reg.Cleanup(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	keys, err := reg.CompositeKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job2:forever"}, keys)
}

func TestStartedJobRegistry_JobIDsSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	reg := NewStartedJobRegistry(conn, "default")

	conn.ZAdd(ctx, reg.Key(), &redis.Z{Score: 1, Member: "legacy-job-id"})
	reg.AddExecution(ctx, conn, "job1:e1", 10*time.Second, false)

	ids, err := reg.JobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job1"}, ids)
}
