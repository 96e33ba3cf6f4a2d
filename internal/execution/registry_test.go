package execution

import (
	"context"
	"testing"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/jobs/tracker/internal/composite"
	"github.com/jobs/tracker/internal/registry"
	"github.com/jobs/tracker/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AddDelete(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	j := enqueuedJob(t, conn)
	reg := NewRegistry(conn, j.ID)

	e := create(t, conn, j, 100*time.Second)

	assert.Equal(t, int64(1), conn.ZCard(ctx, reg.Key()).Val())
	ttl := conn.TTL(ctx, reg.Key()).Val()
	assert.GreaterOrEqual(t, ttl, 160*time.Second)
	assert.LessOrEqual(t, ttl, 162*time.Second)

	pipe := conn.TxPipeline()
	e.Delete(ctx, pipe, j)
	_, err := pipe.Exec(ctx)
	require.NoError(t, err)

	count, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRegistry_CountTracksCreatesAndDeletes(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	j := enqueuedJob(t, conn)
	reg := NewRegistry(conn, j.ID)

	var executions []*Execution
	for i := 0; i < 5; i++ {
		executions = append(executions, create(t, conn, j, 100*time.Second))
	}

	count, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	pipe := conn.TxPipeline()
	executions[2].Delete(ctx, pipe, j)
	_, err = pipe.Exec(ctx)
	require.NoError(t, err)

	count, err = reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestRegistry_ExecutionIDs(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	j := enqueuedJob(t, conn)

	first := create(t, conn, j, 100*time.Second)
	second := create(t, conn, j, 100*time.Second)

	ids, err := first.Registry().ExecutionIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	executions, err := first.Registry().Executions(ctx)
	require.NoError(t, err)
	require.Len(t, executions, 2)
	for _, e := range executions {
		require.NoError(t, e.Refresh(ctx))
		assert.Equal(t, j.ID, e.JobID)
	}
}

func TestRegistry_ExecutionIDsRejectsMalformedMember(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	reg := NewRegistry(conn, "job1")

	conn.ZAdd(ctx, reg.Key(), &redis.Z{Score: 1, Member: "garbage"})

	_, err := reg.ExecutionIDs(ctx)
	require.ErrorIs(t, err, composite.ErrMalformedKey)
	_, err = reg.Executions(ctx)
	require.ErrorIs(t, err, composite.ErrMalformedKey)
}

func TestRegistry_Cleanup(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	j := enqueuedJob(t, conn)
	reg := NewRegistry(conn, j.ID)

	create(t, conn, j, 90*time.Second)

	removed, err := reg.CleanupNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
	count, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	removed, err = reg.Cleanup(ctx, time.Now().Add(60*time.Second))
	require.NoError(t, err)
	assert.Zero(t, removed)

	// past the execution's expiry
	removed, err = reg.Cleanup(ctx, time.Now().Add(200*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	count, err = reg.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRegistry_CleanupIsSelective(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	j := enqueuedJob(t, conn)
	reg := NewRegistry(conn, j.ID)

	short := create(t, conn, j, 10*time.Second)
	long := create(t, conn, j, 300*time.Second)

	cutoff := time.Now().Add(100 * time.Second)
	removed, err := reg.Cleanup(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removed, err = reg.Cleanup(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, removed, "same cutoff twice is a no-op")

	ids, err := reg.ExecutionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{long.ID}, ids)

	// cleanup repairs membership only; the execution key expires on its own
	assert.Equal(t, int64(1), conn.Exists(ctx, short.Key()).Val())
}

func TestRegistry_Delete(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	j := enqueuedJob(t, conn)
	reg := NewRegistry(conn, j.ID)
	started := registry.NewStartedJobRegistry(conn, j.Origin)

	first := create(t, conn, j, 100*time.Second)
	second := create(t, conn, j, 100*time.Second)

	other := enqueuedJob(t, conn)
	bystander := create(t, conn, other, 100*time.Second)

	ids, err := started.JobIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, j.ID)

	pipe := conn.TxPipeline()
	require.NoError(t, reg.Delete(ctx, pipe, j))
	_, err = pipe.Exec(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(0), conn.Exists(ctx, reg.Key(), first.Key(), second.Key()).Val())

	ids, err = started.JobIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, j.ID)
	assert.Contains(t, ids, other.ID)
	assert.Equal(t, int64(1), conn.Exists(ctx, bystander.Key()).Val())
}

func TestRegistry_DeleteEmpty(t *testing.T) {
	ctx := context.Background()
	_, conn := storetest.StartRedis(t)
	j := enqueuedJob(t, conn)

	pipe := conn.TxPipeline()
	require.NoError(t, NewRegistry(conn, j.ID).Delete(ctx, pipe, j))
	_, err := pipe.Exec(ctx)
	require.NoError(t, err)
}
