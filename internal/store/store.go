// Package store holds the Redis plumbing shared by the execution tracking
// packages: client construction, the persisted key layout, TTL and score
// arithmetic, and the atomic "extend TTL if larger" script.
//
// Every multi-key mutation is staged on a redis.Pipeliner obtained from
// TxPipeline, so it is applied as one MULTI/EXEC batch. Callers own the
// batch and decide when to Exec it.
package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/google/wire"
	"github.com/jobs/tracker/pkg/config"
)

var Provider = wire.NewSet(
	ProvideClient,
)

// ProvideClient builds a client and checks it can reach the server. The
// cleanup closes it.
func ProvideClient(cfg config.RedisConfig) (redis.UniversalClient, func(), error) {
	conn := NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := Ping(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.Addr(), err)
	}

	return conn, func() { _ = conn.Close() }, nil
}

const pingTimeout = 5 * time.Second

// NewClient builds the process-wide client. It does not dial.
func NewClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// Ping checks the connection.
func Ping(ctx context.Context, conn redis.UniversalClient) error {
	if err := conn.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Atomic stages fn on a transaction pipeline and executes it.
func Atomic(ctx context.Context, conn redis.UniversalClient, fn func(pipe redis.Pipeliner) error) error {
	if _, err := conn.TxPipelined(ctx, fn); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// TimeLayout is how timestamps are written into hash fields: UTC with
// microseconds, so values survive a round trip unchanged.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Now is the current UTC time at the precision the store keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Seconds truncates d to whole seconds, the resolution of EXPIRE and TTL.
func Seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// Score returns the expiry score for an entry that should live ttl from now.
// A negative ttl never expires.
func Score(now time.Time, ttl time.Duration) float64 {
	if ttl < 0 {
		return math.Inf(1)
	}
	return float64(now.Unix() + Seconds(ttl))
}

// Timestamp is the score form of t, comparable with Score results.
func Timestamp(t time.Time) float64 {
	return float64(t.Unix())
}

// Expire stages a TTL on key. A negative ttl persists the key.
func Expire(ctx context.Context, pipe redis.Cmdable, key string, ttl time.Duration) {
	if ttl < 0 {
		pipe.Persist(ctx, key)
		return
	}
	pipe.Expire(ctx, key, time.Duration(Seconds(ttl))*time.Second)
}

// TTLArg is the form ttl takes in script arguments: whole seconds, or -1
// for a key that never expires.
func TTLArg(ttl time.Duration) int64 {
	if ttl < 0 {
		return -1
	}
	return Seconds(ttl)
}

// ScoreArg formats a score for a ZADD issued from a script.
func ScoreArg(score float64) string {
	if math.IsInf(score, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(score, 'f', -1, 64)
}

// ExtendSortedSetTTL defines the Lua function extend(key, wanted) for
// scripts that maintain expiring sorted sets. It raises key's TTL to wanted
// seconds unless the key already outlives it. A negative wanted persists the
// key. A persisted key keeps no expiry while it holds a never-expiring
// member, otherwise it gets one, which covers sets created earlier in the
// same batch. Missing keys are left alone.
const ExtendSortedSetTTL = `
local function extend(key, wanted)
	if wanted < 0 then
		return redis.call('PERSIST', key)
	end
	local current = redis.call('TTL', key)
	if current == -2 then
		return 0
	end
	if current == -1 then
		if #redis.call('ZRANGEBYSCORE', key, '+inf', '+inf', 'LIMIT', 0, 1) > 0 then
			return 0
		end
		return redis.call('EXPIRE', key, wanted)
	end
	if current < wanted then
		return redis.call('EXPIRE', key, wanted)
	end
	return 0
end
`

var expireAtLeast = redis.NewScript(ExtendSortedSetTTL + `
return extend(KEYS[1], tonumber(ARGV[1]))
`)

// ExpireAtLeast stages a conditional TTL extension of the sorted set at key,
// following the rules of ExtendSortedSetTTL. It runs server side so it
// belongs to the same MULTI/EXEC batch as the writes staged before it.
func ExpireAtLeast(ctx context.Context, pipe redis.Cmdable, key string, ttl time.Duration) {
	expireAtLeast.Eval(ctx, pipe, []string{key}, TTLArg(ttl))
}
