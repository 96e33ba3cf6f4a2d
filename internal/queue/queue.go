// Package queue moves job ids from producers to workers through Redis lists.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/jobs/tracker/internal/job"
	"github.com/jobs/tracker/internal/registry"
	"github.com/jobs/tracker/internal/store"
)

const DefaultName = "default"

type Queue struct {
	name string
	conn redis.UniversalClient
}

func New(conn redis.UniversalClient, name string) *Queue {
	if name == "" {
		name = DefaultName
	}
	return &Queue{name: name, conn: conn}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Key() string {
	return store.QueueKey(q.name)
}

// StartedJobRegistry is the registry of executions running jobs from q.
func (q *Queue) StartedJobRegistry() *registry.StartedJobRegistry {
	return registry.NewStartedJobRegistry(q.conn, q.name)
}

// Enqueue saves a new job record and pushes its id, in one batch.
func (q *Queue) Enqueue(ctx context.Context, funcName string, payload any, opts ...job.Option) (*job.Job, error) {
	j, err := job.New(funcName, payload, append(opts[:len(opts):len(opts)], job.WithOrigin(q.name))...)
	if err != nil {
		return nil, err
	}
	j.EnqueuedAt = store.Now()

	err = store.Atomic(ctx, q.conn, func(pipe redis.Pipeliner) error {
		j.Save(ctx, pipe)
		pipe.SAdd(ctx, store.QueuesKey, q.name)
		pipe.RPush(ctx, q.Key(), j.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s on %s: %w", funcName, q.name, err)
	}
	return j, nil
}

// Dequeue pops the next job. With a positive timeout it blocks up to that
// long. It returns nil, nil when the queue is empty. Ids whose job record
// is gone are dropped.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*job.Job, error) {
	for {
		id, err := q.pop(ctx, timeout)
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to dequeue from %s: %w", q.name, err)
		}

		j, err := job.Fetch(ctx, q.conn, id)
		if errors.Is(err, job.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return j, nil
	}
}

func (q *Queue) pop(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return q.conn.LPop(ctx, q.Key()).Result()
	}

	// BLPOP replies with [key, value]
	reply, err := q.conn.BLPop(ctx, timeout, q.Key()).Result()
	if err != nil {
		return "", err
	}
	return reply[1], nil
}

// Requeue puts a popped job back at the head of q so it is the next one
// dequeued.
func (q *Queue) Requeue(ctx context.Context, j *job.Job) error {
	if err := q.conn.LPush(ctx, q.Key(), j.ID).Err(); err != nil {
		return fmt.Errorf("failed to requeue job %s on %s: %w", j.ID, q.name, err)
	}
	return nil
}

// Count is the number of waiting jobs.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	return q.conn.LLen(ctx, q.Key()).Result()
}

// All returns every queue that ever received a job.
func All(ctx context.Context, conn redis.UniversalClient) ([]*Queue, error) {
	names, err := conn.SMembers(ctx, store.QueuesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	queues := make([]*Queue, 0, len(names))
	for _, name := range names {
		queues = append(queues, New(conn, name))
	}
	return queues, nil
}
