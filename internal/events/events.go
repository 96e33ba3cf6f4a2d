// Package events publishes execution lifecycle notifications over Redis
// pub/sub. Delivery is at most once: subscribers that are not connected miss
// events, so nothing may depend on them for correctness.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/google/wire"
	"go.uber.org/zap"
)

var Provider = wire.NewSet(
	NewBus,
)

// Channel carries every event as JSON.
const Channel = "jobs:events"

type Type string

const (
	ExecutionStarted Type = "execution_started"
	ExecutionEnded   Type = "execution_ended"
	JobOrphaned      Type = "job_orphaned"
)

type Event struct {
	Type        Type   `json:"type"`
	JobID       string `json:"job_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Queue       string `json:"queue,omitempty"`
	Status      string `json:"status,omitempty"`
	Source      string `json:"source,omitempty"`
	Timestamp   int64  `json:"ts"`
}

type Bus struct {
	conn   redis.UniversalClient
	logger *zap.Logger
}

func NewBus(conn redis.UniversalClient, logger *zap.Logger) *Bus {
	return &Bus{conn: conn, logger: logger}
}

// Stage queues ev on pipe so it is published only if the batch commits. A
// nil Bus stages nothing.
func (b *Bus) Stage(ctx context.Context, pipe redis.Cmdable, ev Event) error {
	if b == nil {
		return nil
	}
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	pipe.Publish(ctx, Channel, payload)
	return nil
}

// Publish sends ev right away. Failures are logged and returned.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b == nil {
		return nil
	}
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(ctx, Channel, payload).Err(); err != nil {
		b.logger.Warn("failed to publish event", zap.String("type", string(ev.Type)), zap.Error(err))
		return fmt.Errorf("failed to publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe streams events until ctx is done. Undecodable messages are
// skipped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := b.conn.Subscribe(ctx, Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Channel, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Debug("skipping malformed event", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func encode(ev Event) ([]byte, error) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	return payload, nil
}
