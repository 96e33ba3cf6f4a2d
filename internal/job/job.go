// Package job is the job record the execution tracking code consumes: its id,
// origin queue, timeout and status. Payload semantics belong to handlers.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jobs/tracker/internal/store"
	"github.com/spf13/cast"
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// IsTerminal reports whether no further attempt will change the status.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

const (
	DefaultTimeout = 180 * time.Second
	// NoTimeout lets a job run for as long as it takes.
	NoTimeout time.Duration = -1
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrInvalidTimeout = errors.New("job timeout must not be zero")
)

type Job struct {
	ID         string
	FuncName   string
	Payload    json.RawMessage
	Origin     string
	Status     Status
	Timeout    time.Duration
	CreatedAt  time.Time
	EnqueuedAt time.Time
	StartedAt  time.Time
	EndedAt    time.Time
	ExcInfo    string
}

type Option func(*Job)

// WithTimeout overrides DefaultTimeout. A negative value means NoTimeout;
// zero is rejected by New. Timeouts are kept in whole seconds, rounded up.
func WithTimeout(d time.Duration) Option {
	return func(j *Job) {
		if d < 0 {
			d = NoTimeout
		}
		j.Timeout = d
	}
}

// WithID sets an explicit id. Ids must not contain ':'.
func WithID(id string) Option {
	return func(j *Job) { j.ID = id }
}

func WithOrigin(queue string) Option {
	return func(j *Job) { j.Origin = queue }
}

// New builds a job record in memory. The payload is JSON encoded.
func New(funcName string, payload any, opts ...Option) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	j := &Job{
		ID:        uuid.NewString(),
		FuncName:  funcName,
		Payload:   raw,
		Status:    StatusQueued,
		Timeout:   DefaultTimeout,
		CreatedAt: store.Now(),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.Timeout == 0 {
		return nil, ErrInvalidTimeout
	}
	return j, nil
}

func (j *Job) Key() string {
	return store.JobKey(j.ID)
}

// HasTimeout is false for NoTimeout jobs.
func (j *Job) HasTimeout() bool {
	return j.Timeout > 0
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Save stages a full write of the record.
func (j *Job) Save(ctx context.Context, pipe redis.Cmdable) {
	pipe.HSet(ctx, j.Key(), j.fields())
}

// SetStatus stages a status change. Terminal statuses also record EndedAt
// and started records StartedAt.
func (j *Job) SetStatus(ctx context.Context, pipe redis.Cmdable, status Status) {
	j.Status = status
	fields := map[string]any{"status": string(status)}

	switch {
	case status == StatusStarted:
		j.StartedAt = store.Now()
		fields["started_at"] = formatTime(j.StartedAt)
	case status.IsTerminal():
		j.EndedAt = store.Now()
		fields["ended_at"] = formatTime(j.EndedAt)
	}
	pipe.HSet(ctx, j.Key(), fields)
}

// SetFailure stages the failed status with its cause.
func (j *Job) SetFailure(ctx context.Context, pipe redis.Cmdable, cause error) {
	j.ExcInfo = cause.Error()
	pipe.HSet(ctx, j.Key(), "exc_info", j.ExcInfo)
	j.SetStatus(ctx, pipe, StatusFailed)
}

// Refresh reloads every field from the store.
func (j *Job) Refresh(ctx context.Context, conn redis.Cmdable) error {
	fresh, err := Fetch(ctx, conn, j.ID)
	if err != nil {
		return err
	}
	*j = *fresh
	return nil
}

// Fetch loads a job record.
func Fetch(ctx context.Context, conn redis.Cmdable, id string) (*Job, error) {
	values, err := conn.HGetAll(ctx, store.JobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	j := &Job{ID: id}
	if err := j.load(values); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return j, nil
}

// Exists reports whether the job record is present.
func Exists(ctx context.Context, conn redis.Cmdable, id string) (bool, error) {
	n, err := conn.Exists(ctx, store.JobKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetStatus reads only the status field.
func GetStatus(ctx context.Context, conn redis.Cmdable, id string) (Status, error) {
	status, err := conn.HGet(ctx, store.JobKey(id), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get status of job %s: %w", id, err)
	}
	return Status(status), nil
}

func (j *Job) fields() map[string]any {
	return map[string]any{
		"func_name":   j.FuncName,
		"payload":     string(j.Payload),
		"origin":      j.Origin,
		"status":      string(j.Status),
		"timeout":     timeoutSeconds(j.Timeout),
		"created_at":  formatTime(j.CreatedAt),
		"enqueued_at": formatTime(j.EnqueuedAt),
		"started_at":  formatTime(j.StartedAt),
		"ended_at":    formatTime(j.EndedAt),
		"exc_info":    j.ExcInfo,
	}
}

func (j *Job) load(values map[string]string) error {
	j.FuncName = values["func_name"]
	j.Payload = json.RawMessage(values["payload"])
	j.Origin = values["origin"]
	j.Status = Status(values["status"])
	j.ExcInfo = values["exc_info"]

	j.Timeout = DefaultTimeout
	if raw := values["timeout"]; raw != "" {
		timeout, err := cast.ToInt64E(raw)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		switch {
		case timeout < 0:
			j.Timeout = NoTimeout
		case timeout > 0:
			j.Timeout = time.Duration(timeout) * time.Second
		}
	}

	var err error
	for field, dst := range map[string]*time.Time{
		"created_at":  &j.CreatedAt,
		"enqueued_at": &j.EnqueuedAt,
		"started_at":  &j.StartedAt,
		"ended_at":    &j.EndedAt,
	} {
		if *dst, err = parseTime(values[field]); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}

// timeoutSeconds rounds up so a sub-second timeout stays a timeout.
func timeoutSeconds(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return store.Seconds(d + time.Second - 1)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return store.FormatTime(t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return store.ParseTime(s)
}
