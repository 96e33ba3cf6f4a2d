package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jobs/tracker/internal/job"
	"go.uber.org/zap"
)

// Built-in function names.
const (
	FuncEcho  = "echo"
	FuncSleep = "sleep"
)

// SleepArgs is the payload of FuncSleep.
type SleepArgs struct {
	Seconds float64 `json:"seconds"`
}

// RegisterBuiltins registers FuncEcho, which logs its payload, and FuncSleep,
// which waits for SleepArgs.Seconds or until cancelled.
func (w *Worker) RegisterBuiltins() {
	w.Register(FuncEcho, func(ctx context.Context, j *job.Job) error {
		w.logger.Info("echo", zap.String("job_id", j.ID), zap.ByteString("payload", j.Payload))
		return nil
	})

	w.Register(FuncSleep, func(ctx context.Context, j *job.Job) error {
		var args SleepArgs
		if err := j.Decode(&args); err != nil {
			return fmt.Errorf("invalid sleep payload: %w", err)
		}

		timer := time.NewTimer(time.Duration(args.Seconds * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	})
}
