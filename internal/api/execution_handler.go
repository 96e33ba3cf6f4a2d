package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/go-redis/redis/v8"
	"github.com/jobs/tracker/internal/execution"
	"github.com/jobs/tracker/internal/job"
	"go.uber.org/zap"
)

type ExecutionResponse struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	CompositeKey  string    `json:"composite_key"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// TTLSeconds is -1 for executions without expiry.
	TTLSeconds int64 `json:"ttl_seconds"`
}

type ListExecutionsResponse struct {
	JobID      string              `json:"job_id"`
	Removed    int64               `json:"removed"`
	Total      int                 `json:"total"`
	Executions []ExecutionResponse `json:"executions"`
}

type CleanupResponse struct {
	JobID   string `json:"job_id"`
	Removed int64  `json:"removed"`
}

type ExecutionHandler struct {
	conn   redis.UniversalClient
	logger *zap.Logger
}

func NewExecutionHandler(conn redis.UniversalClient, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		conn:   conn,
		logger: logger,
	}
}

// ListExecutions cleans the job's registry, then lists the executions whose
// key is still alive.
func (h *ExecutionHandler) ListExecutions(c *gin.Context) {
	jobID, err := idParam(c, "job_id")
	if err != nil {
		respond(c, nil, err)
		return
	}

	resp, err := h.list(c.Request.Context(), jobID)
	respond(c, resp, err)
}

func (h *ExecutionHandler) list(ctx context.Context, jobID string) (*ListExecutionsResponse, error) {
	exists, err := job.Exists(ctx, h.conn, jobID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, jobID)
	}

	reg := execution.NewRegistry(h.conn, jobID)
	removed, err := reg.CleanupNow(ctx)
	if err != nil {
		return nil, err
	}

	handles, err := reg.Executions(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]ExecutionResponse, 0, len(handles))
	for _, e := range handles {
		item, err := h.load(ctx, e)
		if errors.Is(err, execution.ErrNotFound) {
			// key expired, member not yet past its score
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	return &ListExecutionsResponse{
		JobID:      jobID,
		Removed:    removed,
		Total:      len(items),
		Executions: items,
	}, nil
}

func (h *ExecutionHandler) GetExecution(c *gin.Context) {
	jobID, err := idParam(c, "job_id")
	if err != nil {
		respond(c, nil, err)
		return
	}

	e := execution.New(h.conn, c.Param("execution_id"), jobID)
	item, err := h.load(c.Request.Context(), e)
	respond(c, item, err)
}

func (h *ExecutionHandler) Cleanup(c *gin.Context) {
	jobID, err := idParam(c, "job_id")
	if err != nil {
		respond(c, nil, err)
		return
	}

	removed, err := execution.NewRegistry(h.conn, jobID).CleanupNow(c.Request.Context())
	if err == nil && removed > 0 {
		h.logger.Info("cleaned execution registry",
			zap.String("job_id", jobID),
			zap.Int64("removed", removed))
	}
	respond(c, CleanupResponse{JobID: jobID, Removed: removed}, err)
}

func (h *ExecutionHandler) load(ctx context.Context, e *execution.Execution) (*ExecutionResponse, error) {
	if err := e.Refresh(ctx); err != nil {
		return nil, err
	}
	ttl, err := e.TTL(ctx)
	if err != nil {
		return nil, err
	}

	seconds := int64(-1)
	if ttl >= 0 {
		seconds = int64(ttl / time.Second)
	}

	return &ExecutionResponse{
		ID:            e.ID,
		JobID:         e.JobID,
		CompositeKey:  e.CompositeKey(),
		CreatedAt:     e.CreatedAt,
		LastHeartbeat: e.LastHeartbeat,
		TTLSeconds:    seconds,
	}, nil
}
