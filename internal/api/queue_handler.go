package api

import (
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/go-redis/redis/v8"
	"github.com/jobs/tracker/internal/composite"
	"github.com/jobs/tracker/internal/queue"
	"github.com/samber/lo"
)

type StartedResponse struct {
	Queue         string   `json:"queue"`
	Removed       int64    `json:"removed"`
	Total         int      `json:"total"`
	CompositeKeys []string `json:"composite_keys"`
	JobIDs        []string `json:"job_ids"`
}

type QueueHandler struct {
	conn redis.UniversalClient
}

func NewQueueHandler(conn redis.UniversalClient) *QueueHandler {
	return &QueueHandler{conn: conn}
}

// ListStarted cleans the queue's started-job registry and lists what is left.
func (h *QueueHandler) ListStarted(c *gin.Context) {
	ctx := c.Request.Context()
	started := queue.New(h.conn, c.Param("queue")).StartedJobRegistry()

	removed, err := started.Cleanup(ctx, time.Now())
	if err != nil {
		respond(c, nil, err)
		return
	}

	keys, err := started.CompositeKeys(ctx)
	if err != nil {
		respond(c, nil, err)
		return
	}

	jobIDs := lo.Uniq(lo.FilterMap(keys, func(key string, _ int) (string, bool) {
		id, err := composite.JobID(key)
		return id, err == nil
	}))

	respond(c, StartedResponse{
		Queue:         started.Queue(),
		Removed:       removed,
		Total:         len(keys),
		CompositeKeys: keys,
		JobIDs:        jobIDs,
	}, nil)
}
