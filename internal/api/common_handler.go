package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/go-redis/redis/v8"
	"github.com/jobs/tracker/internal/store"
)

type CommonHandler struct {
	conn redis.UniversalClient
}

func NewCommonHandler(conn redis.UniversalClient) *CommonHandler {
	return &CommonHandler{conn: conn}
}

func (h *CommonHandler) HealthCheck(c *gin.Context) {
	if err := store.Ping(c.Request.Context(), h.conn); err != nil {
		respond(c, nil, fmt.Errorf("%w: %v", errUnavailable, err))
		return
	}

	respond(c, gin.H{
		"status": "healthy",
		"time":   time.Now(),
	}, nil)
}
