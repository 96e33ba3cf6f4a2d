// Package api serves a read-mostly HTTP view of execution tracking state.
package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"
	"github.com/jobs/tracker/internal/composite"
)

var Provider = wire.NewSet(
	NewExecutionHandler,
	NewQueueHandler,
	NewCommonHandler,
	NewServer,
)

// respond writes data as JSON, or records err for ErrorHandlingMiddleware.
func respond(c *gin.Context, data any, err error) {
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, data)
}

// idParam reads a path segment that will become part of a composite key.
func idParam(c *gin.Context, name string) (string, error) {
	id := c.Param(name)
	if id == "" || strings.Contains(id, composite.Separator) {
		return "", fmt.Errorf("%w: %s %q", composite.ErrMalformedKey, name, id)
	}
	return id, nil
}
