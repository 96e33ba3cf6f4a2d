package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jobs/tracker/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	http   *http.Server
	logger *zap.Logger
}

func NewServer(
	cfg config.ServerConfig,
	reg *prometheus.Registry,
	executions *ExecutionHandler,
	queues *QueueHandler,
	common *CommonHandler,
	logger *zap.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{logger: logger}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(RequestLogger(logger))
	s.router.Use(ErrorHandlingMiddleware(logger))
	s.router.Use(Cors())

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", common.HealthCheck)

		jobs := v1.Group("/jobs/:job_id/executions")
		{
			jobs.GET("", executions.ListExecutions)
			jobs.POST("/cleanup", executions.Cleanup)
			jobs.GET("/:execution_id", executions.GetExecution)
		}

		v1.GET("/queues/:queue/started", queues.ListStarted)
	}

	if reg != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	s.http = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        s.router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
