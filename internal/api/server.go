package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vipul43/revsync-worker/internal/models"
	"github.com/vipul43/revsync-worker/internal/service"
	"github.com/vipul43/revsync-worker/internal/stats"
	"go.uber.org/zap"
)

// BatchProcessor runs one processing pass over the queue
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batchSize, maxConcurrency int) (*service.BatchResult, error)
}

// JobScheduler queues due cron work and sweeps realtime tenants
type JobScheduler interface {
	EnqueueDue(ctx context.Context) (*service.EnqueueResult, error)
	SweepRealtime(ctx context.Context, maxConcurrency int) ([]service.RealtimeOutcome, error)
}

// ConnectionManager handles provider credentials and on-demand syncs
type ConnectionManager interface {
	Connect(ctx context.Context, websiteID string, provider models.Provider, apiKey string, frequency string) (*service.ConnectResult, error)
	Disconnect(ctx context.Context, websiteID string, provider models.Provider) error
	ManualSync(ctx context.Context, websiteID string, provider models.Provider, start, end *time.Time) (models.SyncResult, error)
}

// JobReader exposes job lookups and queue depth
type JobReader interface {
	GetByID(ctx context.Context, jobID string) (*models.SyncJob, error)
	CountByStatus(ctx context.Context) (map[models.SyncJobStatus]int64, error)
}

// StatsReader returns the Redis counters
type StatsReader interface {
	Snapshot(ctx context.Context) (*stats.Snapshot, error)
}

type Deps struct {
	Processor   BatchProcessor
	Scheduler   JobScheduler
	Connections ConnectionManager
	Jobs        JobReader
	Stats       StatsReader
	// Health is optional; a non-nil error fails /healthz
	Health func(ctx context.Context) error
}

type Options struct {
	CronSecret     string
	BatchSize      int
	MaxConcurrency int
	// ProcessTimeout bounds a processing pass. The pass is detached from the
	// request, so a caller that gives up does not interrupt running jobs.
	ProcessTimeout time.Duration
}

const defaultProcessTimeout = 10 * time.Minute

// Server is the worker's HTTP surface
type Server struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	router *gin.Engine
}

func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if opts.BatchSize <= 0 {
		opts.BatchSize = service.DefaultBatchSize
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = service.DefaultMaxConcurrency
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = defaultProcessTimeout
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		deps:   deps,
		opts:   opts,
		logger: logger,
		router: router,
	}

	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api", bearerAuth(opts.CronSecret))
	{
		api.POST("/cron/process", s.handleProcess)
		api.POST("/cron/enqueue", s.handleEnqueue)
		api.POST("/cron/realtime", s.handleRealtime)
		api.GET("/cron/stats", s.handleStats)

		api.GET("/jobs/:jobId", s.handleGetJob)

		api.PUT("/websites/:websiteId/providers/:provider", s.handleConnect)
		api.DELETE("/websites/:websiteId/providers/:provider", s.handleDisconnect)
		api.POST("/websites/:websiteId/providers/:provider/sync", s.handleManualSync)
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}
