package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vipul43/revsync-worker/internal/models"
	"github.com/vipul43/revsync-worker/internal/service"
	"go.uber.org/zap"
)

const (
	maxBatchSize      = 100
	maxConcurrentJobs = 10
)

type processRequest struct {
	BatchSize     int `json:"batchSize" binding:"omitempty,min=1,max=100"`
	MaxConcurrent int `json:"maxConcurrent" binding:"omitempty,min=1,max=10"`
}

type connectRequest struct {
	APIKey    string `json:"apiKey" binding:"required"`
	Frequency string `json:"frequency"`
}

type syncRequest struct {
	StartDate *time.Time `json:"startDate"`
	EndDate   *time.Time `json:"endDate"`
}

type jobResponse struct {
	ID          string               `json:"id"`
	WebsiteID   string               `json:"websiteId"`
	Provider    models.Provider      `json:"provider"`
	Type        models.SyncJobType   `json:"type"`
	Status      models.SyncJobStatus `json:"status"`
	Priority    int                  `json:"priority"`
	StartDate   time.Time            `json:"startDate"`
	EndDate     time.Time            `json:"endDate"`
	RetryCount  int                  `json:"retryCount"`
	MaxRetries  int                  `json:"maxRetries"`
	Result      *models.SyncResult   `json:"result,omitempty"`
	Error       *string              `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	StartedAt   *time.Time           `json:"startedAt,omitempty"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
}

// bindOptionalJSON treats an empty body as a zero request
func bindOptionalJSON(c *gin.Context, dst interface{}) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health != nil {
		if err := s.deps.Health(c.Request.Context()); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleProcess(c *gin.Context) {
	var req processRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	batchSize := s.opts.BatchSize
	if req.BatchSize > 0 {
		batchSize = min(req.BatchSize, maxBatchSize)
	}
	maxConcurrent := s.opts.MaxConcurrency
	if req.MaxConcurrent > 0 {
		maxConcurrent = min(req.MaxConcurrent, maxConcurrentJobs)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), s.opts.ProcessTimeout)
	defer cancel()

	res, err := s.deps.Processor.ProcessBatch(ctx, batchSize, maxConcurrent)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleEnqueue(c *gin.Context) {
	res, err := s.deps.Scheduler.EnqueueDue(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleRealtime(c *gin.Context) {
	outcomes, err := s.deps.Scheduler.SweepRealtime(c.Request.Context(), s.opts.MaxConcurrency)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if outcomes == nil {
		outcomes = []service.RealtimeOutcome{}
	}
	c.JSON(http.StatusOK, gin.H{"websites": outcomes})
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := s.deps.Jobs.CountByStatus(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}

	body := gin.H{"queue": counts}
	if s.deps.Stats != nil {
		snap, err := s.deps.Stats.Snapshot(ctx)
		if err != nil {
			// counters are best effort; queue depth is still useful
			s.logger.Warn("failed to read stats counters", zap.Error(err))
			_ = c.Error(err)
		} else {
			body["counters"] = snap
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.deps.Jobs.GetByID(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobResponse{
		ID:          job.ID,
		WebsiteID:   job.WebsiteID,
		Provider:    job.Provider,
		Type:        job.Type,
		Status:      job.Status,
		Priority:    job.Priority,
		StartDate:   job.StartDate,
		EndDate:     job.EndDate,
		RetryCount:  job.RetryCount,
		MaxRetries:  job.MaxRetries,
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	})
}

func (s *Server) handleConnect(c *gin.Context) {
	provider, ok := s.provider(c)
	if !ok {
		return
	}
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "apiKey is required"})
		return
	}

	res, err := s.deps.Connections.Connect(c.Request.Context(), c.Param("websiteId"), provider, req.APIKey, req.Frequency)
	if err != nil {
		s.respondError(c, err)
		return
	}

	body := gin.H{"change": res.Change}
	if res.JobID != "" {
		body["jobId"] = res.JobID
	}
	if res.Config != nil {
		body["frequency"] = res.Config.Frequency
		body["nextSyncAt"] = res.Config.NextSyncAt
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleDisconnect(c *gin.Context) {
	provider, ok := s.provider(c)
	if !ok {
		return
	}
	if err := s.deps.Connections.Disconnect(c.Request.Context(), c.Param("websiteId"), provider); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleManualSync(c *gin.Context) {
	provider, ok := s.provider(c)
	if !ok {
		return
	}
	var req syncRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.StartDate != nil && req.EndDate != nil && req.StartDate.After(*req.EndDate) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "startDate must not be after endDate"})
		return
	}

	res, err := s.deps.Connections.ManualSync(c.Request.Context(), c.Param("websiteId"), provider, req.StartDate, req.EndDate)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// provider parses the :provider path segment, writing a 400 on failure
func (s *Server) provider(c *gin.Context) (models.Provider, bool) {
	p, err := models.ParseProvider(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return p, true
}
