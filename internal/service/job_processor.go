package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/revsync-worker/internal/models"
	"github.com/vipul43/revsync-worker/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize      = 10
	DefaultMaxConcurrency = 3
	DefaultStaleAfter     = 15 * time.Minute
)

// JobQueue interface for the sync job queue
type JobQueue interface {
	Enqueue(ctx context.Context, p repository.EnqueueParams) (*models.SyncJob, error)
	Dequeue(ctx context.Context) (*models.SyncJob, error)
	GetByID(ctx context.Context, jobID string) (*models.SyncJob, error)
	MarkCompleted(ctx context.Context, jobID string, res models.SyncResult) error
	MarkFailed(ctx context.Context, jobID string, msg string) error
	IncrementRetry(ctx context.Context, jobID string, msg string) (*models.SyncJob, error)
	Release(ctx context.Context, jobID string, msg string) error
	ReclaimStale(ctx context.Context, olderThan time.Duration) (repository.ReclaimResult, error)
	CancelActive(ctx context.Context, websiteID string, provider models.Provider) (int64, error)
	HasActive(ctx context.Context, websiteID string, provider models.Provider) (bool, error)
	CountByStatus(ctx context.Context) (map[models.SyncJobStatus]int64, error)
}

// PaymentSyncer interface for running one provider sync
type PaymentSyncer interface {
	SyncPayments(ctx context.Context, websiteID string, provider models.Provider, apiKey string, start, end time.Time) (models.SyncResult, error)
}

// StatsRecorder interface for queue counters. Implementations swallow their own errors.
type StatsRecorder interface {
	JobFinished(ctx context.Context, provider models.Provider, status models.SyncJobStatus)
	SyncFinished(ctx context.Context, provider models.Provider, res models.SyncResult)
}

// JobOutcome is the per-job entry of a batch result
type JobOutcome struct {
	JobID     string               `json:"jobId"`
	WebsiteID string               `json:"websiteId"`
	Provider  models.Provider      `json:"provider"`
	Status    models.SyncJobStatus `json:"status"`
	Result    *models.SyncResult   `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type BatchResult struct {
	Processed int                      `json:"processed"`
	Reclaimed repository.ReclaimResult `json:"reclaimed"`
	Jobs      []JobOutcome             `json:"jobs"`
}

type JobProcessor struct {
	jobs       JobQueue
	websites   WebsiteStore
	syncer     PaymentSyncer
	stats      StatsRecorder
	logger     *zap.Logger
	staleAfter time.Duration
	now        func() time.Time
}

func NewJobProcessor(jobs JobQueue, websites WebsiteStore, syncer PaymentSyncer, stats StatsRecorder, logger *zap.Logger, staleAfter time.Duration) *JobProcessor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &JobProcessor{
		jobs:       jobs,
		websites:   websites,
		syncer:     syncer,
		stats:      stats,
		logger:     logger,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ProcessBatch claims up to batchSize jobs and runs at most maxConcurrency at once.
// A job's provider failure is recorded on that job only. Queue storage
// failures abort the batch and are returned.
func (p *JobProcessor) ProcessBatch(ctx context.Context, batchSize, maxConcurrency int) (*BatchResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	reclaimed, err := p.jobs.ReclaimStale(ctx, p.staleAfter)
	if err != nil {
		return nil, err
	}
	if reclaimed.Requeued > 0 || reclaimed.Failed > 0 {
		p.logger.Warn("reclaimed stale jobs",
			zap.Int64("requeued", reclaimed.Requeued),
			zap.Int64("failed", reclaimed.Failed))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	outcomes := make([]JobOutcome, batchSize)
	claimed := 0
	var claimErr error
	for claimed < batchSize && gctx.Err() == nil {
		job, err := p.jobs.Dequeue(gctx)
		if err != nil {
			claimErr = err
			break
		}
		if job == nil {
			break
		}

		idx := claimed
		claimed++
		g.Go(func() error {
			out, err := p.runJob(gctx, job)
			outcomes[idx] = out
			return err
		})
	}

	waitErr := g.Wait()
	result := &BatchResult{Processed: claimed, Reclaimed: reclaimed, Jobs: outcomes[:claimed]}
	if waitErr != nil {
		return result, waitErr
	}
	if claimErr != nil {
		return result, fmt.Errorf("failed to claim job: %w", claimErr)
	}
	return result, nil
}

// runJob returns an error only when the job's status could not be recorded
func (p *JobProcessor) runJob(ctx context.Context, job *models.SyncJob) (JobOutcome, error) {
	out := JobOutcome{JobID: job.ID, WebsiteID: job.WebsiteID, Provider: job.Provider, Status: models.JobStatusProcessing}
	log := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("website_id", job.WebsiteID),
		zap.String("provider", string(job.Provider)),
		zap.String("type", string(job.Type)),
		zap.Int("retry_count", job.RetryCount))

	// status writes outlive a cancelled batch so the job is not left processing
	storeCtx := context.WithoutCancel(ctx)

	res, syncErr := p.execute(ctx, job)
	if syncErr == nil {
		if err := p.jobs.MarkCompleted(storeCtx, job.ID, res); err != nil {
			return out, fmt.Errorf("failed to complete job %s: %w", job.ID, err)
		}
		if job.Type == models.JobTypeCron {
			p.advanceSchedule(storeCtx, job, log)
		}
		p.stats.JobFinished(storeCtx, job.Provider, models.JobStatusCompleted)
		p.stats.SyncFinished(storeCtx, job.Provider, res)

		log.Info("job completed", zap.Int("synced", res.Synced), zap.Int("errors", res.Errors))
		out.Status = models.JobStatusCompleted
		out.Result = &res
		return out, nil
	}

	if ctx.Err() != nil {
		// the pass was cancelled, not the provider call; the attempt is not charged
		if err := p.jobs.Release(storeCtx, job.ID, "processing interrupted: "+syncErr.Error()); err != nil {
			return out, fmt.Errorf("failed to release job %s: %w", job.ID, err)
		}
		log.Warn("processing interrupted, job released", zap.Error(syncErr))
		out.Status = models.JobStatusPending
		out.Error = "processing interrupted"
		return out, nil
	}

	out.Error = UserMessage(syncErr)
	if errors.Is(syncErr, ErrSyncCancelled) {
		if current, err := p.jobs.GetByID(storeCtx, job.ID); err == nil && current.Status.Terminal() {
			log.Info("provider disconnected during sync", zap.String("status", string(current.Status)))
			out.Status = current.Status
			return out, nil
		}
	}
	if IsTerminal(syncErr) || !job.CanRetry() {
		return p.fail(storeCtx, job, out, syncErr, log)
	}

	requeued, err := p.jobs.IncrementRetry(storeCtx, job.ID, syncErr.Error())
	if err != nil {
		if errors.Is(err, repository.ErrRetriesExhausted) {
			return p.fail(storeCtx, job, out, syncErr, log)
		}
		return out, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
	}
	out.Status = requeued.Status
	if requeued.Status != models.JobStatusPending {
		// cancelled while running
		log.Info("job finished elsewhere, not retrying", zap.String("status", string(requeued.Status)))
		return out, nil
	}
	p.stats.JobFinished(storeCtx, job.Provider, models.JobStatusPending)

	log.Warn("job failed, will retry", zap.Error(syncErr))
	return out, nil
}

func (p *JobProcessor) fail(ctx context.Context, job *models.SyncJob, out JobOutcome, syncErr error, log *zap.Logger) (JobOutcome, error) {
	if err := p.jobs.MarkFailed(ctx, job.ID, syncErr.Error()); err != nil {
		return out, fmt.Errorf("failed to fail job %s: %w", job.ID, err)
	}
	p.stats.JobFinished(ctx, job.Provider, models.JobStatusFailed)

	log.Error("job failed permanently", zap.Error(syncErr))
	out.Status = models.JobStatusFailed
	return out, nil
}

func (p *JobProcessor) execute(ctx context.Context, job *models.SyncJob) (models.SyncResult, error) {
	website, err := p.websites.GetByID(ctx, job.WebsiteID)
	if err != nil {
		if errors.Is(err, repository.ErrWebsiteNotFound) {
			return models.SyncResult{}, fmt.Errorf("%w: website %s no longer exists", ErrProviderNotConnected, job.WebsiteID)
		}
		return models.SyncResult{}, err
	}
	cfg := website.ProviderConfig(job.Provider)
	if cfg == nil {
		return models.SyncResult{}, fmt.Errorf("%w: %s", ErrProviderNotConnected, job.Provider)
	}
	return p.syncer.SyncPayments(ctx, job.WebsiteID, job.Provider, cfg.APIKey, job.StartDate, job.EndDate)
}

// advanceSchedule moves nextSyncAt forward from the lastSyncAt the sync just wrote.
// Failure is logged only: the tenant is picked up again on the next enqueue pass.
func (p *JobProcessor) advanceSchedule(ctx context.Context, job *models.SyncJob, log *zap.Logger) {
	website, err := p.websites.GetByID(ctx, job.WebsiteID)
	if err != nil {
		log.Warn("failed to reload website for scheduling", zap.Error(err))
		return
	}
	cfg := website.ProviderConfig(job.Provider)
	if cfg == nil {
		return
	}

	base := p.now()
	if cfg.LastSyncAt != nil {
		base = *cfg.LastSyncAt
	}
	next := cfg.NextSyncFrom(base)
	if err := p.websites.SetNextSyncAt(ctx, job.WebsiteID, job.Provider, next); err != nil {
		log.Warn("failed to advance nextSyncAt", zap.Error(err))
		return
	}
	log.Debug("schedule advanced", zap.Time("next_sync_at", next))
}
