package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/revsync-worker/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrJobNotFound      = errors.New("sync job not found")
	ErrRetriesExhausted = errors.New("sync job retries exhausted")
	ErrInvalidJob       = errors.New("invalid sync job")
	// ErrJobAlreadyActive is returned when a cron job is enqueued for a
	// website+provider that already has one pending or processing
	ErrJobAlreadyActive = errors.New("sync job already active")
)

// EnqueueParams describes a new pending job
type EnqueueParams struct {
	WebsiteID  string
	Provider   models.Provider
	Type       models.SyncJobType
	Priority   int
	StartDate  time.Time
	EndDate    time.Time
	SyncRange  string
	MaxRetries int
}

func (p EnqueueParams) validate() error {
	if p.WebsiteID == "" {
		return fmt.Errorf("%w: website id is required", ErrInvalidJob)
	}
	if _, err := models.ParseProvider(string(p.Provider)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if _, err := models.ParseJobType(string(p.Type)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if p.EndDate.Before(p.StartDate) {
		return fmt.Errorf("%w: end date before start date", ErrInvalidJob)
	}
	return nil
}

// ReclaimResult counts stale jobs handled by ReclaimStale
type ReclaimResult struct {
	Requeued int64
	Failed   int64
}

type SyncJobRepository struct {
	db         *gorm.DB
	maxRetries int
}

func NewSyncJobRepository(db *gorm.DB) *SyncJobRepository {
	return &SyncJobRepository{db: db, maxRetries: models.DefaultMaxRetries}
}

// WithMaxRetries sets the retry cap for jobs enqueued without one
func (r *SyncJobRepository) WithMaxRetries(n int) *SyncJobRepository {
	if n > 0 {
		r.maxRetries = n
	}
	return r
}

// Enqueue inserts a pending job. At most one cron job per website+provider
// can be active; a second one fails with ErrJobAlreadyActive.
func (r *SyncJobRepository) Enqueue(ctx context.Context, p EnqueueParams) (*models.SyncJob, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = r.maxRetries
	}
	if p.SyncRange == "" {
		p.SyncRange = models.SyncRangeCustom
	}

	now := time.Now().UTC()
	job := models.SyncJob{
		ID:         uuid.NewString(),
		WebsiteID:  p.WebsiteID,
		Provider:   p.Provider,
		Type:       p.Type,
		Priority:   p.Priority,
		StartDate:  p.StartDate.UTC(),
		EndDate:    p.EndDate.UTC(),
		SyncRange:  p.SyncRange,
		Status:     models.JobStatusPending,
		MaxRetries: p.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.db.WithContext(ctx).Create(&job).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, ErrJobAlreadyActive
		}
		return nil, fmt.Errorf("failed to enqueue sync job: %w", err)
	}
	return &job, nil
}

const dequeueSQL = `
UPDATE sync_job
SET status = ?, started_at = ?, updated_at = ?
WHERE id = (
	SELECT id FROM sync_job
	WHERE status = ?
	ORDER BY priority DESC, created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING *`

// Dequeue claims the highest-priority, oldest pending job.
// Returns nil, nil when the queue is empty.
func (r *SyncJobRepository) Dequeue(ctx context.Context) (*models.SyncJob, error) {
	var job models.SyncJob
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Raw(dequeueSQL, models.JobStatusProcessing, now, now, models.JobStatusPending).
		Scan(&job)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to dequeue sync job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &job, nil
}

// GetByID retrieves a job by ID
func (r *SyncJobRepository) GetByID(ctx context.Context, jobID string) (*models.SyncJob, error) {
	var job models.SyncJob
	result := r.db.WithContext(ctx).First(&job, "id = ?", jobID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get sync job: %w", result.Error)
	}
	return &job, nil
}

// MarkCompleted finishes a processing job with its result
func (r *SyncJobRepository) MarkCompleted(ctx context.Context, jobID string, res models.SyncResult) error {
	now := time.Now().UTC()
	return r.finish(ctx, jobID, map[string]interface{}{
		"status":       models.JobStatusCompleted,
		"result":       res,
		"error":        nil,
		"completed_at": now,
		"updated_at":   now,
	})
}

// MarkFailed finishes a processing job with an error message
func (r *SyncJobRepository) MarkFailed(ctx context.Context, jobID string, msg string) error {
	now := time.Now().UTC()
	return r.finish(ctx, jobID, map[string]interface{}{
		"status":       models.JobStatusFailed,
		"error":        msg,
		"completed_at": now,
		"updated_at":   now,
	})
}

// finish applies a terminal update only while the job is processing.
// A job that is already terminal is left alone.
func (r *SyncJobRepository) finish(ctx context.Context, jobID string, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update sync job: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	job, err := r.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	return fmt.Errorf("sync job %s is %s, not processing", jobID, job.Status)
}

// IncrementRetry puts a processing job back to pending with retry_count+1.
// Returns ErrRetriesExhausted once retry_count has reached max_retries.
// A job that already reached a terminal state (e.g. cancelled) is returned unchanged.
func (r *SyncJobRepository) IncrementRetry(ctx context.Context, jobID string, msg string) (*models.SyncJob, error) {
	var updated []models.SyncJob
	result := r.db.WithContext(ctx).Model(&updated).
		Clauses(clause.Returning{}).
		Where("id = ? AND status = ? AND retry_count < max_retries", jobID, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":      models.JobStatusPending,
			"retry_count": gorm.Expr("retry_count + 1"),
			"error":       msg,
			"started_at":  nil,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to increment retry: %w", result.Error)
	}
	if result.RowsAffected > 0 && len(updated) > 0 {
		return &updated[0], nil
	}

	job, err := r.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch {
	case job.Status.Terminal():
		return job, nil
	case job.Status == models.JobStatusProcessing && !job.CanRetry():
		return job, ErrRetriesExhausted
	}
	return job, fmt.Errorf("sync job %s is %s, not processing", jobID, job.Status)
}

// Release puts a processing job back to pending without charging a retry.
// Used when the processing pass itself was interrupted, not the provider call.
// A job that is no longer processing is left alone.
func (r *SyncJobRepository) Release(ctx context.Context, jobID string, msg string) error {
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.JobStatusPending,
			"error":      msg,
			"started_at": nil,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to release sync job: %w", result.Error)
	}
	return nil
}

// ReclaimStale recovers jobs stuck in processing longer than olderThan,
// e.g. after a worker crash. Jobs with retries left are requeued, the rest fail.
func (r *SyncJobRepository) ReclaimStale(ctx context.Context, olderThan time.Duration) (ReclaimResult, error) {
	var out ReclaimResult
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)
	msg := fmt.Sprintf("reclaimed after %s in processing", olderThan)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		failed := tx.Model(&models.SyncJob{}).
			Where("status = ? AND started_at < ? AND retry_count >= max_retries", models.JobStatusProcessing, cutoff).
			Updates(map[string]interface{}{
				"status":       models.JobStatusFailed,
				"error":        msg,
				"completed_at": now,
				"updated_at":   now,
			})
		if failed.Error != nil {
			return failed.Error
		}
		out.Failed = failed.RowsAffected

		requeued := tx.Model(&models.SyncJob{}).
			Where("status = ? AND started_at < ? AND retry_count < max_retries", models.JobStatusProcessing, cutoff).
			Updates(map[string]interface{}{
				"status":      models.JobStatusPending,
				"retry_count": gorm.Expr("retry_count + 1"),
				"error":       msg,
				"started_at":  nil,
				"updated_at":  now,
			})
		if requeued.Error != nil {
			return requeued.Error
		}
		out.Requeued = requeued.RowsAffected
		return nil
	})
	if err != nil {
		return ReclaimResult{}, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}
	return out, nil
}

// CancelActive cancels pending and processing jobs for a website+provider
func (r *SyncJobRepository) CancelActive(ctx context.Context, websiteID string, provider models.Provider) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("website_id = ? AND provider = ? AND status IN ?", websiteID, provider,
			[]models.SyncJobStatus{models.JobStatusPending, models.JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":       models.JobStatusCancelled,
			"error":        "provider disconnected",
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to cancel active jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// HasActive reports whether a pending or processing job exists for a website+provider
func (r *SyncJobRepository) HasActive(ctx context.Context, websiteID string, provider models.Provider) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("website_id = ? AND provider = ? AND status IN ?", websiteID, provider,
			[]models.SyncJobStatus{models.JobStatusPending, models.JobStatusProcessing}).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check active jobs: %w", result.Error)
	}
	return count > 0, nil
}

// CountByStatus returns the number of jobs per status
func (r *SyncJobRepository) CountByStatus(ctx context.Context) (map[models.SyncJobStatus]int64, error) {
	var rows []struct {
		Status models.SyncJobStatus
		Count  int64
	}
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", result.Error)
	}

	counts := make(map[models.SyncJobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
