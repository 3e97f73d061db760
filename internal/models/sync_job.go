package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type SyncJobStatus string

const (
	JobStatusPending    SyncJobStatus = "pending"
	JobStatusProcessing SyncJobStatus = "processing"
	JobStatusCompleted  SyncJobStatus = "completed"
	JobStatusFailed     SyncJobStatus = "failed"
	JobStatusCancelled  SyncJobStatus = "cancelled" // provider disconnected while queued or running
)

// jobTransitions lists every legal status change
var jobTransitions = map[SyncJobStatus][]SyncJobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusPending, JobStatusCancelled},
}

// CanTransition reports whether from -> to is allowed
func (s SyncJobStatus) CanTransition(to SyncJobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is final
func (s SyncJobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

func ParseJobStatus(s string) (SyncJobStatus, error) {
	st := SyncJobStatus(s)
	switch st {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status: %q", s)
}

type SyncJobType string

const (
	JobTypeManual SyncJobType = "manual"
	JobTypeCron   SyncJobType = "cron"
)

func ParseJobType(s string) (SyncJobType, error) {
	t := SyncJobType(s)
	switch t {
	case JobTypeManual, JobTypeCron:
		return t, nil
	}
	return "", fmt.Errorf("unknown job type: %q", s)
}

// Sync range tags
const (
	SyncRangeCustom      = "custom"
	SyncRangeRealtime    = "realtime"
	SyncRangeFullHistory = "full_history"
	SyncRangeCron        = "cron"
)

// Queue defaults
const (
	DefaultMaxRetries = 3
	PriorityCron      = 50
	PriorityManual    = 100
)

// SyncResult is the outcome of one provider sync.
// Skipped counts payments already stored unchanged; Ignored counts provider
// objects that are not successful payments (pending, failed, draft).
type SyncResult struct {
	Synced  int `json:"synced"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Ignored int `json:"ignored"`
	Errors  int `json:"errors"`
}

// Add accumulates another result into r
func (r *SyncResult) Add(o SyncResult) {
	r.Synced += o.Synced
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Ignored += o.Ignored
	r.Errors += o.Errors
}

// Value implements driver.Valuer for SyncResult
func (r SyncResult) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner for SyncResult
func (r *SyncResult) Scan(value interface{}) error {
	if value == nil {
		*r = SyncResult{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(raw, r)
}

// SyncJob is one unit of payment sync work for a website and provider
type SyncJob struct {
	ID          string        `gorm:"column:id;primaryKey"`
	WebsiteID   string        `gorm:"column:website_id"`
	Provider    Provider      `gorm:"column:provider"`
	Type        SyncJobType   `gorm:"column:type"`
	Priority    int           `gorm:"column:priority"`
	StartDate   time.Time     `gorm:"column:start_date"`
	EndDate     time.Time     `gorm:"column:end_date"`
	SyncRange   string        `gorm:"column:sync_range"`
	Status      SyncJobStatus `gorm:"column:status"`
	RetryCount  int           `gorm:"column:retry_count"`
	MaxRetries  int           `gorm:"column:max_retries"`
	Result      *SyncResult   `gorm:"column:result;type:jsonb"`
	Error       *string       `gorm:"column:error"`
	CreatedAt   time.Time     `gorm:"column:created_at"`
	StartedAt   *time.Time    `gorm:"column:started_at"`
	CompletedAt *time.Time    `gorm:"column:completed_at"`
	UpdatedAt   time.Time     `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (SyncJob) TableName() string {
	return "sync_job"
}

// CanRetry reports whether another attempt is allowed after a failure
func (j *SyncJob) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}
