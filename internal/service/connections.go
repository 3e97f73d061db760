package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/revsync-worker/internal/models"
	"github.com/vipul43/revsync-worker/internal/repository"
	"go.uber.org/zap"
)

const (
	// FullHistoryWindow is how far back the sync after a connect reaches
	FullHistoryWindow = 2 * 365 * 24 * time.Hour
	// DefaultManualWindow applies when a manual sync has no explicit start
	DefaultManualWindow = 30 * 24 * time.Hour
)

// ConnectResult describes what a connect request changed
type ConnectResult struct {
	Change ConfigChange               `json:"change"`
	Config *models.ProviderSyncConfig `json:"-"`
	JobID  string                     `json:"jobId,omitempty"`
}

// Connect stores a provider credential and, for a new or rotated key,
// queues a full-history sync that starts in the background
func (s *ProviderSyncService) Connect(ctx context.Context, websiteID string, provider models.Provider, apiKey string, frequency string) (*ConnectResult, error) {
	freq, err := models.ParseFrequency(frequency)
	if err != nil {
		return nil, err
	}
	website, err := s.websites.GetByID(ctx, websiteID)
	if err != nil {
		return nil, err
	}

	current := website.ProviderConfig(provider)
	incoming := &models.ProviderSyncConfig{APIKey: apiKey, Frequency: freq}
	if frequency == "" && current != nil {
		incoming.Frequency = current.Frequency
	}

	change := DetectChanges(current, incoming)
	switch change {
	case ChangeNone:
		return &ConnectResult{Change: change, Config: current}, nil
	case ChangeRemoved:
		return nil, s.Disconnect(ctx, websiteID, provider)
	case ChangeFrequencyChanged:
		return s.changeFrequency(ctx, websiteID, provider, *current, incoming.Frequency)
	}

	if err := s.ValidateAPIKey(ctx, provider, apiKey); err != nil {
		return nil, err
	}

	cfg := s.InitializeSyncConfig(*incoming)
	if err := s.websites.SetProviderConfig(ctx, websiteID, provider, cfg); err != nil {
		return nil, err
	}

	end := s.now()
	job, err := s.jobs.Enqueue(ctx, repository.EnqueueParams{
		WebsiteID: websiteID,
		Provider:  provider,
		Type:      models.JobTypeManual,
		Priority:  models.PriorityManual,
		StartDate: end.Add(-FullHistoryWindow),
		EndDate:   end,
		SyncRange: models.SyncRangeFullHistory,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("provider connected",
		zap.String("website_id", websiteID),
		zap.String("provider", string(provider)),
		zap.String("change", string(change)),
		zap.String("job_id", job.ID))

	s.bg.FireTrigger(ctx, s.trigger)
	return &ConnectResult{Change: change, Config: &cfg, JobID: job.ID}, nil
}

// changeFrequency reschedules without syncing
func (s *ProviderSyncService) changeFrequency(ctx context.Context, websiteID string, provider models.Provider, cfg models.ProviderSyncConfig, freq models.Frequency) (*ConnectResult, error) {
	cfg.Frequency = freq
	next := s.now()
	if cfg.LastSyncAt != nil {
		next = cfg.NextSyncFrom(*cfg.LastSyncAt)
	}
	cfg.NextSyncAt = &next

	if err := s.websites.SetProviderConfig(ctx, websiteID, provider, cfg); err != nil {
		return nil, err
	}
	return &ConnectResult{Change: ChangeFrequencyChanged, Config: &cfg}, nil
}

// Disconnect removes jobs and payments before dropping the credential, so a
// failure part way leaves the key in place for a retry. Payments are purged
// again once the credential is gone: a sync that was mid-write when the first
// purge ran either sees the removal and purges itself, or finished writing
// before the credential was dropped and is caught here.
func (s *ProviderSyncService) Disconnect(ctx context.Context, websiteID string, provider models.Provider) error {
	if _, err := s.websites.GetByID(ctx, websiteID); err != nil {
		return err
	}
	if err := s.HandleProviderRemoval(ctx, websiteID, provider); err != nil {
		return fmt.Errorf("failed to remove %s data: %w", provider, err)
	}
	if err := s.websites.RemoveProvider(ctx, websiteID, provider); err != nil {
		return fmt.Errorf("failed to remove %s credential: %w", provider, err)
	}
	late, err := s.purger.DeleteByWebsiteProvider(ctx, websiteID, provider)
	if err != nil {
		return fmt.Errorf("failed to purge late %s payments: %w", provider, err)
	}
	if late > 0 {
		s.logger.Info("purged payments written during disconnect",
			zap.String("website_id", websiteID),
			zap.String("provider", string(provider)),
			zap.Int64("deleted_payments", late))
	}
	return nil
}

// ManualSync runs a sync synchronously. Nil bounds default to the last 30 days.
func (s *ProviderSyncService) ManualSync(ctx context.Context, websiteID string, provider models.Provider, start, end *time.Time) (models.SyncResult, error) {
	website, err := s.websites.GetByID(ctx, websiteID)
	if err != nil {
		return models.SyncResult{}, err
	}
	cfg := website.ProviderConfig(provider)
	if cfg == nil {
		return models.SyncResult{}, fmt.Errorf("%w: %s", ErrProviderNotConnected, provider)
	}

	to := s.now()
	if end != nil {
		to = end.UTC()
	}
	from := to.Add(-DefaultManualWindow)
	if start != nil {
		from = start.UTC()
	}
	return s.SyncPayments(ctx, websiteID, provider, cfg.APIKey, from, to)
}

// IsNotFound reports errors that mean the website or job does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrWebsiteNotFound) || errors.Is(err, repository.ErrJobNotFound)
}
