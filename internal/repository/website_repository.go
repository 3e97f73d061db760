package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/revsync-worker/internal/models"
	"gorm.io/gorm"
)

var ErrWebsiteNotFound = errors.New("website not found")

// payment_providers is a jsonb object keyed by provider. Partial writes go
// through jsonb_set so writers touching different keys never clobber each other.
type WebsiteRepository struct {
	db *gorm.DB
}

func NewWebsiteRepository(db *gorm.DB) *WebsiteRepository {
	return &WebsiteRepository{db: db}
}

// GetByID retrieves website by ID
func (r *WebsiteRepository) GetByID(ctx context.Context, websiteID string) (*models.Website, error) {
	var website models.Website
	result := r.db.WithContext(ctx).First(&website, "id = ?", websiteID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrWebsiteNotFound
		}
		return nil, fmt.Errorf("failed to get website: %w", result.Error)
	}
	return &website, nil
}

const connectedClause = `coalesce(payment_providers -> ?::text ->> 'apiKey', '') <> ''
	AND coalesce((payment_providers -> ?::text ->> 'enabled')::boolean, false)`

// ListDue returns websites with an enabled, non-realtime provider whose
// nextSyncAt is unset or not after now
func (r *WebsiteRepository) ListDue(ctx context.Context, provider models.Provider, now time.Time) ([]models.Website, error) {
	var websites []models.Website
	result := r.db.WithContext(ctx).
		Where(connectedClause, provider, provider).
		Where("coalesce(payment_providers -> ?::text ->> 'frequency', ?) <> ?",
			provider, models.DefaultFrequency, models.FrequencyRealtime).
		Where("((payment_providers -> ?::text ->> 'nextSyncAt') IS NULL OR (payment_providers -> ?::text ->> 'nextSyncAt')::timestamptz <= ?)",
			provider, provider, now.UTC()).
		Order("id ASC").
		Find(&websites)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list due websites: %w", result.Error)
	}
	return websites, nil
}

// ListRealtime returns websites with an enabled provider on realtime frequency
func (r *WebsiteRepository) ListRealtime(ctx context.Context, provider models.Provider) ([]models.Website, error) {
	var websites []models.Website
	result := r.db.WithContext(ctx).
		Where(connectedClause, provider, provider).
		Where("payment_providers -> ?::text ->> 'frequency' = ?", provider, models.FrequencyRealtime).
		Order("id ASC").
		Find(&websites)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list realtime websites: %w", result.Error)
	}
	return websites, nil
}

// SetProviderConfig writes the whole config block for one provider
func (r *WebsiteRepository) SetProviderConfig(ctx context.Context, websiteID string, provider models.Provider, cfg models.ProviderSyncConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode provider config: %w", err)
	}
	return r.exec(ctx, websiteID,
		`UPDATE website
		SET payment_providers = jsonb_set(coalesce(payment_providers, '{}'::jsonb), ARRAY[?::text], ?::jsonb, true),
			updated_at = ?
		WHERE id = ?`,
		provider, string(raw), time.Now().UTC(), websiteID)
}

// RemoveProvider drops the provider block, credential included
func (r *WebsiteRepository) RemoveProvider(ctx context.Context, websiteID string, provider models.Provider) error {
	return r.exec(ctx, websiteID,
		`UPDATE website
		SET payment_providers = coalesce(payment_providers, '{}'::jsonb) - ?::text,
			updated_at = ?
		WHERE id = ?`,
		provider, time.Now().UTC(), websiteID)
}

// SetLastSyncAt records a completed sync. A provider removed in the meantime is left removed.
func (r *WebsiteRepository) SetLastSyncAt(ctx context.Context, websiteID string, provider models.Provider, at time.Time) error {
	return r.setTimestamp(ctx, websiteID, provider, "lastSyncAt", at)
}

// SetNextSyncAt schedules the next cron sync
func (r *WebsiteRepository) SetNextSyncAt(ctx context.Context, websiteID string, provider models.Provider, at time.Time) error {
	return r.setTimestamp(ctx, websiteID, provider, "nextSyncAt", at)
}

func (r *WebsiteRepository) setTimestamp(ctx context.Context, websiteID string, provider models.Provider, key string, at time.Time) error {
	return r.exec(ctx, websiteID,
		`UPDATE website
		SET payment_providers = jsonb_set(payment_providers, ARRAY[?::text, ?::text], to_jsonb(?::text), true),
			updated_at = ?
		WHERE id = ?`,
		provider, key, at.UTC().Format(time.RFC3339Nano), time.Now().UTC(), websiteID)
}

func (r *WebsiteRepository) exec(ctx context.Context, websiteID string, sql string, args ...interface{}) error {
	result := r.db.WithContext(ctx).Exec(sql, args...)
	if result.Error != nil {
		return fmt.Errorf("failed to update website %s: %w", websiteID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrWebsiteNotFound
	}
	return nil
}
