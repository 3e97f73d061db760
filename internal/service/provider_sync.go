package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vipul43/revsync-worker/internal/models"
	"github.com/vipul43/revsync-worker/internal/repository"
	"go.uber.org/zap"
)

// connectionCheckEvery is how many provider objects are written between
// checks that the provider is still connected
const connectionCheckEvery = 100

// FetchedPayment is one provider object after mapping.
// Exactly one of Payment, Skip or Err is meaningful.
type FetchedPayment struct {
	ObjectID string
	Payment  PaymentInput // WebsiteID and Provider are filled in by the sync service
	Skip     bool         // not a successful payment (pending, failed, draft)
	Err      error        // object could not be mapped
}

// ProviderClient interface for a payment provider API.
// ListPayments pages through objects whose event time is in [start, end]
// and stops early when visit returns an error.
type ProviderClient interface {
	ValidateAPIKey(ctx context.Context, apiKey string) error
	ListPayments(ctx context.Context, apiKey string, start, end time.Time, visit func(FetchedPayment) error) error
}

// PaymentUpserter interface for the idempotent writer
type PaymentUpserter interface {
	UpsertPayment(ctx context.Context, in PaymentInput) (*UpsertOutcome, error)
}

// PaymentPurger interface for bulk payment removal
type PaymentPurger interface {
	DeleteByWebsiteProvider(ctx context.Context, websiteID string, provider models.Provider) (int64, error)
}

// WebsiteStore interface for tenant records and their provider configs
type WebsiteStore interface {
	GetByID(ctx context.Context, websiteID string) (*models.Website, error)
	ListDue(ctx context.Context, provider models.Provider, now time.Time) ([]models.Website, error)
	ListRealtime(ctx context.Context, provider models.Provider) ([]models.Website, error)
	SetProviderConfig(ctx context.Context, websiteID string, provider models.Provider, cfg models.ProviderSyncConfig) error
	RemoveProvider(ctx context.Context, websiteID string, provider models.Provider) error
	SetLastSyncAt(ctx context.Context, websiteID string, provider models.Provider, at time.Time) error
	SetNextSyncAt(ctx context.Context, websiteID string, provider models.Provider, at time.Time) error
}

// ConfigChange classifies an update to a provider config
type ConfigChange string

const (
	ChangeNone             ConfigChange = "none"
	ChangeAdded            ConfigChange = "added"
	ChangeRemoved          ConfigChange = "removed"
	ChangeKeyRotated       ConfigChange = "key_rotated"
	ChangeFrequencyChanged ConfigChange = "frequency_changed"
)

// TriggersSync reports whether the change needs a full-history sync
func (c ConfigChange) TriggersSync() bool {
	return c == ChangeAdded || c == ChangeKeyRotated
}

type ProviderSyncService struct {
	clients  map[models.Provider]ProviderClient
	writer   PaymentUpserter
	purger   PaymentPurger
	websites WebsiteStore
	jobs     JobQueue
	trigger  ProcessTrigger
	bg       *Background
	logger   *zap.Logger
	now      func() time.Time
}

func NewProviderSyncService(
	clients map[models.Provider]ProviderClient,
	writer PaymentUpserter,
	purger PaymentPurger,
	websites WebsiteStore,
	jobs JobQueue,
	trigger ProcessTrigger,
	bg *Background,
	logger *zap.Logger,
) *ProviderSyncService {
	return &ProviderSyncService{
		clients:  clients,
		writer:   writer,
		purger:   purger,
		websites: websites,
		jobs:     jobs,
		trigger:  trigger,
		bg:       bg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Providers lists providers with a registered client, in stable order
func (s *ProviderSyncService) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(s.clients))
	for p := range s.clients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *ProviderSyncService) client(provider models.Provider) (ProviderClient, error) {
	c, ok := s.clients[provider]
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotSupported, provider)
	}
	return c, nil
}

// ValidateAPIKey does a lightweight round-trip with the provider
func (s *ProviderSyncService) ValidateAPIKey(ctx context.Context, provider models.Provider, apiKey string) error {
	c, err := s.client(provider)
	if err != nil {
		return err
	}
	if strings.TrimSpace(apiKey) == "" {
		return NewCredentialError(provider, 0, errors.New("API key is empty"))
	}
	return c.ValidateAPIKey(ctx, apiKey)
}

// InitializeSyncConfig seeds defaults on first connect
func (s *ProviderSyncService) InitializeSyncConfig(cfg models.ProviderSyncConfig) models.ProviderSyncConfig {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Enabled = true
	if f, err := models.ParseFrequency(string(cfg.Frequency)); err == nil {
		cfg.Frequency = f
	} else {
		cfg.Frequency = models.DefaultFrequency
	}
	if cfg.NextSyncAt == nil {
		now := s.now()
		cfg.NextSyncAt = &now
	}
	return cfg
}

// SyncPayments pulls payments in [start, end] and writes them idempotently.
// Per-object failures are counted in Errors; only provider-level failures
// (auth, rate limit, network) are returned.
//
// The provider connection is re-checked while writing and once more after the
// listing ends. If it was removed mid-sync, the rows this sync wrote are purged
// and ErrSyncCancelled is returned.
func (s *ProviderSyncService) SyncPayments(ctx context.Context, websiteID string, provider models.Provider, apiKey string, start, end time.Time) (models.SyncResult, error) {
	var res models.SyncResult

	c, err := s.client(provider)
	if err != nil {
		return res, err
	}
	if end.Before(start) {
		return res, fmt.Errorf("invalid sync range: end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	log := s.logger.With(
		zap.String("website_id", websiteID),
		zap.String("provider", string(provider)))

	written := 0
	err = c.ListPayments(ctx, apiKey, start, end, func(fp FetchedPayment) error {
		if fp.Err != nil {
			res.Errors++
			log.Warn("failed to map provider object", zap.String("object_id", fp.ObjectID), zap.Error(fp.Err))
			return nil
		}
		if fp.Skip {
			res.Ignored++
			return nil
		}

		if written%connectionCheckEvery == 0 {
			gone, err := s.disconnected(ctx, websiteID, provider)
			if err != nil {
				return err
			}
			if gone {
				return ErrSyncCancelled
			}
		}
		written++

		in := fp.Payment
		in.WebsiteID = websiteID
		in.Provider = provider
		out, err := s.writer.UpsertPayment(ctx, in)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			res.Errors++
			log.Warn("failed to write payment", zap.String("object_id", fp.ObjectID), zap.Error(err))
			return nil
		}

		switch out.Action {
		case UpsertCreated:
			res.Synced++
		case UpsertUpdated:
			res.Updated++
		default:
			res.Skipped++
		}
		return nil
	})

	// a disconnect may have purged while this sync was still writing
	storeCtx := context.WithoutCancel(ctx)
	gone, checkErr := s.disconnected(storeCtx, websiteID, provider)
	if checkErr == nil && gone {
		if _, purgeErr := s.purger.DeleteByWebsiteProvider(storeCtx, websiteID, provider); purgeErr != nil {
			return res, fmt.Errorf("failed to purge %s payments after disconnect: %w", provider, purgeErr)
		}
		log.Info("provider disconnected during sync, payments purged")
		return res, ErrSyncCancelled
	}
	if err != nil {
		return res, fmt.Errorf("failed to sync %s payments: %w", provider, err)
	}
	if checkErr != nil {
		return res, checkErr
	}

	if err := s.websites.SetLastSyncAt(ctx, websiteID, provider, s.now()); err != nil {
		return res, fmt.Errorf("failed to record last sync: %w", err)
	}

	log.Info("sync finished",
		zap.Int("synced", res.Synced),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
		zap.Int("ignored", res.Ignored),
		zap.Int("errors", res.Errors))
	return res, nil
}

// disconnected reports whether the website or its provider config is gone
func (s *ProviderSyncService) disconnected(ctx context.Context, websiteID string, provider models.Provider) (bool, error) {
	website, err := s.websites.GetByID(ctx, websiteID)
	if err != nil {
		if errors.Is(err, repository.ErrWebsiteNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("failed to check %s connection: %w", provider, err)
	}
	return website.ProviderConfig(provider) == nil, nil
}

// HandleProviderRemoval cancels queued work and deletes every payment for
// the website+provider
func (s *ProviderSyncService) HandleProviderRemoval(ctx context.Context, websiteID string, provider models.Provider) error {
	cancelled, err := s.jobs.CancelActive(ctx, websiteID, provider)
	if err != nil {
		return err
	}
	deleted, err := s.purger.DeleteByWebsiteProvider(ctx, websiteID, provider)
	if err != nil {
		return err
	}

	s.logger.Info("provider removed",
		zap.String("website_id", websiteID),
		zap.String("provider", string(provider)),
		zap.Int64("cancelled_jobs", cancelled),
		zap.Int64("deleted_payments", deleted))
	return nil
}

// DetectChanges compares the stored config with an incoming one
func DetectChanges(old, updated *models.ProviderSyncConfig) ConfigChange {
	hadKey, hasKey := old.Connected(), updated.Connected()
	switch {
	case !hadKey && hasKey:
		return ChangeAdded
	case hadKey && !hasKey:
		return ChangeRemoved
	case !hadKey && !hasKey:
		return ChangeNone
	case strings.TrimSpace(old.APIKey) != strings.TrimSpace(updated.APIKey):
		return ChangeKeyRotated
	case normalizedFrequency(old.Frequency) != normalizedFrequency(updated.Frequency):
		return ChangeFrequencyChanged
	}
	return ChangeNone
}

func normalizedFrequency(f models.Frequency) models.Frequency {
	parsed, err := models.ParseFrequency(string(f))
	if err != nil {
		return models.DefaultFrequency
	}
	return parsed
}
