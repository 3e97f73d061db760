package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vipul43/revsync-worker/internal/models"
	"github.com/vipul43/revsync-worker/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type EnqueueResult struct {
	Enqueued int      `json:"enqueued"`
	Skipped  int      `json:"skipped"`
	JobIDs   []string `json:"jobIds"`
}

// RealtimeOutcome is one tenant's result from a realtime sweep
type RealtimeOutcome struct {
	WebsiteID string          `json:"websiteId"`
	Provider  models.Provider `json:"provider"`
	Synced    int             `json:"synced"`
	Updated   int             `json:"updated"`
	Skipped   int             `json:"skipped"`
	Ignored   int             `json:"ignored"`
	Errors    int             `json:"errors"`
	Error     string          `json:"error,omitempty"`
}

// Scheduler turns tenant configs into queued work. Cron tenants are queued
// when due; realtime tenants bypass the queue and sync a trailing window.
type Scheduler struct {
	jobs      JobQueue
	websites  WebsiteStore
	syncer    PaymentSyncer
	providers []models.Provider
	trigger   ProcessTrigger
	bg        *Background
	logger    *zap.Logger
	now       func() time.Time
}

func NewScheduler(jobs JobQueue, websites WebsiteStore, syncer PaymentSyncer, providers []models.Provider, trigger ProcessTrigger, bg *Background, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		jobs:      jobs,
		websites:  websites,
		syncer:    syncer,
		providers: providers,
		trigger:   trigger,
		bg:        bg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueDue queues one cron job per due tenant+provider. Tenants that
// already have a pending or processing job are skipped.
func (s *Scheduler) EnqueueDue(ctx context.Context) (*EnqueueResult, error) {
	now := s.now()
	result := &EnqueueResult{JobIDs: []string{}}

	for _, provider := range s.providers {
		websites, err := s.websites.ListDue(ctx, provider, now)
		if err != nil {
			return result, err
		}

		for i := range websites {
			w := &websites[i]
			cfg := w.ProviderConfig(provider)
			if cfg == nil {
				continue
			}

			active, err := s.jobs.HasActive(ctx, w.ID, provider)
			if err != nil {
				return result, err
			}
			if active {
				result.Skipped++
				continue
			}

			start := now.Add(-cfg.Frequency.Interval())
			if cfg.LastSyncAt != nil && cfg.LastSyncAt.Before(start) {
				start = *cfg.LastSyncAt
			}
			job, err := s.jobs.Enqueue(ctx, repository.EnqueueParams{
				WebsiteID: w.ID,
				Provider:  provider,
				Type:      models.JobTypeCron,
				Priority:  models.PriorityCron,
				StartDate: start,
				EndDate:   now,
				SyncRange: models.SyncRangeCron,
			})
			if errors.Is(err, repository.ErrJobAlreadyActive) {
				// a concurrent pass got there first
				result.Skipped++
				continue
			}
			if err != nil {
				return result, err
			}
			result.Enqueued++
			result.JobIDs = append(result.JobIDs, job.ID)
		}
	}

	s.logger.Info("enqueue pass finished",
		zap.Int("enqueued", result.Enqueued),
		zap.Int("skipped", result.Skipped))

	if result.Enqueued > 0 {
		s.bg.FireTrigger(ctx, s.trigger)
	}
	return result, nil
}

// SweepRealtime syncs the trailing window for every realtime tenant.
// A tenant's failure is reported in its outcome and never stops the sweep.
func (s *Scheduler) SweepRealtime(ctx context.Context, maxConcurrency int) ([]RealtimeOutcome, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	end := s.now()
	start := end.Add(-models.RealtimeWindow)

	var (
		mu       sync.Mutex
		outcomes = []RealtimeOutcome{}
	)
	var g errgroup.Group
	g.SetLimit(maxConcurrency)

	for _, provider := range s.providers {
		websites, err := s.websites.ListRealtime(ctx, provider)
		if err != nil {
			_ = g.Wait()
			return outcomes, err
		}

		for i := range websites {
			w := &websites[i]
			cfg := w.ProviderConfig(provider)
			if cfg == nil {
				continue
			}
			websiteID, apiKey, provider := w.ID, cfg.APIKey, provider

			g.Go(func() error {
				res, err := s.syncer.SyncPayments(ctx, websiteID, provider, apiKey, start, end)
				out := RealtimeOutcome{
					WebsiteID: websiteID,
					Provider:  provider,
					Synced:    res.Synced,
					Updated:   res.Updated,
					Skipped:   res.Skipped,
					Ignored:   res.Ignored,
					Errors:    res.Errors,
				}
				if err != nil {
					out.Error = UserMessage(err)
					s.logger.Warn("realtime sync failed",
						zap.String("website_id", websiteID),
						zap.String("provider", string(provider)),
						zap.Error(err))
				}
				mu.Lock()
				outcomes = append(outcomes, out)
				mu.Unlock()
				return nil
			})
		}
	}

	_ = g.Wait()
	return outcomes, nil
}
