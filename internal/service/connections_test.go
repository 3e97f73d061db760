package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vipul43/revsync-worker/internal/models"
	"github.com/vipul43/revsync-worker/internal/repository"
)

func TestConnectThenDisconnect(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.websites.add("web-1", nil)
	f.client.listFunc = listing(fetched("pi_1"), fetched("pi_2"))

	res, err := f.svc.Connect(ctx, "web-1", models.ProviderStripe, "sk_live_123", "")
	require.NoError(t, err)
	assert.Equal(t, ChangeAdded, res.Change)
	require.NotEmpty(t, res.JobID)

	cfg := f.websites.config("web-1", models.ProviderStripe)
	require.NotNil(t, cfg)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, models.FrequencyDaily, cfg.Frequency)
	assert.NotNil(t, cfg.NextSyncAt)

	job := f.jobs.job(res.JobID)
	assert.Equal(t, models.JobTypeManual, job.Type)
	assert.Equal(t, models.PriorityManual, job.Priority)
	assert.Equal(t, models.SyncRangeFullHistory, job.SyncRange)
	assert.InDelta(t, FullHistoryWindow.Hours(), job.EndDate.Sub(job.StartDate).Hours(), 0.01)

	require.NoError(t, f.bg.Wait(ctx))
	assert.Equal(t, 1, f.trigger.count())

	// the queued job ingests payments before the tenant disconnects
	_, err = f.svc.SyncPayments(ctx, "web-1", models.ProviderStripe, "sk_live_123", job.StartDate, job.EndDate)
	require.NoError(t, err)
	require.Equal(t, 2, f.payments.count())

	require.NoError(t, f.svc.Disconnect(ctx, "web-1", models.ProviderStripe))
	assert.Equal(t, 0, f.payments.count())
	assert.Nil(t, f.websites.config("web-1", models.ProviderStripe))
	active, err := f.jobs.HasActive(ctx, "web-1", models.ProviderStripe)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestConnect_InvalidKeyPersistsNothing(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.websites.add("web-1", nil)
	f.client.validateFunc = func(ctx context.Context, apiKey string) error {
		return NewCredentialError(models.ProviderStripe, 401, errors.New("Invalid API Key provided"))
	}

	_, err := f.svc.Connect(ctx, "web-1", models.ProviderStripe, "sk_wrong", "hourly")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Nil(t, f.websites.config("web-1", models.ProviderStripe))

	counts, _ := f.jobs.CountByStatus(ctx)
	assert.Empty(t, counts)
}

func TestConnect_FrequencyChangeDoesNotSync(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	last := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	f.websites.add("web-1", models.ProviderConfigs{
		models.ProviderStripe: {APIKey: "sk_1", Enabled: true, Frequency: models.FrequencyDaily, LastSyncAt: &last},
	})

	res, err := f.svc.Connect(ctx, "web-1", models.ProviderStripe, "sk_1", "hourly")
	require.NoError(t, err)
	assert.Equal(t, ChangeFrequencyChanged, res.Change)
	assert.Empty(t, res.JobID)

	cfg := f.websites.config("web-1", models.ProviderStripe)
	assert.Equal(t, models.FrequencyHourly, cfg.Frequency)
	assert.Equal(t, last.Add(time.Hour), *cfg.NextSyncAt)

	require.NoError(t, f.bg.Wait(ctx))
	assert.Equal(t, 0, f.trigger.count())
}

func TestConnect_RejectsUnknownFrequency(t *testing.T) {
	f := newSyncFixture(t)
	f.websites.add("web-1", nil)

	_, err := f.svc.Connect(context.Background(), "web-1", models.ProviderStripe, "sk_1", "weekly")
	assert.ErrorIs(t, err, models.ErrUnknownFrequency)
}

func TestConnect_UnknownWebsite(t *testing.T) {
	f := newSyncFixture(t)

	_, err := f.svc.Connect(context.Background(), "missing", models.ProviderStripe, "sk_1", "")
	assert.ErrorIs(t, err, repository.ErrWebsiteNotFound)
	assert.True(t, IsNotFound(err))
}

func TestManualSync(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	fixed := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }
	f.websites.add("web-1", models.ProviderConfigs{models.ProviderStripe: {APIKey: "sk_1", Enabled: true}})

	var gotStart, gotEnd time.Time
	f.client.listFunc = func(ctx context.Context, apiKey string, start, end time.Time, visit func(FetchedPayment) error) error {
		gotStart, gotEnd = start, end
		return visit(fetched("pi_manual"))
	}

	res, err := f.svc.ManualSync(ctx, "web-1", models.ProviderStripe, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, fixed, gotEnd)
	assert.Equal(t, fixed.Add(-DefaultManualWindow), gotStart)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = f.svc.ManualSync(ctx, "web-1", models.ProviderStripe, &start, nil)
	require.NoError(t, err)
	assert.Equal(t, start, gotStart)

	_, err = f.svc.ManualSync(ctx, "web-1", models.ProviderLemonSqueezy, nil, nil)
	assert.ErrorIs(t, err, ErrProviderNotConnected)
}
