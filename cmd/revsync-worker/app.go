package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vipul43/revsync-worker/internal/config"
	"github.com/vipul43/revsync-worker/internal/database"
	"github.com/vipul43/revsync-worker/internal/lemonsqueezy"
	"github.com/vipul43/revsync-worker/internal/models"
	"github.com/vipul43/revsync-worker/internal/repository"
	"github.com/vipul43/revsync-worker/internal/service"
	"github.com/vipul43/revsync-worker/internal/stats"
	"github.com/vipul43/revsync-worker/internal/stripe"
	"github.com/vipul43/revsync-worker/internal/trigger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app holds every wired component. Close releases the database and Redis.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	db         *database.DB
	jobs       *repository.SyncJobRepository
	stats      *stats.Recorder
	background *service.Background
	sync       *service.ProviderSyncService
	processor  *service.JobProcessor
	scheduler  *service.Scheduler
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Environment == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// bootstrap loads config, connects to the database and wires the services
func bootstrap(ctx context.Context, migrate bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("database connected")

	if migrate {
		logger.Info("running database migrations")
		if err := database.RunMigrations(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	recorder, err := stats.New(ctx, cfg.RedisURL, logger)
	if err != nil {
		// counters are optional; the queue works without them
		logger.Warn("stats disabled", zap.Error(err))
		recorder, _ = stats.New(ctx, "", logger)
	}

	jobRepo := repository.NewSyncJobRepository(db.DB).WithMaxRetries(cfg.MaxRetries)
	websiteRepo := repository.NewWebsiteRepository(db.DB)
	paymentRepo := repository.NewPaymentRepository(db.DB)
	sessionRepo := repository.NewSessionRepository(db.DB)

	stripeClient := stripe.NewClient()
	if cfg.StripeAPIBaseURL != "" {
		stripeClient = stripe.NewClientWithURL(cfg.StripeAPIBaseURL, nil)
	}
	clients := map[models.Provider]service.ProviderClient{
		models.ProviderStripe:       stripeClient,
		models.ProviderLemonSqueezy: lemonsqueezy.NewClient(cfg.LemonSqueezyBaseURL),
	}

	linker := service.NewAttributionLinker(sessionRepo)
	writer := service.NewPaymentWriter(paymentRepo, linker, logger)
	bg := service.NewBackground(logger, time.Duration(cfg.BackgroundTimeout)*time.Second)

	// The in-process trigger needs the processor, which needs the sync service
	var processTrigger service.ProcessTrigger
	var local *service.InProcessTrigger
	if cfg.ProcessTriggerURL != "" {
		processTrigger = trigger.NewHTTPTrigger(cfg.ProcessTriggerURL, cfg.CronSecret, cfg.BatchSize, cfg.MaxConcurrency)
	} else {
		local = service.NewInProcessTrigger(cfg.BatchSize, cfg.MaxConcurrency)
		processTrigger = local
	}

	syncService := service.NewProviderSyncService(clients, writer, paymentRepo, websiteRepo, jobRepo, processTrigger, bg, logger)
	processor := service.NewJobProcessor(jobRepo, websiteRepo, syncService, recorder, logger,
		time.Duration(cfg.StaleAfter)*time.Minute)
	if local != nil {
		local.Bind(processor)
	}
	scheduler := service.NewScheduler(jobRepo, websiteRepo, syncService, syncService.Providers(), processTrigger, bg, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		jobs:       jobRepo,
		stats:      recorder,
		background: bg,
		sync:       syncService,
		processor:  processor,
		scheduler:  scheduler,
	}, nil
}

func (a *app) Close() {
	if err := a.stats.Close(); err != nil {
		a.logger.Warn("failed to close redis", zap.Error(err))
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}
