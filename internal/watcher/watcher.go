package watcher

import (
	"context"
	"time"

	"github.com/vipul43/revsync-worker/internal/service"
	"go.uber.org/zap"
)

// Scheduler queues due work and sweeps realtime tenants
type Scheduler interface {
	EnqueueDue(ctx context.Context) (*service.EnqueueResult, error)
	SweepRealtime(ctx context.Context, maxConcurrency int) ([]service.RealtimeOutcome, error)
}

// Processor drains the queue
type Processor interface {
	ProcessBatch(ctx context.Context, batchSize, maxConcurrency int) (*service.BatchResult, error)
}

type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxConcurrency int
}

// Watcher runs the cron passes on a ticker for deployments without an
// external scheduler
type Watcher struct {
	cfg       Config
	scheduler Scheduler
	processor Processor
	logger    *zap.Logger
}

func New(cfg Config, scheduler Scheduler, processor Processor, logger *zap.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &Watcher{
		cfg:       cfg,
		scheduler: scheduler,
		processor: processor,
		logger:    logger,
	}
}

// Start begins the polling loop and blocks until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("starting watcher", zap.Duration("interval", w.cfg.PollInterval))

	// Pick up work left over from previous runs
	w.Tick(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher shutting down")
			return ctx.Err()
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one enqueue, realtime sweep and processing pass. A failing
// step is logged and the next one still runs.
func (w *Watcher) Tick(ctx context.Context) {
	if res, err := w.scheduler.EnqueueDue(ctx); err != nil {
		w.logger.Error("failed to enqueue due jobs", zap.Error(err))
	} else if res.Enqueued > 0 {
		w.logger.Info("enqueued due jobs", zap.Int("enqueued", res.Enqueued), zap.Int("skipped", res.Skipped))
	}

	if outcomes, err := w.scheduler.SweepRealtime(ctx, w.cfg.MaxConcurrency); err != nil {
		w.logger.Error("realtime sweep failed", zap.Error(err))
	} else if len(outcomes) > 0 {
		w.logger.Info("realtime sweep finished", zap.Int("websites", len(outcomes)))
	}

	res, err := w.processor.ProcessBatch(ctx, w.cfg.BatchSize, w.cfg.MaxConcurrency)
	if err != nil {
		w.logger.Error("failed to process jobs", zap.Error(err))
		return
	}
	if res.Processed > 0 {
		w.logger.Info("processed jobs", zap.Int("processed", res.Processed))
	}
}
