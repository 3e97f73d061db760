package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProcessTrigger interface for kicking off a processing pass without waiting on it
type ProcessTrigger interface {
	TriggerProcessing(ctx context.Context) error
}

// Background runs detached tasks whose failures are logged, never dropped.
// The request that spawned a task does not wait for it; Wait lets shutdown drain them.
type Background struct {
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewBackground(logger *zap.Logger, timeout time.Duration) *Background {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Background{logger: logger, timeout: timeout}
}

// Go runs fn in its own goroutine with a context detached from parent's cancellation
func (b *Background) Go(parent context.Context, name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), b.timeout)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("background task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()

		start := time.Now()
		if err := fn(ctx); err != nil {
			b.logger.Error("background task failed",
				zap.String("task", name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return
		}
		b.logger.Debug("background task finished", zap.String("task", name), zap.Duration("elapsed", time.Since(start)))
	}()
}

// Wait blocks until running tasks finish or ctx is done
func (b *Background) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FireTrigger submits a processing pass to the background runner
func (b *Background) FireTrigger(ctx context.Context, trigger ProcessTrigger) {
	if trigger == nil {
		return
	}
	b.Go(ctx, "process-trigger", trigger.TriggerProcessing)
}

// InProcessTrigger runs a batch on the local JobProcessor. It is created
// before the processor exists and bound once wiring is complete.
type InProcessTrigger struct {
	processor      *JobProcessor
	batchSize      int
	maxConcurrency int
}

func NewInProcessTrigger(batchSize, maxConcurrency int) *InProcessTrigger {
	return &InProcessTrigger{batchSize: batchSize, maxConcurrency: maxConcurrency}
}

func (t *InProcessTrigger) Bind(processor *JobProcessor) {
	t.processor = processor
}

func (t *InProcessTrigger) TriggerProcessing(ctx context.Context) error {
	if t.processor == nil {
		return errors.New("in-process trigger has no processor")
	}
	_, err := t.processor.ProcessBatch(ctx, t.batchSize, t.maxConcurrency)
	return err
}
