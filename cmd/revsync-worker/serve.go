package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vipul43/revsync-worker/internal/api"
	"github.com/vipul43/revsync-worker/internal/watcher"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	var withWatcher bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, optionally with the local cron watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(withWatcher)
		},
	}
	cmd.Flags().BoolVar(&withWatcher, "watch", false, "run enqueue, realtime and process passes on a ticker")
	return cmd
}

func runServe(withWatcher bool) error {
	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(api.Deps{
		Processor:   a.processor,
		Scheduler:   a.scheduler,
		Connections: a.sync,
		Jobs:        a.jobs,
		Stats:       a.stats,
		Health:      a.db.Ping,
	}, api.Options{
		CronSecret:     a.cfg.CronSecret,
		BatchSize:      a.cfg.BatchSize,
		MaxConcurrency: a.cfg.MaxConcurrency,
		ProcessTimeout: time.Duration(a.cfg.BackgroundTimeout) * time.Second,
	}, a.logger)

	httpServer := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if withWatcher {
		w := watcher.New(watcher.Config{
			PollInterval:   time.Duration(a.cfg.PollInterval) * time.Second,
			BatchSize:      a.cfg.BatchSize,
			MaxConcurrency: a.cfg.MaxConcurrency,
		}, a.scheduler, a.processor, a.logger)
		go func() {
			if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- err
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		a.logger.Info("shutdown signal received")
	case err := <-errChan:
		a.logger.Error("worker stopped", zap.Error(err))
		cancel()
		return err
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := a.background.Wait(shutdownCtx); err != nil {
		a.logger.Warn("shutdown timeout exceeded, background tasks abandoned", zap.Error(err))
	}

	a.logger.Info("application stopped")
	return nil
}
