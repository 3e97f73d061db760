package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/vipul43/revsync-worker/internal/config"
	"github.com/vipul43/revsync-worker/internal/database"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *database.DB) error {
				if err := database.RunMigrations(db); err != nil {
					return err
				}
				fmt.Println("Migrations completed successfully")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (default 1 step)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}
			return withDB(func(db *database.DB) error {
				if err := database.RollbackMigrations(db, steps); err != nil {
					return err
				}
				fmt.Printf("Rolled back %d migration(s)\n", steps)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *database.DB) error {
				version, dirty, err := database.MigrationVersion(db)
				if err != nil {
					return err
				}
				fmt.Printf("version: %d dirty: %t\n", version, dirty)
				return nil
			})
		},
	})

	return cmd
}

func withDB(fn func(db *database.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func processCmd() *cobra.Command {
	var batchSize, maxConcurrent int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one processing pass over the job queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), func(ctx context.Context, a *app) (interface{}, error) {
				if batchSize <= 0 {
					batchSize = a.cfg.BatchSize
				}
				if maxConcurrent <= 0 {
					maxConcurrent = a.cfg.MaxConcurrency
				}
				return a.processor.ProcessBatch(ctx, batchSize, maxConcurrent)
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "jobs to claim (default from SYNC_BATCH_SIZE)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "jobs to run at once (default from SYNC_MAX_CONCURRENCY)")
	return cmd
}

func enqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue",
		Short: "Queue sync jobs for every tenant that is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), func(ctx context.Context, a *app) (interface{}, error) {
				return a.scheduler.EnqueueDue(ctx)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-realtime",
		Short: "Sync the trailing window for every realtime tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), func(ctx context.Context, a *app) (interface{}, error) {
				return a.scheduler.SweepRealtime(ctx, a.cfg.MaxConcurrency)
			})
		},
	}
}

// runOnce wires the app, runs fn, prints its result as JSON and waits for
// any background work fn started
func runOnce(ctx context.Context, fn func(ctx context.Context, a *app) (interface{}, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := fn(ctx, a)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return a.background.Wait(ctx)
}
