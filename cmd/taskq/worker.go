package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/phrazzld/taskq/internal/platform/postgres/migrations"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and execute queued tasks until interrupted",
		RunE:  runWorker,
	}

	flags := cmd.Flags()
	flags.String("worker-id", "", "worker identity in logs (default: hostname plus random suffix)")
	flags.Int("concurrency", 4, "number of tasks executed at once")
	flags.StringSlice("job-kinds", nil, "only claim these job kinds (default: all)")
	flags.Bool("metrics", false, "serve /metrics and /healthz")
	flags.String("metrics-addr", ":9090", "address of the metrics endpoint")
	flags.Bool("migrate", false, "apply pending migrations before starting")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(background(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := setupAppDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}

	migrate, err := cmd.Flags().GetBool("migrate")
	if err != nil {
		return err
	}
	if migrate {
		if err := migrations.Up(ctx, db, logger); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	app, err := newApplication(cfg, logger, db)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer app.cleanup()

	logger.Info("worker starting",
		slog.String("worker_id", cfg.Worker.ID),
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.Any("job_kinds", cfg.Worker.JobKinds),
		slog.Bool("metrics", cfg.Metrics.Enabled))

	if err := app.run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker failed: %w", err)
	}

	logger.Info("worker stopped cleanly")
	return nil
}

// background is the command context, or context.Background when cobra was
// invoked without one.
func background(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
