package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/taskq/internal/config"
	"github.com/phrazzld/taskq/internal/platform/metrics"
	"github.com/phrazzld/taskq/internal/platform/postgres"
	"github.com/phrazzld/taskq/internal/redact"
	"github.com/phrazzld/taskq/internal/task"
)

// application holds the shared dependencies of the worker process and
// releases them on cleanup.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	taskStore *postgres.PostgresTaskStore
	registry  *task.Registry
	runner    *task.Runner

	promRegistry *prometheus.Registry
}

// newApplication wires the store, executors, runner and metrics around an
// open database.
func newApplication(cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	app.taskStore = postgres.NewPostgresTaskStore(db, logger)

	app.registry = task.NewRegistry()
	if err := registerExecutors(app.registry, logger); err != nil {
		return nil, fmt.Errorf("failed to register executors: %w", err)
	}

	app.runner = task.NewRunner(app.taskStore, app.registry, task.RunnerConfigFromWorker(cfg.Worker), logger)

	if cfg.Metrics.Enabled {
		app.promRegistry = prometheus.NewRegistry()
		app.promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			metrics.NewQueueCollector(app.taskStore, logger),
		)
		app.runner.SetMetrics(metrics.New(app.promRegistry))
	}

	return app, nil
}

// run blocks until ctx is cancelled and the runner has drained.
func (app *application) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.runner.Run(ctx)
	})

	if app.promRegistry != nil {
		router := metrics.NewRouter(app.promRegistry, app.db)
		g.Go(func() error {
			return metrics.Serve(ctx, app.config.Metrics.Addr, router, app.logger)
		})
	}

	return g.Wait()
}

func (app *application) cleanup() {
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database connection", slog.String("error", err.Error()))
		}
	}
}

// setupAppDatabase opens the pgx-backed pool, applies the pool settings and
// verifies connectivity.
func setupAppDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %s", redact.URL(cfg.URL), redact.Error(err))
	}

	logger.Info("database connection established",
		slog.String("database", redact.URL(cfg.URL)),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns))
	return db, nil
}
