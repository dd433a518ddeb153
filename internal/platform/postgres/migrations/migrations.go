// Package migrations embeds the goose SQL migrations of the queue schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

// TableName is the goose version table.
const TableName = "schema_migrations"

// FS holds the SQL migration files.
//
//go:embed *.sql
var FS embed.FS

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	return run(ctx, db, logger, func(ctx context.Context) error {
		return goose.UpContext(ctx, db, ".")
	})
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	return run(ctx, db, logger, func(ctx context.Context) error {
		return goose.DownContext(ctx, db, ".")
	})
}

// Status logs the state of every migration.
func Status(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	return run(ctx, db, logger, func(ctx context.Context) error {
		return goose.StatusContext(ctx, db, ".")
	})
}

// Version returns the current schema version.
func Version(ctx context.Context, db *sql.DB, logger *slog.Logger) (int64, error) {
	var version int64
	err := run(ctx, db, logger, func(ctx context.Context) error {
		v, err := goose.GetDBVersionContext(ctx, db)
		version = v
		return err
	})
	return version, err
}

// goose keeps its configuration in package state.
func run(ctx context.Context, db *sql.DB, logger *slog.Logger, fn func(context.Context) error) error {
	if db == nil {
		return fmt.Errorf("migrations: nil database")
	}
	if logger == nil {
		logger = slog.Default()
	}

	goose.SetBaseFS(FS)
	goose.SetTableName(TableName)
	goose.SetLogger(&gooseLogger{logger: logger.With(slog.String("component", "migrations"))})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := fn(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// gooseLogger adapts slog to goose's Printf-style logger.
type gooseLogger struct {
	logger *slog.Logger
}

func (l *gooseLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l *gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}
