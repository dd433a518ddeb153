package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/phrazzld/taskq/internal/platform/postgres/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the queue schema",
	}

	cmd.AddCommand(
		migrateSubcommand("up", "Apply all pending migrations", migrations.Up),
		migrateSubcommand("down", "Roll back the most recent migration", migrations.Down),
		migrateSubcommand("status", "Show the state of every migration", migrations.Status),
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd, func(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
					version, err := migrations.Version(ctx, db, logger)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(cmd.OutOrStdout(), version)
					return err
				})
			},
		},
	)
	return cmd
}

func migrateSubcommand(
	name string,
	short string,
	fn func(ctx context.Context, db *sql.DB, logger *slog.Logger) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd, func(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
				logger.Info("running migrations", slog.String("command", name))
				if err := fn(ctx, db, logger); err != nil {
					return err
				}
				logger.Info("migrations finished", slog.String("command", name))
				return nil
			})
		},
	}
}

// withDatabase loads configuration, opens the database and calls fn.
func withDatabase(cmd *cobra.Command, fn func(ctx context.Context, db *sql.DB, logger *slog.Logger) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := background(cmd)
	db, err := setupAppDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close database connection", slog.String("error", err.Error()))
		}
	}()

	return fn(ctx, db, logger)
}
