package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/phrazzld/taskq/internal/config"
	"github.com/phrazzld/taskq/internal/platform/logger"
)

// newRootCmd builds the command tree. Configuration is read from the file
// given by --config, TASKQ_* environment variables and flags, in increasing
// order of precedence.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "taskq",
		Short:        "Persistent task queue worker backed by Postgres",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("database-url", "", "Postgres connection URL (overrides TASKQ_DATABASE_URL)")
	flags.String("log-level", "info", "log level: debug | info | warn | error")
	flags.String("log-format", "json", "log format: json | text")

	root.AddCommand(newWorkerCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

// loadConfig loads configuration with the command's flags applied and sets
// up the default logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	flags := mergedFlags(cmd)
	path, err := flags.GetString("config")
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.LoadWithFlags(path, flags)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	return cfg, log, nil
}

// mergedFlags returns the command's local and inherited flags as one set.
func mergedFlags(cmd *cobra.Command) *pflag.FlagSet {
	fs := pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
	fs.AddFlagSet(cmd.Flags())
	fs.AddFlagSet(cmd.InheritedFlags())
	return fs
}
