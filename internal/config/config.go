package config

import "time"

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Log      LogConfig      `mapstructure:"log" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker" validate:"required"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// DatabaseConfig contains connection settings for the Postgres queue store.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// WorkerConfig holds the knobs for the claim loop, lease upkeep, recovery
// sweep and audit retention.
type WorkerConfig struct {
	// ID identifies this worker process in logs. Defaults to hostname plus a random suffix.
	ID          string `mapstructure:"id"`
	Concurrency int    `mapstructure:"concurrency" validate:"gte=1"`

	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	LeaseDuration     time.Duration `mapstructure:"lease_duration" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0,ltfield=LeaseDuration"`

	RecoveryInterval  time.Duration `mapstructure:"recovery_interval" validate:"gt=0"`
	RecoveryBatchSize int           `mapstructure:"recovery_batch_size" validate:"gte=1"`

	BackoffBase time.Duration `mapstructure:"backoff_base" validate:"gte=0"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffBase"`

	DefaultKindConcurrency int                      `mapstructure:"default_kind_concurrency" validate:"gte=1"`
	KindConcurrency        map[string]int           `mapstructure:"kind_concurrency" validate:"dive,gte=1"`
	DefaultKindMinInterval time.Duration            `mapstructure:"default_kind_min_interval" validate:"gte=0"`
	KindMinInterval        map[string]time.Duration `mapstructure:"kind_min_interval" validate:"dive,gte=0"`

	// JobKinds restricts claiming to these kinds. Empty means every kind.
	JobKinds []string `mapstructure:"job_kinds"`

	AuditRetentionDays int           `mapstructure:"audit_retention_days" validate:"gte=0"`
	PruneInterval      time.Duration `mapstructure:"prune_interval" validate:"gt=0"`
	PruneBatchSize     int           `mapstructure:"prune_batch_size" validate:"gte=1,lte=10000"`
}

// MetricsConfig controls the operational HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}
