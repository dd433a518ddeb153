package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable key, e.g.
// TASKQ_WORKER_LEASE_DURATION for worker.lease_duration.
const EnvPrefix = "TASKQ"

// FlagKeys maps command line flag names to the configuration keys they
// override. Only flags present in the set given to LoadWithFlags are bound.
var FlagKeys = map[string]string{
	"database-url": "database.url",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"worker-id":    "worker.id",
	"concurrency":  "worker.concurrency",
	"job-kinds":    "worker.job_kinds",
	"metrics":      "metrics.enabled",
	"metrics-addr": "metrics.addr",
}

// Load reads configuration from defaults, the optional YAML file at path and
// the environment, in increasing order of precedence, and validates it.
func Load(path string) (*Config, error) {
	return LoadWithFlags(path, nil)
}

// LoadWithFlags is Load with command line flags taking precedence over every
// other source. Flags that were not set on the command line do not override.
func LoadWithFlags(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		kindMapHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = defaultWorkerID()
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.lease_duration", "60s")
	v.SetDefault("worker.heartbeat_interval", "20s")
	v.SetDefault("worker.recovery_interval", "30s")
	v.SetDefault("worker.recovery_batch_size", 100)
	v.SetDefault("worker.backoff_base", "5s")
	v.SetDefault("worker.backoff_max", "5m")
	v.SetDefault("worker.default_kind_concurrency", 1)
	// Maps default to an empty string so the keys stay visible to AutomaticEnv.
	v.SetDefault("worker.kind_concurrency", "")
	v.SetDefault("worker.default_kind_min_interval", "0s")
	v.SetDefault("worker.kind_min_interval", "")
	v.SetDefault("worker.job_kinds", []string{})
	v.SetDefault("worker.audit_retention_days", 30)
	v.SetDefault("worker.prune_interval", "1h")
	v.SetDefault("worker.prune_batch_size", 1000)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
}

// kindMapHookFunc decodes "kind=value,kind2=value2" strings into string-keyed
// maps. Element conversion is left to the remaining hooks.
func kindMapHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Map || to.Key().Kind() != reflect.String {
			return data, nil
		}
		return ParseKindMap(reflect.ValueOf(data).String())
	}
}

// ParseKindMap parses a comma separated list of kind=value pairs.
func ParseKindMap(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, value, ok := strings.Cut(part, "=")
		kind = strings.TrimSpace(kind)
		if !ok || kind == "" {
			return nil, fmt.Errorf("invalid kind map entry %q: want kind=value", part)
		}
		out[kind] = strings.TrimSpace(value)
	}
	return out, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
