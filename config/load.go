package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/loomworks/loom/errors"
)

// Load reads Loom configuration: defaults, then an optional loom.toml
// (working directory or $LOOM_CONFIG), then environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path := configPath(); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			// Missing file is fine - env/defaults still apply
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(errors.Unwrap(err)) {
				return nil, errors.Wrapf(err, "failed to read config file %s", path)
			}
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	applyQueueConcurrencyEnv(&cfg)
	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", path)
	}

	applyQueueConcurrencyEnv(&cfg)
	return &cfg, nil
}

// SetDefaults installs default values on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("database.path", "loom.db")

	v.SetDefault("workers.shutdown_deadline_seconds", 30)
	v.SetDefault("workers.heartbeat_seconds", 15)

	v.SetDefault("scheduler.lock_ttl_seconds", 3600)
	v.SetDefault("scheduler.history_limit", 100)
	v.SetDefault("scheduler.history_ttl_hours", 168)
	v.SetDefault("scheduler.retention_days", 90)
	v.SetDefault("scheduler.execution_records", true)

	v.SetDefault("scaler.evaluate_interval_seconds", 30)
	v.SetDefault("scaler.min_workers", 1)
	v.SetDefault("scaler.max_workers", 10)
	v.SetDefault("scaler.scale_up_threshold", 50)
	v.SetDefault("scaler.scale_down_threshold", 5)
	v.SetDefault("scaler.cooldown_seconds", 60)
	v.SetDefault("scaler.step", 1)

	v.SetDefault("alerter.window_seconds", 300)
	v.SetDefault("alerter.max_failures", 5)

	v.SetDefault("recovery.batch_size", 50)
	v.SetDefault("recovery.retention_hours", 168)

	v.SetDefault("server.port", 8780)
}

// bindEnv wires the environment variable names the platform documents.
func bindEnv(v *viper.Viper) {
	v.BindEnv("redis.url", "REDIS_URL")
	v.BindEnv("recovery.retention_hours", "BACKUP_RETENTION_DAYS") // days converted below via env read
	v.BindEnv("admin.notification_channel", "ADMIN_NOTIFICATION_CHANNEL")
	v.BindEnv("admin.organization_id", "ADMIN_ORGANIZATION_ID")
	v.BindEnv("workers.shutdown_deadline_seconds", "SHUTDOWN_DEADLINE_SECONDS")

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// BACKUP_RETENTION_DAYS is documented in days; recovery retention is
	// stored in hours.
	if days := os.Getenv("BACKUP_RETENTION_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			v.Set("recovery.retention_hours", n*24)
		}
	}
}

// applyQueueConcurrencyEnv folds QUEUE_<NAME>_CONCURRENCY env vars into
// the per-queue concurrency override map. Queue names with dashes use
// underscores in the env var (QUEUE_SCHEDULED_TASKS_CONCURRENCY).
func applyQueueConcurrencyEnv(cfg *Config) {
	for _, entry := range os.Environ() {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, "QUEUE_") || !strings.HasSuffix(name, "_CONCURRENCY") {
			continue
		}
		queue := strings.TrimSuffix(strings.TrimPrefix(name, "QUEUE_"), "_CONCURRENCY")
		queue = strings.ToLower(strings.ReplaceAll(queue, "_", "-"))
		if queue == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			continue
		}
		if cfg.Queues.Concurrency == nil {
			cfg.Queues.Concurrency = make(map[string]int)
		}
		cfg.Queues.Concurrency[queue] = n
	}
}

// Path returns the config file in effect, if any. Callers use it to
// set up hot-reload watching.
func Path() string { return configPath() }

// configPath returns the config file to load, if any.
func configPath() string {
	if p := os.Getenv("LOOM_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("loom.toml"); err == nil {
		return filepath.Clean("loom.toml")
	}
	return ""
}
