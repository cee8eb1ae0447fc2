// Package config loads Loom configuration via viper with environment
// overrides and optional hot-reload of a TOML config file.
package config

// Config represents the core Loom configuration
type Config struct {
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queues    QueuesConfig    `mapstructure:"queues"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Scaler    ScalerConfig    `mapstructure:"scaler"`
	Alerter   AlerterConfig   `mapstructure:"alerter"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Server    ServerConfig    `mapstructure:"server"`
}

// RedisConfig configures the coordination key-value store
type RedisConfig struct {
	URL string `mapstructure:"url"` // e.g. "redis://localhost:6379/0"
}

// DatabaseConfig configures the SQLite execution-record store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// QueuesConfig carries per-queue concurrency overrides keyed by queue
// name. Overrides also arrive via QUEUE_<NAME>_CONCURRENCY env vars.
type QueuesConfig struct {
	Concurrency map[string]int `mapstructure:"concurrency"`
}

// WorkersConfig configures the worker fleet
type WorkersConfig struct {
	ShutdownDeadlineSeconds int `mapstructure:"shutdown_deadline_seconds"` // drain window on Close (default: 30)
	HeartbeatSeconds        int `mapstructure:"heartbeat_seconds"`         // health heartbeat interval (default: 15)
}

// SchedulerConfig configures the distributed cron scheduler
type SchedulerConfig struct {
	LockTTLSeconds   int `mapstructure:"lock_ttl_seconds"`   // cron lease TTL (default: 3600)
	HistoryLimit     int `mapstructure:"history_limit"`      // bounded per-task history (default: 100)
	HistoryTTLHours  int `mapstructure:"history_ttl_hours"`  // history list TTL (default: 168)
	RetentionDays    int `mapstructure:"retention_days"`     // relational execution-record retention
	ExecutionRecords bool `mapstructure:"execution_records"` // write rows to the relational store (default: true)
}

// ScalerConfig configures the worker autoscaler
type ScalerConfig struct {
	EvaluateIntervalSeconds int `mapstructure:"evaluate_interval_seconds"` // default: 30
	MinWorkers              int `mapstructure:"min_workers"`               // default: 1
	MaxWorkers              int `mapstructure:"max_workers"`               // default: 10
	ScaleUpThreshold        int `mapstructure:"scale_up_threshold"`        // default: 50
	ScaleDownThreshold      int `mapstructure:"scale_down_threshold"`      // default: 5
	CooldownSeconds         int `mapstructure:"cooldown_seconds"`          // default: 60
	Step                    int `mapstructure:"step"`                      // default: 1
}

// AlerterConfig configures the per-queue failure alerter
type AlerterConfig struct {
	WindowSeconds int            `mapstructure:"window_seconds"` // sliding window (default: 300)
	MaxFailures   int            `mapstructure:"max_failures"`   // default threshold (default: 5)
	PerQueue      map[string]int `mapstructure:"per_queue"`      // per-queue threshold overrides
}

// RecoveryConfig configures the dead-letter recovery worker
type RecoveryConfig struct {
	BatchSize      int `mapstructure:"batch_size"`      // entries per sweep (default: 50)
	RetentionHours int `mapstructure:"retention_hours"` // dead-letter retention (default: 168)
}

// AdminConfig identifies where operator notifications go
type AdminConfig struct {
	NotificationChannel string `mapstructure:"notification_channel"`
	OrganizationID      string `mapstructure:"organization_id"`
}

// ServerConfig configures the per-tenant progress stream endpoint
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}
