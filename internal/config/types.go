package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as a string such as "1m30s".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// ManagerConfig configures the task manager and its executor.
type ManagerConfig struct {
	MaxConcurrentTasks int      `json:"max_concurrent_tasks" mapstructure:"max_concurrent_tasks" env:"MAX_CONCURRENT_TASKS" validate:"gte=1"`
	DispatchInterval   Duration `json:"dispatch_interval" mapstructure:"dispatch_interval" env:"DISPATCH_INTERVAL" validate:"gt=0"`
	DefaultMaxRetries  int      `json:"default_max_retries" mapstructure:"default_max_retries" env:"DEFAULT_MAX_RETRIES" validate:"gte=0"`
	DefaultTimeout     Duration `json:"default_timeout" mapstructure:"default_timeout" env:"DEFAULT_TIMEOUT" validate:"gte=0"`
	StatsInterval      Duration `json:"stats_interval" mapstructure:"stats_interval" env:"STATS_INTERVAL" validate:"gte=0"`
	BreakerFailures    int      `json:"breaker_failures" mapstructure:"breaker_failures" env:"BREAKER_FAILURES" validate:"gte=0"`
	BreakerTimeout     Duration `json:"breaker_timeout" mapstructure:"breaker_timeout" env:"BREAKER_TIMEOUT" validate:"gte=0"`
}

// SchedulerConfig configures scoring, promotion and retry backoff.
type SchedulerConfig struct {
	CheckInterval     Duration `json:"check_interval" mapstructure:"check_interval" env:"CHECK_INTERVAL" validate:"gt=0"`
	MaxConcurrency    int      `json:"max_concurrency" mapstructure:"max_concurrency" env:"MAX_CONCURRENCY" validate:"gte=1"`
	Lookahead         Duration `json:"lookahead" mapstructure:"lookahead" env:"LOOKAHEAD" validate:"gte=0"`
	DependencyFactor  float64  `json:"dependency_factor" mapstructure:"dependency_factor" env:"DEPENDENCY_FACTOR" validate:"gt=0"`
	WaitTimeUnit      Duration `json:"wait_time_unit" mapstructure:"wait_time_unit" env:"WAIT_TIME_UNIT" validate:"gt=0"`
	InitialBackoff    Duration `json:"initial_backoff" mapstructure:"initial_backoff" env:"INITIAL_BACKOFF" validate:"gt=0"`
	BackoffMultiplier float64  `json:"backoff_multiplier" mapstructure:"backoff_multiplier" env:"BACKOFF_MULTIPLIER" validate:"gte=1"`
	MaxBackoff        Duration `json:"max_backoff" mapstructure:"max_backoff" env:"MAX_BACKOFF" validate:"gtefield=InitialBackoff"`
}

// ThresholdConfig holds alert thresholds in percent.
type ThresholdConfig struct {
	CPU    float64 `json:"cpu" mapstructure:"cpu" env:"CPU" validate:"gt=0,lte=100"`
	Memory float64 `json:"memory" mapstructure:"memory" env:"MEMORY" validate:"gt=0,lte=100"`
	Disk   float64 `json:"disk" mapstructure:"disk" env:"DISK" validate:"gt=0,lte=100"`
	IOWait float64 `json:"io_wait" mapstructure:"io_wait" env:"IO_WAIT" validate:"gt=0,lte=100"`
}

// MonitorConfig configures resource sampling.
type MonitorConfig struct {
	CheckInterval    Duration        `json:"check_interval" mapstructure:"check_interval" env:"CHECK_INTERVAL" validate:"gt=0"`
	HistorySize      int             `json:"history_size" mapstructure:"history_size" env:"HISTORY_SIZE" validate:"gte=1"`
	AlertHistorySize int             `json:"alert_history_size" mapstructure:"alert_history_size" env:"ALERT_HISTORY_SIZE" validate:"gte=1"`
	DiskPath         string          `json:"disk_path" mapstructure:"disk_path" env:"DISK_PATH" validate:"required"`
	Thresholds       ThresholdConfig `json:"thresholds" mapstructure:"thresholds" envPrefix:"THRESHOLD_"`
}

// Storage drivers.
const (
	StorageNone   = "none"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

// StorageConfig selects where task snapshots are recorded.
type StorageConfig struct {
	Driver        string `json:"driver" mapstructure:"driver" env:"DRIVER" validate:"oneof=none sqlite redis"`
	SQLitePath    string `json:"sqlite_path" mapstructure:"sqlite_path" env:"SQLITE_PATH" validate:"required_if=Driver sqlite"`
	RedisAddr     string `json:"redis_addr" mapstructure:"redis_addr" env:"REDIS_ADDR" validate:"required_if=Driver redis"`
	RedisPassword string `json:"redis_password,omitempty" mapstructure:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `json:"redis_db" mapstructure:"redis_db" env:"REDIS_DB" validate:"gte=0"`
	RedisPrefix   string `json:"redis_prefix" mapstructure:"redis_prefix" env:"REDIS_PREFIX"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string   `json:"addr" mapstructure:"addr" env:"ADDR" validate:"required"`
	SubmitRate      float64  `json:"submit_rate" mapstructure:"submit_rate" env:"SUBMIT_RATE" validate:"gte=0"`
	SubmitBurst     int      `json:"submit_burst" mapstructure:"submit_burst" env:"SUBMIT_BURST" validate:"gte=0"`
	ShutdownTimeout Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level" env:"LEVEL" validate:"oneof=trace debug info warn error"`
	Format string `json:"format" mapstructure:"format" env:"FORMAT" validate:"oneof=json console"`
}

// Config is the top-level configuration.
type Config struct {
	Manager   ManagerConfig   `json:"manager" mapstructure:"manager" envPrefix:"MANAGER_"`
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler" envPrefix:"SCHEDULER_"`
	Monitor   MonitorConfig   `json:"monitor" mapstructure:"monitor" envPrefix:"MONITOR_"`
	Storage   StorageConfig   `json:"storage" mapstructure:"storage" envPrefix:"STORAGE_"`
	Server    ServerConfig    `json:"server" mapstructure:"server" envPrefix:"SERVER_"`
	Log       LogConfig       `json:"log" mapstructure:"log" envPrefix:"LOG_"`
}
