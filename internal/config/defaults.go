package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Manager: ManagerConfig{
			MaxConcurrentTasks: 10,
			DispatchInterval:   Duration(100 * time.Millisecond),
			DefaultMaxRetries:  3,
			StatsInterval:      Duration(10 * time.Second),
			BreakerTimeout:     Duration(30 * time.Second),
		},
		Scheduler: SchedulerConfig{
			CheckInterval:     Duration(time.Second),
			MaxConcurrency:    10,
			Lookahead:         Duration(60 * time.Second),
			DependencyFactor:  1.1,
			WaitTimeUnit:      Duration(60 * time.Second),
			InitialBackoff:    Duration(2 * time.Second),
			BackoffMultiplier: 2,
			MaxBackoff:        Duration(time.Hour),
		},
		Monitor: MonitorConfig{
			CheckInterval:    Duration(5 * time.Second),
			HistorySize:      60,
			AlertHistorySize: 60,
			DiskPath:         "/",
			Thresholds: ThresholdConfig{
				CPU:    80,
				Memory: 80,
				Disk:   90,
				IOWait: 30,
			},
		},
		Storage: StorageConfig{
			Driver:      StorageSQLite,
			SQLitePath:  ".taskd/taskd.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "taskd",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
