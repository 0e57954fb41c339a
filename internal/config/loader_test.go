package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		global      string // file name; extension selects the format
		globalBody  string
		project     string
		projectBody string
		env         map[string]string
		check       func(t *testing.T, cfg *Config)
		expectError string
	}{
		{
			name: "No config files - returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Manager.MaxConcurrentTasks != 10 {
					t.Errorf("max_concurrent_tasks = %d, want 10", cfg.Manager.MaxConcurrentTasks)
				}
				if cfg.Scheduler.InitialBackoff.Std() != 2*time.Second {
					t.Errorf("initial_backoff = %v, want 2s", cfg.Scheduler.InitialBackoff)
				}
				if cfg.Monitor.Thresholds.Disk != 90 {
					t.Errorf("disk threshold = %v, want 90", cfg.Monitor.Thresholds.Disk)
				}
			},
		},
		{
			name:       "Global only - overrides a section key",
			global:     "global.json",
			globalBody: `{"manager": {"max_concurrent_tasks": 4, "default_timeout": "90s"}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Manager.MaxConcurrentTasks != 4 {
					t.Errorf("max_concurrent_tasks = %d, want 4", cfg.Manager.MaxConcurrentTasks)
				}
				if cfg.Manager.DefaultTimeout.Std() != 90*time.Second {
					t.Errorf("default_timeout = %v, want 90s", cfg.Manager.DefaultTimeout)
				}
				if cfg.Manager.DefaultMaxRetries != 3 {
					t.Errorf("untouched default_max_retries = %d, want 3", cfg.Manager.DefaultMaxRetries)
				}
			},
		},
		{
			name:        "Project YAML overrides global JSON",
			global:      "global.json",
			globalBody:  `{"storage": {"driver": "redis", "redis_addr": "cache:6379"}, "log": {"level": "debug"}}`,
			project:     "project.yaml",
			projectBody: "storage:\n  driver: sqlite\n  sqlite_path: /var/lib/taskd.db\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Storage.Driver != StorageSQLite {
					t.Errorf("driver = %q, want sqlite", cfg.Storage.Driver)
				}
				if cfg.Storage.SQLitePath != "/var/lib/taskd.db" {
					t.Errorf("sqlite_path = %q", cfg.Storage.SQLitePath)
				}
				if cfg.Storage.RedisAddr != "cache:6379" {
					t.Errorf("redis_addr from global lost: %q", cfg.Storage.RedisAddr)
				}
				if cfg.Log.Level != "debug" {
					t.Errorf("log level = %q, want debug", cfg.Log.Level)
				}
			},
		},
		{
			name:        "TOML project file",
			project:     "project.toml",
			projectBody: "[scheduler]\nmax_concurrency = 3\nbackoff_multiplier = 1.5\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Scheduler.MaxConcurrency != 3 {
					t.Errorf("max_concurrency = %d, want 3", cfg.Scheduler.MaxConcurrency)
				}
				if cfg.Scheduler.BackoffMultiplier != 1.5 {
					t.Errorf("backoff_multiplier = %v, want 1.5", cfg.Scheduler.BackoffMultiplier)
				}
			},
		},
		{
			name:        "Environment beats files",
			project:     "project.json",
			projectBody: `{"server": {"addr": ":9000"}}`,
			env: map[string]string{
				"TASKD_SERVER_ADDR":              ":7000",
				"TASKD_MONITOR_THRESHOLD_CPU":    "65",
				"TASKD_SCHEDULER_MAX_BACKOFF":    "10m",
				"TASKD_MANAGER_BREAKER_FAILURES": "5",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.Addr != ":7000" {
					t.Errorf("addr = %q, want :7000", cfg.Server.Addr)
				}
				if cfg.Monitor.Thresholds.CPU != 65 {
					t.Errorf("cpu threshold = %v, want 65", cfg.Monitor.Thresholds.CPU)
				}
				if cfg.Scheduler.MaxBackoff.Std() != 10*time.Minute {
					t.Errorf("max_backoff = %v, want 10m", cfg.Scheduler.MaxBackoff)
				}
				if cfg.Manager.BreakerFailures != 5 {
					t.Errorf("breaker_failures = %d, want 5", cfg.Manager.BreakerFailures)
				}
			},
		},
		{
			name:        "Invalid value fails validation",
			project:     "project.json",
			projectBody: `{"storage": {"driver": "postgres"}}`,
			expectError: "Driver",
		},
		{
			name:        "Bad duration",
			project:     "project.json",
			projectBody: `{"scheduler": {"check_interval": "soon"}}`,
			expectError: "invalid duration",
		},
		{
			name:        "Bad environment value",
			env:         map[string]string{"TASKD_MANAGER_MAX_CONCURRENT_TASKS": "many"},
			expectError: "reading environment",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			var globalPath, projectPath string
			if tt.global != "" {
				globalPath = writeFile(t, tmpDir, tt.global, tt.globalBody)
			}
			if tt.project != "" {
				projectPath = writeFile(t, tmpDir, tt.project, tt.projectBody)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.expectError)
				}
				if !strings.Contains(err.Error(), tt.expectError) {
					t.Fatalf("error %q does not mention %q", err, tt.expectError)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	tmpDir := t.TempDir()
	globalPath := writeFile(t, tmpDir, "global.json", "{invalid json")

	_, err := Load(globalPath, "")
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
	if !strings.Contains(err.Error(), "global") {
		t.Errorf("expected error to name the global config, got: %v", err)
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}

	want := DefaultConfig()
	if *cfg != *want {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadDefault_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	// Register the key with t.Setenv first so it is restored after the test.
	t.Setenv("TASKD_LOG_FORMAT", "")
	os.Unsetenv("TASKD_LOG_FORMAT")
	writeFile(t, dir, ".env", "TASKD_LOG_FORMAT=json\n")

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log format = %q, want json from .env", cfg.Log.Format)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Errorf("got %v, want 1m30s", d)
	}
	text, _ := d.MarshalText()
	if string(text) != "1m30s" {
		t.Errorf("MarshalText = %q", text)
	}
	if err := d.UnmarshalText([]byte("ninety")); err == nil {
		t.Error("expected error for invalid duration")
	}
}
