package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taskd/internal/config"
	"github.com/aristath/taskd/internal/handlers"
	"github.com/aristath/taskd/internal/persistence"
	"github.com/aristath/taskd/internal/task"
)

// TestProcessManagerKillAllOnShutdown verifies that ProcessManager.KillAll()
// terminates tracked processes during simulated shutdown.
func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := handlers.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start subprocess: %v", err)
	}
	pm.Track(cmd)

	if count := pm.Count(); count != 1 {
		t.Errorf("Expected 1 tracked process, got %d", count)
	}

	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected process to be killed (non-zero exit), got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not terminate after KillAll()")
	}

	pm.Untrack(cmd)
	if count := pm.Count(); count != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", count)
	}
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels when a signal is received.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "taskd.db")
	cfg.Manager.DispatchInterval = config.Duration(10 * time.Millisecond)
	cfg.Manager.StatsInterval = config.Duration(50 * time.Millisecond)
	cfg.Scheduler.CheckInterval = config.Duration(20 * time.Millisecond)
	cfg.Monitor.CheckInterval = config.Duration(time.Second)
	return cfg
}

func waitForStatus(t *testing.T, a *app, id string, want task.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := a.manager.Get(id); ok && got.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := a.manager.Get(id)
	t.Fatalf("task %s did not reach %s (last: %+v)", id, want, got)
}

func TestAppRunsTaskAndPersistsIt(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := newApp(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	a.start(ctx)

	id, err := a.manager.Submit(ctx, "greet", handlers.TypeEcho, map[string]string{"msg": "hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, a, id, task.StatusCompleted)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer store.Close()

	stored, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != task.StatusCompleted {
		t.Errorf("stored status = %s, want completed", stored.Status)
	}
	if !strings.Contains(stored.Result.String(), "hi") {
		t.Errorf("stored result = %s, want echo of params", stored.Result)
	}
}

func TestAppWithoutStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = config.StorageNone
	ctx := context.Background()

	a, err := newApp(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if a.repo != nil || a.recorder != nil {
		t.Fatal("expected no repository or recorder")
	}
	a.start(ctx)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestAppSchedulerBoundFollowsExecutorGate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = config.StorageNone
	cfg.Scheduler.MaxConcurrency = 10
	cfg.Manager.MaxConcurrentTasks = 2

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if got := a.sched.MaxConcurrency(); got != 2 {
		t.Errorf("scheduler MaxConcurrency = %d, want 2", got)
	}
	if got := a.manager.Stats().RecommendedConcurrency; got > 2 {
		t.Errorf("RecommendedConcurrency = %d, want at most 2", got)
	}
}

func TestOpenRepositoryUnknownDriver(t *testing.T) {
	_, err := openRepository(context.Background(), config.StorageConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "project.json")
	global := filepath.Join(dir, "global.json")

	if _, err := runCLI(t, "--config", project, "--global-config", global, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(project); err != nil {
		t.Fatalf("project config not written: %v", err)
	}

	if _, err := runCLI(t, "--config", project, "--global-config", global, "config", "init"); err == nil {
		t.Error("expected init to refuse overwriting without --force")
	}
	if _, err := runCLI(t, "--config", project, "--global-config", global, "config", "init", "--force"); err != nil {
		t.Errorf("config init --force: %v", err)
	}

	out, err := runCLI(t, "--config", project, "--global-config", global, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	var shown config.Config
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("config show output is not JSON: %v\n%s", err, out)
	}
	if shown.Manager.MaxConcurrentTasks != config.DefaultConfig().Manager.MaxConcurrentTasks {
		t.Errorf("MaxConcurrentTasks = %d", shown.Manager.MaxConcurrentTasks)
	}
}

func TestConfigPath(t *testing.T) {
	out, err := runCLI(t, "--config", "p.json", "--global-config", "g.json", "config", "path")
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	for _, want := range []string{"g.json", "p.json", config.EnvPrefix} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
