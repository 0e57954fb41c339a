package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taskd/internal/api"
	"github.com/aristath/taskd/internal/config"
	"github.com/aristath/taskd/internal/events"
	"github.com/aristath/taskd/internal/handlers"
	"github.com/aristath/taskd/internal/monitor"
	"github.com/aristath/taskd/internal/persistence"
	"github.com/aristath/taskd/internal/scheduler"
	"github.com/aristath/taskd/internal/taskmanager"
)

// app is the fully wired daemon.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	bus      *events.EventBus
	monitor  *monitor.Monitor
	sched    *scheduler.Scheduler
	manager  *taskmanager.Manager
	procs    *handlers.ProcessManager
	repo     persistence.Repository // nil when storage is disabled
	recorder *persistence.Recorder
	server   *http.Server

	recordWG     sync.WaitGroup
	stopRecorder context.CancelFunc
}

// newApp builds every component from cfg without starting anything.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	repo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		bus:    events.NewEventBus(),
		procs:  handlers.NewProcessManager(),
		repo:   repo,
	}

	a.monitor = monitor.New(monitor.Config{
		CheckInterval:    cfg.Monitor.CheckInterval.Std(),
		HistorySize:      cfg.Monitor.HistorySize,
		AlertHistorySize: cfg.Monitor.AlertHistorySize,
		Thresholds: monitor.Thresholds{
			CPU:    cfg.Monitor.Thresholds.CPU,
			Memory: cfg.Monitor.Thresholds.Memory,
			Disk:   cfg.Monitor.Thresholds.Disk,
			IOWait: cfg.Monitor.Thresholds.IOWait,
		},
		Sampler: monitor.NewSystemSampler(cfg.Monitor.DiskPath),
		Logger:  logger,
	})

	schedCfg := scheduler.Config{
		CheckInterval:     cfg.Scheduler.CheckInterval.Std(),
		MaxConcurrency:    min(cfg.Scheduler.MaxConcurrency, cfg.Manager.MaxConcurrentTasks),
		Lookahead:         cfg.Scheduler.Lookahead.Std(),
		DependencyFactor:  cfg.Scheduler.DependencyFactor,
		WaitTimeUnit:      cfg.Scheduler.WaitTimeUnit.Std(),
		InitialBackoff:    cfg.Scheduler.InitialBackoff.Std(),
		BackoffMultiplier: cfg.Scheduler.BackoffMultiplier,
		MaxBackoff:        cfg.Scheduler.MaxBackoff.Std(),
		Advisor:           a.monitor,
		Publisher:         a.bus,
		Clock:             time.Now,
		Logger:            logger,
	}
	if repo != nil {
		schedCfg.Resolver = persistence.Resolver{Repo: repo}
	}
	a.sched = scheduler.New(schedCfg)

	a.manager = taskmanager.New(taskmanager.Config{
		MaxConcurrentTasks: cfg.Manager.MaxConcurrentTasks,
		DispatchInterval:   cfg.Manager.DispatchInterval.Std(),
		DefaultMaxRetries:  cfg.Manager.DefaultMaxRetries,
		DefaultTimeout:     cfg.Manager.DefaultTimeout.Std(),
		StatsInterval:      cfg.Manager.StatsInterval.Std(),
		BreakerFailures:    cfg.Manager.BreakerFailures,
		BreakerTimeout:     cfg.Manager.BreakerTimeout.Std(),
		Publisher:          a.bus,
		Logger:             logger,
	}, a.monitor, a.sched)
	handlers.Register(a.manager, a.procs)

	if repo != nil {
		a.recorder = persistence.NewRecorder(repo, persistence.DefaultRetryConfig(), logger)
	}

	srv := api.New(api.Config{
		Service:     a.manager,
		Repository:  repo,
		Logger:      logger,
		SubmitRate:  cfg.Server.SubmitRate,
		SubmitBurst: cfg.Server.SubmitBurst,
	})
	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// openRepository opens the configured store, or returns nil when storage is disabled.
func openRepository(ctx context.Context, cfg config.StorageConfig) (persistence.Repository, error) {
	switch cfg.Driver {
	case config.StorageNone, "":
		return nil, nil
	case config.StorageSQLite:
		store, err := persistence.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return store, nil
	case config.StorageRedis:
		store, err := persistence.NewRedisStore(ctx, persistence.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("opening redis store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// start launches the recorder, the task manager and the HTTP listener.
// Listener errors are delivered on the returned channel.
func (a *app) start(ctx context.Context) <-chan error {
	if a.recorder != nil {
		// The recorder drains the bus after shutdown begins, so it gets its own context.
		recCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.stopRecorder = cancel
		sub := a.bus.Subscribe(events.TopicTask, 1024)
		a.recordWG.Add(1)
		go func() {
			defer a.recordWG.Done()
			a.recorder.Run(recCtx, sub)
		}()
	}

	a.manager.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.server.Addr).Msg("api listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// shutdown stops accepting requests, stops the task manager, kills stray
// subprocesses, flushes the recorder and closes storage. ctx bounds the whole sequence.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping api: %w", err))
	}

	stopped := make(chan struct{})
	go func() {
		a.manager.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("stopping task manager: %w", ctx.Err()))
	}

	if err := a.procs.KillAll(); err != nil {
		errs = append(errs, fmt.Errorf("killing subprocesses: %w", err))
	}

	a.bus.Close()
	if a.recorder != nil {
		flushed := make(chan struct{})
		go func() {
			a.recordWG.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-ctx.Done():
			a.stopRecorder()
			<-flushed
		}
		a.stopRecorder()
		written, failed := a.recorder.Counts()
		a.logger.Info().Int64("written", written).Int64("failed", failed).Msg("recorder flushed")
	}

	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing storage: %w", err))
		}
	}

	if dropped := a.bus.Dropped(); dropped > 0 {
		a.logger.Warn().Uint64("dropped", dropped).Msg("events dropped by slow subscribers")
	}
	return errors.Join(errs...)
}
