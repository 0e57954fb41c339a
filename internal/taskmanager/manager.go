package taskmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/taskd/internal/events"
	"github.com/aristath/taskd/internal/monitor"
	"github.com/aristath/taskd/internal/scheduler"
	"github.com/aristath/taskd/internal/task"
)

// Handler performs the work for one task type. It receives a snapshot of the task and a
// context that is cancelled on timeout, explicit cancellation, or shutdown. Progress is
// reported with task.ReportProgress(ctx, pct). The returned value becomes the task result.
type Handler func(ctx context.Context, t *task.Task) (any, error)

// ResourceMonitor is the part of *monitor.Monitor the manager drives.
type ResourceMonitor interface {
	Start(ctx context.Context)
	Stop()
	SystemLoad() float64
	RecommendedConcurrency(maxConcurrency int) int
	ShouldThrottle() (bool, string)
	OnAlert(cb monitor.AlertCallback)
}

// Config configures a Manager.
type Config struct {
	MaxConcurrentTasks int           // Size of the execution gate (default 10)
	DispatchInterval   time.Duration // Executor loop interval (default 100ms)
	DefaultMaxRetries  int           // Retry budget when a submission sets none (default 3)
	DefaultTimeout     time.Duration // Per-attempt timeout when a submission sets none (0 = none)
	StatsInterval      time.Duration // StatsEvent period; 0 disables
	BreakerFailures    int           // Consecutive failures that open a type's breaker; 0 disables
	BreakerTimeout     time.Duration // How long an open breaker rejects attempts (default 30s)
	Publisher          events.Publisher
	Logger             zerolog.Logger
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 10,
		DispatchInterval:   100 * time.Millisecond,
		DefaultMaxRetries:  3,
		StatsInterval:      10 * time.Second,
		BreakerTimeout:     30 * time.Second,
		Logger:             zerolog.Nop(),
	}
}

// Stats merges scheduler counts with resource and executor figures.
type Stats struct {
	scheduler.Stats
	MaxConcurrentTasks     int               `json:"max_concurrent_tasks"`
	RecommendedConcurrency int               `json:"recommended_concurrency"`
	Throttled              bool              `json:"throttled"`
	ThrottleReason         string            `json:"throttle_reason,omitempty"`
	RegisteredTypes        []string          `json:"registered_types"`
	InFlight               int               `json:"in_flight"`
	Breakers               map[string]string `json:"breakers,omitempty"`
}

// Manager binds handlers to task types and drives tasks from submission to completion.
type Manager struct {
	cfg      Config
	logger   zerolog.Logger
	monitor  ResourceMonitor
	sched    *scheduler.Scheduler
	gate     *semaphore.Weighted
	breakers *BreakerRegistry // nil when disabled
	cron     *cron.Cron

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	// mu serializes dispatch against Cancel so a task is always either cancellable in
	// the scheduler or registered in inflight.
	mu       sync.Mutex
	inflight map[string]*execution
	units    sync.WaitGroup

	lifeMu   sync.Mutex
	running  bool
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	execCtx  context.Context
	stopExec context.CancelFunc
}

// execution is one in-flight execution unit.
type execution struct {
	cancel context.CancelCauseFunc
}

// New creates a Manager around a monitor and a scheduler. The scheduler should use the
// same monitor as its LoadAdvisor. The scheduler's concurrency bound is lowered to
// MaxConcurrentTasks when it is higher, so RUNNING never exceeds the execution gate.
func New(cfg Config, mon ResourceMonitor, sched *scheduler.Scheduler) *Manager {
	def := DefaultConfig()
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = def.DispatchInterval
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	logger := cfg.Logger.With().Str("component", "task_manager").Logger()
	if sched.MaxConcurrency() > cfg.MaxConcurrentTasks {
		logger.Debug().
			Int("scheduler_max", sched.MaxConcurrency()).
			Int("max_concurrent_tasks", cfg.MaxConcurrentTasks).
			Msg("capping scheduler concurrency to the execution gate")
		sched.SetMaxConcurrency(cfg.MaxConcurrentTasks)
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		monitor:  mon,
		sched:    sched,
		gate:     semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		handlers: make(map[string]Handler),
		inflight: make(map[string]*execution),
		cron: cron.New(
			cron.WithLogger(cronLogger{logger: logger}),
			cron.WithChain(cron.Recover(cronLogger{logger: logger})),
		),
	}
	if cfg.BreakerFailures > 0 {
		m.breakers = NewBreakerRegistry(cfg.BreakerFailures, cfg.BreakerTimeout, 1, logger)
	}
	if mon != nil && cfg.Publisher != nil {
		mon.OnAlert(m.forwardAlert)
	}
	return m
}

// RegisterHandler binds a handler to a task type, replacing any previous one.
func (m *Manager) RegisterHandler(taskType string, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[taskType] = h
	m.logger.Debug().Str("task_type", taskType).Msg("handler registered")
}

// HandlerTypes lists registered task types in sorted order.
func (m *Manager) HandlerTypes() []string {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()

	types := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (m *Manager) handler(taskType string) (Handler, bool) {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	h, ok := m.handlers[taskType]
	return h, ok
}

// Submit validates and schedules a new task, returning its ID.
// Unknown task types are rejected with a *task.ValidationError before any state is created.
func (m *Manager) Submit(ctx context.Context, name, taskType string, params any, opts ...SubmitOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t, err := m.buildTask(name, taskType, params, opts)
	if err != nil {
		return "", err
	}
	if err := m.sched.ScheduleTask(t); err != nil {
		return "", err
	}

	m.logger.Info().
		Str("task_id", t.ID).
		Str("task_type", taskType).
		Str("name", t.Name).
		Msg("task submitted")
	return t.ID, nil
}

func (m *Manager) buildTask(name, taskType string, params any, opts []SubmitOption) (*task.Task, error) {
	if _, ok := m.handler(taskType); !ok {
		return nil, &task.ValidationError{Field: "type", Reason: fmt.Sprintf("no handler registered for %q", taskType)}
	}

	s := submission{priority: task.PriorityNormal}
	for _, opt := range opts {
		opt(&s)
	}

	payload, err := task.NewPayload(params)
	if err != nil {
		return nil, &task.ValidationError{Field: "params", Reason: err.Error()}
	}
	metadata, err := task.NewPayload(s.metadata)
	if err != nil {
		return nil, &task.ValidationError{Field: "metadata", Reason: err.Error()}
	}

	if name == "" {
		name = taskType
	}
	t := task.New(name, taskType, payload)
	if s.id != "" {
		t.ID = s.id
	}
	t.Priority = s.priority
	t.Dependencies = s.dependencies
	t.ScheduleTime = s.scheduleTime
	t.Metadata = metadata

	t.Timeout = m.cfg.DefaultTimeout
	if s.timeout != 0 {
		t.Timeout = s.timeout
	}
	if t.Timeout < 0 {
		return nil, &task.ValidationError{Field: "timeout", Reason: "must not be negative"}
	}

	t.MaxRetries = m.cfg.DefaultMaxRetries
	if s.maxRetries != nil {
		t.MaxRetries = *s.maxRetries
	}
	if t.MaxRetries < 0 {
		return nil, &task.ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}

	for _, dep := range t.Dependencies {
		if dep.TaskID == "" {
			return nil, &task.ValidationError{Field: "dependencies", Reason: "empty task id"}
		}
		if dep.RequiredStatus != "" && !dep.RequiredStatus.Valid() {
			return nil, &task.ValidationError{Field: "dependencies", Reason: fmt.Sprintf("unknown required status %q", dep.RequiredStatus)}
		}
	}
	return t, nil
}

// Cancel stops a task. Tasks that have not started are cancelled at once; an executing
// task has its context cancelled and is marked CANCELLED when its unit returns.
// Returns false for unknown or already finished tasks.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sched.CancelTask(id) {
		return true
	}
	if exec, ok := m.inflight[id]; ok {
		if t, known := m.sched.Get(id); known && t.Status.Terminal() {
			return false
		}
		exec.cancel(&task.CancellationError{TaskID: id, Reason: "cancelled by request"})
		m.logger.Info().Str("task_id", id).Msg("cancelling running task")
		return true
	}
	return false
}

// Get returns a snapshot of the task.
func (m *Manager) Get(id string) (*task.Task, bool) {
	return m.sched.Get(id)
}

// Tasks returns snapshots of every known task.
func (m *Manager) Tasks() []*task.Task {
	return m.sched.Tasks()
}

// Start launches the monitor, the scheduler, the executor loop and the recurring
// submissions, in that order. Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.running {
		return
	}
	m.running = true

	if m.monitor != nil {
		m.monitor.Start(ctx)
	}
	m.sched.Start(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	// Execution units outlive the loop context until Stop cancels them explicitly.
	m.execCtx, m.stopExec = context.WithCancel(context.WithoutCancel(ctx))

	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		m.dispatchLoop(loopCtx)
	}()

	if m.cfg.StatsInterval > 0 && m.cfg.Publisher != nil {
		m.loops.Add(1)
		go func() {
			defer m.loops.Done()
			m.statsLoop(loopCtx)
		}()
	}

	m.cron.Start()
	m.logger.Info().Int("max_concurrent_tasks", m.cfg.MaxConcurrentTasks).Msg("task manager started")
}

// Stop halts recurring submissions, the scheduler and the executor loop, returns
// promoted tasks that never reached the executor to PENDING, then cancels every
// in-flight execution and waits for them before stopping the monitor.
// Safe to call repeatedly.
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if !m.running {
		return
	}
	m.running = false

	<-m.cron.Stop().Done()

	// No promotions may happen once units start being cancelled.
	m.sched.Stop()
	m.cancel()
	m.loops.Wait()

	m.mu.Lock()
	m.sched.RequeueUndispatched()
	for id, exec := range m.inflight {
		exec.cancel(&task.CancellationError{TaskID: id, Reason: "task manager stopped"})
	}
	m.mu.Unlock()
	m.units.Wait()
	m.stopExec()

	if m.monitor != nil {
		m.monitor.Stop()
	}
	m.logger.Info().Msg("task manager stopped")
}

// Stats merges scheduler stats with load, recommendation and executor figures.
func (m *Manager) Stats() Stats {
	st := Stats{
		Stats:                  m.sched.Stats(),
		MaxConcurrentTasks:     m.cfg.MaxConcurrentTasks,
		RecommendedConcurrency: m.sched.MaxConcurrency(),
		RegisteredTypes:        m.HandlerTypes(),
	}
	if m.monitor != nil {
		st.SystemLoad = m.monitor.SystemLoad()
		st.RecommendedConcurrency = m.monitor.RecommendedConcurrency(m.sched.MaxConcurrency())
		st.Throttled, st.ThrottleReason = m.monitor.ShouldThrottle()
	}

	m.mu.Lock()
	st.InFlight = len(m.inflight)
	m.mu.Unlock()

	if m.breakers != nil {
		st.Breakers = m.breakers.States()
	}
	return st
}

func (m *Manager) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publishStats()
		}
	}
}

func (m *Manager) publishStats() {
	st := m.Stats()
	m.cfg.Publisher.Publish(events.TopicStats, events.StatsEvent{
		Pending:     st.Pending,
		Waiting:     st.Waiting,
		Ready:       st.Ready,
		Running:     st.Running,
		Completed:   st.Completed,
		Failed:      st.Failed,
		Cancelled:   st.Cancelled,
		InFlight:    st.InFlight,
		SystemLoad:  st.SystemLoad,
		Recommended: st.RecommendedConcurrency,
		Throttled:   st.Throttled,
		Timestamp:   time.Now(),
	})
}

func (m *Manager) forwardAlert(a monitor.Alert) error {
	m.cfg.Publisher.Publish(events.TopicResource, events.ResourceAlertEvent{
		Resource:  string(a.ResourceType),
		Value:     a.CurrentValue,
		Threshold: a.Threshold,
		Message:   a.Message,
		Timestamp: a.Timestamp,
	})
	return nil
}
