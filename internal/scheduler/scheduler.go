package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taskd/internal/events"
	"github.com/aristath/taskd/internal/task"
)

// LoadAdvisor supplies the resource signals that bound promotion.
// *monitor.Monitor satisfies it.
type LoadAdvisor interface {
	RecommendedConcurrency(maxConcurrency int) int
	ShouldThrottle() (bool, string)
	SystemLoad() float64
}

// StatusResolver looks up the status of tasks the scheduler does not hold,
// for example tasks finished by a previous process.
type StatusResolver interface {
	ResolveStatus(ctx context.Context, id string) (task.Status, bool, error)
}

// Config configures a Scheduler.
type Config struct {
	CheckInterval     time.Duration // Tick interval (default 1s)
	MaxConcurrency    int           // Upper bound on RUNNING tasks (default 10)
	Lookahead         time.Duration // How far ahead a schedule time may be to enter the ready queue (default 60s)
	DependencyFactor  float64       // Score multiplier for tasks with dependencies (default 1.1)
	WaitTimeUnit      time.Duration // Waiting this long adds 1 to the score (default 60s)
	InitialBackoff    time.Duration // Delay before the first retry (default 2s)
	BackoffMultiplier float64       // Growth per retry (default 2)
	MaxBackoff        time.Duration // Cap on a single retry delay (default 1h)

	Advisor   LoadAdvisor      // Nil disables throttling
	Resolver  StatusResolver   // Optional fallback for unknown dependency IDs
	Publisher events.Publisher // Optional transition/progress sink
	Clock     func() time.Time
	Logger    zerolog.Logger
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval:     time.Second,
		MaxConcurrency:    10,
		Lookahead:         60 * time.Second,
		DependencyFactor:  1.1,
		WaitTimeUnit:      60 * time.Second,
		InitialBackoff:    2 * time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        time.Hour,
		Clock:             time.Now,
		Logger:            zerolog.Nop(),
	}
}

// Stats counts tasks per lifecycle bucket.
type Stats struct {
	Total      int     `json:"total"`
	Pending    int     `json:"pending"` // Includes waiting and future-scheduled tasks
	Waiting    int     `json:"waiting"`
	Ready      int     `json:"ready"`
	Running    int     `json:"running"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Cancelled  int     `json:"cancelled"`
	SystemLoad float64 `json:"system_load"`
}

// Scheduler owns the pending/ready/running/completed partition of all known tasks.
// All task mutation happens under mu; callers only ever see clones.
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	tasks      map[string]*task.Task // every known task
	pending    map[string]*task.Task
	ready      readyQueue
	readyIndex map[string]*readyItem
	running    map[string]*task.Task
	completed  map[string]*task.Task
	undispatch []string // RUNNING tasks not yet taken by the executor, in promotion order
	seq        uint64

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler. Zero config values fall back to defaults.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = def.Lookahead
	}
	if cfg.DependencyFactor <= 0 {
		cfg.DependencyFactor = def.DependencyFactor
	}
	if cfg.WaitTimeUnit <= 0 {
		cfg.WaitTimeUnit = def.WaitTimeUnit
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}

	return &Scheduler{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "scheduler").Logger(),
		tasks:      make(map[string]*task.Task),
		pending:    make(map[string]*task.Task),
		readyIndex: make(map[string]*readyItem),
		running:    make(map[string]*task.Task),
		completed:  make(map[string]*task.Task),
	}
}

// MaxConcurrency returns the upper bound on RUNNING tasks.
func (s *Scheduler) MaxConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxConcurrency
}

// SetMaxConcurrency changes the bound on RUNNING tasks. Values below 1 are ignored.
// Lowering it never preempts tasks already running; promotion resumes once enough finish.
func (s *Scheduler) SetMaxConcurrency(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	s.cfg.MaxConcurrency = n
	s.mu.Unlock()
	s.logger.Debug().Int("max_concurrency", n).Msg("concurrency bound changed")
}

// ScheduleTask registers a task for scheduling. The scheduler takes ownership of t.
// A task with a schedule time is marked SCHEDULED at once but still waits for a tick.
func (s *Scheduler) ScheduleTask(t *task.Task) error {
	if t == nil {
		return &task.ValidationError{Field: "task", Reason: "nil task"}
	}
	if t.ID == "" {
		return &task.ValidationError{Field: "id", Reason: "empty id"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return &task.ValidationError{Field: "id", Reason: fmt.Sprintf("task %q already exists", t.ID)}
	}
	if err := checkCycle(s.activeLocked(), t); err != nil {
		return err
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.cfg.Clock()
	}
	initial := task.StatusPending
	if t.ScheduleTime != nil {
		initial = task.StatusScheduled
	}
	t.Status = ""

	s.tasks[t.ID] = t
	s.pending[t.ID] = t

	s.logger.Debug().
		Str("task_id", t.ID).
		Str("task_type", t.Type).
		Str("priority", t.Priority.String()).
		Int("dependencies", len(t.Dependencies)).
		Msg("task scheduled")
	s.moveLocked(t, initial, "submitted")
	return nil
}

// activeLocked returns every non-terminal task.
func (s *Scheduler) activeLocked() []*task.Task {
	active := make([]*task.Task, 0, len(s.tasks)-len(s.completed)+1)
	for _, t := range s.tasks {
		if !t.Status.Terminal() {
			active = append(active, t)
		}
	}
	return active
}

// CancelTask cancels a task that has not started executing.
// Returns false for tasks that are executing, terminal, or unknown.
func (s *Scheduler) CancelTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}

	switch {
	case s.pending[id] != nil:
		delete(s.pending, id)
	case s.readyIndex[id] != nil:
		s.ready.remove(s.readyIndex[id])
		delete(s.readyIndex, id)
	case s.running[id] != nil && s.removeUndispatchedLocked(id):
		// Promoted but never handed to the executor, so nothing is executing.
		delete(s.running, id)
	default:
		return false
	}

	t.Error = (&task.CancellationError{TaskID: id}).Error()
	s.finishLocked(t, task.StatusCancelled, "cancelled before execution")
	s.logger.Info().Str("task_id", id).Msg("task cancelled")
	return true
}

func (s *Scheduler) removeUndispatchedLocked(id string) bool {
	for i, queued := range s.undispatch {
		if queued == id {
			s.undispatch = append(s.undispatch[:i], s.undispatch[i+1:]...)
			return true
		}
	}
	return false
}

// Start launches the scheduling loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx, s.done)

	s.logger.Info().Dur("interval", s.cfg.CheckInterval).Int("max_concurrency", s.MaxConcurrency()).Msg("scheduler started")
}

// Stop cancels the scheduling loop and waits for it to exit. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

// safeTick runs one tick and keeps the loop alive if it panics.
func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("scheduling tick panicked")
		}
	}()
	s.Tick(ctx)
}

// Tick runs one scheduling pass: readiness evaluation, then promotion to RUNNING.
// It returns the IDs promoted in this pass, in promotion order.
func (s *Scheduler) Tick(ctx context.Context) []string {
	resolved := s.resolveExternal(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock()
	s.evaluatePendingLocked(now, resolved)
	return s.promoteLocked(now)
}

// resolveExternal asks the StatusResolver about dependency IDs the scheduler does not hold.
// Runs without the lock so slow resolvers do not stall completions.
func (s *Scheduler) resolveExternal(ctx context.Context) map[string]task.Status {
	if s.cfg.Resolver == nil {
		return nil
	}

	s.mu.Lock()
	var unknown []string
	seen := make(map[string]bool)
	for _, t := range s.pending {
		for _, depID := range t.DependencyIDs() {
			if _, ok := s.tasks[depID]; !ok && !seen[depID] {
				seen[depID] = true
				unknown = append(unknown, depID)
			}
		}
	}
	s.mu.Unlock()

	resolved := make(map[string]task.Status, len(unknown))
	for _, id := range unknown {
		st, ok, err := s.cfg.Resolver.ResolveStatus(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("dependency_id", id).Msg("dependency status lookup failed")
			continue
		}
		if ok {
			resolved[id] = st
		}
	}
	return resolved
}

func (s *Scheduler) evaluatePendingLocked(now time.Time, resolved map[string]task.Status) {
	candidates := make([]*task.Task, 0, len(s.pending))
	for _, t := range s.pending {
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, t := range candidates {
		if err := s.unmetDependencyLocked(t, resolved); err != nil {
			s.moveLocked(t, task.StatusWaiting, err.Error())
			s.logger.Debug().Err(err).Str("task_id", t.ID).Msg("task waiting on dependencies")
			continue
		}

		if t.ScheduleTime != nil && t.ScheduleTime.After(now.Add(s.cfg.Lookahead)) {
			// Outside the lookahead window; revisit on a later tick.
			s.moveLocked(t, task.StatusScheduled, "awaiting schedule time")
			continue
		}

		scheduledTime := now
		if t.ScheduleTime != nil {
			scheduledTime = *t.ScheduleTime
		}

		item := &readyItem{
			task:          t,
			scheduledTime: scheduledTime,
			score:         s.score(t, now),
			seq:           s.seq,
		}
		s.seq++
		heap.Push(&s.ready, item)
		s.readyIndex[t.ID] = item
		delete(s.pending, t.ID)

		t.ScheduledAt = &now
		s.moveLocked(t, task.StatusScheduled, "ready")
	}
}

// unmetDependencyLocked returns a DependencyError for the first dependency not in its
// required status, or nil if all are met.
func (s *Scheduler) unmetDependencyLocked(t *task.Task, resolved map[string]task.Status) error {
	for _, dep := range t.Dependencies {
		var status task.Status
		if depTask, ok := s.tasks[dep.TaskID]; ok {
			status = depTask.Status
		} else if st, ok := resolved[dep.TaskID]; ok {
			status = st
		} else {
			return &task.DependencyError{TaskID: t.ID, DependencyID: dep.TaskID}
		}

		if status != dep.Required() {
			return &task.DependencyError{
				TaskID:       t.ID,
				DependencyID: dep.TaskID,
				Err:          fmt.Errorf("status %s, need %s", status, dep.Required()),
			}
		}
	}
	return nil
}

// score = priority weight x dependency factor + wait time in WaitTimeUnits.
func (s *Scheduler) score(t *task.Task, now time.Time) float64 {
	factor := 1.0
	if t.HasDependencies() {
		factor = s.cfg.DependencyFactor
	}
	wait := now.Sub(t.CreatedAt)
	if wait < 0 {
		wait = 0
	}
	return t.Priority.Weight()*factor + float64(wait)/float64(s.cfg.WaitTimeUnit)
}

func (s *Scheduler) promoteLocked(now time.Time) []string {
	if s.ready.Len() == 0 {
		return nil
	}

	recommended := s.cfg.MaxConcurrency
	if s.cfg.Advisor != nil {
		if throttle, reason := s.cfg.Advisor.ShouldThrottle(); throttle {
			s.logger.Warn().Str("reason", reason).Int("ready", s.ready.Len()).Msg("promotion throttled")
			return nil
		}
		recommended = s.cfg.Advisor.RecommendedConcurrency(s.cfg.MaxConcurrency)
	}
	if recommended > s.cfg.MaxConcurrency {
		recommended = s.cfg.MaxConcurrency
	}

	available := recommended - len(s.running)
	if available <= 0 {
		return nil
	}

	var promoted []string
	var deferred []*readyItem
	for len(promoted) < available && s.ready.Len() > 0 {
		item := heap.Pop(&s.ready).(*readyItem)
		if item.scheduledTime.After(now) {
			deferred = append(deferred, item)
			continue
		}

		t := item.task
		delete(s.readyIndex, t.ID)
		s.running[t.ID] = t
		s.undispatch = append(s.undispatch, t.ID)

		t.MarkStarted(now)
		t.Error = ""
		s.moveLocked(t, task.StatusRunning, "promoted")

		promoted = append(promoted, t.ID)
		s.logger.Info().
			Str("task_id", t.ID).
			Str("task_type", t.Type).
			Float64("score", item.score).
			Int("attempt", t.RetryCount+1).
			Msg("task promoted")
	}
	for _, item := range deferred {
		heap.Push(&s.ready, item)
	}
	return promoted
}

// TakeDispatchable returns RUNNING tasks not yet handed to the executor and marks
// them dispatched.
func (s *Scheduler) TakeDispatchable() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*task.Task, 0, len(s.undispatch))
	for _, id := range s.undispatch {
		if t, ok := s.running[id]; ok {
			out = append(out, t.Clone())
		}
	}
	s.undispatch = nil
	return out
}

// RequeueUndispatched returns RUNNING tasks that were never handed to the executor to
// PENDING, so they are evaluated again on the next tick. It returns their IDs.
func (s *Scheduler) RequeueUndispatched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.undispatch))
	for _, id := range s.undispatch {
		t, ok := s.running[id]
		if !ok {
			continue
		}
		delete(s.running, id)
		t.StartedAt = nil
		s.pending[id] = t
		s.moveLocked(t, task.StatusPending, "returned before execution")
		ids = append(ids, id)
	}
	s.undispatch = nil

	if len(ids) > 0 {
		s.logger.Info().Int("count", len(ids)).Msg("undispatched tasks requeued")
	}
	return ids
}

// TaskCompleted records a successful attempt.
func (s *Scheduler) TaskCompleted(id string, result task.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.takeRunningLocked(id)
	if err != nil {
		return err
	}

	t.Result = result.Clone()
	t.Error = ""
	t.SetProgress(100)
	s.finishLocked(t, task.StatusCompleted, "handler succeeded")

	s.logger.Info().
		Str("task_id", id).
		Str("task_type", t.Type).
		Dur("duration", t.ExecutionTime).
		Msg("task completed")
	return nil
}

// TaskFailed records a failed attempt. The task is retried after a backoff while its
// retry budget lasts, otherwise it becomes FAILED. Cancellation errors are never retried.
func (s *Scheduler) TaskFailed(id string, cause error) error {
	if task.IsCancellation(cause) {
		return s.TaskCancelled(id, cause.Error())
	}
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.takeRunningLocked(id)
	if err != nil {
		return err
	}

	now := s.cfg.Clock()
	t.Error = cause.Error()
	if t.StartedAt != nil {
		t.ExecutionTime = now.Sub(*t.StartedAt)
	}

	if t.CanRetry() {
		t.RetryCount++
		delay := s.RetryDelay(t.RetryCount)
		next := now.Add(delay)
		t.ScheduleTime = &next
		s.pending[id] = t

		s.moveLocked(t, task.StatusPending, "retry scheduled")

		s.logger.Warn().
			Err(cause).
			Str("task_id", id).
			Int("retry_count", t.RetryCount).
			Int("max_retries", t.MaxRetries).
			Dur("backoff", delay).
			Msg("task failed, retrying")
		return nil
	}

	s.finishLocked(t, task.StatusFailed, "retries exhausted")
	s.logger.Error().
		Err(cause).
		Str("task_id", id).
		Str("task_type", t.Type).
		Int("retry_count", t.RetryCount).
		Msg("task failed")
	return nil
}

// TaskCancelled finalizes a RUNNING task as CANCELLED. It is never retried.
func (s *Scheduler) TaskCancelled(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.takeRunningLocked(id)
	if err != nil {
		return err
	}

	t.Error = (&task.CancellationError{TaskID: id, Reason: reason}).Error()
	s.finishLocked(t, task.StatusCancelled, reason)
	s.logger.Info().Str("task_id", id).Str("reason", reason).Msg("running task cancelled")
	return nil
}

func (s *Scheduler) takeRunningLocked(id string) (*task.Task, error) {
	t, ok := s.running[id]
	if !ok {
		if _, known := s.tasks[id]; known {
			return nil, fmt.Errorf("task %q is not running", id)
		}
		return nil, fmt.Errorf("task %q: %w", id, task.ErrNotFound)
	}
	delete(s.running, id)
	s.removeUndispatchedLocked(id)
	return t, nil
}

// finishLocked moves t into the completed bucket with a terminal status.
func (s *Scheduler) finishLocked(t *task.Task, to task.Status, reason string) {
	now := s.cfg.Clock()
	t.MarkFinished(now)
	if t.Status == task.StatusRunning && t.StartedAt != nil {
		t.ExecutionTime = now.Sub(*t.StartedAt)
	}
	s.completed[t.ID] = t
	s.moveLocked(t, to, reason)
}

// moveLocked applies a status change through the state machine and publishes it.
// Re-entering the current status is silent.
func (s *Scheduler) moveLocked(t *task.Task, to task.Status, reason string) {
	from := t.Status
	if from == to {
		return
	}
	if err := t.TransitionTo(to); err != nil {
		s.logger.Error().Err(err).Str("task_id", t.ID).Msg("status change rejected")
		return
	}
	s.publishTransition(t, from, reason)
}

// UpdateProgress records progress for a RUNNING task. Returns false if the task is
// not running or the value would move progress backwards.
func (s *Scheduler) UpdateProgress(id string, pct float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.running[id]
	if !ok || !t.SetProgress(pct) {
		return false
	}
	if s.cfg.Publisher != nil {
		s.cfg.Publisher.Publish(events.TopicTask, events.TaskProgressEvent{
			ID:        id,
			Progress:  t.Progress,
			Timestamp: s.cfg.Clock(),
		})
	}
	return true
}

// RecordUsage attaches resource usage figures to a RUNNING task.
func (s *Scheduler) RecordUsage(id string, usage map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.running[id]
	if !ok {
		return
	}
	if t.ResourceUsage == nil {
		t.ResourceUsage = make(map[string]float64, len(usage))
	}
	for k, v := range usage {
		t.ResourceUsage[k] = v
	}
}

// Get returns a snapshot of the task.
func (s *Scheduler) Get(id string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns snapshots of every known task, oldest first.
func (s *Scheduler) Tasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DependencyOrder returns every known task ID in dependency order.
func (s *Scheduler) DependencyOrder() ([]string, error) {
	s.mu.Lock()
	all := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t)
	}
	s.mu.Unlock()

	// Dependency lists are immutable after submission, so sorting outside the lock is safe.
	return topoOrder(all)
}

// Stats returns per-bucket counts and the current system load.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Total:   len(s.tasks),
		Pending: len(s.pending),
		Ready:   s.ready.Len(),
		Running: len(s.running),
	}
	for _, t := range s.pending {
		if t.Status == task.StatusWaiting {
			st.Waiting++
		}
	}
	for _, t := range s.completed {
		switch t.Status {
		case task.StatusCompleted:
			st.Completed++
		case task.StatusFailed:
			st.Failed++
		case task.StatusCancelled:
			st.Cancelled++
		}
	}
	s.mu.Unlock()

	if s.cfg.Advisor != nil {
		st.SystemLoad = s.cfg.Advisor.SystemLoad()
	}
	return st
}

func (s *Scheduler) publishTransition(t *task.Task, from task.Status, reason string) {
	if s.cfg.Publisher == nil {
		return
	}
	s.cfg.Publisher.Publish(events.TopicTask, events.TaskTransitionEvent{
		ID:        t.ID,
		From:      from,
		To:        t.Status,
		Attempt:   t.RetryCount + 1,
		Reason:    reason,
		Snapshot:  t.Clone(),
		Timestamp: s.cfg.Clock(),
	})
}
