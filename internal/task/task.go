package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the current lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"   // Submitted, awaiting a readiness decision
	StatusWaiting   Status = "waiting"   // Blocked on unmet dependencies
	StatusScheduled Status = "scheduled" // In the ready queue, or holding a future schedule time
	StatusRunning   Status = "running"   // Promoted by the scheduler and handed to the executor
	StatusCompleted Status = "completed" // Handler returned normally
	StatusFailed    Status = "failed"    // Retries exhausted
	StatusCancelled Status = "cancelled" // Explicitly cancelled
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusWaiting,
	StatusScheduled,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

// Priority is a numeric weight used in the scheduler's score, not merely an ordinal.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 50
	PriorityHigh     Priority = 100
	PriorityCritical Priority = 200
)

// Weight returns the priority as a float for scoring.
func (p Priority) Weight() float64 {
	return float64(p)
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts either a level name or its numeric weight.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low", "0":
		return PriorityLow, nil
	case "", "normal", "50":
		return PriorityNormal, nil
	case "high", "100":
		return PriorityHigh, nil
	case "critical", "200":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown task priority %q", s)
}

// Dependency references another task by ID and the status it must reach.
type Dependency struct {
	TaskID         string `json:"task_id"`
	RequiredStatus Status `json:"required_status,omitempty"` // Empty means StatusCompleted
}

// Required returns the status the dependency must be in to be satisfied.
func (d Dependency) Required() Status {
	if d.RequiredStatus == "" {
		return StatusCompleted
	}
	return d.RequiredStatus
}

// DependsOn builds completion dependencies for the given task IDs.
func DependsOn(ids ...string) []Dependency {
	deps := make([]Dependency, 0, len(ids))
	for _, id := range ids {
		deps = append(deps, Dependency{TaskID: id, RequiredStatus: StatusCompleted})
	}
	return deps
}

// Task is a unit of deferred work.
// Identity fields are fixed at submission; runtime fields are owned by the scheduler
// and must only be read through snapshots (Clone) once a task is submitted.
type Task struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Type         string        `json:"type"`     // Key into the handler registry
	Params       Payload       `json:"params"`   // Passed to the handler unchanged
	Priority     Priority      `json:"priority"` // Numeric weight
	Dependencies []Dependency  `json:"dependencies,omitempty"`
	ScheduleTime *time.Time    `json:"schedule_time,omitempty"` // Earliest eligible time
	Timeout      time.Duration `json:"timeout,omitempty"`       // Zero disables the per-attempt timeout
	MaxRetries   int           `json:"max_retries"`
	RetryCount   int           `json:"retry_count"`
	Metadata     Payload       `json:"metadata"`

	Status        Status             `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	ScheduledAt   *time.Time         `json:"scheduled_at,omitempty"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	Progress      float64            `json:"progress"`
	Result        Payload            `json:"result"`
	Error         string             `json:"error,omitempty"`
	ResourceUsage map[string]float64 `json:"resource_usage,omitempty"`
	ExecutionTime time.Duration      `json:"execution_time"`
}

// New creates a PENDING task with a fresh ID.
func New(name, taskType string, params Payload) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      taskType,
		Params:    params,
		Priority:  PriorityNormal,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// HasDependencies reports whether the task declares any dependency.
func (t *Task) HasDependencies() bool {
	return len(t.Dependencies) > 0
}

// DependencyIDs returns the referenced task IDs in declaration order.
func (t *Task) DependencyIDs() []string {
	ids := make([]string, 0, len(t.Dependencies))
	for _, d := range t.Dependencies {
		ids = append(ids, d.TaskID)
	}
	return ids
}

// ExecutionTimeMillis returns the last attempt's duration in milliseconds.
func (t *Task) ExecutionTimeMillis() int64 {
	return t.ExecutionTime.Milliseconds()
}

// CanRetry reports whether another attempt fits the retry budget.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// TransitionTo moves the task to the given status, enforcing the state machine.
func (t *Task) TransitionTo(to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("task %q: invalid transition %s -> %s", t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

// SetProgress stores a progress value, clamped to [0,100].
// Values lower than the current progress are ignored.
func (t *Task) SetProgress(pct float64) bool {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct < t.Progress {
		return false
	}
	t.Progress = pct
	return true
}

// MarkStarted records the start of an attempt and resets progress.
func (t *Task) MarkStarted(now time.Time) {
	t.StartedAt = timePtr(now)
	t.CompletedAt = nil
	t.Progress = 0
}

// MarkFinished records the end of the task.
func (t *Task) MarkFinished(now time.Time) {
	t.CompletedAt = timePtr(now)
}

// Clone returns a deep copy suitable for handing outside the scheduler.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	cp.Params = t.Params.Clone()
	cp.Metadata = t.Metadata.Clone()
	cp.Result = t.Result.Clone()
	if t.Dependencies != nil {
		cp.Dependencies = append([]Dependency(nil), t.Dependencies...)
	}
	cp.ScheduleTime = copyTime(t.ScheduleTime)
	cp.ScheduledAt = copyTime(t.ScheduledAt)
	cp.StartedAt = copyTime(t.StartedAt)
	cp.CompletedAt = copyTime(t.CompletedAt)
	if t.ResourceUsage != nil {
		cp.ResourceUsage = make(map[string]float64, len(t.ResourceUsage))
		for k, v := range t.ResourceUsage {
			cp.ResourceUsage[k] = v
		}
	}
	return &cp
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
