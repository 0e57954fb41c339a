package taskmanager

import (
	"time"

	"github.com/aristath/taskd/internal/task"
)

// SubmitOption customizes a submission.
type SubmitOption func(*submission)

type submission struct {
	id           string
	priority     task.Priority
	dependencies []task.Dependency
	scheduleTime *time.Time
	timeout      time.Duration
	maxRetries   *int
	metadata     any
}

// WithPriority sets the task priority (default NORMAL).
func WithPriority(p task.Priority) SubmitOption {
	return func(s *submission) { s.priority = p }
}

// WithDependencies adds dependencies with explicit required statuses.
func WithDependencies(deps ...task.Dependency) SubmitOption {
	return func(s *submission) { s.dependencies = append(s.dependencies, deps...) }
}

// WithDependsOn adds completion dependencies on the given task IDs.
func WithDependsOn(ids ...string) SubmitOption {
	return WithDependencies(task.DependsOn(ids...)...)
}

// WithScheduleTime sets the earliest time the task may start.
func WithScheduleTime(at time.Time) SubmitOption {
	return func(s *submission) { s.scheduleTime = &at }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) SubmitOption {
	return func(s *submission) { s.timeout = d }
}

// WithMaxRetries overrides the configured retry budget.
func WithMaxRetries(n int) SubmitOption {
	return func(s *submission) { s.maxRetries = &n }
}

// WithMetadata attaches caller data that is carried but never interpreted.
func WithMetadata(v any) SubmitOption {
	return func(s *submission) { s.metadata = v }
}

// WithTaskID uses a caller-chosen ID instead of a generated one.
func WithTaskID(id string) SubmitOption {
	return func(s *submission) { s.id = id }
}
