package events

import (
	"time"

	"github.com/aristath/taskd/internal/task"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicResource = "resource"
	TopicStats    = "stats"
)

// Event type constants
const (
	EventTypeTaskTransition = "task.transition"
	EventTypeTaskProgress   = "task.progress"
	EventTypeResourceAlert  = "resource.alert"
	EventTypeStats          = "stats.snapshot"
)

// TaskTransitionEvent is published whenever a task changes status.
// Snapshot is a copy of the task taken after the change.
type TaskTransitionEvent struct {
	ID        string
	From      task.Status
	To        task.Status
	Attempt   int
	Reason    string
	Snapshot  *task.Task
	Timestamp time.Time
}

func (e TaskTransitionEvent) EventType() string { return EventTypeTaskTransition }
func (e TaskTransitionEvent) TaskID() string    { return e.ID }

// TaskProgressEvent is published when a running task reports progress.
type TaskProgressEvent struct {
	ID        string
	Progress  float64
	Timestamp time.Time
}

func (e TaskProgressEvent) EventType() string { return EventTypeTaskProgress }
func (e TaskProgressEvent) TaskID() string    { return e.ID }

// ResourceAlertEvent mirrors a monitor alert.
type ResourceAlertEvent struct {
	Resource  string
	Value     float64
	Threshold float64
	Message   string
	Timestamp time.Time
}

func (e ResourceAlertEvent) EventType() string { return EventTypeResourceAlert }
func (e ResourceAlertEvent) TaskID() string    { return "" }

// StatsEvent is a periodic snapshot of the task partition and system load.
type StatsEvent struct {
	Pending     int
	Waiting     int
	Ready       int
	Running     int
	Completed   int
	Failed      int
	Cancelled   int
	InFlight    int
	SystemLoad  float64
	Recommended int
	Throttled   bool
	Timestamp   time.Time
}

func (e StatsEvent) EventType() string { return EventTypeStats }
func (e StatsEvent) TaskID() string    { return "" }
