package task

// transitions lists the allowed status changes.
// RUNNING -> PENDING is the retry path; RUNNING -> CANCELLED covers cancellation of an
// executing task.
var transitions = map[Status][]Status{
	"":              {StatusPending, StatusScheduled},
	StatusPending:   {StatusWaiting, StatusScheduled, StatusCancelled},
	StatusWaiting:   {StatusScheduled, StatusCancelled},
	StatusScheduled: {StatusRunning, StatusWaiting, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusPending, StatusCancelled},
}

// CanTransition reports whether a task may move from one status to another.
// Re-entering the same non-terminal status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
