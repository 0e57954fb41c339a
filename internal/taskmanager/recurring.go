package taskmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/taskd/internal/task"
)

// SubmitRecurring submits a fresh task on every activation of a cron schedule
// (standard five-field syntax or descriptors such as "@every 1m").
// Each activation gets a new ID, so WithTaskID is rejected.
func (m *Manager) SubmitRecurring(schedule, name, taskType string, params any, opts ...SubmitOption) (cron.EntryID, error) {
	proto, err := m.buildTask(name, taskType, params, opts)
	if err != nil {
		return 0, err
	}
	var s submission
	for _, opt := range opts {
		opt(&s)
	}
	if s.id != "" {
		return 0, &task.ValidationError{Field: "id", Reason: "recurring submissions cannot use a fixed task id"}
	}
	if s.scheduleTime != nil {
		return 0, &task.ValidationError{Field: "schedule_time", Reason: "recurring submissions are timed by their cron schedule"}
	}

	id, err := m.cron.AddFunc(schedule, func() {
		taskID, err := m.Submit(context.Background(), proto.Name, taskType, proto.Params, opts...)
		if err != nil {
			m.logger.Error().Err(err).Str("schedule", schedule).Str("task_type", taskType).Msg("recurring submission failed")
			return
		}
		m.logger.Debug().Str("task_id", taskID).Str("schedule", schedule).Msg("recurring task submitted")
	})
	if err != nil {
		return 0, &task.ValidationError{Field: "schedule", Reason: err.Error()}
	}

	m.logger.Info().Str("schedule", schedule).Str("task_type", taskType).Int("entry_id", int(id)).Msg("recurring submission registered")
	return id, nil
}

// RemoveRecurring stops future activations of a recurring submission.
func (m *Manager) RemoveRecurring(id cron.EntryID) {
	m.cron.Remove(id)
}

// Recurring lists registered recurring submissions.
func (m *Manager) Recurring() []cron.Entry {
	return m.cron.Entries()
}

// cronLogger routes cron's logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	if err == nil {
		err = errors.New(msg)
	}
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(fmt.Sprintf("cron: %s", msg))
}
