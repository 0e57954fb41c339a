package persistence

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aristath/taskd/internal/events"
	"github.com/aristath/taskd/internal/task"
)

// RetryConfig controls how long the Recorder keeps retrying a failed write.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the write retry policy used when none is given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  15 * time.Second,
		Multiplier:      2,
	}
}

// Recorder mirrors task lifecycle events into a Repository.
// The scheduler never touches storage directly; it only publishes transitions.
type Recorder struct {
	repo   Repository
	retry  RetryConfig
	logger zerolog.Logger

	written atomic.Int64
	failed  atomic.Int64
}

// NewRecorder creates a Recorder writing to repo.
func NewRecorder(repo Repository, retry RetryConfig, logger zerolog.Logger) *Recorder {
	if retry.InitialInterval <= 0 {
		retry = DefaultRetryConfig()
	}
	return &Recorder{
		repo:   repo,
		retry:  retry,
		logger: logger.With().Str("component", "recorder").Logger(),
	}
}

// Run consumes ch until it is closed or ctx is done.
// Only task transition events are written; everything else is ignored.
func (r *Recorder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			tr, isTransition := ev.(events.TaskTransitionEvent)
			if !isTransition || tr.Snapshot == nil {
				continue
			}
			if err := r.Record(ctx, tr.Snapshot); err != nil {
				r.failed.Add(1)
				r.logger.Error().Err(err).Str("task_id", tr.ID).Str("status", string(tr.To)).Msg("failed to persist task")
				continue
			}
			r.written.Add(1)
		}
	}
}

// Record writes one snapshot, creating the row on first sight and retrying transient errors.
func (r *Recorder) Record(ctx context.Context, t *task.Task) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		err := r.repo.Update(ctx, t)
		if errors.Is(err, task.ErrNotFound) {
			err = r.repo.Create(ctx, t)
			if errors.Is(err, ErrAlreadyExists) {
				// Lost a race with another writer; the next attempt updates.
				return err
			}
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retry.InitialInterval
	policy.MaxInterval = r.retry.MaxInterval
	policy.MaxElapsedTime = r.retry.MaxElapsedTime
	policy.Multiplier = r.retry.Multiplier

	return backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		r.logger.Warn().Err(err).Str("task_id", t.ID).Dur("retry_in", wait).Msg("task write failed, retrying")
	})
}

// Counts returns how many snapshots were written and how many were given up on.
func (r *Recorder) Counts() (written, failed int64) {
	return r.written.Load(), r.failed.Load()
}
