package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taskd/internal/task"
)

func (m *Manager) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.dispatch()
		}
	}
}

// dispatch hands every newly promoted task to its own execution unit.
func (m *Manager) dispatch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.sched.TakeDispatchable() {
		unitCtx, cancel := context.WithCancelCause(m.execCtx)
		m.inflight[t.ID] = &execution{cancel: cancel}
		m.units.Add(1)
		go m.execute(unitCtx, cancel, t)
	}
}

// execute runs one attempt of t and reports the outcome to the scheduler.
func (m *Manager) execute(ctx context.Context, cancel context.CancelCauseFunc, t *task.Task) {
	defer m.units.Done()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, t.ID)
		m.mu.Unlock()
		cancel(nil)
	}()

	attempt := t.RetryCount + 1
	log := m.logger.With().Str("task_id", t.ID).Str("task_type", t.Type).Int("attempt", attempt).Logger()

	if err := m.gate.Acquire(ctx, 1); err != nil {
		m.finishCancelled(ctx, t, log)
		return
	}
	defer m.gate.Release(1)

	loadStart := m.systemLoad()
	log.Debug().Msg("execution started")

	result, err := m.run(ctx, t)

	m.sched.RecordUsage(t.ID, map[string]float64{
		"system_load_start": loadStart,
		"system_load_end":   m.systemLoad(),
		"attempt":           float64(attempt),
	})

	switch {
	case ctx.Err() != nil:
		m.finishCancelled(ctx, t, log)

	case err != nil:
		execErr := &task.ExecutionError{TaskID: t.ID, Attempt: attempt, Err: err}
		log.Warn().Err(err).Msg("execution failed")
		if serr := m.sched.TaskFailed(t.ID, execErr); serr != nil {
			log.Error().Err(serr).Msg("failed to record task failure")
		}

	default:
		payload, perr := task.NewPayload(result)
		if perr != nil {
			perr = &task.ExecutionError{TaskID: t.ID, Attempt: attempt, Err: fmt.Errorf("encoding result: %w", perr)}
			log.Error().Err(perr).Msg("handler result not serializable")
			if serr := m.sched.TaskFailed(t.ID, perr); serr != nil {
				log.Error().Err(serr).Msg("failed to record task failure")
			}
			return
		}
		log.Debug().Msg("execution succeeded")
		if serr := m.sched.TaskCompleted(t.ID, payload); serr != nil {
			log.Error().Err(serr).Msg("failed to record task completion")
		}
	}
}

func (m *Manager) finishCancelled(ctx context.Context, t *task.Task, log zerolog.Logger) {
	reason := "cancelled"
	var ce *task.CancellationError
	if errors.As(context.Cause(ctx), &ce) && ce.Reason != "" {
		reason = ce.Reason
	}
	log.Info().Str("reason", reason).Msg("execution cancelled")
	if err := m.sched.TaskCancelled(t.ID, reason); err != nil {
		log.Error().Err(err).Msg("failed to record task cancellation")
	}
}

// run invokes the handler for t, applying the breaker and the per-attempt timeout.
// It stops waiting as soon as ctx is done; the handler is expected to observe ctx.
func (m *Manager) run(ctx context.Context, t *task.Task) (any, error) {
	h, ok := m.handler(t.Type)
	if !ok {
		return nil, fmt.Errorf("no handler registered for %q", t.Type)
	}

	attemptCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	attemptCtx = task.WithProgress(attemptCtx, t.ID, func(pct float64) {
		m.sched.UpdateProgress(t.ID, pct)
	})

	call := func() (any, error) { return m.await(attemptCtx, h, t) }
	if m.breakers != nil {
		return m.breakers.execute(t.Type, call)
	}
	return call()
}

type outcome struct {
	result any
	err    error
}

// await runs h in its own goroutine so a handler that ignores ctx cannot hold the unit.
func (m *Manager) await(ctx context.Context, h Handler, t *task.Task) (any, error) {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("task_id", t.ID).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := h(ctx, t)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s: %w", t.Timeout, context.DeadlineExceeded)
		}
		return o.result, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s: %w", t.Timeout, context.DeadlineExceeded)
		}
		return nil, ctx.Err()
	}
}

func (m *Manager) systemLoad() float64 {
	if m.monitor == nil {
		return 0
	}
	return m.monitor.SystemLoad()
}
