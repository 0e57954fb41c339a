package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskd/internal/events"
	"github.com/aristath/taskd/internal/task"
)

var fastRetry = RetryConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsedTime:  time.Second,
	Multiplier:      2,
}

func transition(t *task.Task, from task.Status) events.TaskTransitionEvent {
	return events.TaskTransitionEvent{
		ID:        t.ID,
		From:      from,
		To:        t.Status,
		Snapshot:  t.Clone(),
		Timestamp: time.Now(),
	}
}

func TestRecorderMirrorsTransitions(t *testing.T) {
	store := testStore(t)
	bus := events.NewEventBus()
	ch := bus.Subscribe(events.TopicTask, 16)

	rec := NewRecorder(store, fastRetry, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		rec.Run(context.Background(), ch)
		close(done)
	}()

	tk := sampleTask("rec-1", "echo", task.StatusPending, time.Now())
	bus.Publish(events.TopicTask, transition(tk, ""))
	bus.Publish(events.TopicTask, events.TaskProgressEvent{ID: tk.ID, Progress: 40})

	tk.Status = task.StatusScheduled
	bus.Publish(events.TopicTask, transition(tk, task.StatusPending))
	tk.Status = task.StatusRunning
	bus.Publish(events.TopicTask, transition(tk, task.StatusScheduled))
	tk.Status = task.StatusCompleted
	tk.Result = task.MustPayload("ok")
	bus.Publish(events.TopicTask, transition(tk, task.StatusRunning))

	bus.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not stop after the bus closed")
	}

	got, err := store.GetByID(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.JSONEq(t, `"ok"`, string(got.Result))

	written, failed := rec.Counts()
	assert.Equal(t, int64(4), written)
	assert.Equal(t, int64(0), failed)
}

func TestRecorderCreatesOnFirstUpdate(t *testing.T) {
	store := testStore(t)
	rec := NewRecorder(store, fastRetry, zerolog.Nop())

	// The creation event was dropped; a later snapshot still lands.
	tk := sampleTask("late", "echo", task.StatusRunning, time.Now())
	require.NoError(t, rec.Record(context.Background(), tk))

	got, err := store.GetByID(context.Background(), "late")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
}

// flakyRepo fails the first n writes with a transient error.
type flakyRepo struct {
	Repository
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyRepo) Update(ctx context.Context, t *task.Task) error {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Repository.Update(ctx, t)
}

func TestRecorderRetriesTransientErrors(t *testing.T) {
	repo := &flakyRepo{Repository: testStore(t), failures: 2}
	rec := NewRecorder(repo, fastRetry, zerolog.Nop())

	tk := sampleTask("flaky", "echo", task.StatusPending, time.Now())
	require.NoError(t, rec.Record(context.Background(), tk))
	assert.Equal(t, 3, repo.calls)

	_, err := repo.GetByID(context.Background(), "flaky")
	assert.NoError(t, err)
}

func TestRecorderStopsOnContext(t *testing.T) {
	repo := &flakyRepo{Repository: testStore(t), failures: 1 << 30}
	rec := NewRecorder(repo, RetryConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Multiplier:      1,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rec.Record(ctx, sampleTask("never", "echo", task.StatusPending, time.Now()))
	assert.Error(t, err)
}
