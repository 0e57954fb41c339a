package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskd/internal/task"
)

// testRepository runs the behaviour every Repository implementation must share.
func testRepository(t *testing.T, newRepo func(t *testing.T) Repository) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("round trip", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		sched := base.Add(time.Hour)
		started := base.Add(2 * time.Hour)
		in := sampleTask("t1", "echo", task.StatusScheduled, base)
		in.Priority = task.PriorityHigh
		in.Dependencies = []task.Dependency{
			{TaskID: "dep-a"},
			{TaskID: "dep-b", RequiredStatus: task.StatusFailed},
		}
		in.ScheduleTime = &sched
		in.StartedAt = &started
		in.Timeout = 3 * time.Second
		in.MaxRetries = 4
		in.RetryCount = 1
		in.Metadata = task.MustPayload(map[string]string{"owner": "ops"})
		in.ResourceUsage = map[string]float64{"attempt": 2}
		in.ExecutionTime = 1500 * time.Millisecond

		require.NoError(t, repo.Create(ctx, in))

		got, err := repo.GetByID(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, in.Name, got.Name)
		assert.Equal(t, "echo", got.Type)
		assert.JSONEq(t, `{"n":1}`, string(got.Params))
		assert.JSONEq(t, `{"owner":"ops"}`, string(got.Metadata))
		assert.Equal(t, task.PriorityHigh, got.Priority)
		assert.Equal(t, task.StatusScheduled, got.Status)
		assert.Equal(t, 3*time.Second, got.Timeout)
		assert.Equal(t, 4, got.MaxRetries)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, 1500*time.Millisecond, got.ExecutionTime)
		assert.Equal(t, map[string]float64{"attempt": 2}, got.ResourceUsage)
		assert.True(t, got.CreatedAt.Equal(base))
		require.NotNil(t, got.ScheduleTime)
		assert.True(t, got.ScheduleTime.Equal(sched))
		require.NotNil(t, got.StartedAt)
		assert.True(t, got.StartedAt.Equal(started))
		assert.Nil(t, got.CompletedAt)
		assert.True(t, got.Result.Empty())

		require.Len(t, got.Dependencies, 2)
		assert.Equal(t, "dep-a", got.Dependencies[0].TaskID)
		assert.Equal(t, task.StatusCompleted, got.Dependencies[0].Required())
		assert.Equal(t, "dep-b", got.Dependencies[1].TaskID)
		assert.Equal(t, task.StatusFailed, got.Dependencies[1].Required())
	})

	t.Run("create rejects duplicates", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		require.NoError(t, repo.Create(ctx, sampleTask("dup", "echo", task.StatusPending, base)))
		err := repo.Create(ctx, sampleTask("dup", "echo", task.StatusPending, base))
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("update replaces snapshot", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		tk := sampleTask("u1", "echo", task.StatusPending, base)
		tk.Dependencies = task.DependsOn("x", "y")
		require.NoError(t, repo.Create(ctx, tk))

		done := base.Add(time.Minute)
		tk.Status = task.StatusCompleted
		tk.Progress = 100
		tk.CompletedAt = &done
		tk.Result = task.MustPayload([]int{1, 2, 3})
		tk.Dependencies = task.DependsOn("x")
		require.NoError(t, repo.Update(ctx, tk))

		got, err := repo.GetByID(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status)
		assert.Equal(t, 100.0, got.Progress)
		assert.JSONEq(t, `[1,2,3]`, string(got.Result))
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.CompletedAt.Equal(done))
		assert.Equal(t, []string{"x"}, got.DependencyIDs())

		pending, err := repo.GetByStatus(ctx, task.StatusPending)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("update unknown", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.Update(context.Background(), sampleTask("ghost", "echo", task.StatusRunning, base))
		assert.ErrorIs(t, err, task.ErrNotFound)
	})

	t.Run("get unknown", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetByID(context.Background(), "ghost")
		assert.ErrorIs(t, err, task.ErrNotFound)
	})

	t.Run("queries and counts", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		fixtures := []*task.Task{
			sampleTask("c", "echo", task.StatusCompleted, base.Add(3*time.Second)),
			sampleTask("a", "echo", task.StatusCompleted, base.Add(1*time.Second)),
			sampleTask("b", "sleep", task.StatusFailed, base.Add(2*time.Second)),
			sampleTask("d", "sleep", task.StatusPending, base.Add(4*time.Second)),
		}
		for _, f := range fixtures {
			require.NoError(t, repo.Create(ctx, f))
		}

		completed, err := repo.GetByStatus(ctx, task.StatusCompleted)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids(completed))

		sleeps, err := repo.GetByType(ctx, "sleep")
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "d"}, ids(sleeps))

		none, err := repo.GetByType(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, none)

		counts, err := repo.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[task.StatusCompleted])
		assert.Equal(t, 1, counts[task.StatusFailed])
		assert.Equal(t, 1, counts[task.StatusPending])
		assert.Equal(t, 0, counts[task.StatusRunning])
		assert.Len(t, counts, len(task.AllStatuses))
	})

	t.Run("resolver", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, sampleTask("known", "echo", task.StatusFailed, base)))

		r := Resolver{Repo: repo}
		st, ok, err := r.ResolveStatus(ctx, "known")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, task.StatusFailed, st)

		_, ok, err = r.ResolveStatus(ctx, "unknown")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func ids(tasks []*task.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
