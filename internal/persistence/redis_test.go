package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskd/internal/task"
)

func testRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisRepository(t *testing.T) {
	testRepository(t, func(t *testing.T) Repository {
		store, _ := testRedisStore(t)
		return store
	})
}

func TestRedisIndexesFollowStatus(t *testing.T) {
	store, mr := testRedisStore(t)
	ctx := context.Background()

	tk := sampleTask("r1", "echo", task.StatusPending, time.Now())
	require.NoError(t, store.Create(ctx, tk))

	ok, err := mr.SIsMember("test:status:pending", "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	tk.Status = task.StatusRunning
	require.NoError(t, store.Update(ctx, tk))

	// The set is removed along with its last member.
	assert.False(t, mr.Exists("test:status:pending"))
	ok, err = mr.SIsMember("test:status:running", "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "running", mr.HGet("test:task:r1", "status"))
}

func TestNewRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, "taskd:task:abc", store.taskKey("abc"))

	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = NewRedisStore(ctx, RedisOptions{Addr: addr})
	assert.Error(t, err)
}
