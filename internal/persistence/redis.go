package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/aristath/taskd/internal/task"
)

// RedisOptions configures a RedisStore connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key prefix; defaults to "taskd"
}

// RedisStore implements Repository on Redis.
// Each task is a hash at <prefix>:task:<id>; status and type index sets point back at it.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Repository = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreFromClient(rdb, opts.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership of rdb.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "taskd"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) taskKey(id string) string        { return s.prefix + ":task:" + id }
func (s *RedisStore) statusKey(st task.Status) string { return s.prefix + ":status:" + string(st) }
func (s *RedisStore) typeKey(t string) string         { return s.prefix + ":type:" + t }

// Create stores a new task. It fails with ErrAlreadyExists if the ID is taken.
func (s *RedisStore) Create(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	key := s.taskKey(t.ID)
	ok, err := s.rdb.HSetNX(ctx, key, "data", data).Result()
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, t.ID)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "status", string(t.Status), "type", t.Type)
		pipe.SAdd(ctx, s.statusKey(t.Status), t.ID)
		pipe.SAdd(ctx, s.typeKey(t.Type), t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index task: %w", err)
	}
	return nil
}

// Update replaces the stored snapshot and moves the task between status sets.
func (s *RedisStore) Update(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	key := s.taskKey(t.ID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.HMGet(ctx, key, "status", "type").Result()
		if err != nil {
			return err
		}
		prevStatus, ok := prev[0].(string)
		if !ok {
			return notFound(t.ID)
		}
		prevType, _ := prev[1].(string)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "data", data, "status", string(t.Status), "type", t.Type)
			if prevStatus != string(t.Status) {
				pipe.SRem(ctx, s.statusKey(task.Status(prevStatus)), t.ID)
				pipe.SAdd(ctx, s.statusKey(t.Status), t.ID)
			}
			if prevType != t.Type {
				pipe.SRem(ctx, s.typeKey(prevType), t.ID)
				pipe.SAdd(ctx, s.typeKey(t.Type), t.ID)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, task.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// GetByID loads one task.
func (s *RedisStore) GetByID(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.rdb.HGet(ctx, s.taskKey(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return decodeTask(data)
}

// GetByStatus lists tasks in the given status, oldest first.
func (s *RedisStore) GetByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return s.members(ctx, s.statusKey(status))
}

// GetByType lists tasks of the given type, oldest first.
func (s *RedisStore) GetByType(ctx context.Context, taskType string) ([]*task.Task, error) {
	return s.members(ctx, s.typeKey(taskType))
}

// CountByStatus returns the size of every status set.
func (s *RedisStore) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	cmds := make(map[task.Status]*redis.IntCmd, len(task.AllStatuses))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, st := range task.AllStatuses {
			cmds[st] = pipe.SCard(ctx, s.statusKey(st))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	counts := make(map[task.Status]int, len(cmds))
	for st, cmd := range cmds {
		counts[st] = int(cmd.Val())
	}
	return counts, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) members(ctx context.Context, setKey string) ([]*task.Task, error) {
	ids, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query index %s: %w", setKey, err)
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, s.taskKey(id), "data")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load task: %w", err)
		}
		t, err := decodeTask(data)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func decodeTask(data []byte) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &t, nil
}
