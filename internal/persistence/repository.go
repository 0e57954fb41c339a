package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/taskd/internal/task"
)

// ErrAlreadyExists is returned by Create when a task with the same ID is stored.
var ErrAlreadyExists = errors.New("task already exists")

// Repository stores task snapshots outside the scheduler's memory.
// Lookups of unknown IDs return an error wrapping task.ErrNotFound.
type Repository interface {
	Create(ctx context.Context, t *task.Task) error
	Update(ctx context.Context, t *task.Task) error
	GetByID(ctx context.Context, id string) (*task.Task, error)
	GetByStatus(ctx context.Context, status task.Status) ([]*task.Task, error)
	GetByType(ctx context.Context, taskType string) ([]*task.Task, error)
	CountByStatus(ctx context.Context) (map[task.Status]int, error)
	Close() error
}

// Resolver answers dependency status lookups from a Repository.
// It satisfies scheduler.StatusResolver.
type Resolver struct {
	Repo Repository
}

// ResolveStatus reports the stored status of id. Unknown IDs are not an error.
func (r Resolver) ResolveStatus(ctx context.Context, id string) (task.Status, bool, error) {
	t, err := r.Repo.GetByID(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolving status of %q: %w", id, err)
	}
	return t.Status, true, nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", task.ErrNotFound, id)
}
