package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/taskd/internal/task"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func sampleTask(id, taskType string, status task.Status, created time.Time) *task.Task {
	t := task.New("name-"+id, taskType, task.MustPayload(map[string]any{"n": 1}))
	t.ID = id
	t.Status = status
	t.CreatedAt = created
	return t
}

func TestSQLiteMigrations(t *testing.T) {
	store := testStore(t)

	version, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}
}

func TestSQLiteStoresAreIsolated(t *testing.T) {
	ctx := context.Background()
	a := testStore(t)
	b := testStore(t)

	if err := a.Create(ctx, sampleTask("only-in-a", "echo", task.StatusPending, time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := b.GetByID(ctx, "only-in-a"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("expected ErrNotFound from second store, got %v", err)
	}
}

func TestSQLiteFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "taskd.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.Create(ctx, sampleTask("persisted", "echo", task.StatusPending, time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening must not re-run migrations destructively.
	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetByID(ctx, "persisted")
	if err != nil {
		t.Fatalf("GetByID after reopen: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
}

func TestSQLiteRepository(t *testing.T) {
	testRepository(t, func(t *testing.T) Repository {
		return testStore(t)
	})
}
