package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskd/internal/task"
)

const taskColumns = `id, name, type, params, priority, schedule_time, timeout_ns, max_retries, retry_count,
	metadata, status, created_at, scheduled_at, started_at, completed_at, progress, result, error,
	resource_usage, execution_time_ns`

// Create inserts a new task and its dependencies.
func (s *SQLiteStore) Create(ctx context.Context, t *task.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	args, err := encodeTask(t)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, append(args, formatTime(time.Now()))...)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, t.ID)
	}

	if err := writeDependencies(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Update replaces the stored snapshot of an existing task.
func (s *SQLiteStore) Update(ctx context.Context, t *task.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	args, err := encodeTask(t)
	if err != nil {
		return err
	}
	// args[0] is the id; it moves to the WHERE clause.
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			name = ?, type = ?, params = ?, priority = ?, schedule_time = ?, timeout_ns = ?,
			max_retries = ?, retry_count = ?, metadata = ?, status = ?, created_at = ?,
			scheduled_at = ?, started_at = ?, completed_at = ?, progress = ?, result = ?,
			error = ?, resource_usage = ?, execution_time_ns = ?, updated_at = ?
		WHERE id = ?
	`, append(append(args[1:], formatTime(time.Now())), t.ID)...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	} else if n == 0 {
		return notFound(t.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, t.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}
	if err := writeDependencies(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func writeDependencies(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	for i, dep := range t.Dependencies {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, position, depends_on_id, required_status)
			VALUES (?, ?, ?, ?)
		`, t.ID, i, dep.TaskID, string(dep.Required()))
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, dep.TaskID, err)
		}
	}
	return nil
}

// GetByID retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := s.loadDependencies(ctx, []*task.Task{t}); err != nil {
		return nil, err
	}
	return t, nil
}

// GetByStatus lists tasks in the given status, oldest first.
func (s *SQLiteStore) GetByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return s.list(ctx, `WHERE status = ?`, string(status))
}

// GetByType lists tasks of the given type, oldest first.
func (s *SQLiteStore) GetByType(ctx context.Context, taskType string) ([]*task.Task, error) {
	return s.list(ctx, `WHERE type = ?`, taskType)
}

// CountByStatus returns the number of stored tasks per status.
// Every known status is present in the result, possibly with zero.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	counts := make(map[task.Status]int, len(task.AllStatuses))
	for _, st := range task.AllStatuses {
		counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[task.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) list(ctx context.Context, where string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	tasks := []*task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	if err := s.loadDependencies(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, tasks []*task.Task) error {
	for _, t := range tasks {
		rows, err := s.db.QueryContext(ctx, `
			SELECT depends_on_id, required_status
			FROM task_dependencies
			WHERE task_id = ?
			ORDER BY position
		`, t.ID)
		if err != nil {
			return fmt.Errorf("failed to query dependencies for task %s: %w", t.ID, err)
		}

		for rows.Next() {
			var dep task.Dependency
			var required string
			if err := rows.Scan(&dep.TaskID, &required); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan dependency: %w", err)
			}
			dep.RequiredStatus = task.Status(required)
			t.Dependencies = append(t.Dependencies, dep)
		}
		rows.Close()

		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating dependencies: %w", err)
		}
	}
	return nil
}

// encodeTask returns the column values of t in taskColumns order.
func encodeTask(t *task.Task) ([]any, error) {
	var usage sql.NullString
	if len(t.ResourceUsage) > 0 {
		data, err := json.Marshal(t.ResourceUsage)
		if err != nil {
			return nil, fmt.Errorf("failed to encode resource usage: %w", err)
		}
		usage = sql.NullString{String: string(data), Valid: true}
	}

	return []any{
		t.ID,
		t.Name,
		t.Type,
		payloadColumn(t.Params),
		int(t.Priority),
		timeColumn(t.ScheduleTime),
		int64(t.Timeout),
		t.MaxRetries,
		t.RetryCount,
		payloadColumn(t.Metadata),
		string(t.Status),
		formatTime(t.CreatedAt),
		timeColumn(t.ScheduledAt),
		timeColumn(t.StartedAt),
		timeColumn(t.CompletedAt),
		t.Progress,
		payloadColumn(t.Result),
		t.Error,
		usage,
		int64(t.ExecutionTime),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var params, metadata, result, usage sql.NullString
	var scheduleTime, scheduledAt, startedAt, doneAt sql.NullString
	var createdAt, status string
	var priority int
	var timeout, execTime int64

	err := row.Scan(
		&t.ID, &t.Name, &t.Type, &params, &priority, &scheduleTime, &timeout, &t.MaxRetries, &t.RetryCount,
		&metadata, &status, &createdAt, &scheduledAt, &startedAt, &doneAt, &t.Progress, &result, &t.Error,
		&usage, &execTime,
	)
	if err != nil {
		return nil, err
	}

	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.Timeout = time.Duration(timeout)
	t.ExecutionTime = time.Duration(execTime)
	t.Params = payloadValue(params)
	t.Metadata = payloadValue(metadata)
	t.Result = payloadValue(result)

	if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{scheduleTime, &t.ScheduleTime},
		{scheduledAt, &t.ScheduledAt},
		{startedAt, &t.StartedAt},
		{doneAt, &t.CompletedAt},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, err
		}
	}

	if usage.Valid {
		if err := json.Unmarshal([]byte(usage.String), &t.ResourceUsage); err != nil {
			return nil, fmt.Errorf("decoding resource usage: %w", err)
		}
	}
	return &t, nil
}

func payloadColumn(p task.Payload) sql.NullString {
	if p.Empty() {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}

func payloadValue(s sql.NullString) task.Payload {
	if !s.Valid {
		return nil
	}
	return task.Payload(s.String)
}

// timeLayout keeps a fixed fraction width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func timeColumn(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	v, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parsing time %q: %w", s.String, err)
	}
	return &v, nil
}
