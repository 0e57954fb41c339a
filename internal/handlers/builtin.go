// Package handlers provides the task handlers taskd registers out of the box.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aristath/taskd/internal/task"
	"github.com/aristath/taskd/internal/taskmanager"
)

// Built-in task types.
const (
	TypeCommand = "command"
	TypeSleep   = "sleep"
	TypeEcho    = "echo"
)

var validate = validator.New()

// Register installs every built-in handler on m.
func Register(m *taskmanager.Manager, pm *ProcessManager) {
	m.RegisterHandler(TypeCommand, Command(pm))
	m.RegisterHandler(TypeSleep, Sleep)
	m.RegisterHandler(TypeEcho, Echo)
}

// SleepParams are the params of a "sleep" task.
type SleepParams struct {
	Duration string `json:"duration" validate:"required"`
	Steps    int    `json:"steps,omitempty" validate:"gte=0,lte=1000"`
	// FailWith makes the task fail with this message after sleeping.
	FailWith string `json:"fail_with,omitempty"`
}

// Sleep waits for the requested duration, reporting progress in even steps.
func Sleep(ctx context.Context, t *task.Task) (any, error) {
	var p SleepParams
	if err := decodeParams(t, &p); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", p.Duration, err)
	}
	if d < 0 {
		return nil, fmt.Errorf("invalid duration %q: negative", p.Duration)
	}

	steps := p.Steps
	if steps == 0 {
		steps = 1
	}
	step := d / time.Duration(steps)

	timer := time.NewTimer(step)
	defer timer.Stop()
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		task.ReportProgress(ctx, float64(i)*100/float64(steps))
		timer.Reset(step)
	}

	if p.FailWith != "" {
		return nil, fmt.Errorf("%s", p.FailWith)
	}
	return map[string]string{"slept": d.String()}, nil
}

// Echo returns its params as the result.
func Echo(_ context.Context, t *task.Task) (any, error) {
	return t.Params.Clone(), nil
}

// decodeParams decodes and validates the task params into v.
func decodeParams(t *task.Task, v any) error {
	if err := t.Params.Decode(v); err != nil {
		return fmt.Errorf("%s params: %w", t.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%s params: %w", t.Type, err)
	}
	return nil
}
