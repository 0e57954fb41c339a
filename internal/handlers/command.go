package handlers

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/aristath/taskd/internal/task"
)

// CommandParams are the params of a "command" task.
type CommandParams struct {
	Command string            `json:"command" validate:"required"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// MaxOutput caps the bytes kept from each stream; 0 means DefaultMaxOutput.
	MaxOutput int `json:"max_output,omitempty" validate:"gte=0"`
}

// CommandResult is the result of a successful "command" task.
type CommandResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// DefaultMaxOutput is the per-stream output cap for command tasks.
const DefaultMaxOutput = 1 << 20

// Command returns a handler that runs an external program in its own process group.
// A non-zero exit status fails the attempt; cancellation kills the group.
func Command(pm *ProcessManager) func(ctx context.Context, t *task.Task) (any, error) {
	return func(ctx context.Context, t *task.Task) (any, error) {
		var p CommandParams
		if err := decodeParams(t, &p); err != nil {
			return nil, err
		}

		cmd := newCommand(ctx, p.Command, p.Args...)
		cmd.Dir = p.Dir
		if len(p.Env) > 0 {
			cmd.Env = append(os.Environ(), envList(p.Env)...)
		}

		task.ReportProgress(ctx, 0)
		start := time.Now()
		stdout, stderr, err := executeCommand(ctx, cmd, pm)
		if err != nil {
			if code := exitCode(err); code >= 0 {
				return nil, fmt.Errorf("exit status %d: %w", code, err)
			}
			return nil, err
		}
		task.ReportProgress(ctx, 100)

		limit := p.MaxOutput
		if limit == 0 {
			limit = DefaultMaxOutput
		}
		out, cutOut := truncate(stdout, limit)
		errOut, cutErr := truncate(stderr, limit)

		return CommandResult{
			ExitCode:   0,
			Stdout:     out,
			Stderr:     errOut,
			Truncated:  cutOut || cutErr,
			DurationMS: time.Since(start).Milliseconds(),
		}, nil
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func truncate(b []byte, limit int) (string, bool) {
	if len(b) <= limit {
		return string(b), false
	}
	return string(b[:limit]), true
}
