package task

import "context"

// ProgressFunc receives progress updates for the task executing under a context.
type ProgressFunc func(pct float64)

type progressKey struct{}

type taskIDKey struct{}

// WithProgress attaches a progress reporter and the executing task's ID to ctx.
func WithProgress(ctx context.Context, taskID string, fn ProgressFunc) context.Context {
	ctx = context.WithValue(ctx, taskIDKey{}, taskID)
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress records progress (0..100) for the task executing under ctx.
// It is a no-op outside a handler invocation.
func ReportProgress(ctx context.Context, pct float64) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(pct)
	}
}

// IDFromContext returns the ID of the task executing under ctx.
func IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(taskIDKey{}).(string)
	return id, ok
}
