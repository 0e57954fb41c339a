package taskmanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aristath/taskd/internal/task"
)

// BreakerRegistry manages per-task-type circuit breakers.
type BreakerRegistry struct {
	failures    uint32
	openTimeout time.Duration
	halfOpen    uint32
	logger      zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry whose breakers trip after the given number of
// consecutive failures and stay open for openTimeout.
func NewBreakerRegistry(failures int, openTimeout time.Duration, halfOpen int, logger zerolog.Logger) *BreakerRegistry {
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	if halfOpen <= 0 {
		halfOpen = 1
	}
	return &BreakerRegistry{
		failures:    uint32(failures),
		openTimeout: openTimeout,
		halfOpen:    uint32(halfOpen),
		logger:      logger,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given task type, creating it on first use.
func (r *BreakerRegistry) Get(taskType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[taskType]; ok {
		return cb
	}

	threshold := r.failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        taskType,
		MaxRequests: r.halfOpen,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn().Str("task_type", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about the health of the task type.
			if err == nil || errors.Is(err, context.Canceled) || task.IsCancellation(err) {
				return true
			}
			return false
		},
	})

	r.breakers[taskType] = cb
	return cb
}

// States reports the state of every breaker created so far.
func (r *BreakerRegistry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State().String()
	}
	return out
}

// execute runs fn through the breaker for taskType. Rejections surface as task.ErrCircuitOpen.
func (r *BreakerRegistry) execute(taskType string, fn func() (any, error)) (any, error) {
	result, err := r.Get(taskType).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, task.ErrCircuitOpen
	}
	return result, err
}
