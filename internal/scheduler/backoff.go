package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryDelay returns the wait before retry number retryCount (1-based):
// InitialBackoff * Multiplier^(retryCount-1), capped at MaxBackoff. With the defaults
// this is 2^retryCount seconds.
func (s *Scheduler) RetryDelay(retryCount int) time.Duration {
	return retryDelay(s.cfg, retryCount)
}

func retryDelay(cfg Config, retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.Multiplier = cfg.BackoffMultiplier
	b.MaxInterval = cfg.MaxBackoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
