// Package backoff provides exponential backoff and a retry loop built on it.
package backoff

import (
	"context"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	return time.Duration(d)
}

// Policy controls Retry.
type Policy struct {
	Retries int     // retries after the first attempt; 0 means a single attempt
	Backoff *Config // nil uses Exponential defaults

	// Retryable reports whether err is worth another attempt. Nil retries every error.
	Retryable func(err error) bool

	// OnRetry runs before each retry with the attempt number (1-based) and the previous error.
	OnRetry func(attempt int, err error)
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent, sleeping Exponential(attempt) between attempts.
// The last error is returned unmodified; ctx cancellation during a wait
// returns ctx.Err().
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := range p.Retries + 1 {
		if attempt > 0 {
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr)
			}
			timer := time.NewTimer(Exponential(attempt, p.Backoff))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
