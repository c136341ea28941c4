// Package testutil holds helpers shared by the package tests: polling for
// asynchronous outcomes and a fake clock for the poll loops.
package testutil

import (
	"testing"
	"time"
)

type waitConfig struct {
	timeout  time.Duration
	interval time.Duration
	what     string
}

// WaitOption tunes WaitFor and friends.
type WaitOption func(*waitConfig)

// WithTimeout bounds the wait (default 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.timeout = d }
}

// WithInterval sets the time between checks (default 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.interval = d }
}

// WithMessage names the awaited condition in failure messages.
func WithMessage(what string) WaitOption {
	return func(c *waitConfig) { c.what = what }
}

func newWaitConfig(opts []WaitOption) waitConfig {
	c := waitConfig{timeout: 30 * time.Second, interval: 100 * time.Millisecond, what: "condition"}
	for _, opt := range opts {
		opt(&c)
	}
	if c.interval <= 0 || c.interval > c.timeout {
		c.interval = c.timeout
	}
	return c
}

// WaitFor checks condition until it holds or the timeout passes. The
// condition is checked once more at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	c := newWaitConfig(opts)
	if condition() {
		return true
	}

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if condition() {
				return true
			}
		case <-deadline.C:
			return condition()
		}
	}
}

// Counter is satisfied by *atomic.Int64.
type Counter interface {
	Load() int64
}

// MustWaitFor fails the test when condition does not hold in time.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatalf("timed out after %v waiting for %s", newWaitConfig(opts).timeout, newWaitConfig(opts).what)
	}
}

// MustWaitForCount fails the test when counter stays below target.
func MustWaitForCount(tb testing.TB, counter Counter, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, func() bool { return counter.Load() >= target }, opts...) {
		tb.Fatalf("timed out waiting for count %d, last saw %d", target, counter.Load())
	}
}
