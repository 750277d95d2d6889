// Package testutil provides small helpers for tests that wait on
// asynchronous outcomes: background deliveries, heartbeat loops, and
// ownership-loss signals.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions bounds one wait.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption adjusts WaitOptions.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 2ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

// WaitFor polls condition until it reports true or the timeout elapses.
// The condition is checked one final time at the deadline so a slow CI
// scheduler cannot miss a state that did arrive.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := WaitOptions{Timeout: 5 * time.Second, Interval: 2 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	timeout := time.After(o.Timeout)
	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}
		select {
		case <-timeout:
			return condition()
		case <-ticker.C:
		}
	}
}

// MustWaitFor fails the test when condition does not hold before the
// timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustReceive waits for ch to yield or close, failing the test at the
// timeout. Used for loss and shutdown signals.
func MustReceive(tb testing.TB, ch <-chan struct{}, timeout time.Duration) {
	tb.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		tb.Fatal("timed out waiting on channel")
	}
}

// MustNotReceive asserts ch stays silent for the full window. Used to prove
// a signal that must fire at most once does not fire again.
func MustNotReceive(tb testing.TB, ch <-chan struct{}, window time.Duration) {
	tb.Helper()
	select {
	case <-ch:
		tb.Fatal("unexpected channel signal")
	case <-time.After(window):
	}
}
