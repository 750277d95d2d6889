package backoff

import (
	"context"
	"fmt"
	"time"
)

const defaultMaxAttempts = 3

// Policy runs operations with bounded retries and exponential backoff
// between attempts.
type Policy struct {
	MaxAttempts int                          // total attempts including the first; default: 3
	Backoff     *Config                      // nil uses Config defaults
	Permanent   func(error) bool             // optional; true short-circuits retrying
	OnRetry     func(attempt int, err error) // optional; called when a failed attempt will be retried
}

// Do invokes op until it succeeds, fails permanently, exhausts the attempt
// budget, or ctx is cancelled while waiting between attempts. Cancellation
// surfaces as a wrapped ctx.Err() so callers can distinguish "told to stop"
// from "gave up"; permanent errors are returned unwrapped so their
// classification survives.
func (p *Policy) Do(ctx context.Context, op func(context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := range maxAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry interrupted: %w", ctx.Err())
			case <-time.After(Exponential(attempt, p.Backoff)):
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Permanent != nil && p.Permanent(lastErr) {
			return lastErr
		}
		if p.OnRetry != nil && attempt < maxAttempts-1 {
			p.OnRetry(attempt+1, lastErr)
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxAttempts, lastErr)
}
