// Package progress delivers job step updates to the server asynchronously.
//
// Updates are best effort. They ride a bounded queue and are delivered by a
// single goroutine so one job's steps arrive in the order they were
// reported. When the queue is full or the server is unhealthy the update is
// dropped: a step superseded by a newer one is worthless, so unlike a
// durable event pipeline there is no requeueing.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/josenavas/qiita-client/internal/apperrors"
	"github.com/josenavas/qiita-client/internal/wire"
	"github.com/josenavas/qiita-client/pkg/backoff"
	"github.com/josenavas/qiita-client/pkg/circuitbreaker"
)

// ErrBufferFull is returned when the queue is full and the update is dropped.
var ErrBufferFull = errors.New("progress buffer full, update dropped")

// Delivery defaults - these rarely need tuning.
const (
	defaultBufferSize       = 256
	defaultDeliveryTimeout  = 30 * time.Second
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// Poster posts protocol messages to the coordination server.
type Poster interface {
	Post(ctx context.Context, path string, payload any) ([]byte, error)
}

// MetricsRecorder is an optional interface for recording reporter metrics.
type MetricsRecorder interface {
	RecordStepDelivered(ctx context.Context, durationSeconds float64)
	RecordStepFailed(ctx context.Context)
	RecordStepDropped(ctx context.Context)
	RecordStepQueueSize(ctx context.Context, size int64)
}

// Config holds configuration for the reporter.
type Config struct {
	BufferSize int             // pending updates buffer (default: 256)
	Timeout    time.Duration   // per-delivery budget (default: 30s)
	Backoff    *backoff.Config // between delivery retries; nil uses defaults
	Breaker    circuitbreaker.Config
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultDeliveryTimeout
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = defaultBreakerThreshold
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = defaultBreakerCooldown
	}
	return c
}

// Update is one step report for a job.
type Update struct {
	JobID string
	Step  string
}

// Reporter is an in-memory async step reporter.
type Reporter struct {
	queue   chan Update
	client  Poster
	breaker *circuitbreaker.Breaker
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	// Internal counters (for Stats())
	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a reporter and starts its delivery goroutine.
func New(client Poster, cfg Config, metrics MetricsRecorder) *Reporter {
	cfg = cfg.withDefaults()

	r := &Reporter{
		queue:    make(chan Update, cfg.BufferSize),
		client:   client,
		breaker:  circuitbreaker.New(cfg.Breaker),
		cfg:      cfg,
		logger:   slog.With("component", "progress"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.worker()

	if metrics != nil {
		go r.reportQueueSize()
	}

	return r
}

// reportQueueSize periodically reports the queue size metric.
func (r *Reporter) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.metrics.RecordStepQueueSize(context.Background(), int64(len(r.queue)))
		}
	}
}

// Report queues a step update for async delivery. Non-blocking; returns
// ErrBufferFull if the update cannot be queued.
func (r *Reporter) Report(jobID, step string) error {
	if r.closed.Load() {
		return fmt.Errorf("progress reporter is closed")
	}

	select {
	case r.queue <- Update{JobID: jobID, Step: step}:
		r.queued.Add(1)
		return nil
	default:
		r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.RecordStepDropped(context.Background())
		}
		r.logger.Warn("Step update dropped, buffer full", "jobId", jobID, "step", step)
		return ErrBufferFull
	}
}

// Stats holds reporter statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total updates queued
	Delivered    int64 // successful deliveries
	Failed       int64 // failed after retries
	Dropped      int64 // dropped due to full buffer or open circuit
	RetriesTotal int64 // total retry attempts
	BreakerOpen  bool
}

// Stats returns current reporter statistics.
func (r *Reporter) Stats() Stats {
	return Stats{
		QueueDepth:   len(r.queue),
		Queued:       r.queued.Load(),
		Delivered:    r.delivered.Load(),
		Failed:       r.failed.Load(),
		Dropped:      r.dropped.Load(),
		RetriesTotal: r.retriesTotal.Load(),
		BreakerOpen:  r.breaker.State() == circuitbreaker.Open,
	}
}

// Close gracefully shuts down the reporter, attempting to deliver queued
// updates. The context deadline controls how long to wait for the drain.
func (r *Reporter) Close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil // already closed
	}

	close(r.shutdown)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Progress reporter drained",
			"delivered", r.delivered.Load(),
			"failed", r.failed.Load(),
			"dropped", r.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		r.logger.Warn("Progress reporter shutdown timed out", "remaining", len(r.queue))
		return ctx.Err()
	}
}

// worker processes updates from the queue.
func (r *Reporter) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.shutdown:
			r.drainQueue()
			return
		case u := <-r.queue:
			r.deliver(u)
		}
	}
}

// drainQueue delivers remaining updates after the shutdown signal.
func (r *Reporter) drainQueue() {
	for {
		select {
		case u := <-r.queue:
			r.deliver(u)
		default:
			return // queue empty
		}
	}
}

// deliver attempts to deliver one update with retry and circuit breaker.
func (r *Reporter) deliver(u Update) {
	if !r.breaker.Allow() {
		r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.RecordStepDropped(context.Background())
		}
		r.logger.Debug("Step update dropped, circuit open", "jobId", u.JobID, "step", u.Step)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	if err := r.sendWithRetry(ctx, u); err != nil {
		// A rejection means the server answered; only transport-level
		// trouble counts against its health.
		if apperrors.Retryable(err) {
			r.breaker.RecordFailure()
		} else {
			r.breaker.RecordSuccess()
		}
		r.failed.Add(1)
		if r.metrics != nil {
			r.metrics.RecordStepFailed(ctx)
		}
		r.logger.Warn("Step update failed", "jobId", u.JobID, "step", u.Step, "error", err)
		return
	}

	r.breaker.RecordSuccess()
	r.delivered.Add(1)
	if r.metrics != nil {
		r.metrics.RecordStepDelivered(ctx, time.Since(start).Seconds())
	}
}

func (r *Reporter) sendWithRetry(ctx context.Context, u Update) error {
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			r.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, r.cfg.Backoff)):
			}
		}

		_, lastErr = r.client.Post(ctx, wire.StepPath(u.JobID), wire.StepUpdate{Step: u.Step})
		if lastErr == nil {
			return nil
		}
		if !apperrors.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
