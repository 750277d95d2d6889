// Package heartbeat proves to the server that this worker still owns a job.
//
// Ownership is leased: the server reassigns a job whose worker goes quiet
// for too long. The loop sends one synchronous beat up front so the caller
// knows the claim registered before doing any work, then keeps beating in
// the background until the job finishes, the loop is stopped, or ownership
// is lost. Loss is declared exactly once, either because the server
// answered 409 or because too many consecutive beats failed.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/josenavas/qiita-client/internal/apperrors"
	"github.com/josenavas/qiita-client/internal/wire"
	"github.com/josenavas/qiita-client/pkg/backoff"
)

// Defaults for Config fields left zero.
const (
	DefaultInterval  = 30 * time.Second
	DefaultMaxMisses = 3
)

// Poster posts protocol messages to the coordination server.
type Poster interface {
	Post(ctx context.Context, path string, payload any) ([]byte, error)
}

// MetricsRecorder is an optional hook for counting beats.
type MetricsRecorder interface {
	RecordHeartbeat(ctx context.Context, ok bool)
}

// Config tunes one job's heartbeat loop.
type Config struct {
	Interval  time.Duration   // time between beats
	MaxMisses int             // consecutive failed beats tolerated before ownership is declared lost
	Retry     backoff.Policy  // per-beat retry policy
	Metrics   MetricsRecorder // optional
}

// Loop sends periodic heartbeats for one job.
type Loop struct {
	client Poster
	jobID  string
	cfg    Config
	logger *slog.Logger

	lost chan struct{} // closed once when ownership is gone
	stop chan struct{}
	done chan struct{} // closed when no more beats will be sent

	stopOnce sync.Once

	mu      sync.Mutex
	lostErr error
}

// New builds a loop for one job. Nothing is sent until Start.
func New(client Poster, jobID string, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxMisses < 1 {
		cfg.MaxMisses = DefaultMaxMisses
	}
	if cfg.Retry.Permanent == nil {
		cfg.Retry.Permanent = func(err error) bool { return !apperrors.Retryable(err) }
	}
	return &Loop{
		client: client,
		jobID:  jobID,
		cfg:    cfg,
		logger: slog.With("component", "heartbeat", "jobId", jobID),
		lost:   make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start sends the first beat synchronously and, if the server accepts it,
// keeps beating in the background. An error means the claim never
// registered and the job must not start; a 409 surfaces as ErrConflict.
// Start must be called at most once.
func (l *Loop) Start(ctx context.Context) error {
	if err := l.beat(ctx); err != nil {
		close(l.done)
		return err
	}
	go l.run(ctx)
	return nil
}

// Lost is closed when ownership is gone. Err holds the reason.
func (l *Loop) Lost() <-chan struct{} {
	return l.lost
}

// Err reports why ownership was lost. Only meaningful after Lost is closed.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lostErr
}

// Stop ends the loop without declaring ownership lost. It is idempotent
// and returns once no further beats will be sent.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := l.beat(ctx)
		switch {
		case err == nil:
			if misses > 0 {
				l.logger.Info("Heartbeat recovered", "missed", misses)
			}
			misses = 0
		case errors.Is(err, apperrors.ErrConflict):
			l.logger.Warn("Job ownership revoked by server")
			l.declareLost(err)
			return
		default:
			misses++
			l.logger.Warn("Heartbeat missed", "missed", misses, "maxMisses", l.cfg.MaxMisses, "error", err)
			if misses >= l.cfg.MaxMisses {
				l.declareLost(fmt.Errorf("heartbeat: %d consecutive beats failed: %w", misses, err))
				return
			}
		}
	}
}

// beat sends one heartbeat, retrying transient failures per the policy.
func (l *Loop) beat(ctx context.Context) error {
	err := l.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		_, err := l.client.Post(ctx, wire.HeartbeatPath(l.jobID), nil)
		return err
	})
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.RecordHeartbeat(ctx, err == nil)
	}
	return err
}

func (l *Loop) declareLost(err error) {
	l.mu.Lock()
	l.lostErr = err
	l.mu.Unlock()
	close(l.lost)
}
