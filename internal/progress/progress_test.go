package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/josenavas/qiita-client/internal/apperrors"
	"github.com/josenavas/qiita-client/internal/testutil"
	"github.com/josenavas/qiita-client/internal/wire"
	"github.com/josenavas/qiita-client/pkg/backoff"
	"github.com/josenavas/qiita-client/pkg/circuitbreaker"
)

// recordingPoster captures posted updates and answers scripted errors; once
// the script runs out the last entry repeats.
type recordingPoster struct {
	mu       sync.Mutex
	paths    []string
	payloads []any
	errs     []error
}

func (p *recordingPoster) Post(ctx context.Context, path string, payload any) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths = append(p.paths, path)
	p.payloads = append(p.payloads, payload)
	if len(p.errs) == 0 {
		return nil, nil
	}
	i := len(p.paths) - 1
	if i >= len(p.errs) {
		i = len(p.errs) - 1
	}
	return nil, p.errs[i]
}

func testConfig() Config {
	return Config{
		BufferSize: 16,
		Timeout:    2 * time.Second,
		Backoff:    &backoff.Config{Initial: time.Millisecond, Max: 2 * time.Millisecond},
		Breaker:    circuitbreaker.Config{Threshold: 5, Cooldown: time.Minute},
	}
}

func closeReporter(t *testing.T, r *Reporter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestReporter_DeliversUpdate(t *testing.T) {
	t.Parallel()

	fake := &recordingPoster{}
	r := New(fake, testConfig(), nil)
	defer closeReporter(t, r)

	if err := r.Report("job-1", "demultiplexing"); err != nil {
		t.Fatalf("Report() error: %v", err)
	}

	testutil.MustWaitFor(t, func() bool { return r.Stats().Delivered == 1 },
		testutil.WithTimeout(2*time.Second), testutil.WithInterval(time.Millisecond))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if got := fake.paths[0]; got != "/qiita_db/jobs/job-1/step/" {
		t.Errorf("update posted to %q", got)
	}
	update, ok := fake.payloads[0].(wire.StepUpdate)
	if !ok {
		t.Fatalf("payload type %T, want wire.StepUpdate", fake.payloads[0])
	}
	if update.Step != "demultiplexing" {
		t.Errorf("step = %q, want %q", update.Step, "demultiplexing")
	}
}

func TestReporter_PreservesOrder(t *testing.T) {
	t.Parallel()

	fake := &recordingPoster{}
	r := New(fake, testConfig(), nil)
	defer closeReporter(t, r)

	const n = 16
	for i := range n {
		if err := r.Report("job-1", fmt.Sprintf("step-%02d", i)); err != nil {
			t.Fatalf("Report(%d) error: %v", i, err)
		}
	}

	testutil.MustWaitFor(t, func() bool { return r.Stats().Delivered == n },
		testutil.WithTimeout(5*time.Second), testutil.WithInterval(time.Millisecond))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for i, payload := range fake.payloads {
		want := fmt.Sprintf("step-%02d", i)
		if got := payload.(wire.StepUpdate).Step; got != want {
			t.Fatalf("delivery %d carried step %q, want %q", i, got, want)
		}
	}
}

// blockingPoster holds every delivery until released.
type blockingPoster struct {
	release chan struct{}
	calls   atomic.Int64
}

func (p *blockingPoster) Post(ctx context.Context, path string, payload any) ([]byte, error) {
	p.calls.Add(1)
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func TestReporter_DropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	fake := &blockingPoster{release: make(chan struct{})}
	cfg := testConfig()
	cfg.BufferSize = 1
	r := New(fake, cfg, nil)

	if err := r.Report("job-1", "a"); err != nil {
		t.Fatalf("Report(a) error: %v", err)
	}
	// Wait for the worker to pick up the first update so the queue is empty.
	testutil.MustWaitFor(t, func() bool { return fake.calls.Load() == 1 },
		testutil.WithTimeout(2*time.Second), testutil.WithInterval(time.Millisecond))

	if err := r.Report("job-1", "b"); err != nil {
		t.Fatalf("Report(b) error: %v", err)
	}
	if err := r.Report("job-1", "c"); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("Report(c) error = %v, want ErrBufferFull", err)
	}

	close(fake.release)
	closeReporter(t, r)

	stats := r.Stats()
	if stats.Delivered != 2 {
		t.Errorf("Delivered = %d, want 2", stats.Delivered)
	}
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
}

func TestReporter_CloseDrainsQueue(t *testing.T) {
	t.Parallel()

	fake := &blockingPoster{release: make(chan struct{})}
	r := New(fake, testConfig(), nil)

	const n = 5
	for i := range n {
		if err := r.Report("job-1", fmt.Sprintf("step-%d", i)); err != nil {
			t.Fatalf("Report(%d) error: %v", i, err)
		}
	}
	testutil.MustWaitFor(t, func() bool { return fake.calls.Load() >= 1 },
		testutil.WithTimeout(2*time.Second), testutil.WithInterval(time.Millisecond))

	close(fake.release)
	closeReporter(t, r)

	if got := r.Stats().Delivered; got != n {
		t.Errorf("Delivered = %d, want %d", got, n)
	}
}

func TestReporter_CircuitOpensAfterFailures(t *testing.T) {
	t.Parallel()

	netErr := apperrors.Network("test", errors.New("connection refused"))
	fake := &recordingPoster{errs: []error{netErr}}
	cfg := testConfig()
	cfg.Breaker.Threshold = 2
	r := New(fake, cfg, nil)
	defer closeReporter(t, r)

	for i := range 4 {
		if err := r.Report("job-1", fmt.Sprintf("step-%d", i)); err != nil {
			t.Fatalf("Report(%d) error: %v", i, err)
		}
	}

	testutil.MustWaitFor(t, func() bool {
		s := r.Stats()
		return s.Failed+s.Dropped == 4
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(time.Millisecond))

	stats := r.Stats()
	if stats.Failed != 2 {
		t.Errorf("Failed = %d, want 2", stats.Failed)
	}
	if stats.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", stats.Dropped)
	}
	if !stats.BreakerOpen {
		t.Error("BreakerOpen = false after consecutive failures")
	}
}

func TestReporter_RejectionDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	fake := &recordingPoster{errs: []error{apperrors.FromStatus("test", 409)}}
	cfg := testConfig()
	cfg.Breaker.Threshold = 1
	r := New(fake, cfg, nil)
	defer closeReporter(t, r)

	for i := range 3 {
		if err := r.Report("job-1", fmt.Sprintf("step-%d", i)); err != nil {
			t.Fatalf("Report(%d) error: %v", i, err)
		}
	}

	testutil.MustWaitFor(t, func() bool { return r.Stats().Failed == 3 },
		testutil.WithTimeout(5*time.Second), testutil.WithInterval(time.Millisecond))

	stats := r.Stats()
	if stats.BreakerOpen {
		t.Error("rejections tripped the breaker")
	}
	if stats.Dropped != 0 {
		t.Errorf("Dropped = %d, want 0", stats.Dropped)
	}
}

func TestReporter_RetriesTransientFailure(t *testing.T) {
	t.Parallel()

	netErr := apperrors.Network("test", errors.New("connection refused"))
	fake := &recordingPoster{errs: []error{netErr, nil}}
	r := New(fake, testConfig(), nil)
	defer closeReporter(t, r)

	if err := r.Report("job-1", "demultiplexing"); err != nil {
		t.Fatalf("Report() error: %v", err)
	}

	testutil.MustWaitFor(t, func() bool { return r.Stats().Delivered == 1 },
		testutil.WithTimeout(2*time.Second), testutil.WithInterval(time.Millisecond))

	if got := r.Stats().RetriesTotal; got != 1 {
		t.Errorf("RetriesTotal = %d, want 1", got)
	}
}

func TestReporter_ReportAfterClose(t *testing.T) {
	t.Parallel()

	r := New(&recordingPoster{}, testConfig(), nil)
	closeReporter(t, r)

	if err := r.Report("job-1", "late"); err == nil {
		t.Error("Report() after Close succeeded, want error")
	}
}
