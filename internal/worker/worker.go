// Package worker drives the job-coordination protocol end to end: poll for
// an assignment, claim it with a heartbeat, stage inputs, execute the
// command, and report exactly one terminal outcome.
//
// One job runs at a time. Ownership is leased through the heartbeat loop;
// losing it cancels the running command and discards its result, because the
// server has already handed the job to someone else. Completion reports are
// retried with the server-issued dedup token, so a lost acknowledgement
// never turns into a double report.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/josenavas/qiita-client/internal/apperrors"
	"github.com/josenavas/qiita-client/internal/artifact"
	"github.com/josenavas/qiita-client/internal/executor"
	"github.com/josenavas/qiita-client/internal/heartbeat"
	"github.com/josenavas/qiita-client/internal/job"
	"github.com/josenavas/qiita-client/internal/progress"
	"github.com/josenavas/qiita-client/internal/wire"
	"github.com/josenavas/qiita-client/pkg/backoff"
	"github.com/josenavas/qiita-client/pkg/circuitbreaker"
)

const defaultShutdownTimeout = 10 * time.Second

// Client is the authenticated server transport the worker drives.
type Client interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Post(ctx context.Context, path string, payload any) ([]byte, error)
}

// MetricsRecorder is an optional hook for worker loop metrics.
type MetricsRecorder interface {
	RecordPoll(ctx context.Context, outcome string)
	RecordPollBreaker(ctx context.Context, open bool)
	RecordJobStarted(ctx context.Context, command string)
	RecordJobCompleted(ctx context.Context, command string, success bool, durationSeconds float64)
	RecordJobAbandoned(ctx context.Context, command string)
	RecordRetry(ctx context.Context, operation string)
}

// Poll outcomes for metrics.
const (
	pollAssigned = "assigned"
	pollEmpty    = "empty"
	pollError    = "error"
)

// Config wires the worker's collaborators and pacing.
type Config struct {
	WorkerID  string
	Workspace string // root for per-job directories

	Client    Client
	Executor  executor.Executor
	Stager    *artifact.Stager
	Collector *artifact.Collector
	Progress  *progress.Reporter // optional; nil disables step updates
	Metrics   MetricsRecorder    // optional

	PollInterval    time.Duration
	PollBreaker     circuitbreaker.Config
	Heartbeat       heartbeat.Config
	CompleteRetry   backoff.Policy
	ShutdownTimeout time.Duration // budget for the shutdown error report
}

// Worker polls for assignments and executes them one at a time.
type Worker struct {
	cfg     Config
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// New validates the configuration and builds a worker. Run starts it.
func New(cfg Config) (*Worker, error) {
	if cfg.WorkerID == "" {
		return nil, apperrors.Validation("worker.id", "worker ID is required")
	}
	if cfg.Workspace == "" {
		return nil, apperrors.Validation("worker.workspace", "workspace directory is required")
	}
	if cfg.Client == nil {
		return nil, apperrors.Validation("worker.client", "server client is required")
	}
	if cfg.Executor == nil {
		return nil, apperrors.Validation("worker.executor", "executor is required")
	}
	if cfg.Stager == nil {
		return nil, apperrors.Validation("worker.stager", "input stager is required")
	}
	if cfg.Collector == nil {
		return nil, apperrors.Validation("worker.collector", "output collector is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.CompleteRetry.Permanent == nil {
		cfg.CompleteRetry.Permanent = func(err error) bool { return !apperrors.Retryable(err) }
	}

	return &Worker{
		cfg:     cfg,
		breaker: circuitbreaker.New(cfg.PollBreaker),
		logger:  slog.With("component", "worker", "workerId", cfg.WorkerID),
	}, nil
}

// Run polls for work until ctx is cancelled. A cancelled context is a clean
// shutdown: an owned job gets a best-effort error report and Run returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started", "workspace", w.cfg.Workspace, "pollInterval", w.cfg.PollInterval)

	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker stopped")
			return nil
		}

		if !w.breaker.Allow() {
			w.recordBreaker(ctx, true)
			wait := max(w.breaker.RetryAfter(), w.cfg.PollInterval)
			w.logger.Warn("Poll circuit open, backing off", "wait", wait)
			w.sleep(ctx, wait)
			continue
		}
		w.recordBreaker(ctx, false)

		body, err := w.cfg.Client.Get(ctx, wire.PollPath(w.cfg.WorkerID))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.breaker.RecordFailure()
			w.recordPoll(ctx, pollError)
			w.logger.Warn("Poll failed", "error", err)
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		w.breaker.RecordSuccess()

		if body == nil {
			w.recordPoll(ctx, pollEmpty)
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		a, err := wire.DecodeAssignment(body)
		if err != nil {
			// The server answered, so the breaker stays closed; the payload
			// itself is unusable and there is no trustworthy job to report
			// against.
			w.recordPoll(ctx, pollError)
			w.logger.Error("Discarding malformed assignment", "error", err)
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.recordPoll(ctx, pollAssigned)
		w.runJob(ctx, a)
	}
}

// RunJob fetches one assignment by ID and executes it, bypassing the poll
// loop. Operators use this to point the worker at a specific job. A job
// whose command fails is still reported and returns nil; the error return
// covers fetch and decode only.
func (w *Worker) RunJob(ctx context.Context, jobID string) error {
	body, err := w.cfg.Client.Get(ctx, wire.JobPath(jobID))
	if err != nil {
		return err
	}
	a, err := wire.DecodeAssignment(body)
	if err != nil {
		return err
	}
	w.runJob(ctx, a)
	return nil
}

// runJob takes one assignment from claim to terminal report.
func (w *Worker) runJob(ctx context.Context, a *wire.Assignment) {
	logger := w.logger.With("jobId", a.JobID, "command", a.Command)
	j := job.New(a)

	workDir := filepath.Join(w.cfg.Workspace, a.JobID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		// Never claimed: the server's ownership timeout will reassign it.
		logger.Error("Workspace creation failed", "error", err)
		return
	}

	hb := heartbeat.New(w.cfg.Client, a.JobID, w.cfg.Heartbeat)
	if err := hb.Start(ctx); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			logger.Warn("Job is owned elsewhere, skipping")
		} else {
			logger.Error("Ownership claim failed", "error", err)
		}
		return
	}

	if err := j.Start(); err != nil {
		hb.Stop()
		logger.Error("Job start rejected", "error", err)
		return
	}
	w.recordStarted(ctx, a.Command)
	logger.Info("Job started")
	start := time.Now()

	// The command runs under a context that dies with ownership.
	execCtx, cancelExec := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-hb.Lost():
			if j.Revoke() {
				logger.Warn("Job ownership lost", "error", hb.Err())
				cancelExec()
			}
		case <-execCtx.Done():
		}
	}()

	report, aborted := w.executeJob(execCtx, a, workDir)
	cancelExec()
	<-watchDone

	if j.Revoked() {
		hb.Stop()
		logger.Warn("Discarding result for revoked job")
		w.recordAbandoned(ctx, a.Command)
		return
	}
	if aborted {
		// Shutting down mid-run. Release the lease first so the server can
		// reassign promptly even if the report below never lands.
		hb.Stop()
		w.reportShutdown(ctx, j, a, logger)
		w.recordAbandoned(ctx, a.Command)
		return
	}

	acked := w.report(ctx, j, a, report, logger)
	hb.Stop()
	w.recordCompleted(ctx, a.Command, report.Success, time.Since(start).Seconds())

	if acked && report.Success {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("Workspace cleanup failed", "error", err)
		}
	}
}

// executeJob runs the stage, execute, and collect phases, turning their
// outcome into a completion report. aborted is true when the context died
// mid-phase and no outcome can be claimed.
func (w *Worker) executeJob(ctx context.Context, a *wire.Assignment, workDir string) (report wire.Completion, aborted bool) {
	if len(a.Inputs) > 0 {
		w.step(a.JobID, "staging input files")
		if err := w.cfg.Stager.Stage(ctx, a.Inputs, workDir); err != nil {
			if ctx.Err() != nil {
				return wire.Completion{}, true
			}
			return failure(a, fmt.Sprintf("staging inputs: %v", err)), false
		}
	}

	w.step(a.JobID, "running "+a.Command)
	result, err := w.cfg.Executor.Run(ctx, a, workDir)
	if err != nil {
		if ctx.Err() != nil {
			return wire.Completion{}, true
		}
		return failure(a, fmt.Sprintf("running command: %v", err)), false
	}
	if result.ExitCode != 0 {
		msg := fmt.Sprintf("command exited with code %d", result.ExitCode)
		if result.Stderr != "" {
			msg += "\n" + result.Stderr
		}
		return failure(a, msg), false
	}

	w.step(a.JobID, "collecting artifacts")
	artifacts, err := w.cfg.Collector.Collect(ctx, a.JobID, workDir)
	if err != nil {
		if ctx.Err() != nil {
			return wire.Completion{}, true
		}
		return failure(a, fmt.Sprintf("collecting outputs: %v", err)), false
	}

	return wire.Completion{
		Success:         true,
		Artifacts:       artifacts,
		CompletionToken: a.CompletionToken,
	}, false
}

// report records the terminal outcome locally and delivers it with retries.
// It returns true once the server acknowledged the report.
func (w *Worker) report(ctx context.Context, j *job.Job, a *wire.Assignment, report wire.Completion, logger *slog.Logger) bool {
	send, err := j.Complete(report.Success)
	if err != nil {
		logger.Error("Completion rejected by state machine", "error", err)
		return false
	}
	if !send {
		return false
	}

	retry := w.cfg.CompleteRetry
	retry.OnRetry = func(int, error) { w.recordRetry(ctx, "complete") }
	err = retry.Do(ctx, func(ctx context.Context) error {
		_, err := w.cfg.Client.Post(ctx, wire.CompletePath(a.JobID), report)
		return err
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			logger.Warn("Completion rejected, job was reassigned", "error", err)
		} else {
			logger.Error("Completion report failed", "error", err)
		}
		return false
	}

	_ = j.Acknowledge()
	logger.Info("Job completed", "success", report.Success)
	return true
}

// reportShutdown sends a best-effort error report for a job interrupted by
// shutdown. The server deduplicates it by token if the job is ever retried
// against a half-delivered earlier report.
func (w *Worker) reportShutdown(ctx context.Context, j *job.Job, a *wire.Assignment, logger *slog.Logger) {
	send, err := j.Complete(false)
	if err != nil || !send {
		return
	}

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ShutdownTimeout)
	defer cancel()

	report := wire.Completion{
		Error:           "worker shutting down",
		CompletionToken: a.CompletionToken,
	}
	if _, err := w.cfg.Client.Post(reportCtx, wire.CompletePath(a.JobID), report); err != nil {
		logger.Warn("Shutdown report failed", "error", err)
		return
	}
	_ = j.Acknowledge()
	logger.Info("Job reported as interrupted")
}

// failure builds an error completion carrying the assignment's dedup token.
func failure(a *wire.Assignment, message string) wire.Completion {
	return wire.Completion{
		Error:           message,
		CompletionToken: a.CompletionToken,
	}
}

// step queues a best-effort progress update.
func (w *Worker) step(jobID, text string) {
	if w.cfg.Progress == nil {
		return
	}
	_ = w.cfg.Progress.Report(jobID, text)
}

// sleep waits for d or until ctx is cancelled, reporting whether the full
// wait elapsed.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (w *Worker) recordPoll(ctx context.Context, outcome string) {
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordPoll(ctx, outcome)
	}
}

func (w *Worker) recordBreaker(ctx context.Context, open bool) {
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordPollBreaker(ctx, open)
	}
}

func (w *Worker) recordStarted(ctx context.Context, command string) {
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordJobStarted(ctx, command)
	}
}

func (w *Worker) recordCompleted(ctx context.Context, command string, success bool, seconds float64) {
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordJobCompleted(ctx, command, success, seconds)
	}
}

func (w *Worker) recordAbandoned(ctx context.Context, command string) {
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordJobAbandoned(ctx, command)
	}
}

func (w *Worker) recordRetry(ctx context.Context, operation string) {
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordRetry(ctx, operation)
	}
}
