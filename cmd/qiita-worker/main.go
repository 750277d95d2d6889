// qiita-worker polls a Qiita-compatible orchestration server for jobs,
// executes their commands, and reports outcomes with artifacts. With a job
// ID argument it runs that one job and exits instead of polling.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/josenavas/qiita-client/internal/artifact"
	"github.com/josenavas/qiita-client/internal/config"
	"github.com/josenavas/qiita-client/internal/executor"
	"github.com/josenavas/qiita-client/internal/health"
	"github.com/josenavas/qiita-client/internal/heartbeat"
	"github.com/josenavas/qiita-client/internal/observability"
	"github.com/josenavas/qiita-client/internal/progress"
	"github.com/josenavas/qiita-client/internal/transport"
	"github.com/josenavas/qiita-client/internal/worker"
	"github.com/josenavas/qiita-client/pkg/backoff"
	"github.com/josenavas/qiita-client/pkg/circuitbreaker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("QIITA_WORKER_CONFIG"), "worker configuration file (YAML)")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	client, err := transport.New(transport.Config{
		BaseURL:      cfg.Server.URL,
		ClientID:     cfg.Credentials.ClientID,
		ClientSecret: cfg.Credentials.ClientSecret,
		CertFile:     cfg.Server.CertFile,
		Timeout:      time.Duration(cfg.Server.Timeout),
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}

	// Credentials are verified up front: a worker that cannot obtain a
	// session must fail its deployment instead of polling with one doomed
	// to 401.
	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticating against %s: %w", cfg.Server.URL, err)
	}
	slog.Info("Authenticated with orchestration server", "server", cfg.Server.URL)

	exec, err := buildExecutor(cfg)
	if err != nil {
		return err
	}
	defer exec.Close()

	retry := backoff.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Backoff: &backoff.Config{
			Initial: time.Duration(cfg.Retry.Initial),
			Max:     time.Duration(cfg.Retry.Max),
			Jitter:  cfg.Retry.Jitter,
		},
	}

	reporter := progress.New(client, progress.Config{
		BufferSize: cfg.Progress.Buffer,
		Backoff:    retry.Backoff,
	}, metrics)

	w, err := worker.New(worker.Config{
		WorkerID:  cfg.Worker.ID,
		Workspace: cfg.Worker.Workspace,
		Client:    client,
		Executor:  exec,
		Stager:    artifact.NewStager(client, retry),
		Collector: artifact.NewCollector(client, cfg.Worker.ArtifactMode, retry),
		Progress:  reporter,
		Metrics:   metrics,

		PollInterval: time.Duration(cfg.Poll.Interval),
		PollBreaker: circuitbreaker.Config{
			Threshold: cfg.Poll.BreakerThreshold,
			Cooldown:  time.Duration(cfg.Poll.BreakerCooldown),
		},
		Heartbeat: heartbeat.Config{
			Interval:  time.Duration(cfg.Heartbeat.Interval),
			MaxMisses: cfg.Heartbeat.MaxMisses,
			Retry:     retry,
			Metrics:   metrics,
		},
		CompleteRetry: retry,
	})
	if err != nil {
		return err
	}

	// One-shot mode: an operator handed us a specific job ID.
	if jobID := flag.Arg(0); jobID != "" {
		jobCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			cancel()
		}()

		slog.Info("Running single job", "jobId", jobID)
		runErr := w.RunJob(jobCtx, jobID)
		drainReporter(reporter)
		return runErr
	}

	healthChecker := health.NewChecker(client, exec)
	opsServer, serverErr := startOpsServer(cfg.Ops.Listen, healthChecker, metricsHandler)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(runCtx) }()

	// Wait for interrupt signal or ops server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Ops server failed", "error", err)
		cancel()
		<-workerDone
		drainReporter(reporter)
		return err
	}

	// Phase 1: stop advertising readiness so supervisors expect no pickups.
	healthChecker.SetShuttingDown()

	// Phase 2: stop the poll loop. An owned job is reported as interrupted
	// on the way out.
	cancel()
	if err := <-workerDone; err != nil {
		slog.Error("Worker loop error", "error", err)
	}

	// Phase 3: deliver whatever step updates are still queued.
	drainReporter(reporter)

	// Phase 4: close the ops server.
	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Ops server shutdown error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
	return nil
}

// buildExecutor creates the execution backend named by the configuration.
func buildExecutor(cfg *config.Config) (executor.Executor, error) {
	switch cfg.Worker.Executor {
	case "docker":
		exec, err := executor.NewDocker(executor.DockerConfig{
			Image:    cfg.Worker.Image,
			CPUs:     cfg.Worker.CPUs,
			MemoryMB: cfg.Worker.MemoryMB,
		}, nil)
		if err != nil {
			return nil, err
		}
		slog.Info("Connected to Docker daemon", "image", cfg.Worker.Image)
		return exec, nil
	default:
		return executor.NewLocal(nil), nil
	}
}

// startOpsServer serves health probes and metrics on listen. An empty
// address disables the surface; the returned channel then never fires.
func startOpsServer(listen string, checker *health.Checker, metricsHandler http.Handler) (*http.Server, <-chan error) {
	serverErr := make(chan error, 1)
	if listen == "" {
		return nil, serverErr
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Readiness(r.Context()))
	})
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting ops server", "addr", listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	return server, serverErr
}

func writeHealth(w http.ResponseWriter, resp *health.Response) {
	status := http.StatusOK
	if !resp.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode health response", "error", err)
	}
}

// drainReporter flushes queued step updates within a bounded window.
func drainReporter(r *progress.Reporter) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		slog.Warn("Progress reporter shutdown error", "error", err)
	}

	stats := r.Stats()
	slog.Info("Step reporter stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
}
