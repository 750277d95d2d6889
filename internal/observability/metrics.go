package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all worker metrics implementing the golden 4 signals:
// - Latency: How long server requests and jobs take
// - Traffic: Poll/request/job throughput
// - Errors: Rate of failures
// - Saturation: Owned jobs and step-update queue depth
type Metrics struct {
	meter metric.Meter

	// Server request metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Poll loop metrics (Traffic)
	PollsTotal      metric.Int64Counter
	PollBreakerOpen metric.Int64Gauge

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Ownership heartbeat metrics (Traffic, Errors)
	HeartbeatsTotal      metric.Int64Counter
	HeartbeatMissesTotal metric.Int64Counter

	// Retry metrics (Errors)
	RetriesTotal metric.Int64Counter

	// Step-update metrics (Latency, Traffic, Errors, Saturation)
	StepDuration   metric.Float64Histogram
	StepsDelivered metric.Int64Counter
	StepsFailed    metric.Int64Counter
	StepsDropped   metric.Int64Counter
	StepQueueSize  metric.Int64Gauge
}

// Poll outcomes recorded on polls_total.
const (
	PollAssigned = "assigned"
	PollEmpty    = "empty"
	PollError    = "error"
)

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("qiita-worker")
	m := &Metrics{meter: meter}

	// Server request metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("Server request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total requests sent to the orchestration server"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total server responses with 4xx and 5xx statuses"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Poll loop metrics
	m.PollsTotal, err = meter.Int64Counter(
		"polls_total",
		metric.WithDescription("Total job polls by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollBreakerOpen, err = meter.Int64Gauge(
		"poll_breaker_open",
		metric.WithDescription("1 while the poll circuit breaker is open"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total jobs accepted from the server"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total jobs that finished in error"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs this worker currently owns (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Heartbeat metrics
	m.HeartbeatsTotal, err = meter.Int64Counter(
		"heartbeats_total",
		metric.WithDescription("Total ownership heartbeats attempted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HeartbeatMissesTotal, err = meter.Int64Counter(
		"heartbeat_misses_total",
		metric.WithDescription("Total heartbeats that failed to confirm ownership"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Retry metrics
	m.RetriesTotal, err = meter.Int64Counter(
		"retries_total",
		metric.WithDescription("Total retried attempts by operation"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Step-update metrics
	m.StepDuration, err = meter.Float64Histogram(
		"step_duration_seconds",
		metric.WithDescription("Step-update delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StepsDelivered, err = meter.Int64Counter(
		"steps_delivered_total",
		metric.WithDescription("Total step updates successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StepsFailed, err = meter.Int64Counter(
		"steps_failed_total",
		metric.WithDescription("Total step updates failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StepsDropped, err = meter.Int64Counter(
		"steps_dropped_total",
		metric.WithDescription("Total step updates dropped (buffer full or circuit open)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StepQueueSize, err = meter.Int64Gauge(
		"step_queue_size",
		metric.WithDescription("Current number of step updates queued (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordRequest records one exchange with the orchestration server.
func (m *Metrics) RecordRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordPoll records one poll and its outcome.
func (m *Metrics) RecordPoll(ctx context.Context, outcome string) {
	m.PollsTotal.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordPollBreaker records whether the poll circuit breaker is open.
func (m *Metrics) RecordPollBreaker(ctx context.Context, open bool) {
	var v int64
	if open {
		v = 1
	}
	m.PollBreakerOpen.Record(ctx, v)
}

// RecordJobStarted records a job this worker accepted.
func (m *Metrics) RecordJobStarted(ctx context.Context, command string) {
	attrs := metric.WithAttributes(commandAttr(command))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobCompleted records a job reaching a terminal state.
func (m *Metrics) RecordJobCompleted(ctx context.Context, command string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(commandAttr(command), successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(commandAttr(command)))

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobAbandoned records a job given up without a terminal report
// (ownership revoked or worker shutting down).
func (m *Metrics) RecordJobAbandoned(ctx context.Context, command string) {
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(commandAttr(command)))
}

// RecordHeartbeat records one ownership heartbeat attempt.
func (m *Metrics) RecordHeartbeat(ctx context.Context, ok bool) {
	m.HeartbeatsTotal.Add(ctx, 1)
	if !ok {
		m.HeartbeatMissesTotal.Add(ctx, 1)
	}
}

// RecordRetry records one retried attempt for the named operation.
func (m *Metrics) RecordRetry(ctx context.Context, operation string) {
	m.RetriesTotal.Add(ctx, 1, metric.WithAttributes(operationAttr(operation)))
}

// RecordStepDelivered records a successful step-update delivery with its
// duration.
func (m *Metrics) RecordStepDelivered(ctx context.Context, durationSeconds float64) {
	m.StepsDelivered.Add(ctx, 1)
	m.StepDuration.Record(ctx, durationSeconds)
}

// RecordStepFailed records a failed step-update delivery.
func (m *Metrics) RecordStepFailed(ctx context.Context) {
	m.StepsFailed.Add(ctx, 1)
}

// RecordStepDropped records a dropped step update.
func (m *Metrics) RecordStepDropped(ctx context.Context) {
	m.StepsDropped.Add(ctx, 1)
}

// RecordStepQueueSize records the current step-update queue depth.
func (m *Metrics) RecordStepQueueSize(ctx context.Context, size int64) {
	m.StepQueueSize.Record(ctx, size)
}
