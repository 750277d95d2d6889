// Package observability provides the worker's metrics: server traffic, job
// outcomes, heartbeat health, retries, and step-update delivery, exported
// in Prometheus format.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrCommand   = "command"
	attrSuccess   = "success"
	attrOutcome   = "outcome"
	attrOperation = "operation"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /qiita_db/jobs/abc123/heartbeat/ -> /qiita_db/jobs/{jobId}/heartbeat/
	normalized := normalizePath(path)
	return attribute.String(attrPath, normalized)
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func commandAttr(command string) attribute.KeyValue {
	return attribute.String(attrCommand, command)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func operationAttr(operation string) attribute.KeyValue {
	return attribute.String(attrOperation, operation)
}

// normalizePath replaces job IDs with a placeholder and strips query
// strings. Named subresources (heartbeat, step, complete, artifacts) and
// the literal poll endpoint stay visible.
func normalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	const prefix = "/qiita_db/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if rest == "poll" || rest == "poll/" {
		return path
	}

	if i := strings.IndexByte(rest, '/'); i >= 0 {
		sub := rest[i:]
		if after, found := strings.CutPrefix(sub, "/artifacts/"); found && after != "" {
			sub = "/artifacts/{name}"
		}
		return prefix + "{jobId}" + sub
	}
	return prefix + "{jobId}"
}

// WithMethod returns a metric option with the method attribute.
func WithMethod(method string) metric.MeasurementOption {
	return metric.WithAttributes(methodAttr(method))
}

// WithPath returns a metric option with the path attribute.
func WithPath(path string) metric.MeasurementOption {
	return metric.WithAttributes(pathAttr(path))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}

// WithCommand returns a metric option with the command attribute.
func WithCommand(command string) metric.MeasurementOption {
	return metric.WithAttributes(commandAttr(command))
}

// WithSuccess returns a metric option with the success attribute.
func WithSuccess(success bool) metric.MeasurementOption {
	return metric.WithAttributes(successAttr(success))
}
