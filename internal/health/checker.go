// Package health provides liveness and readiness probes for the worker.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is implemented by dependencies that can verify they are
// ready to take part in job execution: the server transport (a session is
// attainable) and the execution backend.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker performs health checks on the worker's dependencies.
type Checker struct {
	server   ReadinessChecker
	executor ReadinessChecker
	timeout  time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a health checker over the server transport and the
// execution backend.
func NewChecker(server, executor ReadinessChecker) *Checker {
	return &Checker{
		server:   server,
		executor: executor,
		timeout:  5 * time.Second,
	}
}

// Liveness returns true if the process is alive.
// This is a lightweight check that doesn't depend on external services.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the worker is ready to take on jobs: a server session
// is attainable and the execution backend answers.
// Failing this probe should keep a supervisor from expecting progress.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	// Return unhealthy immediately if shutting down
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "worker is shutting down"},
			},
		}
	}

	// Use cached result if recent (avoid hammering the server)
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := make(map[string]CheckResult)
	overallStatus := StatusHealthy

	for name, dep := range map[string]ReadinessChecker{
		"server":   c.server,
		"executor": c.executor,
	} {
		result := c.check(ctx, name, dep)
		checks[name] = result
		if result.Status != StatusHealthy {
			overallStatus = StatusUnhealthy
		}
	}

	response := &Response{
		Status: overallStatus,
		Checks: checks,
	}

	// Cache the result
	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

// check verifies one dependency within the probe timeout.
func (c *Checker) check(ctx context.Context, name string, dep ReadinessChecker) CheckResult {
	if dep == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: name + " not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := dep.Ready(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}

	return CheckResult{
		Status: StatusHealthy,
	}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// SetShuttingDown marks the worker as shutting down.
// This causes readiness checks to return unhealthy so supervisors stop
// expecting the worker to pick up new jobs.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}
