// Package health provides health check implementations for various components.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Check represents a health check.
type Check interface {
	// Name returns the name of the health check.
	Name() string
	// Check performs the health check and returns an error if unhealthy.
	Check(ctx context.Context) error
}

// DetailedCheck is a Check that can report a degraded state.
type DetailedCheck interface {
	Check
	CheckDetailed(ctx context.Context) Result
}

// Status represents the status of a health check.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the component is working but degraded.
	StatusDegraded Status = "degraded"
)

// Result represents the result of a health check.
type Result struct {
	Name    string            `json:"name"`
	Status  Status            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Report is the response body of the health endpoint.
type Report struct {
	Status Status   `json:"status"`
	Checks []Result `json:"checks"`
}

// Run evaluates every check. The overall status is the worst status seen.
func Run(ctx context.Context, checks ...Check) Report {
	report := Report{Status: StatusHealthy}
	for _, c := range checks {
		var r Result
		if d, ok := c.(DetailedCheck); ok {
			r = d.CheckDetailed(ctx)
		} else if err := c.Check(ctx); err != nil {
			r = Result{Name: c.Name(), Status: StatusUnhealthy, Message: err.Error()}
		} else {
			r = Result{Name: c.Name(), Status: StatusHealthy}
		}

		switch {
		case r.Status == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case r.Status == StatusDegraded && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
		report.Checks = append(report.Checks, r)
	}
	return report
}

// Handler serves the health report as JSON. Unhealthy reports are served
// with status 503.
func Handler(checks ...Check) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := Run(r.Context(), checks...)
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

// WorkerPool is the view of a coordinator the worker check needs.
type WorkerPool interface {
	// IsRunning reports whether the main loop is active.
	IsRunning() bool
	// RunningWorkers returns the number of live agent processes.
	RunningWorkers() int
	// QueueDepth returns the pending messages of the main queue.
	QueueDepth() int
	// QueueCapacity returns the size of the main queue.
	QueueCapacity() int
}

// WorkersCheck checks the coordinator and its agent processes.
type WorkersCheck struct {
	pool               WorkerPool
	queueFullThreshold float64
}

// WorkersCheckOption configures a WorkersCheck.
type WorkersCheckOption func(*WorkersCheck)

// WithQueueFullThreshold sets the queue fill ratio above which the check
// reports degraded status.
func WithQueueFullThreshold(ratio float64) WorkersCheckOption {
	return func(c *WorkersCheck) {
		c.queueFullThreshold = ratio
	}
}

// NewWorkersCheck creates a new worker health check.
func NewWorkersCheck(pool WorkerPool, opts ...WorkersCheckOption) *WorkersCheck {
	c := &WorkersCheck{
		pool:               pool,
		queueFullThreshold: 0.8,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the name of the health check.
func (c *WorkersCheck) Name() string {
	return "workers"
}

// Check performs the worker health check.
func (c *WorkersCheck) Check(ctx context.Context) error {
	if !c.pool.IsRunning() {
		return fmt.Errorf("coordinator is not running")
	}
	if c.pool.RunningWorkers() == 0 {
		return fmt.Errorf("no agent processes running")
	}
	return nil
}

// CheckDetailed performs a detailed health check and returns a Result.
func (c *WorkersCheck) CheckDetailed(ctx context.Context) Result {
	if err := c.Check(ctx); err != nil {
		return Result{
			Name:    c.Name(),
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}

	depth := c.pool.QueueDepth()
	capacity := c.pool.QueueCapacity()
	details := map[string]string{
		"workers":        fmt.Sprintf("%d", c.pool.RunningWorkers()),
		"queue_depth":    fmt.Sprintf("%d", depth),
		"queue_capacity": fmt.Sprintf("%d", capacity),
	}

	// A nearly full main queue blocks agents reporting sealed shards.
	if capacity > 0 && c.queueFullThreshold > 0 && float64(depth) >= c.queueFullThreshold*float64(capacity) {
		return Result{
			Name:    c.Name(),
			Status:  StatusDegraded,
			Message: fmt.Sprintf("main queue is %d/%d full", depth, capacity),
			Details: details,
		}
	}

	return Result{
		Name:    c.Name(),
		Status:  StatusHealthy,
		Message: "coordinator is running",
		Details: details,
	}
}
