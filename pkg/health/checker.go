// Package health aggregates component liveness for the gateway's
// /healthz endpoint.
package health

import (
	"context"
	"net/http"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// Result represents the result of a health check
type Result struct {
	Check     string        `json:"check"`
	Status    Status        `json:"status"`
	Message   string        `json:"message"`
	Details   interface{}   `json:"details,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Report contains all health check results for the process
type Report struct {
	Timestamp time.Time     `json:"timestamp"`
	Overall   Status        `json:"overall"`
	Results   []Result      `json:"results"`
	Duration  time.Duration `json:"duration"`
}

// Check defines the interface for health checks
type Check interface {
	Name() string
	Run(ctx context.Context) Result
}

// Checker runs a fixed set of health checks
type Checker struct {
	checks []Check
}

// NewChecker creates a checker over the given checks
func NewChecker(checks ...Check) *Checker {
	return &Checker{checks: checks}
}

// Run executes all health checks and returns a report
func (c *Checker) Run(ctx context.Context) *Report {
	start := time.Now()
	report := &Report{
		Timestamp: start,
		Overall:   StatusOK,
		Results:   make([]Result, 0, len(c.checks)),
	}

	for _, check := range c.checks {
		result := check.Run(ctx)
		report.Results = append(report.Results, result)

		// Update overall status (worst wins)
		if result.Status == StatusCritical {
			report.Overall = StatusCritical
		} else if result.Status == StatusWarning && report.Overall != StatusCritical {
			report.Overall = StatusWarning
		} else if result.Status == StatusUnknown && report.Overall == StatusOK {
			report.Overall = StatusUnknown
		}
	}

	report.Duration = time.Since(start)
	return report
}

// HTTPStatus maps the overall status onto a response code. Degraded
// states still serve traffic; only critical reports unavailable.
func (r *Report) HTTPStatus() int {
	if r.Overall == StatusCritical {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
