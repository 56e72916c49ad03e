package health

import (
	"context"
	"fmt"
	"time"
)

// LinkCounter reports homebase link states.
type LinkCounter interface {
	LinkCounts() (open, total int)
}

// LinkCheck verifies homebase connectivity.
type LinkCheck struct {
	Links LinkCounter
}

// Name returns the check name
func (c *LinkCheck) Name() string {
	return "links"
}

// Run executes the link health check
func (c *LinkCheck) Run(ctx context.Context) Result {
	start := time.Now()
	result := Result{
		Check:     c.Name(),
		Timestamp: start,
	}

	open, total := c.Links.LinkCounts()
	result.Duration = time.Since(start)
	result.Details = map[string]int{
		"open":  open,
		"total": total,
	}

	switch {
	case total == 0:
		result.Status = StatusOK
		result.Message = "no homebase links registered"
	case open == total:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("all %d links open", total)
	case open > 0:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("%d of %d links open", open, total)
	default:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("0 of %d links open", total)
	}

	return result
}

// Pinger verifies a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck verifies the database pool.
type StoreCheck struct {
	Store Pinger
}

// Name returns the check name
func (c *StoreCheck) Name() string {
	return "store"
}

// Run executes the store health check
func (c *StoreCheck) Run(ctx context.Context) Result {
	start := time.Now()
	result := Result{
		Check:     c.Name(),
		Timestamp: start,
	}

	if c.Store == nil {
		result.Status = StatusUnknown
		result.Message = "store not configured"
		result.Duration = time.Since(start)
		return result
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.Store.Ping(pingCtx); err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("store unreachable: %v", err)
	} else {
		result.Status = StatusOK
		result.Message = "store reachable"
	}
	result.Duration = time.Since(start)
	return result
}

// SessionCounter reports connected browser sessions.
type SessionCounter interface {
	ClientCount() int
}

// BrowserCheck reports browser session population. Informational only;
// zero browsers is a healthy state.
type BrowserCheck struct {
	Sessions SessionCounter
}

// Name returns the check name
func (c *BrowserCheck) Name() string {
	return "browsers"
}

// Run executes the browser session check
func (c *BrowserCheck) Run(ctx context.Context) Result {
	start := time.Now()
	n := c.Sessions.ClientCount()
	return Result{
		Check:     c.Name(),
		Status:    StatusOK,
		Message:   fmt.Sprintf("%d browser sessions", n),
		Details:   map[string]int{"sessions": n},
		Duration:  time.Since(start),
		Timestamp: start,
	}
}
