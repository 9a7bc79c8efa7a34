// Package health tracks the health of the run loop's components and serves it over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the health state of a check or of the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc is a function that performs a health check
type CheckFunc func(ctx context.Context) error

// Check represents a single health check result
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message"`
	LastChecked time.Time `json:"last_checked"`
}

// Checker manages health checks for the process
type Checker struct {
	mu          sync.RWMutex
	checks      map[string]*Check
	lastHealthy time.Time
	now         func() time.Time
}

// NewChecker creates a new health checker
func NewChecker() *Checker {
	return &Checker{
		checks:      make(map[string]*Check),
		lastHealthy: time.Now(),
		now:         time.Now,
	}
}

// RunCheck executes a health check and records its result.
func (c *Checker) RunCheck(ctx context.Context, name string, checkFunc CheckFunc) error {
	err := checkFunc(ctx)
	c.Set(name, err)
	return err
}

// Set records the outcome of a check performed elsewhere; a nil error is healthy.
func (c *Checker) Set(name string, err error) {
	status := StatusHealthy
	message := "OK"
	if err != nil {
		status = StatusUnhealthy
		message = err.Error()
	}
	c.SetStatus(name, status, message)
}

// SetStatus records a check result with an explicit status.
func (c *Checker) SetStatus(name string, status Status, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.checks[name] = &Check{
		Name:        name,
		Status:      status,
		Message:     message,
		LastChecked: now,
	}

	if c.isHealthy() {
		c.lastHealthy = now
	}
}

// GetOverallStatus returns healthy when every check passes, unhealthy when all fail and
// degraded otherwise.
func (c *Checker) GetOverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.overall()
}

func (c *Checker) overall() Status {
	if len(c.checks) == 0 {
		return StatusHealthy
	}

	unhealthy, degraded := 0, 0
	for _, check := range c.checks {
		switch check.Status {
		case StatusUnhealthy:
			unhealthy++
		case StatusDegraded:
			degraded++
		}
	}

	switch {
	case unhealthy == len(c.checks):
		return StatusUnhealthy
	case unhealthy > 0 || degraded > 0:
		return StatusDegraded
	}
	return StatusHealthy
}

// GetAllChecks returns all health check results ordered by name
func (c *Checker) GetAllChecks() []*Check {
	c.mu.RLock()
	defer c.mu.RUnlock()

	checks := make([]*Check, 0, len(c.checks))
	for _, check := range c.checks {
		checkCopy := *check
		checks = append(checks, &checkCopy)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return checks
}

// GetLastHealthyTime returns the last time all checks were healthy
func (c *Checker) GetLastHealthyTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHealthy
}

func (c *Checker) isHealthy() bool {
	for _, check := range c.checks {
		if check.Status != StatusHealthy {
			return false
		}
	}
	return true
}

type response struct {
	Status      Status    `json:"status"`
	LastHealthy time.Time `json:"last_healthy"`
	Checks      []*Check  `json:"checks"`
}

// ServeHTTP responds with the aggregated health. Unhealthy answers 503.
func (c *Checker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	resp := response{
		Status:      c.GetOverallStatus(),
		LastHealthy: c.GetLastHealthyTime(),
		Checks:      c.GetAllChecks(),
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
