// Package health answers the liveness and readiness probes of jobwatch-service.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is implemented by job backends, watch stores and the
// callback dispatcher.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadinessChecker.
type ReadyFunc func(ctx context.Context) error

// Ready calls f(ctx).
func (f ReadyFunc) Ready(ctx context.Context) error {
	return f(ctx)
}

// Status of a single check or of the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Critical bool   `json:"critical"`
	Latency  string `json:"latency,omitempty"`
}

// Response is the probe body.
type Response struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	CheckedAt time.Time              `json:"checkedAt"`
}

// IsHealthy reports whether every check passed.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady reports whether traffic may be routed here. A degraded service
// is still ready.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

type dependency struct {
	name     string
	checker  ReadinessChecker
	critical bool
}

// Checker runs the dependency checks. Readiness results are cached briefly
// so probes from several load balancers do not multiply backend calls.
type Checker struct {
	timeout  time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	mu           sync.Mutex
	deps         []dependency
	cached       *Response
	shuttingDown bool
}

// NewChecker returns a checker whose critical dependency is the job backend.
func NewChecker(backend ReadinessChecker) *Checker {
	return &Checker{
		deps:     []dependency{{name: "backend", checker: backend, critical: true}},
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
		now:      time.Now,
	}
}

// AddCheck registers another dependency. A failing critical check makes the
// service unhealthy; a failing non-critical one only degrades it.
func (c *Checker) AddCheck(name string, checker ReadinessChecker, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps = append(c.deps, dependency{name: name, checker: checker, critical: critical})
	c.cached = nil
}

// SetShuttingDown makes every following readiness probe fail.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cached = nil
}

// Liveness never touches dependencies.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy, CheckedAt: c.now()}
}

// Readiness runs all checks concurrently and folds them into one status.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return &Response{
			Status:    StatusUnhealthy,
			Checks:    map[string]CheckResult{"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down", Critical: true}},
			CheckedAt: c.now(),
		}
	}
	if c.cached != nil && c.now().Sub(c.cached.CheckedAt) < c.cacheTTL {
		cached := c.cached
		c.mu.Unlock()
		return cached
	}
	deps := append([]dependency(nil), c.deps...)
	c.mu.Unlock()

	results := make([]CheckResult, len(deps))
	var wg sync.WaitGroup
	for i, dep := range deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.run(ctx, dep)
		}()
	}
	wg.Wait()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(deps)), CheckedAt: c.now()}
	for i, dep := range deps {
		result := results[i]
		switch {
		case result.Status == StatusHealthy:
		case dep.critical:
			response.Status = StatusUnhealthy
		default:
			result.Status = StatusDegraded
			if response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
		}
		response.Checks[dep.name] = result
	}

	c.mu.Lock()
	if !c.shuttingDown {
		c.cached = response
	}
	c.mu.Unlock()
	return response
}

func (c *Checker) run(ctx context.Context, dep dependency) CheckResult {
	result := CheckResult{Status: StatusHealthy, Critical: dep.critical}
	if dep.checker == nil {
		result.Status, result.Message = StatusUnhealthy, "not configured"
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := dep.checker.Ready(ctx)
	result.Latency = time.Since(start).Round(time.Millisecond).String()
	if err != nil {
		result.Status, result.Message = StatusUnhealthy, err.Error()
	}
	return result
}
