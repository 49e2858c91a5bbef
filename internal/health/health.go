// Package health provides a registry of named health checkers for the
// dashboard process and its views.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health of a single check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Report is the aggregate answer of a registry.
type Report struct {
	Status    string    `json:"status"`
	Checks    []Status  `json:"checks"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool { return r.Status == "healthy" }

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// Names lists registered checker names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.checkers))
	for i, nc := range r.checkers {
		out[i] = nc.name
	}
	return out
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual results. A checker that leaves Name empty is
// reported under its registered name.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Report runs every checker and stamps the result.
func (r *Registry) Report(ctx context.Context) Report {
	healthy, statuses := r.CheckAll(ctx)
	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	return Report{Status: status, Checks: statuses, CheckedAt: time.Now().UTC()}
}
