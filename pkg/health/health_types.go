package health

import (
	"sync"
	"time"
)

// Status grades one probe. Degraded covers recoverable conditions such
// as a duplication pipeline retrying against its remote; Unhealthy is
// reserved for fatal states like a garbage-collected log gap.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of a single probe, keyed by the subsystem it
// covers (a pipeline, the private log, the receiver socket).
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ms"`
}

// CheckFunc produces a Check each time the endpoint is hit. Probes must
// not block; pipeline probes read cached counters, never the wire.
type CheckFunc func() Check

// HealthChecker holds the node's registered probes.
type HealthChecker struct {
	checks      map[string]CheckFunc
	mu          sync.RWMutex
	readyChecks map[string]CheckFunc // gate duplicated traffic
	liveChecks  map[string]CheckFunc // gate process restarts
}

// Response aggregates one probe sweep for the HTTP endpoints.
type Response struct {
	Status    Status           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Uptime    time.Duration    `json:"uptime_seconds"`
}
