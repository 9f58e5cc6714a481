// Package balancer routes sessions to executor pools across regions, with
// circuit-breaker protection, periodic health checks, and sticky session
// affinity backed by the durable store.
package balancer

import (
	"time"
)

// PoolStatus is the health classification of one pool endpoint.
type PoolStatus string

const (
	StatusHealthy   PoolStatus = "healthy"
	StatusDegraded  PoolStatus = "degraded"
	StatusUnhealthy PoolStatus = "unhealthy"
	StatusOffline   PoolStatus = "offline"
)

// poolSchemaVersion guards pool records crossing the durable-store boundary.
// Readers reject records written by a newer schema.
const poolSchemaVersion = 1

// PoolEndpoint describes one executor pool. Instances held by the Balancer
// are mutated only by the health-check loop and by session assign/release;
// external callers always receive copies.
type PoolEndpoint struct {
	SchemaVersion     int        `json:"schema_version"`
	Name              string     `json:"name"`
	Region            string     `json:"region"`
	URL               string     `json:"url"`
	Weight            int        `json:"weight"`
	Priority          int        `json:"priority"`
	MaxSessions       int        `json:"max_sessions"`
	CurrentSessions   int        `json:"current_sessions"`
	Status            PoolStatus `json:"status"`
	LastHealthCheck   time.Time  `json:"last_health_check"`
	ResponseTimeMS    float64    `json:"response_time_ms"`
	ErrorRate         float64    `json:"error_rate"`
	CPUUtilization    float64    `json:"cpu_utilization"`
	MemoryUtilization float64    `json:"memory_utilization"`
	QueueDepth        int        `json:"queue_depth"`
}

// Utilization is the session fill ratio. A pool with no declared capacity is
// treated as fully utilized.
func (p *PoolEndpoint) Utilization() float64 {
	if p.MaxSessions <= 0 {
		return 1
	}
	return float64(p.CurrentSessions) / float64(p.MaxSessions)
}

// score ranks a pool for weighted-random selection: available capacity
// scaled by weight, penalized for degraded health (0.7) and slow responses.
func (p *PoolEndpoint) score() float64 {
	availableCapacity := 1 - p.Utilization()

	healthFactor := 1.0
	if p.Status == StatusDegraded {
		healthFactor = 0.7
	}

	responseFactor := 1.0
	if p.ResponseTimeMS > 0 {
		responseFactor = 1000 / (p.ResponseTimeMS + 1000)
	}

	return availableCapacity * float64(p.Weight) * healthFactor * responseFactor
}

// affinitySchemaVersion versions affinity records in the durable store.
const affinitySchemaVersion = 1

// sessionAffinity pins a session id to a pool. The affinity TTL is
// independent of the session's own TTL; an affinity may outlive its session
// and simply expires on its own clock.
type sessionAffinity struct {
	SchemaVersion int       `json:"schema_version"`
	SessionID     string    `json:"session_id"`
	PoolName      string    `json:"pool_name"`
	CreatedAt     time.Time `json:"created_at"`
	TTLSeconds    int       `json:"ttl"`
}

func (a *sessionAffinity) expired(now time.Time) bool {
	return now.Sub(a.CreatedAt) > time.Duration(a.TTLSeconds)*time.Second
}
