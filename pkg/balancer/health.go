package balancer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"k8s.io/klog/v2"
)

// healthReport is the payload every pool serves on GET /health.
type healthReport struct {
	QueueDepth    int     `json:"queue_depth"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// utilizationDegradedPct marks a pool degraded when CPU or memory exceeds it.
const utilizationDegradedPct = 90

// runHealthChecks polls every registered pool once, concurrently. Failed
// checks are not retried inline; they feed the circuit breaker and the next
// tick tries again.
func (b *Balancer) runHealthChecks(ctx context.Context) {
	b.mu.Lock()
	targets := make([]*PoolEndpoint, 0, len(b.pools))
	for _, pool := range b.pools {
		targets = append(targets, pool)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, pool := range targets {
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()
			b.checkPool(ctx, name, url)
		}(pool.Name, pool.URL)
	}
	wg.Wait()
}

// checkPool performs one health probe and applies its outcome: a 200 with a
// parseable report marks the pool healthy (or degraded above the utilization
// threshold) and feeds breaker success; a timeout marks it degraded and any
// other failure unhealthy, both feeding breaker failure. Every outcome is
// persisted to the durable store.
func (b *Balancer) checkPool(ctx context.Context, name, url string) {
	reqCtx, cancel := context.WithTimeout(ctx, b.opts.HealthCheckTimeout)
	defer cancel()

	start := b.clock.Now()
	report, err := b.fetchHealth(reqCtx, url)
	elapsedMS := float64(b.clock.Since(start).Milliseconds())

	b.mu.Lock()
	pool, ok := b.pools[name]
	if !ok {
		// Unregistered while the probe was in flight.
		b.mu.Unlock()
		return
	}
	breaker := b.breakers[name]

	switch {
	case err == nil:
		pool.ResponseTimeMS = elapsedMS
		pool.LastHealthCheck = b.clock.Now()
		pool.QueueDepth = report.QueueDepth
		pool.CPUUtilization = report.CPUPercent
		pool.MemoryUtilization = report.MemoryPercent
		if report.CPUPercent > utilizationDegradedPct || report.MemoryPercent > utilizationDegradedPct {
			pool.Status = StatusDegraded
		} else {
			pool.Status = StatusHealthy
		}
		breaker.RecordSuccess()

	case errors.Is(err, context.DeadlineExceeded):
		pool.ResponseTimeMS = float64(b.opts.HealthCheckTimeout.Milliseconds())
		pool.Status = StatusDegraded
		breaker.RecordFailure()
		klog.Warningf("health check timeout for pool %s", name)

	default:
		pool.Status = StatusUnhealthy
		breaker.RecordFailure()
		klog.Errorf("health check failed for pool %s: %v", name, err)
	}
	cp := *pool
	b.mu.Unlock()

	if err := b.persistPool(ctx, &cp); err != nil {
		klog.Errorf("persisting health outcome for %s: %v", name, err)
	}
}

// fetchHealth performs the HTTP probe and decodes the report.
func (b *Balancer) fetchHealth(ctx context.Context, url string) (*healthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("unexpected status " + resp.Status)
	}

	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, err
	}
	return &report, nil
}
