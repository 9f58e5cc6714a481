package balancer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/TommyKammy/ai-orchestrator/pkg/store"
)

const (
	poolsKey      = "executor:loadbalancer:pools"
	affinitiesKey = "executor:loadbalancer:affinities"
)

// Options configures a Balancer. Zero values fall back to defaults.
type Options struct {
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	EnableGeoRouting    bool

	// TopCandidates bounds the weighted-random draw to the N best-scored
	// pools so a low-score pool is never chosen over a clearly better one.
	TopCandidates int
	// QueueDepthCeiling excludes pools whose reported queue is at or above
	// this depth.
	QueueDepthCeiling int

	AffinityTTL       time.Duration
	AffinityCacheSize int

	Breaker BreakerConfig
	Clock   clock.Clock
	// Rand drives weighted-random selection; inject a seeded source for
	// deterministic tests. Guarded by the balancer mutex.
	Rand *rand.Rand
}

const (
	defaultHealthCheckInterval = 10 * time.Second
	defaultHealthCheckTimeout  = 5 * time.Second
	defaultTopCandidates       = 3
	defaultQueueDepthCeiling   = 50
	defaultAffinityTTL         = time.Hour
	defaultAffinityCacheSize   = 4096
)

func (o *Options) setDefaults() {
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = defaultHealthCheckInterval
	}
	if o.HealthCheckTimeout <= 0 {
		o.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	if o.TopCandidates <= 0 {
		o.TopCandidates = defaultTopCandidates
	}
	if o.QueueDepthCeiling <= 0 {
		o.QueueDepthCeiling = defaultQueueDepthCeiling
	}
	if o.AffinityTTL <= 0 {
		o.AffinityTTL = defaultAffinityTTL
	}
	if o.AffinityCacheSize <= 0 {
		o.AffinityCacheSize = defaultAffinityCacheSize
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

// Balancer routes sessions to pools. It is constructed by the process entry
// point and passed to request handlers; there is no process-wide singleton.
// The durable store is the source of truth for pool and affinity records;
// the local LRU affinity cache is advisory and falls back to the store.
type Balancer struct {
	opts   Options
	store  store.Store
	clock  clock.Clock
	client *http.Client

	mu         sync.Mutex
	pools      map[string]*PoolEndpoint
	breakers   map[string]*CircuitBreaker
	rng        *rand.Rand
	affinities *lru.Cache[string, sessionAffinity]
}

// New builds a Balancer over the given durable store.
func New(st store.Store, opts Options) (*Balancer, error) {
	opts.setDefaults()
	cache, err := lru.New[string, sessionAffinity](opts.AffinityCacheSize)
	if err != nil {
		return nil, fmt.Errorf("build affinity cache: %w", err)
	}
	return &Balancer{
		opts:       opts,
		store:      st,
		clock:      opts.Clock,
		client:     &http.Client{Timeout: opts.HealthCheckTimeout},
		pools:      make(map[string]*PoolEndpoint),
		breakers:   make(map[string]*CircuitBreaker),
		rng:        opts.Rand,
		affinities: cache,
	}, nil
}

// Start loads the pool registry from the durable store and launches the
// periodic health checks. The health loop stops when ctx is cancelled.
func (b *Balancer) Start(ctx context.Context) error {
	klog.Info("starting global load balancer")
	if err := b.LoadPools(ctx); err != nil {
		return err
	}
	go wait.UntilWithContext(ctx, b.runHealthChecks, b.opts.HealthCheckInterval)
	return nil
}

// LoadPools reloads the pool registry from the durable store. Records with
// a newer schema version than this reader understands are skipped.
func (b *Balancer) LoadPools(ctx context.Context) error {
	fields, err := b.store.HGetAll(ctx, poolsKey)
	if err != nil {
		return fmt.Errorf("load pools: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, raw := range fields {
		var pool PoolEndpoint
		if err := json.Unmarshal(raw, &pool); err != nil {
			klog.Errorf("skipping undecodable pool record %s: %v", name, err)
			continue
		}
		if pool.SchemaVersion > poolSchemaVersion {
			klog.Warningf("skipping pool %s: schema version %d is newer than supported %d",
				name, pool.SchemaVersion, poolSchemaVersion)
			continue
		}
		b.pools[name] = &pool
		if _, ok := b.breakers[name]; !ok {
			b.breakers[name] = NewCircuitBreaker(b.opts.Breaker, b.clock)
		}
		klog.Infof("loaded pool: %s (%s)", name, pool.Region)
	}
	klog.Infof("loaded %d pools", len(b.pools))
	return nil
}

// RegisterPool adds a pool to the registry and persists it. Weight,
// priority, and capacity fall back to sane defaults when unset.
func (b *Balancer) RegisterPool(ctx context.Context, pool PoolEndpoint) error {
	if pool.Name == "" {
		return errors.New("pool name is required")
	}
	if pool.Weight <= 0 {
		pool.Weight = 100
	}
	if pool.Priority <= 0 {
		pool.Priority = 1
	}
	if pool.MaxSessions <= 0 {
		pool.MaxSessions = 100
	}
	if pool.Status == "" {
		pool.Status = StatusHealthy
	}
	pool.SchemaVersion = poolSchemaVersion

	b.mu.Lock()
	b.pools[pool.Name] = &pool
	b.breakers[pool.Name] = NewCircuitBreaker(b.opts.Breaker, b.clock)
	b.mu.Unlock()

	if err := b.persistPool(ctx, &pool); err != nil {
		return err
	}
	klog.Infof("registered pool: %s in %s", pool.Name, pool.Region)
	return nil
}

// UnregisterPool removes a pool from the registry and the durable store.
func (b *Balancer) UnregisterPool(ctx context.Context, name string) error {
	b.mu.Lock()
	delete(b.pools, name)
	delete(b.breakers, name)
	b.mu.Unlock()

	if err := b.store.HDel(ctx, poolsKey, name); err != nil {
		return fmt.Errorf("unregister pool %s: %w", name, err)
	}
	klog.Infof("unregistered pool: %s", name)
	return nil
}

// GetPoolForSession selects a pool for the session. An existing unexpired
// affinity to a healthy pool wins immediately. Otherwise candidates are
// filtered and ranked, one is drawn weighted-random from the top scores, and
// a fresh affinity is persisted. A nil pool with a nil error means no pool
// has capacity; that is a valid outcome the caller must handle, not an error.
func (b *Balancer) GetPoolForSession(ctx context.Context, sessionID, preferredRegion string) (*PoolEndpoint, error) {
	if aff := b.getAffinity(ctx, sessionID); aff != nil {
		b.mu.Lock()
		pool, ok := b.pools[aff.PoolName]
		if ok && pool.Status == StatusHealthy {
			cp := *pool
			b.mu.Unlock()
			klog.V(4).Infof("session affinity hit: %s -> %s", sessionID, cp.Name)
			return &cp, nil
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	candidates := b.availablePoolsLocked(preferredRegion)
	selected := b.selectWeightedLocked(candidates)
	if selected == nil {
		b.mu.Unlock()
		klog.Warning("no available pools for session")
		return nil, nil
	}
	selected.CurrentSessions++
	cp := *selected
	b.mu.Unlock()

	b.setAffinity(ctx, sessionID, cp.Name)
	if err := b.persistPool(ctx, &cp); err != nil {
		klog.Errorf("persisting pool metrics for %s: %v", cp.Name, err)
	}

	klog.Infof("selected pool %s for session %s", cp.Name, sessionID)
	return &cp, nil
}

// ReleaseSession decrements the pool's session count (floored at zero) and
// clears the session's affinity locally and in the durable store.
func (b *Balancer) ReleaseSession(ctx context.Context, sessionID, poolName string) error {
	b.mu.Lock()
	var cp *PoolEndpoint
	if pool, ok := b.pools[poolName]; ok {
		if pool.CurrentSessions > 0 {
			pool.CurrentSessions--
		}
		c := *pool
		cp = &c
	}
	b.mu.Unlock()

	b.affinities.Remove(sessionID)
	var errs []error
	if err := b.store.HDel(ctx, affinitiesKey, sessionID); err != nil {
		errs = append(errs, fmt.Errorf("clear affinity for %s: %w", sessionID, err))
	}
	if cp != nil {
		if err := b.persistPool(ctx, cp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats summarizes the registry for operators.
type Stats struct {
	TotalPools     int                     `json:"total_pools"`
	HealthyPools   int                     `json:"healthy_pools"`
	DegradedPools  int                     `json:"degraded_pools"`
	UnhealthyPools int                     `json:"unhealthy_pools"`
	TotalSessions  int                     `json:"total_sessions"`
	TotalCapacity  int                     `json:"total_capacity"`
	Pools          map[string]PoolEndpoint `json:"pools"`
}

// Stats snapshots pool counts by status and aggregate session totals.
func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		TotalPools: len(b.pools),
		Pools:      make(map[string]PoolEndpoint, len(b.pools)),
	}
	for name, pool := range b.pools {
		switch pool.Status {
		case StatusHealthy:
			s.HealthyPools++
		case StatusDegraded:
			s.DegradedPools++
		case StatusUnhealthy:
			s.UnhealthyPools++
		}
		s.TotalSessions += pool.CurrentSessions
		s.TotalCapacity += pool.MaxSessions
		s.Pools[name] = *pool
	}
	return s
}

// availablePoolsLocked filters and ranks candidate pools. Caller holds b.mu.
func (b *Balancer) availablePoolsLocked(preferredRegion string) []*PoolEndpoint {
	var available []*PoolEndpoint
	for name, pool := range b.pools {
		if !b.breakers[name].CanExecute() {
			continue
		}
		if pool.Status != StatusHealthy && pool.Status != StatusDegraded {
			continue
		}
		if pool.CurrentSessions >= pool.MaxSessions {
			continue
		}
		if pool.QueueDepth >= b.opts.QueueDepthCeiling {
			continue
		}
		available = append(available, pool)
	}

	geo := b.opts.EnableGeoRouting && preferredRegion != ""
	sort.SliceStable(available, func(i, j int) bool {
		pi, pj := available[i], available[j]
		if geo {
			mi, mj := pi.Region == preferredRegion, pj.Region == preferredRegion
			if mi != mj {
				return mi
			}
		}
		if pi.Priority != pj.Priority {
			return pi.Priority < pj.Priority
		}
		return pi.Utilization() < pj.Utilization()
	})
	return available
}

// selectWeightedLocked draws one pool from the top-scored candidates,
// proportionally to score. All-zero scores fall back to a uniform draw.
// Caller holds b.mu.
func (b *Balancer) selectWeightedLocked(pools []*PoolEndpoint) *PoolEndpoint {
	if len(pools) == 0 {
		return nil
	}

	type scored struct {
		pool  *PoolEndpoint
		score float64
	}
	scores := make([]scored, 0, len(pools))
	for _, p := range pools {
		scores = append(scores, scored{pool: p, score: p.score()})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	n := b.opts.TopCandidates
	if n > len(scores) {
		n = len(scores)
	}
	top := scores[:n]

	var total float64
	for _, s := range top {
		total += s.score
	}
	if total == 0 {
		return top[b.rng.Intn(len(top))].pool
	}

	r := b.rng.Float64() * total
	var cumulative float64
	for _, s := range top {
		cumulative += s.score
		if r <= cumulative {
			return s.pool
		}
	}
	return top[len(top)-1].pool
}

// getAffinity resolves a session's affinity: LRU cache first, then the
// durable store. Expired or undecodable records are pruned, never returned.
func (b *Balancer) getAffinity(ctx context.Context, sessionID string) *sessionAffinity {
	now := b.clock.Now()
	if aff, ok := b.affinities.Get(sessionID); ok {
		if !aff.expired(now) {
			return &aff
		}
		b.affinities.Remove(sessionID)
	}

	raw, err := b.store.HGet(ctx, affinitiesKey, sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			klog.Errorf("reading affinity for %s: %v", sessionID, err)
		}
		return nil
	}

	var aff sessionAffinity
	if err := json.Unmarshal(raw, &aff); err != nil {
		klog.Errorf("undecodable affinity record for %s: %v", sessionID, err)
		return nil
	}
	if aff.SchemaVersion > affinitySchemaVersion {
		klog.Warningf("skipping affinity for %s: schema version %d is newer than supported %d",
			sessionID, aff.SchemaVersion, affinitySchemaVersion)
		return nil
	}
	if aff.expired(now) {
		if err := b.store.HDel(ctx, affinitiesKey, sessionID); err != nil {
			klog.Errorf("pruning expired affinity for %s: %v", sessionID, err)
		}
		return nil
	}

	b.affinities.Add(sessionID, aff)
	return &aff
}

// setAffinity records a fresh binding in the cache and the durable store.
func (b *Balancer) setAffinity(ctx context.Context, sessionID, poolName string) {
	aff := sessionAffinity{
		SchemaVersion: affinitySchemaVersion,
		SessionID:     sessionID,
		PoolName:      poolName,
		CreatedAt:     b.clock.Now(),
		TTLSeconds:    int(b.opts.AffinityTTL / time.Second),
	}
	b.affinities.Add(sessionID, aff)

	raw, err := json.Marshal(aff)
	if err != nil {
		klog.Errorf("encoding affinity for %s: %v", sessionID, err)
		return
	}
	if err := b.store.HSet(ctx, affinitiesKey, sessionID, raw); err != nil {
		klog.Errorf("persisting affinity for %s: %v", sessionID, err)
		return
	}
	if err := b.store.Expire(ctx, affinitiesKey, b.opts.AffinityTTL); err != nil {
		klog.Errorf("refreshing affinity hash expiry: %v", err)
	}
}

// persistPool writes the pool record to the durable store.
func (b *Balancer) persistPool(ctx context.Context, pool *PoolEndpoint) error {
	raw, err := json.Marshal(pool)
	if err != nil {
		return fmt.Errorf("encode pool %s: %w", pool.Name, err)
	}
	if err := b.store.HSet(ctx, poolsKey, pool.Name, raw); err != nil {
		return fmt.Errorf("persist pool %s: %w", pool.Name, err)
	}
	return nil
}
