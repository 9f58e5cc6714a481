package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/TommyKammy/ai-orchestrator/pkg/sandbox"
	"github.com/TommyKammy/ai-orchestrator/pkg/template"
)

var (
	// ErrCapacity is returned when the active-session count is at the limit
	// even after sweeping expired sessions.
	ErrCapacity = errors.New("maximum session limit reached")

	// ErrSessionNotFound is returned for unknown, inactive, or idle-expired
	// session ids.
	ErrSessionNotFound = errors.New("session not found or expired")
)

// EventType classifies a session lifecycle transition.
type EventType string

const (
	EventCreated   EventType = "created"
	EventExpired   EventType = "expired"
	EventDestroyed EventType = "destroyed"
)

// Event is one session lifecycle transition, consumed by the executor's
// websocket stream.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Template  string    `json:"template"`
	Time      time.Time `json:"time"`
}

// Metrics is a point-in-time snapshot of manager counters.
type Metrics struct {
	Created     int64 `json:"sessions_created"`
	Reused      int64 `json:"sessions_reused"`
	Destroyed   int64 `json:"sessions_destroyed"`
	Expired     int64 `json:"sessions_expired"`
	Errors      int64 `json:"errors"`
	Active      int   `json:"active_sessions"`
	MaxSessions int   `json:"max_sessions"`
}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	DefaultTTL    time.Duration
	MaxSessions   int
	SweepInterval time.Duration
	EventBuffer   int
	Clock         clock.Clock
}

const (
	defaultTTL           = 5 * time.Minute
	defaultMaxSessions   = 10
	defaultSweepInterval = time.Minute
	defaultEventBuffer   = 64
)

func (o *Options) setDefaults() {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = defaultTTL
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = defaultMaxSessions
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

// Manager is a concurrency-safe registry of sessions with TTL eviction and
// an explicit capacity limit. A single mutex serializes registry bookkeeping;
// sandbox provisioning and teardown happen outside the lock so slow container
// operations never stall unrelated session lookups.
type Manager struct {
	opts    Options
	factory Factory
	clock   clock.Clock

	mu       sync.Mutex
	sessions map[string]*Session
	pending  int
	counters struct {
		created, reused, destroyed, expired, errors int64
	}

	events chan Event
}

// NewManager builds a Manager around the given sandbox factory.
func NewManager(factory Factory, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:     opts,
		factory:  factory,
		clock:    opts.Clock,
		sessions: make(map[string]*Session),
		events:   make(chan Event, opts.EventBuffer),
	}
}

// Start launches the background sweep. It returns immediately; the sweep
// stops when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go wait.UntilWithContext(ctx, m.sweep, m.opts.SweepInterval)
	klog.Infof("session sweep started (interval %s)", m.opts.SweepInterval)
}

// DefaultTTL returns the idle TTL applied when a caller does not pick one.
func (m *Manager) DefaultTTL() time.Duration { return m.opts.DefaultTTL }

// Events returns the lifecycle event stream. Events are dropped rather than
// blocking the manager when no consumer keeps up.
func (m *Manager) Events() <-chan Event { return m.events }

// CreateSession provisions a sandbox from the named template and registers a
// session around it. At capacity it sweeps expired sessions first and fails
// with ErrCapacity only if the registry is still full. A slot is reserved
// before provisioning so concurrent creators cannot oversubscribe the limit.
func (m *Manager) CreateSession(ctx context.Context, templateName string, ttl time.Duration, metadata map[string]string) (string, error) {
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}
	tpl := template.Resolve(templateName)

	m.mu.Lock()
	var reaped []*Session
	if len(m.sessions)+m.pending >= m.opts.MaxSessions {
		reaped = m.removeExpiredLocked()
	}
	if len(m.sessions)+m.pending >= m.opts.MaxSessions {
		m.mu.Unlock()
		m.finish(ctx, reaped, EventExpired)
		return "", fmt.Errorf("%w (%d)", ErrCapacity, m.opts.MaxSessions)
	}
	m.pending++
	m.mu.Unlock()

	m.finish(ctx, reaped, EventExpired)

	sb := m.factory(tpl)
	if err := sb.Create(ctx); err != nil {
		m.mu.Lock()
		m.pending--
		m.counters.errors++
		m.mu.Unlock()
		return "", fmt.Errorf("create session sandbox: %w", err)
	}

	now := m.clock.Now()
	s := &Session{
		ID:        uuid.NewString()[:12],
		Template:  tpl.Name,
		CreatedAt: now,
		LastUsed:  now,
		TTL:       ttl,
		Metadata:  metadata,
		sandbox:   sb,
		active:    true,
	}

	m.mu.Lock()
	m.pending--
	m.sessions[s.ID] = s
	m.counters.created++
	m.mu.Unlock()

	m.emit(EventCreated, s)
	klog.Infof("session created: %s (template: %s, ttl: %s)", s.ID, tpl.Name, ttl)
	return s.ID, nil
}

// GetSession returns the session if it is active and not idle-expired. An
// expired session is destroyed as a side effect of the lookup and reported
// as not found. A successful lookup touches the session.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}

	now := m.clock.Now()
	if s.Expired(now) {
		delete(m.sessions, id)
		s.active = false
		m.counters.expired++
		m.counters.destroyed++
		m.mu.Unlock()

		klog.Infof("session %s idle-expired, destroying", id)
		if err := s.sandbox.Destroy(ctx); err != nil {
			klog.Warningf("destroying expired session %s: %v", id, err)
		}
		m.emit(EventExpired, s)
		return nil, ErrSessionNotFound
	}

	s.touch(now)
	m.counters.reused++
	m.mu.Unlock()
	return s, nil
}

// ExecuteInSession resolves the session and delegates to its sandbox. A
// missing or expired session, or a sandbox failure, yields a structured
// error result so callers always receive a well-formed payload.
func (m *Manager) ExecuteInSession(ctx context.Context, id, code, language string, files map[string][]byte) *sandbox.Result {
	s, err := m.GetSession(ctx, id)
	if err != nil {
		return &sandbox.Result{
			Status:   "error",
			ExitCode: -1,
			Error:    fmt.Sprintf("session %s not found or expired", id),
		}
	}

	res, err := s.sandbox.Run(ctx, code, language, files)
	if err != nil {
		m.mu.Lock()
		m.counters.errors++
		m.mu.Unlock()
		klog.Errorf("execution error in session %s: %v", id, err)
		return &sandbox.Result{
			Status:    "error",
			ExitCode:  -1,
			Error:     err.Error(),
			SandboxID: s.sandbox.ID(),
			Language:  language,
		}
	}
	return res
}

// DestroySession tears down the session's sandbox and removes it from the
// registry. Idempotent: the second call for the same id returns false.
func (m *Manager) DestroySession(ctx context.Context, id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	s.active = false
	m.counters.destroyed++
	m.mu.Unlock()

	if err := s.sandbox.Destroy(ctx); err != nil {
		klog.Warningf("destroying session %s: %v", id, err)
	}
	m.emit(EventDestroyed, s)
	klog.Infof("session destroyed: %s", id)
	return true
}

// ListSessions snapshots all active sessions.
func (m *Manager) ListSessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, Info{
			ID:        s.ID,
			Template:  s.Template,
			AgeSec:    s.Age(now).Seconds(),
			IdleSec:   s.IdleTime(now).Seconds(),
			TTLSec:    s.TTL.Seconds(),
			UseCount:  s.UseCount,
			Metadata:  s.Metadata,
			SandboxID: s.sandbox.ID(),
		})
	}
	return infos
}

// Metrics snapshots the manager counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		Created:     m.counters.created,
		Reused:      m.counters.reused,
		Destroyed:   m.counters.destroyed,
		Expired:     m.counters.expired,
		Errors:      m.counters.errors,
		Active:      len(m.sessions),
		MaxSessions: m.opts.MaxSessions,
	}
}

// Shutdown force-destroys every remaining session. The background sweep is
// stopped by cancelling the context passed to Start.
func (m *Manager) Shutdown(ctx context.Context) error {
	klog.Info("shutting down session manager")

	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.active = false
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.counters.destroyed += int64(len(all))
	m.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.sandbox.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("destroy session %s: %w", s.ID, err))
		}
		m.emit(EventDestroyed, s)
	}
	return utilerrors.NewAggregate(errs)
}

// sweep destroys every idle-expired session. It is the only writer besides
// the explicit API calls and takes the same lock for bookkeeping.
func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	reaped := m.removeExpiredLocked()
	m.mu.Unlock()

	if len(reaped) > 0 {
		klog.Infof("swept %d expired sessions", len(reaped))
	}
	m.finish(ctx, reaped, EventExpired)
}

// removeExpiredLocked unregisters every idle-expired session and returns
// them for teardown outside the lock. Caller must hold m.mu.
func (m *Manager) removeExpiredLocked() []*Session {
	now := m.clock.Now()
	var reaped []*Session
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			s.active = false
			m.counters.expired++
			m.counters.destroyed++
			reaped = append(reaped, s)
		}
	}
	return reaped
}

// finish tears down already-unregistered sessions and emits their events.
func (m *Manager) finish(ctx context.Context, reaped []*Session, t EventType) {
	for _, s := range reaped {
		if err := s.sandbox.Destroy(ctx); err != nil {
			klog.Warningf("destroying session %s: %v", s.ID, err)
		}
		m.emit(t, s)
	}
}

func (m *Manager) emit(t EventType, s *Session) {
	ev := Event{Type: t, SessionID: s.ID, Template: s.Template, Time: m.clock.Now()}
	select {
	case m.events <- ev:
	default:
	}
}
