package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/TommyKammy/ai-orchestrator/pkg/store"
)

var (
	// ErrSessionNotFound is returned when no record exists for the id.
	ErrSessionNotFound = errors.New("persistence: session not found")

	// ErrFileTooLarge is returned when a file exceeds the per-file ceiling.
	ErrFileTooLarge = errors.New("persistence: file exceeds size limit")

	// ErrSchemaTooNew is returned when a record was written by a newer
	// schema than this reader understands.
	ErrSchemaTooNew = errors.New("persistence: record schema is newer than supported")
)

const (
	sessionKeyPrefix = "executor:session:"
	filesKeySuffix   = ":files"
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	// DisableCompression stores file content raw instead of zstd-compressed.
	DisableCompression bool
	MaxFileSize        int64
	SnapshotInterval   time.Duration
	// FilesTTL bounds how long a session's file hash survives without
	// re-persistence.
	FilesTTL time.Duration
	Clock    clock.Clock
}

const (
	defaultMaxFileSize      = 10 * 1024 * 1024
	defaultSnapshotInterval = time.Minute
	defaultFilesTTL         = 24 * time.Hour
)

func (o *Options) setDefaults() {
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = defaultMaxFileSize
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = defaultSnapshotInterval
	}
	if o.FilesTTL <= 0 {
		o.FilesTTL = defaultFilesTTL
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

// Manager persists session state in the durable store. It keeps an advisory
// in-memory cache of active sessions that a background snapshot loop flushes
// periodically; the store remains the source of truth across replicas. The
// Manager is constructed by the process entry point, never a global.
type Manager struct {
	opts  Options
	store store.Store
	clock clock.Clock

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.Mutex
	active map[string]*SessionState
}

// New builds a Manager over the given durable store.
func New(st store.Store, opts Options) (*Manager, error) {
	opts.setDefaults()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	return &Manager{
		opts:   opts,
		store:  st,
		clock:  opts.Clock,
		enc:    enc,
		dec:    dec,
		active: make(map[string]*SessionState),
	}, nil
}

// Start launches the periodic snapshot loop. It stops when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	klog.Info("starting session persistence manager")
	go wait.UntilWithContext(ctx, m.snapshot, m.opts.SnapshotInterval)
}

// Stop flushes every cached session to the durable store once,
// synchronously. The snapshot loop is stopped by cancelling the context
// passed to Start.
func (m *Manager) Stop(ctx context.Context) error {
	klog.Info("stopping session persistence manager")
	return m.saveAll(ctx)
}

// CreateSession writes a fresh session record with the session TTL as its
// store expiry and caches it.
func (m *Manager) CreateSession(ctx context.Context, sessionID, poolName, podName, templateName string, ttl time.Duration, metadata map[string]string) (*SessionState, error) {
	now := m.clock.Now().UTC()
	state := &SessionState{
		SchemaVersion: SchemaVersion,
		SessionID:     sessionID,
		PoolName:      poolName,
		PodName:       podName,
		Template:      templateName,
		CreatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(ttl),
		Metadata:      metadata,
		Files:         make(map[string][]byte),
	}

	m.mu.Lock()
	m.active[sessionID] = state
	m.mu.Unlock()

	if err := m.saveSession(ctx, state, ttl); err != nil {
		return nil, err
	}
	klog.Infof("created persisted session: %s", sessionID)
	return state, nil
}

// GetSession returns the session state, checking the local cache before the
// durable store.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*SessionState, error) {
	m.mu.Lock()
	if state, ok := m.active[sessionID]; ok {
		m.mu.Unlock()
		return state, nil
	}
	m.mu.Unlock()

	return m.loadSession(ctx, sessionID)
}

// UpdateSession applies the mutation to the session state and refreshes its
// last-activity timestamp. The change lands in the cache immediately and in
// the durable store on the next snapshot.
func (m *Manager) UpdateSession(ctx context.Context, sessionID string, apply func(*SessionState)) error {
	state, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	apply(state)
	state.LastActivity = m.clock.Now().UTC()
	m.active[sessionID] = state
	m.mu.Unlock()
	return nil
}

// AppendExecution records one execution in the session's history.
func (m *Manager) AppendExecution(ctx context.Context, sessionID string, rec ExecutionRecord) error {
	return m.UpdateSession(ctx, sessionID, func(s *SessionState) {
		s.ExecutionHistory = append(s.ExecutionHistory, rec)
	})
}

// AddFile stores file content for the session in its separate file hash,
// zstd-compressed unless compression is disabled. The per-file ceiling is
// checked against the raw size.
func (m *Manager) AddFile(ctx context.Context, sessionID, path string, content []byte) error {
	if int64(len(content)) > m.opts.MaxFileSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, path, len(content))
	}

	state, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	stored := content
	if !m.opts.DisableCompression {
		stored = m.enc.EncodeAll(content, nil)
	}

	m.mu.Lock()
	if state.Files == nil {
		state.Files = make(map[string][]byte)
	}
	state.Files[path] = stored
	state.LastActivity = m.clock.Now().UTC()
	m.mu.Unlock()

	key := filesKey(sessionID)
	if err := m.store.HSet(ctx, key, path, stored); err != nil {
		return fmt.Errorf("persist file %s for session %s: %w", path, sessionID, err)
	}
	if err := m.store.Expire(ctx, key, m.opts.FilesTTL); err != nil {
		return fmt.Errorf("refresh file hash expiry for session %s: %w", sessionID, err)
	}
	return nil
}

// GetFile returns decompressed file content, checking the cached state
// before the durable store.
func (m *Manager) GetFile(ctx context.Context, sessionID, path string) ([]byte, error) {
	m.mu.Lock()
	if state, ok := m.active[sessionID]; ok {
		if stored, ok := state.Files[path]; ok {
			m.mu.Unlock()
			return m.decode(stored)
		}
	}
	m.mu.Unlock()

	stored, err := m.store.HGet(ctx, filesKey(sessionID), path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: file %s in session %s", ErrSessionNotFound, path, sessionID)
		}
		return nil, fmt.Errorf("load file %s for session %s: %w", path, sessionID, err)
	}
	return m.decode(stored)
}

// DeleteFile removes a file from the cached state and the durable store.
func (m *Manager) DeleteFile(ctx context.Context, sessionID, path string) error {
	m.mu.Lock()
	if state, ok := m.active[sessionID]; ok {
		delete(state.Files, path)
	}
	m.mu.Unlock()

	if err := m.store.HDel(ctx, filesKey(sessionID), path); err != nil {
		return fmt.Errorf("delete file %s for session %s: %w", path, sessionID, err)
	}
	return nil
}

// MigrateSession rewrites pod (and optionally pool) ownership, stamps
// migration markers, and persists the record immediately. Used when the
// session's current pod is being drained.
func (m *Manager) MigrateSession(ctx context.Context, sessionID, newPod, newPool string) (*SessionState, error) {
	state, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("migrate session %s: %w", sessionID, err)
	}

	now := m.clock.Now().UTC()
	m.mu.Lock()
	oldPod := state.PodName
	state.PodName = newPod
	if newPool != "" {
		state.PoolName = newPool
	}
	state.LastActivity = now
	if state.Metadata == nil {
		state.Metadata = make(map[string]string)
	}
	state.Metadata["migrated_from"] = oldPod
	state.Metadata["migrated_at"] = now.Format(time.RFC3339)
	m.active[sessionID] = state
	m.mu.Unlock()

	if err := m.saveSession(ctx, state, 0); err != nil {
		return nil, err
	}
	klog.Infof("migrated session %s from %s to %s", sessionID, oldPod, newPod)
	return state, nil
}

// RestoreSession re-attaches a persisted session to a new pod: the full
// record is loaded from the durable store, marked restored, and its entire
// file set is loaded back into the cached state.
func (m *Manager) RestoreSession(ctx context.Context, sessionID, newPod string) (*SessionState, error) {
	state, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", sessionID, err)
	}

	now := m.clock.Now().UTC()
	state.PodName = newPod
	state.LastActivity = now
	if state.Metadata == nil {
		state.Metadata = make(map[string]string)
	}
	state.Metadata["restored"] = "true"
	state.Metadata["restored_at"] = now.Format(time.RFC3339)

	files, err := m.store.HGetAll(ctx, filesKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load files for session %s: %w", sessionID, err)
	}
	state.Files = files

	m.mu.Lock()
	m.active[sessionID] = state
	m.mu.Unlock()

	klog.Infof("restored session %s to pod %s (%d files)", sessionID, newPod, len(files))
	return state, nil
}

// DeleteSession removes the record and the file hash.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()

	if err := m.store.Delete(ctx, sessionKey(sessionID), filesKey(sessionID)); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	klog.Infof("deleted session: %s", sessionID)
	return nil
}

// ListSessions scans the durable keys, optionally filtering by pool and pod.
// Linear in the number of sessions, which is bounded by cluster capacity.
func (m *Manager) ListSessions(ctx context.Context, poolName, podName string) ([]*SessionState, error) {
	keys, err := m.store.Keys(ctx, sessionKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var sessions []*SessionState
	for _, key := range keys {
		if strings.HasSuffix(key, filesKeySuffix) {
			continue
		}
		sessionID := strings.TrimPrefix(key, sessionKeyPrefix)
		state, err := m.loadSession(ctx, sessionID)
		if err != nil {
			klog.Errorf("skipping session %s: %v", sessionID, err)
			continue
		}
		if poolName != "" && state.PoolName != poolName {
			continue
		}
		if podName != "" && state.PodName != podName {
			continue
		}
		sessions = append(sessions, state)
	}
	return sessions, nil
}

// Stats summarizes the manager for operators.
type Stats struct {
	ActiveSessions     int   `json:"active_sessions"`
	PersistedSessions  int   `json:"persisted_sessions"`
	CompressionEnabled bool  `json:"compression_enabled"`
	MaxFileSize        int64 `json:"max_file_size"`
}

// Stats reports cached vs persisted session counts.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	keys, err := m.store.Keys(ctx, sessionKeyPrefix)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	persisted := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, filesKeySuffix) {
			persisted++
		}
	}

	m.mu.Lock()
	active := len(m.active)
	m.mu.Unlock()

	return Stats{
		ActiveSessions:     active,
		PersistedSessions:  persisted,
		CompressionEnabled: !m.opts.DisableCompression,
		MaxFileSize:        m.opts.MaxFileSize,
	}, nil
}

// snapshot flushes the cache, bounding data loss on ungraceful shutdown.
func (m *Manager) snapshot(ctx context.Context) {
	if err := m.saveAll(ctx); err != nil {
		klog.Errorf("snapshot: %v", err)
	}
}

func (m *Manager) saveAll(ctx context.Context) error {
	m.mu.Lock()
	states := make([]*SessionState, 0, len(m.active))
	for _, state := range m.active {
		states = append(states, state)
	}
	m.mu.Unlock()

	var errs []error
	for _, state := range states {
		if err := m.saveSession(ctx, state, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		klog.V(4).Infof("flushed %d sessions to the durable store", len(states))
	}
	return errors.Join(errs...)
}

// saveSession writes the scalar record. A positive ttl sets the store-level
// expiry; zero leaves any existing expiry behavior to the store.
func (m *Manager) saveSession(ctx context.Context, state *SessionState, ttl time.Duration) error {
	m.mu.Lock()
	raw, err := json.Marshal(state)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode session %s: %w", state.SessionID, err)
	}
	if err := m.store.Set(ctx, sessionKey(state.SessionID), raw, ttl); err != nil {
		return fmt.Errorf("save session %s: %w", state.SessionID, err)
	}
	return nil
}

func (m *Manager) loadSession(ctx context.Context, sessionID string) (*SessionState, error) {
	raw, err := m.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var state SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if state.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%w: session %s has schema %d, supported %d",
			ErrSchemaTooNew, sessionID, state.SchemaVersion, SchemaVersion)
	}
	return &state, nil
}

func (m *Manager) decode(stored []byte) ([]byte, error) {
	if m.opts.DisableCompression {
		return stored, nil
	}
	content, err := m.dec.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress file content: %w", err)
	}
	return content, nil
}

func sessionKey(sessionID string) string { return sessionKeyPrefix + sessionID }

func filesKey(sessionID string) string { return sessionKeyPrefix + sessionID + filesKeySuffix }
