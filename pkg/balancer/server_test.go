package balancer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TommyKammy/ai-orchestrator/pkg/persistence"
	"github.com/TommyKammy/ai-orchestrator/pkg/store"
)

func newAdminServer(t *testing.T) (*AdminServer, *persistence.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = st.Close() })

	b, err := New(st, Options{})
	require.NoError(t, err)
	persist, err := persistence.New(st, persistence.Options{})
	require.NoError(t, err)

	return NewAdminServer(ServerConfig{Port: "8081"}, b, persist), persist
}

func adminDo(t *testing.T, s *AdminServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestAdminPoolRegistrationAndRouting(t *testing.T) {
	s, _ := newAdminServer(t)

	w := adminDo(t, s, http.MethodPost, "/v1/pools", map[string]any{
		"name":         "pool-a",
		"url":          "http://pool-a:8080",
		"region":       "eu-west",
		"max_sessions": 10,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = adminDo(t, s, http.MethodPost, "/v1/route", map[string]any{"session_id": "sess-1"})
	require.Equal(t, http.StatusOK, w.Code)
	var routed struct {
		Pool PoolEndpoint `json:"pool"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &routed))
	assert.Equal(t, "pool-a", routed.Pool.Name)
	assert.Equal(t, 1, routed.Pool.CurrentSessions)

	w = adminDo(t, s, http.MethodPost, "/v1/release", map[string]any{
		"session_id": "sess-1",
		"pool":       "pool-a",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = adminDo(t, s, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Balancer Stats `json:"balancer"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Balancer.TotalPools)
	assert.Equal(t, 0, stats.Balancer.TotalSessions)
}

func TestAdminRouteNoCapacity(t *testing.T) {
	s, _ := newAdminServer(t)

	w := adminDo(t, s, http.MethodPost, "/v1/route", map[string]any{"session_id": "sess-1"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["retryable"])
}

func TestAdminRegisterPoolValidation(t *testing.T) {
	s, _ := newAdminServer(t)

	w := adminDo(t, s, http.MethodPost, "/v1/pools", map[string]any{"region": "eu-west"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminUnregisterPool(t *testing.T) {
	s, _ := newAdminServer(t)

	w := adminDo(t, s, http.MethodPost, "/v1/pools", map[string]any{"name": "pool-a", "url": "http://pool-a:8080"})
	require.Equal(t, http.StatusOK, w.Code)

	w = adminDo(t, s, http.MethodDelete, "/v1/pools/pool-a", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = adminDo(t, s, http.MethodPost, "/v1/route", map[string]any{"session_id": "s"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminSessionMigrateAndRestore(t *testing.T) {
	ctx := context.Background()
	s, persist := newAdminServer(t)

	_, err := persist.CreateSession(ctx, "sess-1", "pool-a", "pod-1", "default", time.Hour, nil)
	require.NoError(t, err)

	w := adminDo(t, s, http.MethodPost, "/v1/sessions/sess-1/migrate", map[string]any{
		"pod":  "pod-2",
		"pool": "pool-b",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var migrated struct {
		Session persistence.SessionState `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &migrated))
	assert.Equal(t, "pod-2", migrated.Session.PodName)
	assert.Equal(t, "pool-b", migrated.Session.PoolName)

	w = adminDo(t, s, http.MethodPost, "/v1/sessions/sess-1/restore", map[string]any{"pod": "pod-3"})
	require.Equal(t, http.StatusOK, w.Code)

	w = adminDo(t, s, http.MethodGet, "/v1/sessions?pool=pool-b", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Equal(t, 1, listed.Count)
}

func TestAdminMigrateUnknownSession(t *testing.T) {
	s, _ := newAdminServer(t)

	w := adminDo(t, s, http.MethodPost, "/v1/sessions/ghost/migrate", map[string]any{"pod": "pod-2"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
