package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TommyKammy/ai-orchestrator/pkg/persistence"
	"github.com/TommyKammy/ai-orchestrator/pkg/policy"
	"github.com/TommyKammy/ai-orchestrator/pkg/sandbox"
	"github.com/TommyKammy/ai-orchestrator/pkg/session"
	"github.com/TommyKammy/ai-orchestrator/pkg/store"
	"github.com/TommyKammy/ai-orchestrator/pkg/template"
)

// stubRunner is an in-memory session.Runner double.
type stubRunner struct {
	mu        sync.Mutex
	id        string
	created   bool
	destroyed bool
	files     map[string][]byte
	runResult *sandbox.Result
}

func newStubRunner(id string) *stubRunner {
	return &stubRunner{
		id:    id,
		files: make(map[string][]byte),
		runResult: &sandbox.Result{
			Status:   "success",
			ExitCode: 0,
			Stdout:   "42\n",
		},
	}
}

func (r *stubRunner) ID() string { return r.id }

func (r *stubRunner) Create(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = true
	return nil
}

func (r *stubRunner) Run(_ context.Context, _, language string, files map[string][]byte) (*sandbox.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, content := range files {
		r.files[path] = content
	}
	res := *r.runResult
	res.SandboxID = r.id
	res.Language = language
	return &res, nil
}

func (r *stubRunner) InstallPackages(context.Context, []string) (*sandbox.Result, error) {
	return &sandbox.Result{Status: "success", ExitCode: 0, SandboxID: r.id}, nil
}

func (r *stubRunner) WriteFiles(_ context.Context, files map[string][]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, content := range files {
		r.files[path] = content
	}
	return nil
}

func (r *stubRunner) ReadFile(_ context.Context, path string) (*sandbox.FileContent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.files[path]
	if !ok {
		return nil, sandbox.ErrPathSecurity
	}
	return &sandbox.FileContent{Path: path, Content: content, Size: len(content)}, nil
}

func (r *stubRunner) Destroy(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = true
	return nil
}

type testServer struct {
	srv     *Server
	mgr     *session.Manager
	persist *persistence.Manager
	runners []*stubRunner
	mu      sync.Mutex
}

func (ts *testServer) factory(template.Template) session.Runner {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	r := newStubRunner("sbx-" + time.Now().Format("150405.000000"))
	ts.runners = append(ts.runners, r)
	return r
}

func newTestServer(t *testing.T, cfg Config, sessOpts session.Options) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	st := store.NewRedisStore(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = st.Close() })

	persist, err := persistence.New(st, persistence.Options{})
	require.NoError(t, err)

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.PoolName == "" {
		cfg.PoolName = "pool-test"
		cfg.PodName = "pod-test"
	}

	ts := &testServer{persist: persist}
	ts.mgr = session.NewManager(ts.factory, sessOpts)

	// Unreachable engine with fail-open: every evaluation allows.
	pol := policy.NewClient(policy.Config{URL: "http://127.0.0.1:1", FailMode: policy.FailOpen})

	ts.srv = NewServer(cfg, ts.mgr, ts.factory, pol, persist)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
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
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthIsUnauthenticated(t *testing.T) {
	ts := newTestServer(t, Config{EnableAuth: true, JWTSecret: []byte("s3cret")}, session.Options{})

	w := ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "queue_depth")
	assert.Contains(t, body, "cpu_percent")
	assert.Contains(t, body, "memory_percent")
}

func TestAuthMiddleware(t *testing.T) {
	secret := []byte("s3cret")
	ts := newTestServer(t, Config{EnableAuth: true, JWTSecret: secret}, session.Options{})

	w := ts.do(t, http.MethodGet, "/v1/templates", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/templates", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := GenerateToken(secret, "balancer", time.Minute)
	require.NoError(t, err)
	w = ts.do(t, http.MethodGet, "/v1/templates", nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, w.Code)

	// A token signed with a different secret is rejected.
	bad, err := GenerateToken([]byte("other"), "balancer", time.Minute)
	require.NoError(t, err)
	w = ts.do(t, http.MethodGet, "/v1/templates", nil, map[string]string{"Authorization": "Bearer " + bad})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestExecuteOneShot(t *testing.T) {
	ts := newTestServer(t, Config{}, session.Options{})

	w := ts.do(t, http.MethodPost, "/v1/execute", map[string]any{
		"code":      "print(6*7)",
		"language":  "python",
		"tenant_id": "acme",
		"scope":     "analytics",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "42\n", body["stdout"])

	// One-shot sandboxes never outlive the request.
	require.Len(t, ts.runners, 1)
	assert.True(t, ts.runners[0].created)
	assert.True(t, ts.runners[0].destroyed)
}

func TestExecuteRequiresTenantAndCode(t *testing.T) {
	ts := newTestServer(t, Config{}, session.Options{})

	w := ts.do(t, http.MethodPost, "/v1/execute", map[string]any{"code": "print(1)"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/execute", map[string]any{"tenant_id": "acme", "scope": "s"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, ts.runners)
}

func TestExecutePolicyDenied(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{
			"policy_id": "deny-all",
			"decision":  "deny",
			"allow":     false,
		}})
	}))
	defer engine.Close()

	ts := newTestServer(t, Config{}, session.Options{})
	ts.srv.policy = policy.NewClient(policy.Config{URL: engine.URL, Mode: policy.ModeEnforce})

	w := ts.do(t, http.MethodPost, "/v1/execute", map[string]any{
		"code":      "print(1)",
		"tenant_id": "acme",
		"scope":     "analytics",
	}, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "denied", body["status"])
	assert.Empty(t, ts.runners)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, Config{}, session.Options{})

	w := ts.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"template":  "python-data",
		"tenant_id": "acme",
		"scope":     "analytics",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	id := decodeBody(t, w)["session_id"].(string)
	require.NotEmpty(t, id)

	// Creation writes a durable record carrying pool identity.
	state, err := ts.persist.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "pool-test", state.PoolName)
	assert.Equal(t, "acme", state.Metadata["tenant_id"])

	w = ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/execute", map[string]any{
		"code":     "print(6*7)",
		"language": "python",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "42\n", decodeBody(t, w)["stdout"])

	state, err = ts.persist.GetSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, state.ExecutionHistory, 1)
	assert.Equal(t, "python", state.ExecutionHistory[0].Language)

	w = ts.do(t, http.MethodGet, "/v1/sessions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = ts.do(t, http.MethodDelete, "/v1/sessions/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, ts.runners, 1)
	assert.True(t, ts.runners[0].destroyed)

	w = ts.do(t, http.MethodDelete, "/v1/sessions/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDestroyUnknownSessionLeavesForeignRecord(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, Config{}, session.Options{})

	// A record owned by another pod: this node's manager has never seen it.
	_, err := ts.persist.CreateSession(ctx, "foreign-1", "pool-other", "pod-other", "default", time.Hour, nil)
	require.NoError(t, err)

	w := ts.do(t, http.MethodDelete, "/v1/sessions/foreign-1", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	state, err := ts.persist.GetSession(ctx, "foreign-1")
	require.NoError(t, err)
	assert.Equal(t, "pod-other", state.PodName)
}

func TestSessionFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, Config{}, session.Options{})

	w := ts.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"tenant_id": "acme",
		"scope":     "analytics",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	id := decodeBody(t, w)["session_id"].(string)

	w = ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/files", map[string]any{
		"path":    "data.csv",
		"content": "a,b\n1,2\n",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/sessions/"+id+"/files?path=data.csv", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	decoded, err := base64.StdEncoding.DecodeString(body["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(decoded))

	// The write is mirrored into the persistence layer.
	persisted, err := ts.persist.GetFile(ctx, id, "data.csv")
	require.NoError(t, err)
	assert.Equal(t, []byte("a,b\n1,2\n"), persisted)

	// Base64 payloads carry binary content intact.
	w = ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/files", map[string]any{
		"path":     "blob.bin",
		"content":  base64.StdEncoding.EncodeToString([]byte{0x00, 0xff}),
		"encoding": "base64",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	persisted, err = ts.persist.GetFile(ctx, id, "blob.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, persisted)
}

func TestInstallPackagesRecordsHistory(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, Config{}, session.Options{})

	w := ts.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"tenant_id": "acme",
		"scope":     "analytics",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	id := decodeBody(t, w)["session_id"].(string)

	w = ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/packages", map[string]any{
		"packages": []string{"numpy", "pandas"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	state, err := ts.persist.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"numpy", "pandas"}, state.InstalledPackages)
}

func TestCreateSessionCapacity(t *testing.T) {
	ts := newTestServer(t, Config{}, session.Options{MaxSessions: 1})

	body := map[string]any{"tenant_id": "acme", "scope": "analytics"}
	w := ts.do(t, http.MethodPost, "/v1/sessions", body, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/sessions", body, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "CAPACITY", decodeBody(t, w)["error"].(map[string]any)["code"])
}

func TestSessionExecuteUnknownSession(t *testing.T) {
	ts := newTestServer(t, Config{}, session.Options{})

	w := ts.do(t, http.MethodPost, "/v1/sessions/ghost/execute", map[string]any{"code": "print(1)"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{}, session.Options{})

	w := ts.do(t, http.MethodPost, "/v1/sessions", map[string]any{"tenant_id": "a", "scope": "s"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "pool-test", body["pool"])
	sessions := body["sessions"].(map[string]any)
	assert.Equal(t, float64(1), sessions["active_sessions"])
}

func TestEventsWebsocketStreamsLifecycle(t *testing.T) {
	ts := newTestServer(t, Config{}, session.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.srv.hub.run(ctx, ts.mgr.Events())

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler goroutine a moment to register its subscription.
	time.Sleep(100 * time.Millisecond)

	w := ts.do(t, http.MethodPost, "/v1/sessions", map[string]any{"tenant_id": "a", "scope": "s"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	id := decodeBody(t, w)["session_id"].(string)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev session.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, session.EventCreated, ev.Type)
	assert.Equal(t, id, ev.SessionID)
}
