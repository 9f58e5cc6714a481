// Package executor exposes the pool's HTTP surface: session lifecycle, code
// execution, file transfer, package installs, a health endpoint consumed by
// the global load balancer, and a websocket stream of session events.
package executor

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"k8s.io/klog/v2"

	"github.com/TommyKammy/ai-orchestrator/pkg/persistence"
	"github.com/TommyKammy/ai-orchestrator/pkg/policy"
	"github.com/TommyKammy/ai-orchestrator/pkg/session"
)

// Config configures the executor API server.
type Config struct {
	// Port is the port the API server listens on.
	Port string
	// PoolName and PodName identify this replica in persisted session
	// records.
	PoolName string
	PodName  string
	// EnableAuth requires a bearer token on every /v1 route.
	EnableAuth bool
	// JWTSecret is the HMAC secret bearer tokens are signed with.
	JWTSecret []byte
	// Debug leaves gin in debug mode.
	Debug bool
}

// Server is the executor API server. It owns no global state: the session
// manager, policy client, and persistence manager are injected by the
// process entry point.
type Server struct {
	cfg        Config
	router     *gin.Engine
	httpServer *http.Server

	sessions *session.Manager
	factory  session.Factory
	policy   *policy.Client
	persist  *persistence.Manager

	hub      *eventHub
	inflight atomic.Int64
}

// NewServer builds the executor server and its routes.
func NewServer(cfg Config, sessions *session.Manager, factory session.Factory, pol *policy.Client, persist *persistence.Manager) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		factory:  factory,
		policy:   pol,
		persist:  persist,
		hub:      newEventHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())

	// Health check feeds the load balancer's probes; no authentication.
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/v1")
	v1.Use(s.queueDepthMiddleware, s.loggingMiddleware, s.authMiddleware)

	v1.GET("/templates", s.handleListTemplates)
	v1.GET("/metrics", s.handleMetrics)
	v1.GET("/events", s.handleEvents)

	v1.POST("/execute", s.handleExecute)

	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.DELETE("/sessions/:sessionId", s.handleDestroySession)
	v1.POST("/sessions/:sessionId/execute", s.handleSessionExecute)
	v1.POST("/sessions/:sessionId/files", s.handleWriteFile)
	v1.GET("/sessions/:sessionId/files", s.handleReadFile)
	v1.POST("/sessions/:sessionId/packages", s.handleInstallPackages)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the server until ctx is cancelled, then shuts down gracefully,
// draining in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx, s.sessions.Events())

	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("executor API server listening on :%s", s.cfg.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// queueDepthMiddleware tracks in-flight requests; the health endpoint
// reports the count as this pool's queue depth.
func (s *Server) queueDepthMiddleware(c *gin.Context) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)
	c.Next()
}

func (s *Server) loggingMiddleware(c *gin.Context) {
	start := time.Now()
	c.Next()
	klog.V(2).Infof("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}

// handleHealth reports the payload the load balancer's health checks
// consume: queue depth plus host CPU and memory utilization.
func (s *Server) handleHealth(c *gin.Context) {
	cpuPercent := 0.0
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPercent = pcts[0]
	}
	memPercent := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"queue_depth":    s.inflight.Load(),
		"cpu_percent":    cpuPercent,
		"memory_percent": memPercent,
	})
}
