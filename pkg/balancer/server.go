package balancer

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/TommyKammy/ai-orchestrator/pkg/api"
	"github.com/TommyKammy/ai-orchestrator/pkg/persistence"
)

// ServerConfig configures the balancer admin API.
type ServerConfig struct {
	Port  string
	Debug bool
}

// AdminServer exposes the balancer over HTTP: pool registration, session
// routing, and the persistence manager's migrate/restore operations. It is a
// control-plane surface for the platform's own components, not for tenants.
type AdminServer struct {
	cfg        ServerConfig
	router     *gin.Engine
	httpServer *http.Server

	balancer *Balancer
	persist  *persistence.Manager
}

// NewAdminServer builds the admin server and its routes.
func NewAdminServer(cfg ServerConfig, b *Balancer, persist *persistence.Manager) *AdminServer {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &AdminServer{cfg: cfg, balancer: b, persist: persist}
	s.setupRoutes()
	return s
}

func (s *AdminServer) setupRoutes() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())

	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/v1")
	v1.POST("/pools", s.handleRegisterPool)
	v1.DELETE("/pools/:name", s.handleUnregisterPool)
	v1.GET("/stats", s.handleStats)

	v1.POST("/route", s.handleRoute)
	v1.POST("/release", s.handleRelease)

	v1.GET("/sessions", s.handleListSessions)
	v1.POST("/sessions/:sessionId/migrate", s.handleMigrateSession)
	v1.POST("/sessions/:sessionId/restore", s.handleRestoreSession)
}

// Handler exposes the router, mainly for tests.
func (s *AdminServer) Handler() http.Handler { return s.router }

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *AdminServer) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("balancer admin API listening on :%s", s.cfg.Port)
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

func (s *AdminServer) handleHealth(c *gin.Context) {
	stats := s.balancer.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"total_pools":   stats.TotalPools,
		"healthy_pools": stats.HealthyPools,
	})
}

func (s *AdminServer) handleRegisterPool(c *gin.Context) {
	var pool PoolEndpoint
	if err := c.ShouldBindJSON(&pool); err != nil {
		c.JSON(http.StatusBadRequest, api.NewErrorResponse("INVALID_REQUEST", "invalid JSON body"))
		return
	}
	if err := s.balancer.RegisterPool(c.Request.Context(), pool); err != nil {
		c.JSON(http.StatusBadRequest, api.NewErrorResponse("REGISTER_FAILED", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pool": pool.Name})
}

func (s *AdminServer) handleUnregisterPool(c *gin.Context) {
	name := c.Param("name")
	if err := s.balancer.UnregisterPool(c.Request.Context(), name); err != nil {
		status, body := api.FromError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pool": name})
}

func (s *AdminServer) handleStats(c *gin.Context) {
	persistStats, err := s.persist.Stats(c.Request.Context())
	if err != nil {
		klog.Warningf("persistence stats: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{
		"balancer":    s.balancer.Stats(),
		"persistence": persistStats,
	})
}

type routeRequest struct {
	SessionID string `json:"session_id"`
	Region    string `json:"region"`
}

// handleRoute assigns a pool to the session. 503 with retryable=true means
// every pool is saturated or unavailable right now.
func (s *AdminServer) handleRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, api.NewErrorResponse("INVALID_REQUEST", "session_id is required"))
		return
	}

	pool, err := s.balancer.GetPoolForSession(c.Request.Context(), req.SessionID, req.Region)
	if err != nil {
		status, body := api.FromError(err)
		c.JSON(status, body)
		return
	}
	if pool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "no_capacity", "retryable": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pool": pool})
}

type releaseRequest struct {
	SessionID string `json:"session_id"`
	Pool      string `json:"pool"`
}

func (s *AdminServer) handleRelease(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, api.NewErrorResponse("INVALID_REQUEST", "session_id is required"))
		return
	}
	if err := s.balancer.ReleaseSession(c.Request.Context(), req.SessionID, req.Pool); err != nil {
		status, body := api.FromError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *AdminServer) handleListSessions(c *gin.Context) {
	states, err := s.persist.ListSessions(c.Request.Context(), c.Query("pool"), c.Query("pod"))
	if err != nil {
		status, body := api.FromError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": states, "count": len(states)})
}

type migrateRequest struct {
	Pod  string `json:"pod"`
	Pool string `json:"pool"`
}

func (s *AdminServer) handleMigrateSession(c *gin.Context) {
	id := c.Param("sessionId")
	var req migrateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Pod == "" {
		c.JSON(http.StatusBadRequest, api.NewErrorResponse("INVALID_REQUEST", "pod is required"))
		return
	}

	state, err := s.persist.MigrateSession(c.Request.Context(), id, req.Pod, req.Pool)
	if err != nil {
		status, body := api.FromError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session": state})
}

type restoreRequest struct {
	Pod string `json:"pod"`
}

func (s *AdminServer) handleRestoreSession(c *gin.Context) {
	id := c.Param("sessionId")
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Pod == "" {
		c.JSON(http.StatusBadRequest, api.NewErrorResponse("INVALID_REQUEST", "pod is required"))
		return
	}

	state, err := s.persist.RestoreSession(c.Request.Context(), id, req.Pod)
	if err != nil {
		status, body := api.FromError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session": state})
}
