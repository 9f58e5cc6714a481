package executor

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/TommyKammy/ai-orchestrator/pkg/api"
	"github.com/TommyKammy/ai-orchestrator/pkg/persistence"
	"github.com/TommyKammy/ai-orchestrator/pkg/policy"
	"github.com/TommyKammy/ai-orchestrator/pkg/template"
)

// executeRequest is the payload for one-shot and in-session execution.
// tenant_id and scope identify the caller for policy evaluation.
type executeRequest struct {
	Code     string            `json:"code"`
	Language string            `json:"language"`
	Template string            `json:"template"`
	TenantID string            `json:"tenant_id"`
	Scope    string            `json:"scope"`
	Files    map[string]string `json:"files"`
}

type createSessionRequest struct {
	Template   string            `json:"template"`
	TTLSeconds int               `json:"ttl_seconds"`
	TenantID   string            `json:"tenant_id"`
	Scope      string            `json:"scope"`
	Metadata   map[string]string `json:"metadata"`
}

type writeFileRequest struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type installPackagesRequest struct {
	Packages []string `json:"packages"`
}

func respondError(c *gin.Context, err error) {
	status, body := api.FromError(err)
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, api.NewErrorResponse("INVALID_REQUEST", msg))
}

// authorize evaluates the execution against the policy engine and reports
// whether the request may proceed. Shadow-mode denials are logged only.
func (s *Server) authorize(c *gin.Context, tenantID, scope, language, templateName string) bool {
	decision := s.policy.Evaluate(c.Request.Context(), policy.Input{
		Subject:  tenantID,
		Resource: "sandbox",
		Action:   "execute",
		Context: map[string]string{
			"scope":    scope,
			"language": language,
			"template": templateName,
		},
	})
	if !s.policy.Enforce(decision) {
		c.JSON(http.StatusForbidden, gin.H{"status": "denied", "decision": decision})
		return false
	}
	if !decision.Allow {
		klog.Warningf("policy denied tenant %s in shadow mode (policy %s)", tenantID, decision.PolicyID)
	}
	return true
}

func decodeFiles(in map[string]string) map[string][]byte {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(in))
	for path, content := range in {
		out[path] = []byte(content)
	}
	return out
}

// handleExecute runs code in a throwaway sandbox that is destroyed when the
// request completes.
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.TenantID == "" || req.Scope == "" {
		badRequest(c, "tenant_id and scope are required")
		return
	}
	if req.Code == "" {
		badRequest(c, "code is required")
		return
	}
	if !s.authorize(c, req.TenantID, req.Scope, req.Language, req.Template) {
		return
	}

	ctx := c.Request.Context()
	sb := s.factory(template.Resolve(req.Template))
	if err := sb.Create(ctx); err != nil {
		respondError(c, err)
		return
	}
	defer func() {
		if err := sb.Destroy(ctx); err != nil {
			klog.Warningf("destroying one-shot sandbox %s: %v", sb.ID(), err)
		}
	}()

	res, err := sb.Run(ctx, req.Code, req.Language, decodeFiles(req.Files))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.TenantID == "" || req.Scope == "" {
		badRequest(c, "tenant_id and scope are required")
		return
	}

	metadata := map[string]string{"tenant_id": req.TenantID, "scope": req.Scope}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = s.sessions.DefaultTTL()
	}

	ctx := c.Request.Context()
	id, err := s.sessions.CreateSession(ctx, req.Template, ttl, metadata)
	if err != nil {
		respondError(c, err)
		return
	}

	tpl := template.Resolve(req.Template)
	if _, err := s.persist.CreateSession(ctx, id, s.cfg.PoolName, s.cfg.PodName, tpl.Name, ttl, metadata); err != nil {
		klog.Warningf("persisting session %s: %v", id, err)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"session_id": id,
		"template":   tpl.Name,
	})
}

func (s *Server) handleDestroySession(c *gin.Context) {
	id := c.Param("sessionId")
	ctx := c.Request.Context()

	// The durable record is removed only when this node owned the session;
	// an unknown id may belong to another pod and must leave its state alone.
	if !s.sessions.DestroySession(ctx, id) {
		respondError(c, persistence.ErrSessionNotFound)
		return
	}
	if err := s.persist.DeleteSession(ctx, id); err != nil {
		klog.Warningf("removing persisted session %s: %v", id, err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session_id": id})
}

func (s *Server) handleSessionExecute(c *gin.Context) {
	id := c.Param("sessionId")

	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.Code == "" {
		badRequest(c, "code is required")
		return
	}

	ctx := c.Request.Context()
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	tenantID := sess.Metadata["tenant_id"]
	if !s.authorize(c, tenantID, sess.Metadata["scope"], req.Language, sess.Template) {
		return
	}

	start := time.Now()
	res := s.sessions.ExecuteInSession(ctx, id, req.Code, req.Language, decodeFiles(req.Files))

	record := persistence.ExecutionRecord{
		Language:        req.Language,
		Status:          res.Status,
		ExitCode:        res.ExitCode,
		RanAt:           start,
		DurationSeconds: time.Since(start).Seconds(),
	}
	if err := s.persist.AppendExecution(ctx, id, record); err != nil {
		klog.V(2).Infof("recording execution for session %s: %v", id, err)
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) handleWriteFile(c *gin.Context) {
	id := c.Param("sessionId")

	var req writeFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.Path == "" {
		badRequest(c, "path is required")
		return
	}
	content := []byte(req.Content)
	if req.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			badRequest(c, "content is not valid base64")
			return
		}
		content = decoded
	}

	ctx := c.Request.Context()
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := sess.Sandbox().WriteFiles(ctx, map[string][]byte{req.Path: content}); err != nil {
		respondError(c, err)
		return
	}
	if err := s.persist.AddFile(ctx, id, req.Path, content); err != nil {
		klog.V(2).Infof("persisting file %s for session %s: %v", req.Path, id, err)
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "path": req.Path, "size": len(content)})
}

func (s *Server) handleReadFile(c *gin.Context) {
	id := c.Param("sessionId")
	path := c.Query("path")
	if path == "" {
		badRequest(c, "path query parameter is required")
		return
	}

	ctx := c.Request.Context()
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	file, err := sess.Sandbox().ReadFile(ctx, path)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"path":      file.Path,
		"content":   base64.StdEncoding.EncodeToString(file.Content),
		"size":      file.Size,
		"is_binary": file.IsBinary,
	})
}

func (s *Server) handleInstallPackages(c *gin.Context) {
	id := c.Param("sessionId")

	var req installPackagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if len(req.Packages) == 0 {
		badRequest(c, "packages is required")
		return
	}

	ctx := c.Request.Context()
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	res, err := sess.Sandbox().InstallPackages(ctx, req.Packages)
	if err != nil {
		respondError(c, err)
		return
	}

	if res.ExitCode == 0 {
		if err := s.persist.UpdateSession(ctx, id, func(state *persistence.SessionState) {
			state.InstalledPackages = append(state.InstalledPackages, req.Packages...)
		}); err != nil {
			klog.V(2).Infof("recording packages for session %s: %v", id, err)
		}
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleListTemplates(c *gin.Context) {
	names := template.Names()
	templates := make([]template.Template, 0, len(names))
	for _, name := range names {
		templates = append(templates, template.Resolve(name))
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

func (s *Server) handleListSessions(c *gin.Context) {
	infos := s.sessions.ListSessions()
	c.JSON(http.StatusOK, gin.H{"sessions": infos, "count": len(infos)})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pool":     s.cfg.PoolName,
		"pod":      s.cfg.PodName,
		"sessions": s.sessions.Metrics(),
	})
}
