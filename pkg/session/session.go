// Package session pools sandboxes behind TTL-bounded sessions so repeated
// executions from the same caller reuse a warm isolated environment.
package session

import (
	"context"
	"time"

	"github.com/TommyKammy/ai-orchestrator/pkg/sandbox"
	"github.com/TommyKammy/ai-orchestrator/pkg/template"
)

// Runner is the slice of the sandbox surface a session needs. *sandbox.Sandbox
// satisfies it; tests substitute an in-memory double.
type Runner interface {
	ID() string
	Create(ctx context.Context) error
	Run(ctx context.Context, code, language string, files map[string][]byte) (*sandbox.Result, error)
	InstallPackages(ctx context.Context, packages []string) (*sandbox.Result, error)
	WriteFiles(ctx context.Context, files map[string][]byte) error
	ReadFile(ctx context.Context, path string) (*sandbox.FileContent, error)
	Destroy(ctx context.Context) error
}

// Factory builds an unprovisioned sandbox from a resolved template.
type Factory func(tpl template.Template) Runner

// DockerFactory adapts a container runtime into a session sandbox factory.
func DockerFactory(rt sandbox.Runtime) Factory {
	return func(tpl template.Template) Runner {
		return sandbox.New(rt, sandbox.ConfigFromTemplate(tpl))
	}
}

// Session is a lease on exactly one sandbox. It is created and mutated only
// by the Manager; callers observe it through the Manager's methods.
type Session struct {
	ID        string
	Template  string
	CreatedAt time.Time
	LastUsed  time.Time
	TTL       time.Duration
	Metadata  map[string]string
	UseCount  int

	sandbox Runner
	active  bool
}

// Sandbox exposes the underlying sandbox for file and package operations.
func (s *Session) Sandbox() Runner { return s.sandbox }

// Age reports how long the session has existed.
func (s *Session) Age(now time.Time) time.Duration { return now.Sub(s.CreatedAt) }

// IdleTime reports the time since the session was last used.
func (s *Session) IdleTime(now time.Time) time.Duration { return now.Sub(s.LastUsed) }

// Expired reports whether the session has been idle past its TTL.
func (s *Session) Expired(now time.Time) bool { return s.IdleTime(now) > s.TTL }

func (s *Session) touch(now time.Time) {
	s.LastUsed = now
	s.UseCount++
}

// Info is the read-only snapshot returned by ListSessions.
type Info struct {
	ID        string            `json:"id"`
	Template  string            `json:"template"`
	AgeSec    float64           `json:"age"`
	IdleSec   float64           `json:"idle_time"`
	TTLSec    float64           `json:"ttl"`
	UseCount  int               `json:"use_count"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	SandboxID string            `json:"sandbox_id"`
}
