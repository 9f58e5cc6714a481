// Package sandbox executes untrusted code inside single-use isolated
// containers with enforced resource limits, a tar-based file transfer
// protocol, and hard wall-clock timeout enforcement.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/TommyKammy/ai-orchestrator/pkg/template"
)

// Config carries the resource limits and environment of one sandbox.
type Config struct {
	Image          string
	Timeout        time.Duration
	MemoryBytes    int64
	CPUQuota       int64
	NetworkEnabled bool
	EnvVars        map[string]string

	// MaxFileSize caps a single transferred file; MaxTotalSize caps the
	// cumulative bytes written through the file protocol.
	MaxFileSize  int64
	MaxTotalSize int64
}

const (
	defaultMaxFileSize  = 10 * 1024 * 1024
	defaultMaxTotalSize = 100 * 1024 * 1024
)

// ConfigFromTemplate derives sandbox parameters from a resolved template.
func ConfigFromTemplate(tpl template.Template) Config {
	return Config{
		Image:          tpl.BaseImage,
		Timeout:        time.Duration(tpl.TimeoutSeconds) * time.Second,
		MemoryBytes:    tpl.MemoryBytes,
		CPUQuota:       tpl.CPUQuota,
		NetworkEnabled: tpl.NetworkEnabled,
		EnvVars:        tpl.EnvVars,
	}
}

// Result is the structured outcome of one execution. A non-zero exit code
// is reported here, not as an error.
type Result struct {
	Status        string  `json:"status"`
	ExitCode      int     `json:"exit_code"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExecutionTime float64 `json:"execution_time"`
	SandboxID     string  `json:"sandbox_id"`
	Language      string  `json:"language,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// FileContent is the outcome of reading a file out of the sandbox.
type FileContent struct {
	Path     string `json:"path"`
	Content  []byte `json:"content"`
	Size     int    `json:"size"`
	IsBinary bool   `json:"is_binary"`
}

// Sandbox owns exactly one isolated execution environment. A sandbox is
// single-use with respect to timeouts: once execution exceeds the wall
// clock, the environment is force-destroyed and the sandbox is unusable.
type Sandbox struct {
	id      string
	cfg     Config
	runtime Runtime

	mu           sync.Mutex
	containerID  string
	writtenBytes int64
}

// New builds a sandbox around the given runtime. The environment is not
// provisioned until Create.
func New(runtime Runtime, cfg Config) *Sandbox {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.MaxTotalSize <= 0 {
		cfg.MaxTotalSize = defaultMaxTotalSize
	}
	return &Sandbox{
		id:      uuid.NewString()[:8],
		cfg:     cfg,
		runtime: runtime,
	}
}

// ID returns the short sandbox identifier.
func (s *Sandbox) ID() string { return s.id }

// Create provisions and starts the isolated environment. On failure any
// partially created resources are torn down before the error propagates.
func (s *Sandbox) Create(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.containerID != "" {
		return nil
	}

	klog.Infof("creating sandbox container: sandbox-%s", s.id)
	containerID, err := s.runtime.CreateContainer(ctx, ContainerSpec{
		Name:           "sandbox-" + s.id,
		Image:          s.cfg.Image,
		MemoryBytes:    s.cfg.MemoryBytes,
		CPUQuota:       s.cfg.CPUQuota,
		NetworkEnabled: s.cfg.NetworkEnabled,
		EnvVars:        s.cfg.EnvVars,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvision, err)
	}
	s.containerID = containerID
	return nil
}

// With provisions the sandbox, runs fn, and guarantees Destroy on every
// path including errors and panics.
func (s *Sandbox) With(ctx context.Context, fn func(*Sandbox) error) error {
	if err := s.Create(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.Destroy(ctx); err != nil {
			klog.Warningf("destroying sandbox-%s: %v", s.id, err)
		}
	}()
	return fn(s)
}

// Run executes code in the sandbox. Files, if given, are uploaded first;
// the source is then written to the language's fixed filename and the
// launch command runs under a hard wall-clock timeout. A timeout
// force-destroys the environment and returns ErrExecTimeout.
func (s *Sandbox) Run(ctx context.Context, code, language string, files map[string][]byte) (*Result, error) {
	// Language validation happens before any container interaction.
	launch, err := launchFor(language)
	if err != nil {
		return nil, err
	}

	containerID, err := s.currentContainer()
	if err != nil {
		return nil, err
	}

	start := time.Now()

	upload := map[string][]byte{}
	for p, content := range files {
		safe, err := ValidatePath(p)
		if err != nil {
			return nil, err
		}
		if int64(len(content)) > s.cfg.MaxFileSize {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrFileSize, p, len(content))
		}
		upload[safe] = content
	}
	upload[launch.sourceFile] = []byte(code)

	if err := s.uploadArchive(ctx, containerID, upload); err != nil {
		return nil, err
	}

	klog.Infof("executing %s code in sandbox-%s", language, s.id)
	execResult, err := s.execWithTimeout(ctx, containerID, launch.cmd)
	if err != nil {
		return nil, err
	}

	status := "success"
	if execResult.ExitCode != 0 {
		status = "error"
	}
	return &Result{
		Status:        status,
		ExitCode:      execResult.ExitCode,
		Stdout:        replaceInvalidUTF8(execResult.Stdout),
		Stderr:        replaceInvalidUTF8(execResult.Stderr),
		ExecutionTime: time.Since(start).Seconds(),
		SandboxID:     s.id,
		Language:      language,
	}, nil
}

// execWithTimeout runs the command on a bounded worker goroutine. If the
// wall clock elapses or the caller's context is canceled first, the pending
// result is abandoned and the environment is force-destroyed so no orphaned
// process can keep running. Only the wall clock reports ErrExecTimeout;
// cancellation surfaces the context's own error.
func (s *Sandbox) execWithTimeout(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	type outcome struct {
		res *ExecResult
		err error
	}
	done := make(chan outcome, 1)

	execCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		res, err := s.runtime.Exec(execCtx, containerID, cmd)
		done <- outcome{res: res, err: err}
	}()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	var cause error
	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("exec in sandbox-%s: %w", s.id, out.err)
		}
		return out.res, nil
	case <-timer.C:
		cause = fmt.Errorf("%w: execution exceeded %s", ErrExecTimeout, s.cfg.Timeout)
	case <-ctx.Done():
		cause = fmt.Errorf("execution canceled in sandbox-%s: %w", s.id, ctx.Err())
	}

	// Abandoning the worker is not enough: the process inside the
	// container must not outlive the abort.
	cancel()
	if err := s.Destroy(context.Background()); err != nil {
		klog.Warningf("cleanup after aborted execution in sandbox-%s: %v", s.id, err)
	}
	return nil, cause
}

// WriteFile validates the path and uploads a single file atomically.
func (s *Sandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	safe, err := ValidatePath(path)
	if err != nil {
		return err
	}
	if int64(len(content)) > s.cfg.MaxFileSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrFileSize, len(content), s.cfg.MaxFileSize)
	}

	containerID, err := s.currentContainer()
	if err != nil {
		return err
	}
	return s.uploadArchive(ctx, containerID, map[string][]byte{safe: content})
}

// WriteFiles validates every path, then uploads all files as one archive so
// the executed code never observes a partial write.
func (s *Sandbox) WriteFiles(ctx context.Context, files map[string][]byte) error {
	upload := make(map[string][]byte, len(files))
	var total int64
	for p, content := range files {
		safe, err := ValidatePath(p)
		if err != nil {
			return err
		}
		if int64(len(content)) > s.cfg.MaxFileSize {
			return fmt.Errorf("%w: %s is %d bytes", ErrFileSize, p, len(content))
		}
		total += int64(len(content))
		upload[safe] = content
	}
	if total > s.cfg.MaxTotalSize {
		return fmt.Errorf("%w: batch of %d bytes exceeds total limit", ErrFileSize, total)
	}

	containerID, err := s.currentContainer()
	if err != nil {
		return err
	}
	return s.uploadArchive(ctx, containerID, upload)
}

// ReadFile fetches a file from the sandbox workspace. The size ceiling is
// enforced against the archive entry header before content is materialized.
func (s *Sandbox) ReadFile(ctx context.Context, path string) (*FileContent, error) {
	safe, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}

	containerID, err := s.currentContainer()
	if err != nil {
		return nil, err
	}

	rc, err := s.runtime.GetArchive(ctx, containerID, workspaceDir+"/"+safe)
	if err != nil {
		return nil, fmt.Errorf("fetch %s from sandbox-%s: %w", safe, s.id, err)
	}
	defer rc.Close()

	_, data, err := unpackFirstFile(rc, s.cfg.MaxFileSize)
	if err != nil {
		return nil, err
	}
	return &FileContent{
		Path:     safe,
		Content:  data,
		Size:     len(data),
		IsBinary: !utf8.Valid(data),
	}, nil
}

// InstallPackages runs a pip user-install inside the sandbox and returns a
// structured result; a failed install is a result, not an error.
func (s *Sandbox) InstallPackages(ctx context.Context, packages []string) (*Result, error) {
	containerID, err := s.currentContainer()
	if err != nil {
		return nil, err
	}

	cmd := append([]string{"pip", "install", "--user", "--no-cache-dir"}, packages...)
	start := time.Now()

	execResult, err := s.runtime.Exec(ctx, containerID, cmd)
	if err != nil {
		return nil, fmt.Errorf("install packages in sandbox-%s: %w", s.id, err)
	}

	status := "success"
	if execResult.ExitCode != 0 {
		status = "error"
	}
	return &Result{
		Status:        status,
		ExitCode:      execResult.ExitCode,
		Stdout:        replaceInvalidUTF8(execResult.Stdout),
		Stderr:        replaceInvalidUTF8(execResult.Stderr),
		ExecutionTime: time.Since(start).Seconds(),
		SandboxID:     s.id,
	}, nil
}

// Destroy stops and removes the environment. Idempotent: the handle is
// cleared before teardown starts, so subsequent calls are no-ops even if
// teardown itself fails.
func (s *Sandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	containerID := s.containerID
	s.containerID = ""
	s.mu.Unlock()

	if containerID == "" {
		return nil
	}

	klog.Infof("destroying sandbox-%s", s.id)
	var errs []error
	if err := s.runtime.StopContainer(ctx, containerID, time.Second); err != nil {
		errs = append(errs, fmt.Errorf("stop sandbox-%s: %w", s.id, err))
	}
	if err := s.runtime.RemoveContainer(ctx, containerID); err != nil {
		errs = append(errs, fmt.Errorf("remove sandbox-%s: %w", s.id, err))
	}
	return utilerrors.NewAggregate(errs)
}

func (s *Sandbox) currentContainer() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containerID == "" {
		return "", ErrNotCreated
	}
	return s.containerID, nil
}

func (s *Sandbox) uploadArchive(ctx context.Context, containerID string, files map[string][]byte) error {
	var size int64
	for _, content := range files {
		size += int64(len(content))
	}

	s.mu.Lock()
	if s.writtenBytes+size > s.cfg.MaxTotalSize {
		s.mu.Unlock()
		return fmt.Errorf("%w: total storage would exceed %d bytes", ErrFileSize, s.cfg.MaxTotalSize)
	}
	s.writtenBytes += size
	s.mu.Unlock()

	// A failed upload stores nothing; give the quota charge back.
	refund := func() {
		s.mu.Lock()
		s.writtenBytes -= size
		s.mu.Unlock()
	}

	archive, err := packArchive(files)
	if err != nil {
		refund()
		return fmt.Errorf("pack archive for sandbox-%s: %w", s.id, err)
	}
	if err := s.runtime.PutArchive(ctx, containerID, bytes.NewReader(archive)); err != nil {
		refund()
		return fmt.Errorf("upload archive to sandbox-%s: %w", s.id, err)
	}
	return nil
}

// replaceInvalidUTF8 substitutes undecodable byte sequences instead of
// failing; captured output is always returned to the caller.
func replaceInvalidUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
