package sandbox

import (
	"context"
	"io"
	"time"
)

// ContainerSpec is the runtime-agnostic description of one isolated
// environment. All hardening (read-only rootfs, dropped capabilities,
// no-new-privileges, tmpfs scratch areas, non-root user) is applied by the
// Runtime implementation and is not optional.
type ContainerSpec struct {
	Name           string
	Image          string
	MemoryBytes    int64
	CPUQuota       int64
	NetworkEnabled bool
	EnvVars        map[string]string
}

// ExecResult is the raw outcome of one command execution inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runtime is the narrow capability set the sandbox needs from an isolation
// runtime: create, exec, put-archive, get-archive, stop, remove. Keeping
// the surface this small lets tests run against an in-memory double that
// never touches a real container engine.
type Runtime interface {
	// CreateContainer provisions and starts a container, returning its ID.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	// Exec runs a command inside the container and blocks until it exits.
	// Cancellation of ctx abandons the attached stream but does not kill
	// the process; hard termination is StopContainer/RemoveContainer.
	Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error)
	// PutArchive uploads a tar stream rooted at the workspace directory.
	PutArchive(ctx context.Context, containerID string, archive io.Reader) error
	// GetArchive fetches a tar stream rooted at the given absolute path.
	GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error)
	// StopContainer stops the container, waiting at most timeout.
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	// RemoveContainer force-removes the container and its resources.
	RemoveContainer(ctx context.Context, containerID string) error
}

const (
	// workspaceDir is the only writable, executable area in the container
	// and the working directory for all executions.
	workspaceDir = "/workspace"

	// sandboxUser is the non-root identity every command runs under.
	sandboxUser = "sandbox"
)
