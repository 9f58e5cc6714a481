package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"k8s.io/klog/v2"
)

// dockerRuntime implements Runtime against a Docker engine.
type dockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the Docker engine using the standard
// environment configuration (DOCKER_HOST etc.) with API version negotiation.
func NewDockerRuntime() (Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("initialize docker client: %w", err)
	}
	return &dockerRuntime{cli: cli}, nil
}

// CreateContainer provisions a hardened container: read-only rootfs, no new
// privileges, all capabilities dropped, tmpfs-only writable areas (/tmp is
// non-executable, /workspace executable but nosuid), resource limits, and a
// non-root user. Network is attached only when the spec enables it.
func (d *dockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	env := []string{
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
		"MPLBACKEND=Agg",
		"HOME=" + workspaceDir,
	}
	for k, v := range spec.EnvVars {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Env:        env,
		WorkingDir: workspaceDir,
		User:       sandboxUser,
		Tty:        true,
		OpenStdin:  true,
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges:true"},
		CapDrop:        strslice.StrSlice{"ALL"},
		NetworkMode:    "none",
		Tmpfs: map[string]string{
			"/tmp":       "rw,noexec,nosuid,size=100m,uid=1000,gid=1000",
			workspaceDir: "rw,exec,nosuid,size=50m,uid=1000,gid=1000",
		},
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUQuota:  spec.CPUQuota,
			CPUPeriod: 100000,
		},
	}
	if spec.NetworkEnabled {
		hostCfg.NetworkMode = "bridge"
		hostCfg.DNS = []string{"8.8.8.8", "1.1.1.1"}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Partial resources must not leak when start fails.
		if rmErr := d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			klog.Warningf("failed to remove container %s after start failure: %v", resp.ID, rmErr)
		}
		return "", fmt.Errorf("container start: %w", err)
	}
	return resp.ID, nil
}

func (d *dockerRuntime) Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workspaceDir,
		User:         sandboxUser,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("exec stream: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

func (d *dockerRuntime) PutArchive(ctx context.Context, containerID string, archive io.Reader) error {
	opts := container.CopyToContainerOptions{}
	if err := d.cli.CopyToContainer(ctx, containerID, workspaceDir, archive, opts); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

func (d *dockerRuntime) GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	rc, _, err := d.cli.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	return rc, nil
}

func (d *dockerRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	return d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
}

func (d *dockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	return d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
