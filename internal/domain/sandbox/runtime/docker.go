package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const containerNamePrefix = "framewright-sbx-"

// DockerRuntime runs each sandbox in a container with the workspace bind
// mounted at /workspace. The dev server port is published on loopback only,
// so the proxy remains the single externally reachable path.
type DockerRuntime struct {
	cli          *client.Client
	defaultImage string
}

// NewDockerRuntime connects to the Docker daemon and verifies it responds.
func NewDockerRuntime(defaultImage string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	return &DockerRuntime{cli: cli, defaultImage: defaultImage}, nil
}

// Close releases the docker client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Start creates and starts the sandbox container. The same port number is
// used inside and outside the container, so the PortEnv value the manager
// exports stays correct for both runtimes.
func (r *DockerRuntime) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	img := spec.Image
	if img == "" {
		img = r.defaultImage
	}
	if err := r.ensureImage(ctx, img); err != nil {
		return nil, fmt.Errorf("pull image %q: %w", img, err)
	}

	absWorkspace, err := filepath.Abs(spec.Workspace)
	if err != nil {
		return nil, err
	}

	port := nat.Port(strconv.Itoa(spec.Port) + "/tcp")

	cfg := &container.Config{
		Image:        img,
		WorkingDir:   "/workspace",
		Cmd:          spec.Command,
		Env:          spec.Env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			"framewright.sandbox": spec.ID,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: absWorkspace,
				Target: "/workspace",
			},
		},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.Port)},
			},
		},
	}

	name := containerNamePrefix + spec.ID
	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	return &dockerHandle{cli: r.cli, containerID: resp.ID}, nil
}

func (r *DockerRuntime) ensureImage(ctx context.Context, img string) error {
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}

	reader, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Drain to complete the pull.
	_, err = io.Copy(io.Discard, reader)
	return err
}

type dockerHandle struct {
	cli         *client.Client
	containerID string
}

// Exec runs command under /bin/sh inside the container, demuxing the
// attached stream into stdout/stderr.
func (h *dockerHandle) Exec(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		WorkingDir:   "/workspace",
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := h.cli.ContainerExecCreate(execCtx, h.containerID, execCfg)
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec: %w", err)
	}

	attachResp, err := h.cli.ContainerExecAttach(execCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)

	if execCtx.Err() == context.DeadlineExceeded {
		// The attach connection is severed by the context; the daemon kills
		// the exec process with it.
		return ExecResult{
			ExitCode: -1,
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			TimedOut: true,
		}, nil
	}
	if copyErr != nil {
		return ExecResult{}, fmt.Errorf("read exec output: %w", copyErr)
	}

	inspectResp, err := h.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}

	return ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// Stop force-removes the container. Removing an already-gone container is
// treated as success.
func (h *dockerHandle) Stop(ctx context.Context) error {
	err := h.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}
