package container

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"cofer/internal/lazy"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime implements Runtime over the Docker engine API. Podman's
// docker-compatible socket works as well.
type DockerRuntime struct {
	host string
	cli  *lazy.Value[*client.Client]
}

// NewDockerRuntime creates a runtime for the given socket. An empty socket
// uses DOCKER_HOST or the platform default. The daemon is not contacted
// until the first call.
func NewDockerRuntime(socket string) *DockerRuntime {
	r := &DockerRuntime{host: socketHost(socket)}
	r.cli = lazy.New(r.connect)
	return r
}

func socketHost(socket string) string {
	if socket == "" || strings.Contains(socket, "://") {
		return socket
	}
	return "unix://" + socket
}

// client connects on first use. A failed connection is retried by the
// next call, so a daemon started later is picked up.
func (r *DockerRuntime) client(ctx context.Context) (*client.Client, error) {
	return r.cli.Get(ctx)
}

func (r *DockerRuntime) connect(ctx context.Context) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if r.host != "" {
		opts = append(opts, client.WithHost(r.host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewContainerError(ErrorTypeRuntimeUnavailable, "connect", "failed to create container runtime client", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, NewContainerError(ErrorTypeRuntimeUnavailable, "connect", "container runtime did not answer ping", err)
	}
	return cli, nil
}

// Close releases the client connection
func (r *DockerRuntime) Close() error {
	cli, ok := r.cli.Reset()
	if !ok {
		return nil
	}
	return cli.Close()
}

// Ping checks that the runtime answers
func (r *DockerRuntime) Ping(ctx context.Context) error {
	cli, err := r.client(ctx)
	if err != nil {
		return err
	}
	ping, err := cli.Ping(ctx)
	if err != nil {
		return wrapError("ping", "", err)
	}
	if ping.APIVersion == "" {
		return NewContainerError(ErrorTypeRuntimeUnavailable, "ping", "runtime returned empty API version", nil)
	}
	return nil
}

// ImageExists reports whether an image is present locally
func (r *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	cli, err := r.client(ctx)
	if err != nil {
		return false, err
	}
	if _, _, err := cli.ImageInspectWithRaw(ctx, ref); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, wrapError("image inspect", "", err)
	}
	return true, nil
}

// PullImage pulls an image and waits for the pull to finish
func (r *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	cli, err := r.client(ctx)
	if err != nil {
		return err
	}
	rc, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		ce := wrapError("image pull", "", err)
		if ce.Type == ErrorTypeUnknown || ce.Type == ErrorTypeContainerNotFound {
			ce.Type = ErrorTypeImageNotFound
		}
		ce.Message = fmt.Sprintf("failed to pull image %s", ref)
		return ce
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return wrapError("image pull", "", err)
	}
	return nil
}

// Inspect returns a container by ID or name
func (r *DockerRuntime) Inspect(ctx context.Context, idOrName string) (*Container, error) {
	cli, err := r.client(ctx)
	if err != nil {
		return nil, err
	}
	info, err := cli.ContainerInspect(ctx, idOrName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, &ContainerError{
				Type:        ErrorTypeContainerNotFound,
				Operation:   "inspect",
				ContainerID: idOrName,
				Message:     "container not found",
				Underlying:  err,
			}
		}
		return nil, wrapError("inspect", idOrName, err)
	}

	c := &Container{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.State != nil {
		c.Running = info.State.Running
		c.Status = info.State.Status
	}
	if info.Config != nil {
		c.Image = info.Config.Image
		c.Labels = info.Config.Labels
	}
	if ns := info.NetworkSettings; ns != nil {
		c.IP = ns.IPAddress
		for _, ep := range ns.Networks {
			if c.IP == "" && ep != nil && ep.IPAddress != "" {
				c.IP = ep.IPAddress
			}
		}
		c.Ports = portBindings(ns.Ports)
	}
	return c, nil
}

func portBindings(pm nat.PortMap) []PortBinding {
	var out []PortBinding
	for port, bindings := range pm {
		for _, b := range bindings {
			hostPort, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			out = append(out, PortBinding{
				ContainerPort: port.Int(),
				Protocol:      port.Proto(),
				HostIP:        b.HostIP,
				HostPort:      hostPort,
			})
		}
	}
	return out
}

// ListManaged returns every container labelled as managed by cofer
func (r *DockerRuntime) ListManaged(ctx context.Context) ([]*Container, error) {
	cli, err := r.client(ctx)
	if err != nil {
		return nil, err
	}
	list, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, wrapError("list", "", err)
	}

	containers := make([]*Container, 0, len(list))
	for _, item := range list {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		containers = append(containers, &Container{
			ID:      item.ID,
			Name:    name,
			Image:   item.Image,
			Status:  item.Status,
			Running: item.State == "running",
			Labels:  item.Labels,
		})
	}
	return containers, nil
}

// Create creates a container and returns its ID
func (r *DockerRuntime) Create(ctx context.Context, cfg *CreateConfig) (string, error) {
	cli, err := r.client(ctx)
	if err != nil {
		return "", err
	}

	config := &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.EnvVars,
		WorkingDir:   cfg.WorkingDir,
		Labels:       cfg.Labels,
		ExposedPorts: nat.PortSet{},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{},
	}
	if cfg.Init {
		useInit := true
		hostConfig.Init = &useInit
	}
	for _, m := range cfg.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	for _, p := range cfg.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p))
		if err != nil {
			return "", NewContainerError(ErrorTypePortUnavailable, "create", fmt.Sprintf("invalid port %d", p), err)
		}
		config.ExposedPorts[port] = struct{}{}
		// An empty HostPort asks the daemon for an ephemeral port.
		hostConfig.PortBindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1"}}
	}

	resp, err := cli.ContainerCreate(ctx, config, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		ce := wrapError("create", cfg.Name, err)
		ce.Message = fmt.Sprintf("failed to create container %s", cfg.Name)
		return "", ce
	}
	return resp.ID, nil
}

// Start starts a container by ID
func (r *DockerRuntime) Start(ctx context.Context, containerID string) error {
	cli, err := r.client(ctx)
	if err != nil {
		return err
	}
	if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return wrapError("start", containerID, err)
	}
	return nil
}

// Stop stops a container, waiting up to grace before killing it
func (r *DockerRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	cli, err := r.client(ctx)
	if err != nil {
		return err
	}
	seconds := int(grace.Round(time.Second) / time.Second)
	if err := cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return wrapError("stop", containerID, err)
	}
	return nil
}

// Remove force-removes a container and its anonymous volumes
func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	cli, err := r.client(ctx)
	if err != nil {
		return err
	}
	err = cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return wrapError("remove", containerID, err)
	}
	return nil
}

// Exec starts a command in a running container
func (r *DockerRuntime) Exec(ctx context.Context, containerID string, opts ExecOptions) (ExecSession, error) {
	cli, err := r.client(ctx)
	if err != nil {
		return nil, err
	}
	created, err := cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          opts.Cmd,
		Env:          opts.EnvVars,
		WorkingDir:   opts.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, execError("exec create", containerID, err)
	}
	attached, err := cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, execError("exec attach", containerID, err)
	}
	return &dockerExec{cli: cli, id: created.ID, containerID: containerID, reader: attached.Reader, close: attached.Close}, nil
}

func execError(operation, containerID string, err error) error {
	ce := wrapError(operation, containerID, err)
	if ce.Type == ErrorTypeUnknown {
		ce.Type = ErrorTypeExecError
	}
	return ce
}

type dockerExec struct {
	cli         *client.Client
	id          string
	containerID string
	reader      io.Reader
	close       func()
	closeOnce   sync.Once
}

func (e *dockerExec) Stream(stdout, stderr io.Writer) error {
	if _, err := stdcopy.StdCopy(stdout, stderr, e.reader); err != nil {
		return &ContainerError{
			Type:        ErrorTypeExecError,
			Operation:   "exec stream",
			ContainerID: e.containerID,
			Message:     "exec output stream failed",
			Underlying:  err,
		}
	}
	return nil
}

// ExitCode waits for the daemon to mark the exec finished. The stream can
// reach EOF slightly before the exit code is recorded.
func (e *dockerExec) ExitCode(ctx context.Context) (int, error) {
	for {
		info, err := e.cli.ContainerExecInspect(ctx, e.id)
		if err != nil {
			return -1, wrapError("exec inspect", e.containerID, err)
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, wrapError("exec inspect", e.containerID, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (e *dockerExec) Close() error {
	e.closeOnce.Do(e.close)
	return nil
}
