package testutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cofer/internal/container"

	"github.com/rs/xid"
)

// FakeRuntime is an in-memory container.Runtime whose execs run as host
// processes. The container's mount target is translated to the mount
// source, so commands see the bound worktree.
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	images     map[string]bool
	nextPort   int

	// Pulls counts image pulls
	Pulls int
	// UnboundPorts lists container ports the fake refuses to publish
	UnboundPorts map[int]bool
	// ExecFailures fails that many upcoming exec starts with a retryable error
	ExecFailures int
	// StartErr, when set, is returned by every Start call
	StartErr error
}

type fakeContainer struct {
	info   container.Container
	config container.CreateConfig
}

var _ container.Runtime = (*FakeRuntime)(nil)

// NewFakeRuntime creates an empty fake runtime
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers:   make(map[string]*fakeContainer),
		images:       make(map[string]bool),
		nextPort:     40000,
		UnboundPorts: make(map[int]bool),
	}
}

func (f *FakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *FakeRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *FakeRuntime) PullImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = true
	f.Pulls++
	return nil
}

func (f *FakeRuntime) lookup(idOrName string) *fakeContainer {
	if c, ok := f.containers[idOrName]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.info.Name == idOrName {
			return c
		}
	}
	return nil
}

func (f *FakeRuntime) Inspect(ctx context.Context, idOrName string) (*container.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(idOrName)
	if c == nil {
		return nil, NotFound(idOrName)
	}
	info := c.info
	info.Ports = append([]container.PortBinding(nil), c.info.Ports...)
	return &info, nil
}

func (f *FakeRuntime) ListManaged(ctx context.Context) ([]*container.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*container.Container
	for _, c := range f.containers {
		if c.info.Labels[container.LabelManaged] == "true" {
			info := c.info
			out = append(out, &info)
		}
	}
	return out, nil
}

func (f *FakeRuntime) Create(ctx context.Context, config *container.CreateConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookup(config.Name) != nil {
		return "", &container.ContainerError{
			Type:      container.ErrorTypeConflict,
			Operation: "create",
			Message:   fmt.Sprintf("container name %s already in use", config.Name),
		}
	}
	id := xid.New().String()
	c := &fakeContainer{
		config: *config,
		info: container.Container{
			ID:     id,
			Name:   config.Name,
			Image:  config.Image,
			Status: "created",
			IP:     "172.17.0.2",
			Labels: config.Labels,
		},
	}
	for _, p := range config.Ports {
		if f.UnboundPorts[p] {
			continue
		}
		f.nextPort++
		c.info.Ports = append(c.info.Ports, container.PortBinding{
			ContainerPort: p,
			Protocol:      "tcp",
			HostIP:        "127.0.0.1",
			HostPort:      f.nextPort,
		})
	}
	f.containers[id] = c
	return id, nil
}

func (f *FakeRuntime) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	c := f.lookup(containerID)
	if c == nil {
		return NotFound(containerID)
	}
	c.info.Running = true
	c.info.Status = "running"
	return nil
}

func (f *FakeRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.lookup(containerID); c != nil {
		c.info.Running = false
		c.info.Status = "exited"
	}
	return nil
}

func (f *FakeRuntime) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.lookup(containerID); c != nil {
		delete(f.containers, c.info.ID)
	}
	return nil
}

// Count returns the number of containers the fake holds
func (f *FakeRuntime) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// Config returns the create config of a container
func (f *FakeRuntime) Config(idOrName string) (container.CreateConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(idOrName)
	if c == nil {
		return container.CreateConfig{}, false
	}
	return c.config, true
}

func (f *FakeRuntime) Exec(ctx context.Context, containerID string, opts container.ExecOptions) (container.ExecSession, error) {
	f.mu.Lock()
	if f.ExecFailures > 0 {
		f.ExecFailures--
		f.mu.Unlock()
		return nil, &container.ContainerError{
			Type:        container.ErrorTypeExecError,
			Operation:   "exec create",
			ContainerID: containerID,
			Message:     "exec create failed",
		}
	}
	c := f.lookup(containerID)
	if c == nil || !c.info.Running {
		f.mu.Unlock()
		return nil, NotFound(containerID)
	}
	dir := hostPath(c.config.Mounts, opts.WorkingDir)
	f.mu.Unlock()

	if len(opts.Cmd) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.Command(opts.Cmd[0], opts.Cmd[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), opts.EnvVars...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, &container.ContainerError{
			Type:        container.ErrorTypeExecError,
			Operation:   "exec start",
			ContainerID: containerID,
			Message:     "exec start failed",
			Underlying:  err,
		}
	}
	return &hostExec{cmd: cmd, stdout: stdout, stderr: stderr, done: make(chan struct{})}, nil
}

// hostPath maps an in-container path to the bound host path
func hostPath(mounts []container.Mount, path string) string {
	for _, m := range mounts {
		if path == m.Target {
			return m.Source
		}
		if strings.HasPrefix(path, m.Target+"/") {
			return filepath.Join(m.Source, strings.TrimPrefix(path, m.Target))
		}
	}
	return ""
}

type hostExec struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	done     chan struct{}
	exitCode int
	once     sync.Once
}

func (h *hostExec) Stream(stdout, stderr io.Writer) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(stdout, h.stdout)
	}()
	go func() {
		defer wg.Done()
		io.Copy(stderr, h.stderr)
	}()
	wg.Wait()
	h.wait()
	return nil
}

func (h *hostExec) wait() {
	h.once.Do(func() {
		err := h.cmd.Wait()
		h.exitCode = 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				h.exitCode = exitErr.ExitCode()
			} else {
				h.exitCode = -1
			}
		}
		close(h.done)
	})
}

func (h *hostExec) ExitCode(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Close drops the output pipes, which unblocks Stream. Like a detached
// attach, it does not signal the process.
func (h *hostExec) Close() error {
	h.stdout.Close()
	h.stderr.Close()
	return nil
}
