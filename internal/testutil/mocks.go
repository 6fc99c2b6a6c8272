package testutil

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"cofer/internal/container"
	"cofer/internal/git"

	"github.com/stretchr/testify/mock"
)

// MockRuntime is a testify mock of container.Runtime
type MockRuntime struct {
	mock.Mock
}

var _ container.Runtime = (*MockRuntime)(nil)

func (m *MockRuntime) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	args := m.Called(ctx, ref)
	return args.Bool(0), args.Error(1)
}

func (m *MockRuntime) PullImage(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}

func (m *MockRuntime) Inspect(ctx context.Context, idOrName string) (*container.Container, error) {
	args := m.Called(ctx, idOrName)
	c, _ := args.Get(0).(*container.Container)
	return c, args.Error(1)
}

func (m *MockRuntime) ListManaged(ctx context.Context) ([]*container.Container, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]*container.Container)
	return list, args.Error(1)
}

func (m *MockRuntime) Create(ctx context.Context, config *container.CreateConfig) (string, error) {
	args := m.Called(ctx, config)
	return args.String(0), args.Error(1)
}

func (m *MockRuntime) Start(ctx context.Context, containerID string) error {
	return m.Called(ctx, containerID).Error(0)
}

func (m *MockRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	return m.Called(ctx, containerID, grace).Error(0)
}

func (m *MockRuntime) Remove(ctx context.Context, containerID string) error {
	return m.Called(ctx, containerID).Error(0)
}

func (m *MockRuntime) Exec(ctx context.Context, containerID string, opts container.ExecOptions) (container.ExecSession, error) {
	args := m.Called(ctx, containerID, opts)
	s, _ := args.Get(0).(container.ExecSession)
	return s, args.Error(1)
}

// NotFound builds the error a runtime returns for an absent container
func NotFound(idOrName string) error {
	return &container.ContainerError{
		Type:        container.ErrorTypeContainerNotFound,
		Operation:   "inspect",
		ContainerID: idOrName,
		Message:     "container not found",
	}
}

// ScriptedExec is an ExecSession that replays fixed output
type ScriptedExec struct {
	Stdout string
	Stderr string
	Code   int

	// Block, when set, holds Stream until Close is called
	Block     bool
	closed    chan struct{}
	closeOnce sync.Once
}

// NewScriptedExec returns a session that writes stdout and exits with code
func NewScriptedExec(stdout, stderr string, code int) *ScriptedExec {
	return &ScriptedExec{Stdout: stdout, Stderr: stderr, Code: code, closed: make(chan struct{})}
}

func (s *ScriptedExec) Stream(stdout, stderr io.Writer) error {
	if _, err := io.Copy(stdout, strings.NewReader(s.Stdout)); err != nil {
		return err
	}
	if _, err := io.Copy(stderr, strings.NewReader(s.Stderr)); err != nil {
		return err
	}
	if s.Block {
		<-s.closed
	}
	return nil
}

func (s *ScriptedExec) ExitCode(ctx context.Context) (int, error) {
	return s.Code, nil
}

func (s *ScriptedExec) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// MockContainers is a testify mock of the engine's container backend
type MockContainers struct {
	mock.Mock
}

func (m *MockContainers) EnsureContainer(ctx context.Context, spec container.Spec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (m *MockContainers) StartBackground(ctx context.Context, spec container.Spec, cmd []string, ports []int) (*container.Background, error) {
	args := m.Called(ctx, spec, cmd, ports)
	bg, _ := args.Get(0).(*container.Background)
	return bg, args.Error(1)
}

func (m *MockContainers) StopAndRemove(ctx context.Context, containerID string) error {
	return m.Called(ctx, containerID).Error(0)
}

func (m *MockContainers) Orphans(ctx context.Context, live map[string]bool) ([]*container.Container, error) {
	args := m.Called(ctx, live)
	list, _ := args.Get(0).([]*container.Container)
	return list, args.Error(1)
}

func (m *MockContainers) Exec(ctx context.Context, containerID string, cmd, envVars []string) (container.ExecSession, error) {
	args := m.Called(ctx, containerID, cmd, envVars)
	s, _ := args.Get(0).(container.ExecSession)
	return s, args.Error(1)
}

func (m *MockContainers) KillTree(ctx context.Context, containerID, pidfile string) error {
	return m.Called(ctx, containerID, pidfile).Error(0)
}

// MockRepos is a testify mock of the engine's repository backend
type MockRepos struct {
	mock.Mock
}

func (m *MockRepos) CheckSource(ctx context.Context, sourceRoot string) (*git.BareRepo, error) {
	args := m.Called(ctx, sourceRoot)
	bare, _ := args.Get(0).(*git.BareRepo)
	return bare, args.Error(1)
}

func (m *MockRepos) CreateWorktree(ctx context.Context, bare *git.BareRepo, envID, fromRef string) (*git.WorktreeBinding, error) {
	args := m.Called(ctx, bare, envID, fromRef)
	b, _ := args.Get(0).(*git.WorktreeBinding)
	return b, args.Error(1)
}

func (m *MockRepos) RemoveWorktree(ctx context.Context, binding git.WorktreeBinding, force bool) ([]string, error) {
	args := m.Called(ctx, binding, force)
	warnings, _ := args.Get(0).([]string)
	return warnings, args.Error(1)
}

func (m *MockRepos) CommitBatch(ctx context.Context, worktree string, opts git.CommitOptions) (*git.Commit, error) {
	args := m.Called(ctx, worktree, opts)
	c, _ := args.Get(0).(*git.Commit)
	return c, args.Error(1)
}

func (m *MockRepos) AppendNote(ctx context.Context, binding git.WorktreeBinding, ref, payload string, capLines int) (string, error) {
	args := m.Called(ctx, binding, ref, payload, capLines)
	return args.String(0), args.Error(1)
}
