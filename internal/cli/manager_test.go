package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"cofer/internal/cli/commands"
	"cofer/internal/config"
	"cofer/internal/container"
	"cofer/internal/environment"
	"cofer/internal/errors"
	"cofer/internal/executor"
	"cofer/internal/git"
	"cofer/internal/operations"
	"cofer/internal/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type stubEngine struct {
	mu      sync.Mutex
	created []operations.CreateRequest
	runs    []operations.RunRequest
	exit    int
}

func (s *stubEngine) Create(ctx context.Context, req operations.CreateRequest) (*operations.CreateResult, error) {
	s.mu.Lock()
	s.created = append(s.created, req)
	s.mu.Unlock()
	if req.ID == "env-taken" {
		return nil, errors.EnvironmentExists(req.ID)
	}
	return &operations.CreateResult{ID: req.ID, Branch: "cofer/" + req.ID}, nil
}

func (s *stubEngine) Run(ctx context.Context, req operations.RunRequest) (*operations.RunResult, error) {
	s.mu.Lock()
	s.runs = append(s.runs, req)
	exit := s.exit
	s.mu.Unlock()
	if req.Observer != nil {
		req.Observer(executor.Stdout, []byte("streamed\n"))
	}
	return &operations.RunResult{Result: &executor.Result{
		ExitCode:   &exit,
		StdoutTail: "streamed\n",
		State:      executor.StateCompleted,
	}}, nil
}

func (s *stubEngine) RunBackground(ctx context.Context, req operations.RunRequest) (*container.Background, error) {
	s.mu.Lock()
	s.runs = append(s.runs, req)
	s.mu.Unlock()
	return &container.Background{ContainerID: "bg-1"}, nil
}

func (s *stubEngine) Destroy(ctx context.Context, req operations.DestroyRequest) (*operations.DestroyResult, error) {
	return &operations.DestroyResult{ID: req.ID, RemovedPaths: []string{}, StoppedContainers: []string{}, Warnings: []string{"container already gone"}}, nil
}

func (s *stubEngine) List(ctx context.Context) []environment.Record {
	return []environment.Record{{ID: "env-1", Status: environment.StatusReady}}
}

func (s *stubEngine) Get(ctx context.Context, id string) (environment.Record, error) {
	if id != "env-1" {
		return environment.Record{}, errors.EnvironmentNotFound(id)
	}
	return environment.Record{ID: "env-1", Status: environment.StatusReady}, nil
}

func (s *stubEngine) lastRun() operations.RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[len(s.runs)-1]
}

type harness struct {
	engine *stubEngine
	url    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("COFER_HOME", t.TempDir())
	engine := &stubEngine{}
	srv := httptest.NewServer(server.New(nil, engine, nil).Handler())
	t.Cleanup(srv.Close)
	return &harness{engine: engine, url: srv.URL}
}

// run executes the CLI against the test server
func (h *harness) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	m := New("test", Hooks{})
	var stdout, stderr bytes.Buffer
	m.Root().SetOut(&stdout)
	m.Root().SetErr(&stderr)
	err := m.Execute(append([]string{"--server", h.url}, args...))
	return stdout.String(), stderr.String(), err
}

func TestEnvCreate(t *testing.T) {
	h := newHarness(t)

	out, _, err := h.run(t, "env", "create", "/src", "--image", "alpine:3.20", "--id", "env-1", "-e", "A=1", "-e", "B=2")
	require.NoError(t, err)
	assert.Contains(t, out, `"branch": "cofer/env-1"`)

	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	require.Len(t, h.engine.created, 1)
	assert.Equal(t, operations.CreateRequest{
		Source:  "/src",
		ID:      "env-1",
		Image:   "alpine:3.20",
		EnvVars: map[string]string{"A": "1", "B": "2"},
	}, h.engine.created[0])
}

func TestEnvCreate_RequiresImage(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run(t, "env", "create", "/src")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image")
}

func TestEnvCreate_ConflictKeepsKind(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run(t, "env", "create", "/src", "--image", "alpine", "--id", "env-taken")
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindConflict))
	assert.Equal(t, commands.ExitConflict, commands.ExitCode(err))
}

func TestEnvCreate_RejectsMalformedEnv(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run(t, "env", "create", "/src", "--image", "alpine", "-e", "NOEQUALS")
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindInvalidArgument))
}

func TestEnvRun_PassesCommandThrough(t *testing.T) {
	h := newHarness(t)

	out, _, err := h.run(t, "env", "run", "env-1", "ls", "-la", "--timeout", "2s")
	require.NoError(t, err)
	assert.Contains(t, out, `"stdout_tail": "streamed\n"`)

	req := h.engine.lastRun()
	assert.Equal(t, "env-1", req.ID)
	assert.Equal(t, []string{"ls", "-la", "--timeout", "2s"}, req.Cmd, "flags after the id belong to the command")
	assert.Equal(t, int64(0), req.TimeoutMS)
}

func TestEnvRun_FlagsBeforeID(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.run(t, "env", "run", "--timeout", "2s", "-e", "X=1", "env-1", "--", "make", "test")
	require.NoError(t, err)

	req := h.engine.lastRun()
	assert.Equal(t, []string{"make", "test"}, req.Cmd)
	assert.Equal(t, int64(2000), req.TimeoutMS)
	assert.Equal(t, map[string]string{"X": "1"}, req.Env)
}

func TestEnvRun_NonZeroExitPropagates(t *testing.T) {
	h := newHarness(t)
	h.engine.exit = 7

	_, _, err := h.run(t, "env", "run", "env-1", "false")
	require.Error(t, err)
	assert.Equal(t, 7, commands.ExitCode(err))
}

func TestEnvRun_Background(t *testing.T) {
	h := newHarness(t)

	out, _, err := h.run(t, "env", "run", "--background", "-p", "8080", "env-1", "--", "serve")
	require.NoError(t, err)
	assert.Contains(t, out, `"container_id": "bg-1"`)
	req := h.engine.lastRun()
	assert.True(t, req.Background)
	assert.Equal(t, []int{8080}, req.Ports)
}

func TestEnvRun_Stream(t *testing.T) {
	h := newHarness(t)

	out, _, err := h.run(t, "env", "run", "--stream", "env-1", "--", "echo", "hi")
	require.NoError(t, err)
	assert.True(t, len(out) > 0)
	assert.Equal(t, "streamed\n", out[:len("streamed\n")], "chunks are written before the result")
}

func TestEnvRun_RequiresCommand(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run(t, "env", "run", "env-1", "--")
	require.Error(t, err)
}

func TestEnvRun_BackgroundAndStreamConflict(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run(t, "env", "run", "--stream", "--background", "env-1", "--", "true")
	require.Error(t, err)
}

func TestEnvListYAML(t *testing.T) {
	h := newHarness(t)

	out, _, err := h.run(t, "-o", "yaml", "env", "list")
	require.NoError(t, err)

	var envs []map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &envs))
	require.Len(t, envs, 1)
	assert.Equal(t, "env-1", envs[0]["id"])
	assert.Equal(t, "ready", envs[0]["status"])
}

func TestEnvGet_NotFound(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run(t, "env", "get", "env-missing")
	require.Error(t, err)
	assert.Equal(t, commands.ExitNotFound, commands.ExitCode(err))
}

func TestEnvDestroy_PrintsWarnings(t *testing.T) {
	h := newHarness(t)
	out, stderr, err := h.run(t, "env", "destroy", "--force", "env-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "env-1"`)
	assert.Contains(t, stderr, "warning: container already gone")
}

func TestUnknownOutputFormat(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run(t, "-o", "xml", "env", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	out, _, err := h.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "healthy"`)
}

func TestInit_UsesHook(t *testing.T) {
	t.Setenv("COFER_HOME", t.TempDir())
	dir := t.TempDir()

	var gotPath string
	m := New("test", Hooks{
		InitSource: func(ctx context.Context, cfg *config.Config, path string) (*git.BareRepo, error) {
			gotPath = path
			return &git.BareRepo{Project: "proj", Path: filepath.Join(cfg.ReposDir(), "proj.git"), Source: path}, nil
		},
	})
	var stdout bytes.Buffer
	m.Root().SetOut(&stdout)
	require.NoError(t, m.Execute([]string{"init", dir}))

	assert.Equal(t, dir, gotPath)
	assert.Contains(t, stdout.String(), `"project": "proj"`)
}

func TestServe_FlagsOverrideConfig(t *testing.T) {
	t.Setenv("COFER_HOME", t.TempDir())
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	var got *config.Config
	m := New("test", Hooks{
		Serve: func(ctx context.Context, cfg *config.Config) error {
			got = cfg
			return nil
		},
	})
	require.NoError(t, m.Execute([]string{"serve", "--port", "7999"}))
	require.NotNil(t, got)
	assert.Equal(t, 7999, got.Server.Port)
	assert.Equal(t, "127.0.0.1", got.Server.Host)
}

func TestServe_RejectsBadPort(t *testing.T) {
	t.Setenv("COFER_HOME", t.TempDir())
	m := New("test", Hooks{
		Serve: func(ctx context.Context, cfg *config.Config) error {
			t.Fatal("serve must not run")
			return nil
		},
	})
	require.Error(t, m.Execute([]string{"serve", "--port", "70000"}))
}
