package operations

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"cofer/internal/container"
	"cofer/internal/environment"
	"cofer/internal/errors"
	"cofer/internal/executor"
	"cofer/internal/git"
	"cofer/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newMockEngine(containers *testutil.MockContainers, repos *testutil.MockRepos) *Engine {
	return New(Deps{
		Registry:   environment.NewRegistry(2),
		Containers: containers,
		Repos:      repos,
	}, Options{})
}

func testBinding(id string) *git.WorktreeBinding {
	return &git.WorktreeBinding{
		EnvID:     id,
		Path:      "/home/u/.config/cofer/worktrees/" + id,
		MountPath: "/workdir",
		GitDir:    "/home/u/.config/cofer/repos/project/worktrees/" + id,
		BareRepo:  "/home/u/.config/cofer/repos/project",
		Branch:    "cofer/" + id,
	}
}

func expectWorktree(repos *testutil.MockRepos, id string) *git.WorktreeBinding {
	bare := &git.BareRepo{Project: "project", Path: "/home/u/.config/cofer/repos/project", Source: "/src/project"}
	binding := testBinding(id)
	repos.On("CheckSource", mock.Anything, "/src/project").Return(bare, nil)
	repos.On("CreateWorktree", mock.Anything, bare, id, "").Return(binding, nil)
	return binding
}

func TestCreate_ValidatesRequest(t *testing.T) {
	e := newMockEngine(&testutil.MockContainers{}, &testutil.MockRepos{})

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing source", CreateRequest{Image: "alpine"}},
		{"missing image", CreateRequest{Source: "/src/project"}},
		{"bad image", CreateRequest{Source: "/src/project", Image: "Not An Image"}},
		{"bad id", CreateRequest{Source: "/src/project", Image: "alpine", ID: "../escape"}},
		{"bad env key", CreateRequest{Source: "/src/project", Image: "alpine", EnvVars: map[string]string{"1X": "y"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Create(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.HasKind(err, errors.KindInvalidArgument), "got %v", err)
		})
	}
	assert.Equal(t, 0, e.Registry().Count())
}

func TestNewEnvironmentID(t *testing.T) {
	a, b := NewEnvironmentID(), NewEnvironmentID()
	assert.Regexp(t, `^env-[0-9a-f]{8}$`, a)
	assert.NotEqual(t, a, b)
}

func TestCreate_PanicBecomesInternal(t *testing.T) {
	containers := &testutil.MockContainers{}
	repos := &testutil.MockRepos{}
	repos.On("CheckSource", mock.Anything, "/src/project").Run(func(mock.Arguments) {
		panic("boom")
	}).Return(nil, nil)
	e := newMockEngine(containers, repos)

	_, err := e.Create(context.Background(), CreateRequest{Source: "/src/project", ID: "env-p", Image: "alpine"})
	require.Error(t, err)
	ce, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindInternal, ce.Kind)
	assert.NotEmpty(t, ce.CorrelationID)
	assert.Contains(t, ce.Message, "boom")

	// The aborted reservation frees its slot.
	assert.Equal(t, 0, e.Registry().Count())
	_, err = e.Get(context.Background(), "env-p")
	assert.True(t, errors.HasKind(err, errors.KindNotFound))
}

func TestCreate_ContainerTimeoutRollsBack(t *testing.T) {
	containers := &testutil.MockContainers{}
	repos := &testutil.MockRepos{}
	binding := expectWorktree(repos, "env-t")
	containers.On("EnsureContainer", mock.Anything, mock.Anything).Return("", &container.ContainerError{
		Type:      container.ErrorTypeTimeout,
		Operation: "create",
		Message:   "deadline exceeded",
	})
	repos.On("RemoveWorktree", mock.Anything, *binding, true).Return(nil, nil)
	e := newMockEngine(containers, repos)

	_, err := e.Create(context.Background(), CreateRequest{Source: "/src/project", ID: "env-t", Image: "alpine"})
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindTimeout))
	repos.AssertCalled(t, "RemoveWorktree", mock.Anything, *binding, true)
	assert.Equal(t, 0, e.Registry().Count())
}

func TestCreate_MountsBareRepoWhenEnabled(t *testing.T) {
	containers := &testutil.MockContainers{}
	repos := &testutil.MockRepos{}
	binding := expectWorktree(repos, "env-m")
	containers.On("EnsureContainer", mock.Anything, container.Spec{
		EnvID:        "env-m",
		Image:        "alpine",
		WorktreePath: binding.Path,
		BareRepoPath: binding.BareRepo,
		EnvVars:      []string{"A=1"},
	}).Return("c-1", nil)
	e := New(Deps{Containers: containers, Repos: repos}, Options{MountBareRepo: true})

	res, err := e.Create(context.Background(), CreateRequest{
		Source:  "/src/project",
		ID:      "env-m",
		Image:   "alpine",
		EnvVars: map[string]string{"A": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "c-1", res.ContainerID)
	assert.Equal(t, binding.GitDir, res.GitDir)
	assert.Equal(t, "cofer/env-m", res.Branch)

	rec, err := e.Get(context.Background(), "env-m")
	require.NoError(t, err)
	assert.Equal(t, environment.StatusReady, rec.Status)
	assert.Equal(t, "project", rec.Project)
	containers.AssertExpectations(t)
}

func TestDestroy_BestEffortTeardown(t *testing.T) {
	containers := &testutil.MockContainers{}
	repos := &testutil.MockRepos{}
	binding := expectWorktree(repos, "env-d")
	containers.On("EnsureContainer", mock.Anything, mock.Anything).Return("c-1", nil)
	containers.On("StopAndRemove", mock.Anything, "c-1").Return(stderrors.New("daemon went away"))
	repos.On("RemoveWorktree", mock.Anything, *binding, false).Return([]string{"branch cofer/env-d was not deleted"}, nil)
	e := newMockEngine(containers, repos)

	_, err := e.Create(context.Background(), CreateRequest{Source: "/src/project", ID: "env-d", Image: "alpine"})
	require.NoError(t, err)

	res, err := e.Destroy(context.Background(), DestroyRequest{ID: "env-d"})
	require.NoError(t, err)
	assert.Empty(t, res.StoppedContainers)
	assert.Equal(t, []string{binding.Path, binding.GitDir}, res.RemovedPaths)
	require.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0], "daemon went away")
	assert.Contains(t, res.Warnings[1], "was not deleted")
	repos.AssertExpectations(t)

	assert.Equal(t, 0, e.Registry().Count())
	assert.Empty(t, e.List(context.Background()))
}

func TestDestroy_UnknownID(t *testing.T) {
	e := newMockEngine(&testutil.MockContainers{}, &testutil.MockRepos{})
	_, err := e.Destroy(context.Background(), DestroyRequest{ID: "env-404"})
	require.Error(t, err)
	ce, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindNotFound, ce.Kind)
	assert.NotEmpty(t, ce.CorrelationID)
}

func TestClassify(t *testing.T) {
	e := newMockEngine(&testutil.MockContainers{}, &testutil.MockRepos{})

	tests := []struct {
		name string
		err  error
		want errors.Kind
	}{
		{"taxonomy passes through", errors.EnvironmentExists("env-1"), errors.KindConflict},
		{"command timeout", &executor.TimeoutError{Cmd: []string{"sleep"}, Timeout: time.Second}, errors.KindTimeout},
		{"runtime timeout", &container.ContainerError{Type: container.ErrorTypeTimeout, Operation: "start"}, errors.KindTimeout},
		{"runtime failure", &container.ContainerError{Type: container.ErrorTypeImageNotFound, Operation: "pull"}, errors.KindInternal},
		{"deadline", context.DeadlineExceeded, errors.KindTimeout},
		{"anything else", stderrors.New("disk full"), errors.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.classify(tt.err).Kind)
		})
	}
}

func TestRunRequest_Timeout(t *testing.T) {
	assert.Equal(t, time.Duration(0), RunRequest{}.Timeout())
	assert.Equal(t, 1500*time.Millisecond, RunRequest{TimeoutMS: 1500}.Timeout())
}
