package api

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cofer/internal/container"
	"cofer/internal/environment"
	"cofer/internal/errors"
	"cofer/internal/executor"
	"cofer/internal/operations"
	"cofer/internal/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEngine answers from canned values
type stubEngine struct {
	mu        sync.Mutex
	records   []environment.Record
	runResult *operations.RunResult
	runErr    error
	lastRun   operations.RunRequest
	destroyed []operations.DestroyRequest
}

func (s *stubEngine) Create(ctx context.Context, req operations.CreateRequest) (*operations.CreateResult, error) {
	if req.ID == "env-taken" {
		return nil, errors.EnvironmentExists(req.ID).WithCorrelationID("corr-1")
	}
	return &operations.CreateResult{ID: req.ID, ContainerID: "c-" + req.ID, WorktreePath: "/w/" + req.ID}, nil
}

func (s *stubEngine) Run(ctx context.Context, req operations.RunRequest) (*operations.RunResult, error) {
	s.mu.Lock()
	s.lastRun = req
	s.mu.Unlock()
	if req.Observer != nil {
		req.Observer(executor.Stdout, []byte("out\n"))
		req.Observer(executor.Stderr, []byte("err\n"))
	}
	return s.runResult, s.runErr
}

func (s *stubEngine) RunBackground(ctx context.Context, req operations.RunRequest) (*container.Background, error) {
	return &container.Background{ContainerID: "bg-1"}, nil
}

func (s *stubEngine) Destroy(ctx context.Context, req operations.DestroyRequest) (*operations.DestroyResult, error) {
	s.mu.Lock()
	s.destroyed = append(s.destroyed, req)
	s.mu.Unlock()
	return &operations.DestroyResult{ID: req.ID, RemovedPaths: []string{}, StoppedContainers: []string{"c-1"}}, nil
}

func (s *stubEngine) List(ctx context.Context) []environment.Record {
	return s.records
}

func (s *stubEngine) Get(ctx context.Context, id string) (environment.Record, error) {
	for _, r := range s.records {
		if r.ID == id {
			return r, nil
		}
	}
	return environment.Record{}, errors.EnvironmentNotFound(id)
}

func (s *stubEngine) last() operations.RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func newClient(t *testing.T, engine *stubEngine) *APIClient {
	t.Helper()
	srv := httptest.NewServer(server.New(nil, engine, nil).Handler())
	t.Cleanup(srv.Close)
	return NewAPIClient(srv.URL + "/")
}

func TestClient_CreateListGetDestroy(t *testing.T) {
	engine := &stubEngine{records: []environment.Record{{ID: "env-1", Status: environment.StatusReady}}}
	c := newClient(t, engine)
	ctx := context.Background()

	created, err := c.CreateEnvironment(ctx, operations.CreateRequest{Source: "/src", ID: "env-1", Image: "alpine"})
	require.NoError(t, err)
	assert.Equal(t, "c-env-1", created.ContainerID)

	list, err := c.ListEnvironments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	rec, err := c.GetEnvironment(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, environment.StatusReady, rec.Status)

	res, err := c.DestroyEnvironment(ctx, operations.DestroyRequest{ID: "env-1", Force: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c-1"}, res.StoppedContainers)
	engine.mu.Lock()
	assert.Equal(t, []operations.DestroyRequest{{ID: "env-1", Force: true}}, engine.destroyed)
	engine.mu.Unlock()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}

func TestClient_ErrorsKeepTheirKind(t *testing.T) {
	c := newClient(t, &stubEngine{})
	ctx := context.Background()

	_, err := c.CreateEnvironment(ctx, operations.CreateRequest{Source: "/src", ID: "env-taken", Image: "alpine"})
	require.Error(t, err)
	ce, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindConflict, ce.Kind)
	assert.Equal(t, "corr-1", ce.CorrelationID)
	assert.NotContains(t, ce.Error(), "[conflict] [conflict]")

	_, err = c.GetEnvironment(ctx, "env-404")
	assert.True(t, errors.HasKind(err, errors.KindNotFound))
}

func TestClient_RunTimeoutReturnsPartial(t *testing.T) {
	engine := &stubEngine{
		runResult: &operations.RunResult{Result: &executor.Result{StdoutTail: "partial\n", TimedOut: true}},
		runErr:    errors.OperationTimeout("command", time.Second),
	}
	c := newClient(t, engine)

	res, err := c.RunCommand(context.Background(), operations.RunRequest{ID: "env-1", Cmd: []string{"sleep", "9"}, TimeoutMS: 1000})
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindTimeout))
	require.NotNil(t, res)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "partial\n", res.StdoutTail)
	assert.Equal(t, int64(1000), engine.last().TimeoutMS)
}

func TestClient_RunBackground(t *testing.T) {
	c := newClient(t, &stubEngine{})
	bg, err := c.RunBackground(context.Background(), operations.RunRequest{ID: "env-1", Cmd: []string{"serve"}, Ports: []int{8080}})
	require.NoError(t, err)
	assert.Equal(t, "bg-1", bg.ContainerID)
}

func TestClient_StreamRun(t *testing.T) {
	code := 0
	engine := &stubEngine{runResult: &operations.RunResult{Result: &executor.Result{ExitCode: &code, StdoutTail: "out\n"}}}
	c := newClient(t, engine)

	var chunks []string
	res, err := c.StreamRun(context.Background(), operations.RunRequest{ID: "env-1", Cmd: []string{"make"}}, func(stream, data string) {
		chunks = append(chunks, stream+":"+data)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"stdout:out\n", "stderr:err\n"}, chunks)
	require.NotNil(t, res)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, []string{"make"}, engine.last().Cmd)
}
