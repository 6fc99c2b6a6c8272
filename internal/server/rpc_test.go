package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"cofer/internal/environment"
	"cofer/internal/errors"
	"cofer/internal/executor"
	"cofer/internal/operations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func postRPC(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url+"/rpc", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decodeRPC(t *testing.T, raw []byte) RPCResponse {
	t.Helper()
	var resp RPCResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func TestRPC_Initialize(t *testing.T) {
	srv, _ := newTestServer(t, &mockEngine{})

	_, raw := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	resp := decodeRPC(t, raw)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "1", string(resp.ID))

	result := resp.Result.(map[string]interface{})
	assert.Equal(t, ProtocolVersion, result["protocol_version"])
	assert.Contains(t, result["methods"], "environment_run_cmd")
	assert.Equal(t, float64(4), result["max_environments"])
}

func TestRPC_Create(t *testing.T) {
	engine := &mockEngine{}
	engine.On("Create", mock.Anything, operations.CreateRequest{Source: "/src/project", Image: "alpine"}).
		Return(&operations.CreateResult{ID: "env-0badf00d", ContainerID: "c-1"}, nil)
	srv, _ := newTestServer(t, engine)

	_, raw := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":"a","method":"environment_create","params":{"environment_source":"/src/project","image":"alpine"}}`)
	resp := decodeRPC(t, raw)
	require.Nil(t, resp.Error)
	assert.Equal(t, "env-0badf00d", resp.Result.(map[string]interface{})["id"])
}

func TestRPC_ErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{errors.EnvironmentExists("env-1"), -32001},
		{errors.RemoteMissing("/src/project", "cofer"), -32002},
		{errors.EnvironmentNotFound("env-1"), -32003},
		{errors.LimitReached(4), -32004},
		{errors.OperationTimeout("startup", time.Second), -32005},
		{errors.Internal("create", assert.AnError), -32603},
		{errors.InvalidArgument("image", "cannot be empty"), -32602},
	}
	for _, tt := range tests {
		ce, _ := errors.As(tt.err)
		t.Run(string(ce.Kind), func(t *testing.T) {
			engine := &mockEngine{}
			engine.On("Destroy", mock.Anything, operations.DestroyRequest{ID: "env-1"}).Return(nil, tt.err)
			srv, _ := newTestServer(t, engine)

			httpResp, raw := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":7,"method":"environment_destroy","params":{"id":"env-1"}}`)
			assert.Equal(t, http.StatusOK, httpResp.StatusCode)
			resp := decodeRPC(t, raw)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			require.NotNil(t, resp.Error.Data)
			assert.Equal(t, ce.Kind, resp.Error.Data.Kind)
			assert.NotEmpty(t, resp.Error.Data.Hint)
			assert.NotEmpty(t, resp.Error.Data.CorrelationID)
		})
	}
}

func TestRPC_RunTimeoutCarriesPartialResult(t *testing.T) {
	engine := &mockEngine{}
	engine.On("Run", mock.Anything, mock.MatchedBy(func(req operations.RunRequest) bool {
		return req.ID == "env-1" && req.TimeoutMS == 200
	})).Return(&operations.RunResult{
		Result: &executor.Result{StdoutTail: "partial\n", TimedOut: true, State: executor.StateTimedOut},
	}, errors.OperationTimeout("command", 200*time.Millisecond))
	srv, _ := newTestServer(t, engine)

	_, raw := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":3,"method":"environment_run_cmd","params":{"id":"env-1","cmd":["sleep","5"],"timeout_ms":200}}`)
	var resp struct {
		Error struct {
			Code int `json:"code"`
			Data struct {
				Kind   string `json:"kind"`
				Result struct {
					StdoutTail string `json:"stdout_tail"`
					TimedOut   bool   `json:"timed_out"`
				} `json:"result"`
			} `json:"data"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, -32005, resp.Error.Code)
	assert.Equal(t, "timeout", resp.Error.Data.Kind)
	assert.True(t, resp.Error.Data.Result.TimedOut)
	assert.Equal(t, "partial\n", resp.Error.Data.Result.StdoutTail)
}

func TestRPC_ProtocolErrors(t *testing.T) {
	srv, _ := newTestServer(t, &mockEngine{})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{"jsonrpc":`, -32700},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"initialize"}`, -32600},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, -32600},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"environment_teleport"}`, -32601},
		{"bad params", `{"jsonrpc":"2.0","id":1,"method":"environment_create","params":{"image":7}}`, -32602},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, raw := postRPC(t, srv.URL, tt.body)
			resp := decodeRPC(t, raw)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestRPC_NotificationAndBatch(t *testing.T) {
	engine := &mockEngine{}
	engine.On("List", mock.Anything).Return([]environment.Record{{ID: "env-1"}})
	srv, _ := newTestServer(t, engine)

	httpResp, _ := postRPC(t, srv.URL, `{"jsonrpc":"2.0","method":"environment_list"}`)
	assert.Equal(t, http.StatusNoContent, httpResp.StatusCode)

	_, raw := postRPC(t, srv.URL, `[
		{"jsonrpc":"2.0","id":1,"method":"environment_list"},
		{"jsonrpc":"2.0","method":"environment_list"},
		{"jsonrpc":"2.0","id":2,"method":"nope"}
	]`)
	var batch []RPCResponse
	require.NoError(t, json.Unmarshal(raw, &batch))
	require.Len(t, batch, 2)
	assert.Nil(t, batch[0].Error)
	assert.Equal(t, float64(1), batch[0].Result.(map[string]interface{})["total"])
	require.NotNil(t, batch[1].Error)
	assert.Equal(t, -32601, batch[1].Error.Code)
}
