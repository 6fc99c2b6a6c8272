package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"cofer/internal/environment"
	"cofer/internal/errors"
	"cofer/internal/logger"
	"cofer/internal/operations"

	"github.com/labstack/echo/v4"
)

// ProtocolVersion is reported by the initialize method
const ProtocolVersion = "2024-11-05"

// RPCRequest is a JSON-RPC 2.0 request. A request without an id is a
// notification and gets no response.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a JSON-RPC 2.0 response
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response
type RPCError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *RPCErrorData `json:"data,omitempty"`
}

// RPCErrorData carries the cofer error details
type RPCErrorData struct {
	Kind          errors.Kind            `json:"kind"`
	Hint          string                 `json:"hint,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Result        interface{}            `json:"result,omitempty"`
}

// InitializeResult describes the server to RPC clients
type InitializeResult struct {
	ProtocolVersion string            `json:"protocol_version"`
	ServerInfo      map[string]string `json:"server_info"`
	Methods         []string          `json:"methods"`
	MaxEnvironments int               `json:"max_environments"`
}

// rpcFailure is a method error with an optional partial result
type rpcFailure struct {
	err     error
	partial interface{}
}

type rpcMethod func(s *Server, ctx context.Context, params json.RawMessage) (interface{}, *rpcFailure)

var rpcMethods = map[string]rpcMethod{
	"initialize":          (*Server).rpcInitialize,
	"environment_create":  (*Server).rpcCreate,
	"environment_run_cmd": (*Server).rpcRunCmd,
	"environment_destroy": (*Server).rpcDestroy,
	"environment_list":    (*Server).rpcList,
	"environment_get":     (*Server).rpcGet,
}

var rpcMethodNames = []string{
	"initialize",
	"environment_create",
	"environment_run_cmd",
	"environment_destroy",
	"environment_list",
	"environment_get",
}

// handleRPC serves POST /rpc. Batches are dispatched in order.
func (s *Server) handleRPC(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errors.BadRequest("failed to read request body")
	}
	body = bytes.TrimSpace(body)

	if len(body) > 0 && body[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			return c.JSON(http.StatusOK, rpcErrorResponse(nil, errors.RPCParseError, "parse error: "+err.Error(), nil))
		}
		if len(batch) == 0 {
			return c.JSON(http.StatusOK, rpcErrorResponse(nil, errors.RPCInvalidRequest, "empty batch", nil))
		}
		var responses []*RPCResponse
		for _, raw := range batch {
			if resp := s.dispatch(c, raw); resp != nil {
				responses = append(responses, resp)
			}
		}
		if len(responses) == 0 {
			return c.NoContent(http.StatusNoContent)
		}
		return c.JSON(http.StatusOK, responses)
	}

	resp := s.dispatch(c, body)
	if resp == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) dispatch(c echo.Context, raw json.RawMessage) *RPCResponse {
	var req RPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return rpcErrorResponse(nil, errors.RPCParseError, "parse error: "+err.Error(), nil)
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return rpcErrorResponse(req.ID, errors.RPCInvalidRequest, "invalid request: jsonrpc must be \"2.0\" and method is required", nil)
	}

	log := logger.GetLogger(c).WithField("rpc_method", req.Method)
	method, ok := rpcMethods[req.Method]
	if !ok {
		log.Warn("Unknown RPC method")
		return rpcErrorResponse(req.ID, errors.RPCMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}

	result, failure := method(s, c.Request().Context(), req.Params)
	if len(req.ID) == 0 {
		return nil
	}
	if failure != nil {
		ce := errors.Ensure(failure.err, requestID(c))
		return rpcErrorResponse(req.ID, errors.RPCCode(ce.Kind), ce.Error(), &RPCErrorData{
			Kind:          ce.Kind,
			Hint:          ce.Hint,
			CorrelationID: ce.CorrelationID,
			Context:       ce.Context,
			Result:        failure.partial,
		})
	}
	return &RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func rpcErrorResponse(id json.RawMessage, code int, message string, data *RPCErrorData) *RPCResponse {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &RPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// decodeParams unmarshals params into v; absent params leave v untouched
func decodeParams(params json.RawMessage, v interface{}) *rpcFailure {
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &rpcFailure{err: errors.InvalidArgument("params", err.Error())}
	}
	return nil
}

func fail(err error) *rpcFailure {
	if err == nil {
		return nil
	}
	return &rpcFailure{err: err}
}

func (s *Server) rpcInitialize(ctx context.Context, params json.RawMessage) (interface{}, *rpcFailure) {
	return &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      map[string]string{"name": "cofer", "version": s.config.Version},
		Methods:         rpcMethodNames,
		MaxEnvironments: s.config.MaxEnvironments,
	}, nil
}

func (s *Server) rpcCreate(ctx context.Context, params json.RawMessage) (interface{}, *rpcFailure) {
	var req operations.CreateRequest
	if f := decodeParams(params, &req); f != nil {
		return nil, f
	}
	res, err := s.engine.Create(ctx, req)
	if err != nil {
		return nil, fail(err)
	}
	return res, nil
}

func (s *Server) rpcRunCmd(ctx context.Context, params json.RawMessage) (interface{}, *rpcFailure) {
	var req operations.RunRequest
	if f := decodeParams(params, &req); f != nil {
		return nil, f
	}
	if req.Background {
		bg, err := s.engine.RunBackground(ctx, req)
		if err != nil {
			return nil, fail(err)
		}
		return bg, nil
	}
	res, err := s.engine.Run(ctx, req)
	if err != nil {
		f := fail(err)
		if res != nil && res.Result != nil {
			f.partial = res
		}
		return nil, f
	}
	return res, nil
}

func (s *Server) rpcDestroy(ctx context.Context, params json.RawMessage) (interface{}, *rpcFailure) {
	var req operations.DestroyRequest
	if f := decodeParams(params, &req); f != nil {
		return nil, f
	}
	res, err := s.engine.Destroy(ctx, req)
	if err != nil {
		return nil, fail(err)
	}
	return res, nil
}

func (s *Server) rpcList(ctx context.Context, params json.RawMessage) (interface{}, *rpcFailure) {
	records := s.engine.List(ctx)
	if records == nil {
		records = []environment.Record{}
	}
	return &EnvironmentsResponse{Environments: records, Total: len(records)}, nil
}

func (s *Server) rpcGet(ctx context.Context, params json.RawMessage) (interface{}, *rpcFailure) {
	var req struct {
		ID string `json:"id"`
	}
	if f := decodeParams(params, &req); f != nil {
		return nil, f
	}
	rec, err := s.engine.Get(ctx, req.ID)
	if err != nil {
		return nil, fail(err)
	}
	return rec, nil
}
