// Package api is the HTTP client the CLI uses to talk to a running server
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cofer/internal/constants"
	"cofer/internal/container"
	"cofer/internal/environment"
	"cofer/internal/errors"
	"cofer/internal/operations"
	"cofer/internal/server"

	"github.com/gorilla/websocket"
)

// APIClient represents the HTTP client for the cofer server API
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewAPIClient creates a new API client instance
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Runs last as long as their command; calls are bounded by context.
		httpClient: &http.Client{},
		timeout:    constants.DefaultHTTPClientTimeout,
	}
}

// Health returns the server health report
func (c *APIClient) Health(ctx context.Context) (*server.HealthResponse, error) {
	var health server.HealthResponse
	if err := c.call(ctx, http.MethodGet, "/health", nil, true, &health, nil); err != nil {
		return nil, err
	}
	return &health, nil
}

// CreateEnvironment creates an environment
func (c *APIClient) CreateEnvironment(ctx context.Context, req operations.CreateRequest) (*operations.CreateResult, error) {
	var res operations.CreateResult
	// Create may pull an image; the server bounds it with the startup timeout.
	if err := c.call(ctx, http.MethodPost, "/api/environments", req, false, &res, nil); err != nil {
		return nil, err
	}
	return &res, nil
}

// RunCommand runs a foreground command. On a timeout the partial result is
// returned together with the error.
func (c *APIClient) RunCommand(ctx context.Context, req operations.RunRequest) (*operations.RunResult, error) {
	req.Background = false
	var res operations.RunResult
	var partial operations.RunResult
	path := "/api/environments/" + url.PathEscape(req.ID) + "/run"
	if err := c.call(ctx, http.MethodPost, path, req, false, &res, &partial); err != nil {
		if partial.Result != nil {
			return &partial, err
		}
		return nil, err
	}
	return &res, nil
}

// RunBackground starts a command in a background container
func (c *APIClient) RunBackground(ctx context.Context, req operations.RunRequest) (*container.Background, error) {
	req.Background = true
	var bg container.Background
	path := "/api/environments/" + url.PathEscape(req.ID) + "/run"
	if err := c.call(ctx, http.MethodPost, path, req, false, &bg, nil); err != nil {
		return nil, err
	}
	return &bg, nil
}

// DestroyEnvironment destroys an environment
func (c *APIClient) DestroyEnvironment(ctx context.Context, req operations.DestroyRequest) (*operations.DestroyResult, error) {
	path := "/api/environments/" + url.PathEscape(req.ID)
	if req.Force {
		path += "?force=true"
	}
	var res operations.DestroyResult
	if err := c.call(ctx, http.MethodDelete, path, nil, false, &res, nil); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListEnvironments lists live environments
func (c *APIClient) ListEnvironments(ctx context.Context) ([]environment.Record, error) {
	var res server.EnvironmentsResponse
	if err := c.call(ctx, http.MethodGet, "/api/environments", nil, true, &res, nil); err != nil {
		return nil, err
	}
	return res.Environments, nil
}

// GetEnvironment returns one environment
func (c *APIClient) GetEnvironment(ctx context.Context, id string) (*environment.Record, error) {
	var rec environment.Record
	if err := c.call(ctx, http.MethodGet, "/api/environments/"+url.PathEscape(id), nil, true, &rec, nil); err != nil {
		return nil, err
	}
	return &rec, nil
}

// StreamRun runs a command over the websocket stream, handing output
// chunks to onChunk as they arrive
func (c *APIClient) StreamRun(ctx context.Context, req operations.RunRequest, onChunk func(stream, data string)) (*operations.RunResult, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/environments/" + url.PathEscape(req.ID) + "/run/stream"
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(server.ClientMessage{
		Type:      server.MessageRun,
		Cmd:       req.Cmd,
		Env:       req.Env,
		TimeoutMS: req.TimeoutMS,
	}); err != nil {
		return nil, fmt.Errorf("failed to send run request: %w", err)
	}

	// Cancelling ctx asks the server to stop the command. Only this
	// callback writes once the run request is out.
	stop := context.AfterFunc(ctx, func() {
		_ = ws.WriteJSON(server.ClientMessage{Type: server.MessageCancel})
	})
	defer stop()

	for {
		var msg server.ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("stream ended before the command finished: %w", err)
		}
		switch msg.Type {
		case server.MessageStdout, server.MessageStderr:
			if onChunk != nil {
				onChunk(msg.Type, msg.Data)
			}
		case server.MessageExit:
			return msg.Result, nil
		case server.MessageError:
			var info errors.ErrorInfo
			if msg.Error != nil {
				info = *msg.Error
			}
			return msg.Result, fromInfo(info)
		}
	}
}

// call performs one request. Success bodies decode into out; error bodies
// become a CoferError, with their partial result decoded into partial.
func (c *APIClient) call(ctx context.Context, method, path string, body interface{}, bounded bool, out, partial interface{}) error {
	if bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error  errors.ErrorInfo `json:"error"`
			Result json.RawMessage  `json:"result"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Kind == "" {
			return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		if partial != nil && len(envelope.Result) > 0 {
			_ = json.Unmarshal(envelope.Result, partial)
		}
		return fromInfo(envelope.Error)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// fromInfo rebuilds a CoferError from the wire form
func fromInfo(info errors.ErrorInfo) *errors.CoferError {
	kind := info.Kind
	if kind == "" {
		kind = errors.KindInternal
	}
	return &errors.CoferError{
		Kind:          kind,
		Message:       strings.TrimPrefix(info.Message, "["+string(kind)+"] "),
		Hint:          info.Hint,
		CorrelationID: info.CorrelationID,
	}
}
