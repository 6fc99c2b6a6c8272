package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// NewJSONRequest creates a new HTTP request with JSON body
func NewJSONRequest(method, url string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// DecodeJSON decodes JSON from a reader
func DecodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

// ErrorResponse is the error envelope the server sends
type ErrorResponse struct {
	Error struct {
		Kind          string `json:"kind"`
		Message       string `json:"message"`
		Hint          string `json:"hint,omitempty"`
		CorrelationID string `json:"correlation_id,omitempty"`
	} `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
	Result  json.RawMessage        `json:"result,omitempty"`
}

// ParseErrorResponse parses an error response from the server
func ParseErrorResponse(resp *http.Response) (*ErrorResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		// Not an envelope; keep the raw text as the message
		errResp.Error.Message = strings.TrimSpace(string(body))
	}
	return &errResp, nil
}
