package errors

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPErrorResponse represents the structure of error responses sent to clients
type HTTPErrorResponse struct {
	Error   ErrorInfo              `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
	// Result carries a partial result, for example the tails of a timed out command.
	Result interface{} `json:"result,omitempty"`
}

// ErrorInfo contains the core error information
type ErrorInfo struct {
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	Hint          string `json:"hint,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Response builds the JSON body for err
func Response(err error) (int, HTTPErrorResponse) {
	ce, ok := As(err)
	if !ok {
		ce = Ensure(err, "")
	}
	return ce.HTTPStatus(), HTTPErrorResponse{
		Error: ErrorInfo{
			Kind:          ce.Kind,
			Message:       ce.Error(),
			Hint:          ce.Hint,
			CorrelationID: ce.CorrelationID,
		},
		Context: ce.Context,
	}
}

// ToHTTPError converts an error to an Echo HTTP error
func ToHTTPError(err error) error {
	status, body := Response(err)
	return echo.NewHTTPError(status, body)
}

// BadRequest creates a 400 Bad Request error
func BadRequest(message string) error {
	return echo.NewHTTPError(http.StatusBadRequest, HTTPErrorResponse{
		Error: ErrorInfo{
			Kind:    KindInvalidArgument,
			Message: message,
			Hint:    defaultHint(KindInvalidArgument),
		},
	})
}

// RPC error codes. The -326xx range follows JSON-RPC 2.0; the -320xx range
// maps the engine taxonomy.
const (
	RPCParseError         = -32700
	RPCInvalidRequest     = -32600
	RPCMethodNotFound     = -32601
	RPCInvalidParams      = -32602
	RPCInternal           = -32603
	RPCConflict           = -32001
	RPCPreconditionFailed = -32002
	RPCNotFound           = -32003
	RPCLimitExceeded      = -32004
	RPCTimeout            = -32005
)

// RPCCode maps an error kind to its JSON-RPC error code
func RPCCode(kind Kind) int {
	switch kind {
	case KindConflict:
		return RPCConflict
	case KindPreconditionFailed:
		return RPCPreconditionFailed
	case KindNotFound:
		return RPCNotFound
	case KindLimitExceeded:
		return RPCLimitExceeded
	case KindTimeout:
		return RPCTimeout
	case KindInvalidArgument:
		return RPCInvalidParams
	default:
		return RPCInternal
	}
}
