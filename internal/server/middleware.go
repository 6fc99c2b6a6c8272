package server

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"cofer/internal/errors"
	"cofer/internal/logger"
	"cofer/internal/metrics"

	"github.com/labstack/echo/v4"
)

// requestMetrics records the count and latency of every request by route
func requestMetrics(rec *metrics.Recorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = errorStatus(err)
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			rec.RecordRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}

func logPanic(c echo.Context, err error, stack []byte) error {
	logger.GetLogger(c).WithFields(logger.Fields{
		"panic": err.Error(),
		"stack": string(stack),
	}).Error("Recovered from handler panic")
	return errors.Internal("request", err)
}

// requestID returns the id the request logger assigned
func requestID(c echo.Context) string {
	if id, ok := c.Get("request_id").(string); ok {
		return id
	}
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

func errorStatus(err error) int {
	var he *echo.HTTPError
	if stderrors.As(err, &he) {
		return he.Code
	}
	if ce, ok := errors.As(err); ok {
		return ce.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// kindForStatus classifies errors raised by echo itself, such as unknown
// routes or malformed bodies
func kindForStatus(code int) errors.Kind {
	switch {
	case code == http.StatusNotFound:
		return errors.KindNotFound
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return errors.KindTimeout
	case code >= 400 && code < 500:
		return errors.KindInvalidArgument
	default:
		return errors.KindInternal
	}
}

// errorBody renders err as the JSON error envelope
func errorBody(err error, corr string) (int, errors.HTTPErrorResponse) {
	var he *echo.HTTPError
	if stderrors.As(err, &he) {
		switch msg := he.Message.(type) {
		case errors.HTTPErrorResponse:
			if msg.Error.CorrelationID == "" {
				msg.Error.CorrelationID = corr
			}
			return he.Code, msg
		default:
			return he.Code, errors.HTTPErrorResponse{
				Error: errors.ErrorInfo{
					Kind:          kindForStatus(he.Code),
					Message:       fmt.Sprint(msg),
					CorrelationID: corr,
				},
			}
		}
	}
	return errors.Response(errors.Ensure(err, corr))
}

// respondError writes err, attaching partial when the operation produced
// one, such as the output of a timed out command
func respondError(c echo.Context, err error, partial interface{}) error {
	status, body := errorBody(err, requestID(c))
	body.Result = partial
	return c.JSON(status, body)
}

// ErrorHandler is the echo error handler. Every error leaves as the cofer
// JSON error envelope.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := errorBody(err, requestID(c))

	var sendErr error
	if c.Request().Method == http.MethodHead {
		sendErr = c.NoContent(status)
	} else {
		sendErr = c.JSON(status, body)
	}
	if sendErr != nil {
		logger.GetLogger(c).WithError(sendErr).Warn("Failed to send error response")
	}
}
