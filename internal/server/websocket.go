package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"cofer/internal/errors"
	"cofer/internal/executor"
	"cofer/internal/logger"
	"cofer/internal/operations"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// allowedOrigins are the browser origins that may open a stream
var allowedOrigins = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
	"http://[::1]",
	"https://[::1]",
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// CLI clients send no origin
		if origin == "" {
			return true
		}
		for _, allowed := range allowedOrigins {
			if strings.HasPrefix(origin, allowed) {
				return true
			}
		}

		logger.WithFields(logger.Fields{
			"origin": origin,
			"remote": r.RemoteAddr,
		}).Warn("WebSocket connection rejected - invalid origin")
		return false
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Stream message types
const (
	MessageRun    = "run"
	MessageCancel = "cancel"
	MessageStdout = "stdout"
	MessageStderr = "stderr"
	MessageExit   = "exit"
	MessageError  = "error"
)

// ClientMessage is sent by the client. The first message must be a run;
// a later cancel aborts the command.
type ClientMessage struct {
	Type      string            `json:"type"`
	Cmd       []string          `json:"cmd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
}

// ServerMessage is sent by the server: output chunks, then exactly one
// exit or error message
type ServerMessage struct {
	Type   string                `json:"type"`
	Data   string                `json:"data,omitempty"`
	Result *operations.RunResult `json:"result,omitempty"`
	Error  *errors.ErrorInfo     `json:"error,omitempty"`
}

// streamSession serializes writes to one websocket
type streamSession struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (ss *streamSession) send(msg ServerMessage) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.ws.WriteJSON(msg)
}

// handleRunStream runs one command and streams its output
func (s *Server) handleRunStream(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the response.
		logger.GetLogger(c).WithError(err).Warn("Failed to upgrade WebSocket connection")
		return nil
	}
	defer ws.Close()

	ss := &streamSession{ws: ws}
	log := logger.GetLogger(c).WithField("env_id", c.Param("id"))

	var first ClientMessage
	if err := ws.ReadJSON(&first); err != nil {
		log.WithError(err).Debug("Stream closed before a run request")
		return nil
	}
	if first.Type != MessageRun {
		ss.sendError(errors.InvalidArgument("type", "first message must be a run request").WithCorrelationID(requestID(c)), nil)
		return nil
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	go ss.watchClient(ctx, cancel)

	req := operations.RunRequest{
		ID:        c.Param("id"),
		Cmd:       first.Cmd,
		Env:       first.Env,
		TimeoutMS: first.TimeoutMS,
		Observer: func(stream executor.Stream, chunk []byte) {
			if err := ss.send(ServerMessage{Type: string(stream), Data: string(chunk)}); err != nil {
				cancel()
			}
		},
	}

	res, err := s.engine.Run(ctx, req)
	if err != nil {
		var partial *operations.RunResult
		if res != nil && res.Result != nil {
			partial = res
		}
		ss.sendError(err, partial)
		return nil
	}
	if err := ss.send(ServerMessage{Type: MessageExit, Result: res}); err != nil {
		log.WithError(err).Debug("Failed to send exit message")
	}
	ss.close()
	return nil
}

// watchClient cancels the run when the client asks to or goes away
func (ss *streamSession) watchClient(ctx context.Context, cancel context.CancelFunc) {
	for {
		var msg ClientMessage
		if err := ss.ws.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Debug("WebSocket read error")
			}
			cancel()
			return
		}
		if msg.Type == MessageCancel {
			cancel()
			return
		}
	}
}

func (ss *streamSession) sendError(err error, partial *operations.RunResult) {
	ce := errors.Ensure(err, "")
	info := &errors.ErrorInfo{
		Kind:          ce.Kind,
		Message:       ce.Error(),
		Hint:          ce.Hint,
		CorrelationID: ce.CorrelationID,
	}
	if sendErr := ss.send(ServerMessage{Type: MessageError, Error: info, Result: partial}); sendErr == nil {
		ss.close()
	}
}

func (ss *streamSession) close() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	_ = ss.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
