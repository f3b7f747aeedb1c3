package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tmaxmax/go-sse"
)

// HeaderSessionID carries the session ID issued by the initialize response on every
// later request of that session.
const HeaderSessionID = "Mcp-Session-Id"

// StreamableServerOption represents the options for the StreamableServer.
type StreamableServerOption func(*StreamableServer)

// StreamableServer exposes a SessionManager over the streamable HTTP transport: POST
// carries client messages and returns the response in the body, GET opens the session's
// server-sent notification stream, and DELETE closes the session.
//
// The handler is framework-agnostic and can be mounted on any path.
type StreamableServer struct {
	manager     *SessionManager
	logger      *slog.Logger
	maxBodySize int64
}

// httpErrorBody is the JSON-RPC error envelope written for transport-level failures.
// Its ID is null when the offending request's ID is unknown.
type httpErrorBody struct {
	JSONRPC string        `json:"jsonrpc"`
	Error   *JSONRPCError `json:"error"`
	ID      *MustString   `json:"id"`
}

const (
	defaultStreamableMaxBodySize = 4 << 20

	errMsgNoSessionID       = "Bad Request: No valid session ID provided"
	errMsgInitWithSessionID = "Bad Request: initialize request must not carry a session ID"
	errMsgSessionNotFound   = "Session not found"
	errMsgInvalidSessionID  = "Invalid or missing session ID"
	errMsgBatchUnsupported  = "Batch requests are not supported"
	errMsgStreamAlreadyOpen = "Notification stream already open"
)

// NewStreamableServer creates the HTTP transport for manager.
func NewStreamableServer(manager *SessionManager, options ...StreamableServerOption) StreamableServer {
	s := StreamableServer{
		manager:     manager,
		logger:      slog.Default(),
		maxBodySize: defaultStreamableMaxBodySize,
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStreamableLogger sets the logger for the transport.
func WithStreamableLogger(logger *slog.Logger) StreamableServerOption {
	return func(s *StreamableServer) {
		s.logger = logger.With(
			slog.String("package", "signeo-mcp"),
			slog.String("component", "streamable"),
		)
	}
}

// WithStreamableMaxBodySize limits the size of a POSTed message.
func WithStreamableMaxBodySize(size int64) StreamableServerOption {
	return func(s *StreamableServer) {
		s.maxBodySize = size
	}
}

// Handler returns the http.Handler serving POST, GET and DELETE for the endpoint.
func (s StreamableServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handlePost(w, r)
		case http.MethodGet:
			s.handleGet(w, r)
		case http.MethodDelete:
			s.handleDelete(w, r)
		default:
			w.Header().Set("Allow", "GET, POST, DELETE")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		}
	})
}

func (s StreamableServer) handlePost(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(HeaderSessionID)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, nil, jsonRPCInvalidRequestCode, err.Error(), nil)
			return
		}
		s.writeError(w, http.StatusBadRequest, nil, jsonRPCParseErrorCode, fmt.Sprintf("failed to read body: %s", err), nil)
		return
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		s.writeError(w, http.StatusBadRequest, nil, jsonRPCInvalidRequestCode, errMsgBatchUnsupported, nil)
		return
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
		s.writeError(w, http.StatusBadRequest, nil, jsonRPCParseErrorCode,
			fmt.Sprintf("failed to decode message: %s", err), nil)
		return
	}

	if sessID == "" || msg.Method == MethodInitialize {
		s.handleBootstrap(w, r, sessID, msg)
		return
	}

	res, err := s.manager.HandleMessage(r.Context(), sessID, msg)
	if err != nil {
		s.writeMessageError(w, msg, err)
		return
	}

	if !msg.IsRequest() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s StreamableServer) handleBootstrap(w http.ResponseWriter, r *http.Request, headerID string, msg JSONRPCMessage) {
	sessID, res, err := s.manager.HandleInitialize(r.Context(), headerID, msg)
	if err != nil {
		s.logger.Info("rejected session bootstrap",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		message := errMsgNoSessionID
		if headerID != "" {
			message = errMsgInitWithSessionID
		}
		s.writeError(w, http.StatusBadRequest, nil, jsonRPCBadRequestCode, message, err)
		return
	}

	if sessID != "" {
		w.Header().Set(HeaderSessionID, sessID)
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s StreamableServer) writeMessageError(w http.ResponseWriter, msg JSONRPCMessage, err error) {
	var id *MustString
	if msg.ID != "" {
		id = &msg.ID
	}

	switch {
	case errors.Is(err, ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, id, jsonRPCSessionNotFoundCode, errMsgSessionNotFound, err)
	case errors.Is(err, ErrBadRequest):
		s.writeError(w, http.StatusBadRequest, id, jsonRPCBadRequestCode, errMsgInitWithSessionID, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The client went away while waiting; there is nobody to answer.
		s.logger.Info("request abandoned by client", slog.String("err", err.Error()))
	default:
		s.logger.Error("failed to handle message", slog.String("err", err.Error()))
		s.writeError(w, http.StatusInternalServerError, id, jsonRPCInternalErrorCode, err.Error(), err)
	}
}

func (s StreamableServer) handleGet(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(HeaderSessionID)
	sess, ok := s.manager.session(sessID)
	if sessID == "" || !ok {
		http.Error(w, errMsgInvalidSessionID, http.StatusBadRequest)
		return
	}

	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	stream := newSSEStream(sseSess, sess.logger)
	if !sess.attachStream(stream) {
		http.Error(w, errMsgStreamAlreadyOpen, http.StatusConflict)
		return
	}
	defer sess.detachStream(stream)

	w.Header().Set(HeaderSessionID, sessID)
	if err := sseSess.Flush(); err != nil {
		s.logger.Error("failed to flush SSE", slog.String("err", err.Error()))
		return
	}

	go stream.processSendMessages()
	defer stream.stop()

	sess.logger.Debug("notification stream opened")

	// Block until either side goes away, so the connection is left open.
	select {
	case <-r.Context().Done():
	case <-sess.done:
	}

	sess.logger.Debug("notification stream closed")
}

func (s StreamableServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(HeaderSessionID)
	if sessID == "" {
		http.Error(w, errMsgInvalidSessionID, http.StatusBadRequest)
		return
	}

	// Close races against idle expiry and client retries, so an unknown ID is not an error.
	s.manager.CloseSession(sessID)
	w.WriteHeader(http.StatusNoContent)
}

func (s StreamableServer) writeError(
	w http.ResponseWriter,
	status int,
	id *MustString,
	code int,
	message string,
	err error,
) {
	s.writeJSON(w, status, httpErrorBody{
		JSONRPC: JSONRPCVersion,
		Error:   protocolError(code, message, err),
		ID:      id,
	})
}

func (s StreamableServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", slog.String("err", err.Error()))
	}
}
