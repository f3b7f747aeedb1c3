package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// StdioServerOption represents the options for the stdio server.
type StdioServerOption func(*StdioServer)

// StdioServer serves a single MCP session over newline-delimited JSON-RPC, typically the
// stdin and stdout of a subprocess launched by the client. The session is created by the
// first initialize message and closed when the input ends.
//
// Requests are answered in arrival order. Ping and cancellation notifications are handled
// as soon as they are read, so a client can cancel a request that is still running.
type StdioServer struct {
	manager *SessionManager
	logger  *slog.Logger
}

// stdioWriter writes one message per line. Responses and notifications share it.
type stdioWriter struct {
	mu sync.Mutex
	w  io.Writer
}

type stdioLine struct {
	line string
	err  error
}

const stdioQueueSize = 64

// NewStdioServer creates a stdio transport over manager.
func NewStdioServer(manager *SessionManager, options ...StdioServerOption) StdioServer {
	s := StdioServer{
		manager: manager,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdioLogger sets the logger for the stdio server.
func WithStdioLogger(logger *slog.Logger) StdioServerOption {
	return func(s *StdioServer) {
		s.logger = logger.With(
			slog.String("package", "signeo-mcp"),
			slog.String("component", "stdio"),
		)
	}
}

// Serve reads messages from r and writes responses and notifications to w until r is
// exhausted or ctx is done. The session it created is closed before Serve returns.
// CloseSession is idempotent, so closing it twice on the way out is harmless.
func (s StdioServer) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	out := &stdioWriter{w: w}
	lines := s.readLines(ctx, r)

	var sessID string
	queue := make(chan JSONRPCMessage, stdioQueueSize)
	workerDone := make(chan struct{})
	workerStarted := false

	// At end of input queued requests are still answered. On cancellation the session is
	// closed first so they fail fast instead.
	drain := false
	defer func() {
		if !drain && sessID != "" {
			s.manager.CloseSession(sessID)
		}
		close(queue)
		if workerStarted {
			<-workerDone
		}
		if sessID != "" {
			s.manager.CloseSession(sessID)
		}
	}()

	for {
		var l stdioLine
		select {
		case <-ctx.Done():
			return nil
		case l = <-lines:
		}

		if l.err != nil {
			if errors.Is(l.err, io.EOF) {
				drain = true
				return nil
			}
			return fmt.Errorf("failed to read message: %w", l.err)
		}

		line := strings.TrimSpace(l.line)
		if line == "" {
			continue
		}
		if line[0] == '[' {
			s.writeError(out, nil, jsonRPCInvalidRequestCode, errMsgBatchUnsupported, nil)
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
			s.writeError(out, nil, jsonRPCParseErrorCode, fmt.Sprintf("failed to decode message: %s", err), nil)
			continue
		}

		if sessID == "" {
			sessID = s.bootstrap(ctx, out, msg)
			if sessID != "" {
				go s.processQueue(ctx, sessID, queue, out, workerDone)
				workerStarted = true
			}
			continue
		}

		switch {
		case msg.Method == MethodInitialize:
			s.writeError(out, &msg.ID, jsonRPCBadRequestCode, "Bad Request: Session already initialized",
				fmt.Errorf("%w: session already initialized", ErrBadRequest))
		case msg.Method == MethodPing, !msg.IsRequest():
			s.dispatch(ctx, sessID, msg, out)
		default:
			select {
			case queue <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s StdioServer) bootstrap(ctx context.Context, out *stdioWriter, msg JSONRPCMessage) string {
	sessID, res, err := s.manager.HandleInitialize(ctx, "", msg)
	if err != nil {
		s.logger.Info("rejected session bootstrap",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		if msg.IsRequest() {
			s.writeError(out, &msg.ID, jsonRPCBadRequestCode, "Bad Request: Server not initialized", err)
		}
		return ""
	}

	if sessID != "" {
		if sess, ok := s.manager.session(sessID); ok {
			sess.attachStream(out)
		}
	}
	s.write(out, res)
	return sessID
}

func (s StdioServer) processQueue(
	ctx context.Context,
	sessID string,
	queue <-chan JSONRPCMessage,
	out *stdioWriter,
	done chan<- struct{},
) {
	defer close(done)

	for msg := range queue {
		s.dispatch(ctx, sessID, msg, out)
	}
}

func (s StdioServer) dispatch(ctx context.Context, sessID string, msg JSONRPCMessage, out *stdioWriter) {
	res, err := s.manager.HandleMessage(ctx, sessID, msg)
	if err != nil {
		var id *MustString
		if msg.IsRequest() {
			id = &msg.ID
		}
		switch {
		case errors.Is(err, ErrSessionNotFound):
			s.writeError(out, id, jsonRPCSessionNotFoundCode, errMsgSessionNotFound, err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.logger.Info("request abandoned", slog.String("err", err.Error()))
		default:
			s.logger.Error("failed to handle message", slog.String("err", err.Error()))
			s.writeError(out, id, jsonRPCInternalErrorCode, err.Error(), err)
		}
		return
	}
	if res.JSONRPC == "" {
		return
	}
	s.write(out, res)
}

func (s StdioServer) readLines(ctx context.Context, r io.Reader) <-chan stdioLine {
	lines := make(chan stdioLine)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(r)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				select {
				case lines <- stdioLine{line: line}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case lines <- stdioLine{err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return lines
}

func (s StdioServer) write(out *stdioWriter, msg JSONRPCMessage) {
	if err := out.Send(context.Background(), msg); err != nil {
		s.logger.Error("failed to write message", slog.String("err", err.Error()))
	}
}

func (s StdioServer) writeError(out *stdioWriter, id *MustString, code int, message string, err error) {
	var msgID MustString
	if id != nil {
		msgID = *id
	}
	s.write(out, errorResponse(msgID, code, message, err))
}

// Send writes msg as a single line.
func (w *stdioWriter) Send(_ context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(msgBs); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
