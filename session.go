package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionManagerOption represents the options for the session manager.
type SessionManagerOption func(*SessionManager)

// SessionManager owns the table of live protocol sessions. It creates a session for every
// accepted initialize request, routes later messages to the session they name, and tears
// sessions down on explicit close, on idle timeout, or on shutdown.
//
// Requests on one session are processed one at a time in arrival order by the session's
// own goroutine, so a slow tool call only ever delays its own session.
type SessionManager struct {
	info            Info
	instructions    string
	capabilities    ServerCapabilities
	toolServer      ToolServer
	toolListUpdater ToolListUpdater

	idleTimeout   time.Duration
	sweepInterval time.Duration
	sendTimeout   time.Duration
	mailboxSize   int

	logger *slog.Logger

	onSessionCreated func(string, Info)
	onSessionClosed  func(string)

	mu       sync.RWMutex
	sessions map[string]*serverSession

	// baseCtx is the parent of every tool call context. Closing one session does not
	// cancel it; shutting the manager down does.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

type serverSession struct {
	id              string
	client          Info
	protocolVersion string
	createdAt       time.Time
	logger          *slog.Logger

	toolServer ToolServer

	requests chan sessionRequest

	lastActive atomic.Int64
	inflight   atomic.Int32

	mu         sync.Mutex
	ctxCancels map[MustString]context.CancelFunc
	stream     notificationStream

	closeOnce sync.Once
	done      chan struct{}
}

// notificationStream carries server-initiated messages to the client of one session.
type notificationStream interface {
	Send(ctx context.Context, msg JSONRPCMessage) error
}

type sessionRequest struct {
	msg     JSONRPCMessage
	results chan<- JSONRPCMessage
}

var (
	defaultSessionIdleTimeout   = 30 * time.Minute
	defaultSessionSweepInterval = time.Minute
	defaultSessionSendTimeout   = 30 * time.Second
	defaultSessionMailboxSize   = 16

	errInvalidJSON = errors.New("invalid json")
)

// NewSessionManager creates a session manager whose sessions all dispatch tool requests
// to tools. When tools also implements ToolListUpdater, the tools capability advertises
// listChanged and Run broadcasts notifications/tools/list_changed on every change.
func NewSessionManager(info Info, tools ToolServer, options ...SessionManagerOption) *SessionManager {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	m := &SessionManager{
		info:       info,
		toolServer: tools,
		logger:     slog.Default(),
		sessions:   make(map[string]*serverSession),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.idleTimeout == 0 {
		m.idleTimeout = defaultSessionIdleTimeout
	}
	if m.sweepInterval == 0 {
		m.sweepInterval = defaultSessionSweepInterval
	}
	if m.sendTimeout == 0 {
		m.sendTimeout = defaultSessionSendTimeout
	}
	if m.mailboxSize == 0 {
		m.mailboxSize = defaultSessionMailboxSize
	}

	m.capabilities = ServerCapabilities{}
	if m.toolServer != nil {
		m.capabilities.Tools = &ToolsCapability{}
		if updater, ok := m.toolServer.(ToolListUpdater); ok {
			m.toolListUpdater = updater
			m.capabilities.Tools.ListChanged = true
		}
	}

	return m
}

// WithSessionLogger sets the logger for the session manager and its sessions.
func WithSessionLogger(logger *slog.Logger) SessionManagerOption {
	return func(m *SessionManager) {
		m.logger = logger.With(
			slog.String("package", "signeo-mcp"),
			slog.String("component", "session-manager"),
		)
	}
}

// WithSessionInstructions sets the instructions returned in every initialize result.
func WithSessionInstructions(instructions string) SessionManagerOption {
	return func(m *SessionManager) {
		m.instructions = instructions
	}
}

// WithSessionIdleTimeout sets how long a session may go without activity before it is
// closed. A session with an in-flight request or an open notification stream is never idle.
func WithSessionIdleTimeout(timeout time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		m.idleTimeout = timeout
	}
}

// WithSessionSweepInterval sets how often Run looks for idle sessions.
func WithSessionSweepInterval(interval time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		m.sweepInterval = interval
	}
}

// WithSessionSendTimeout sets the timeout for pushing a notification to a session's stream.
func WithSessionSendTimeout(timeout time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		m.sendTimeout = timeout
	}
}

// WithSessionOnCreated sets the callback for when a session is created.
// The callback's parameters are the session ID and the client's Info.
func WithSessionOnCreated(onCreated func(string, Info)) SessionManagerOption {
	return func(m *SessionManager) {
		m.onSessionCreated = onCreated
	}
}

// WithSessionOnClosed sets the callback for when a session is closed.
// The callback's parameter is the session ID. It is called exactly once per session.
func WithSessionOnClosed(onClosed func(string)) SessionManagerOption {
	return func(m *SessionManager) {
		m.onSessionClosed = onClosed
	}
}

// HandleInitialize accepts a session bootstrap. It is only valid when sessionID is empty
// and msg is an initialize request; every other combination fails with ErrBadRequest.
//
// On success it returns the new session ID and the initialize response. A handshake the
// server cannot accept yields an error response and no session.
func (m *SessionManager) HandleInitialize(
	_ context.Context,
	sessionID string,
	msg JSONRPCMessage,
) (string, JSONRPCMessage, error) {
	if sessionID != "" {
		if msg.Method == MethodInitialize {
			return "", JSONRPCMessage{}, fmt.Errorf("%w: initialize request carries session ID %q", ErrBadRequest, sessionID)
		}
		return "", JSONRPCMessage{}, fmt.Errorf("%w: session ID %q must be routed with HandleMessage", ErrBadRequest, sessionID)
	}
	if msg.Method != MethodInitialize || msg.ID == "" {
		return "", JSONRPCMessage{}, fmt.Errorf("%w: no valid session ID provided", ErrBadRequest)
	}
	if msg.JSONRPC != JSONRPCVersion {
		return "", errorResponse(msg.ID, jsonRPCInvalidRequestCode, errInvalidJSON.Error(), nil), nil
	}

	params, res, err := m.initializationHandshake(msg)
	if err != nil {
		m.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		return "", JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Error: &jsonErr}, nil
	}

	resBs, err := json.Marshal(res)
	if err != nil {
		return "", errorResponse(msg.ID, jsonRPCInternalErrorCode, "failed to marshal initialize result", nil), nil
	}

	sess := m.newSession(params)

	m.mu.Lock()
	if _, dup := m.sessions[sess.id]; dup {
		m.mu.Unlock()
		m.logger.Error("generated session ID collided", slog.String("sessionID", sess.id))
		return "", errorResponse(msg.ID, jsonRPCInternalErrorCode, "failed to allocate session", nil), nil
	}
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	go sess.start(m.baseCtx)

	sess.logger.Info("session created",
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocolVersion", res.ProtocolVersion))
	if m.onSessionCreated != nil {
		m.onSessionCreated(sess.id, params.ClientInfo)
	}

	return sess.id, JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: resBs}, nil
}

// HandleMessage routes msg to the session named by sessionID and returns its response.
// Notifications and client responses yield the zero JSONRPCMessage. An unknown session
// fails with ErrSessionNotFound, as does a request whose session is closed before the
// response is ready; in that case the response is discarded.
func (m *SessionManager) HandleMessage(ctx context.Context, sessionID string, msg JSONRPCMessage) (JSONRPCMessage, error) {
	if sessionID == "" {
		return JSONRPCMessage{}, fmt.Errorf("%w: no valid session ID provided", ErrBadRequest)
	}
	if msg.Method == MethodInitialize {
		return JSONRPCMessage{}, fmt.Errorf("%w: initialize request carries session ID %q", ErrBadRequest, sessionID)
	}
	sess, ok := m.session(sessionID)
	if !ok {
		return JSONRPCMessage{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if msg.JSONRPC != JSONRPCVersion {
		sess.logger.Info("failed to handle message",
			slog.Any("message", msg),
			slog.String("err", errInvalidJSON.Error()))
		if msg.ID == "" {
			return JSONRPCMessage{}, nil
		}
		return errorResponse(msg.ID, jsonRPCInvalidRequestCode, errInvalidJSON.Error(), nil), nil
	}

	sess.touch()

	switch {
	case msg.Method == MethodPing:
		return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: json.RawMessage(`{}`)}, nil
	case msg.Method == MethodNotificationsInitialized:
		sess.logger.Debug("client initialized")
		return JSONRPCMessage{}, nil
	case msg.Method == MethodNotificationsCancelled:
		sess.cancelRequest(msg)
		return JSONRPCMessage{}, nil
	case msg.IsNotification():
		sess.logger.Debug("ignoring notification", slog.String("method", msg.Method))
		return JSONRPCMessage{}, nil
	case msg.Method == "":
		// Responses to server requests; the server never issues any over this transport.
		sess.logger.Debug("ignoring client response", slog.String("id", string(msg.ID)))
		return JSONRPCMessage{}, nil
	}

	return sess.request(ctx, msg)
}

// CloseSession removes the session and releases its resources. It is idempotent:
// closing an unknown or already closed session is a no-op.
func (m *SessionManager) CloseSession(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok || !sess.close() {
		return
	}

	sess.logger.Info("session closed", slog.Duration("age", time.Since(sess.createdAt)))
	if m.onSessionClosed != nil {
		m.onSessionClosed(sessionID)
	}
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}

// Run sweeps idle sessions and broadcasts tool list changes to every open notification
// stream. It blocks until ctx is done, then closes all sessions and cancels in-flight
// tool calls.
func (m *SessionManager) Run(ctx context.Context) error {
	sweep := time.NewTicker(m.sweepInterval)
	defer sweep.Stop()

	var changes <-chan struct{}
	if m.toolListUpdater != nil {
		changes = m.toolListUpdater.ToolListChanges()
	}

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			m.baseCancel()
			return nil
		case now := <-sweep.C:
			m.sweepIdle(now)
		case <-changes:
			m.broadcast(JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				Method:  MethodNotificationsToolsListChanged,
			})
		}
	}
}

func (m *SessionManager) session(id string) (*serverSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	return sess, ok
}

func (m *SessionManager) snapshot() []*serverSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*serverSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (m *SessionManager) newSession(params initializeParams) *serverSession {
	id := uuid.New().String()
	sess := &serverSession{
		id:              id,
		client:          params.ClientInfo,
		protocolVersion: params.ProtocolVersion,
		createdAt:       time.Now(),
		logger:          m.logger.With(slog.String("sessionID", id)),
		toolServer:      m.toolServer,
		requests:        make(chan sessionRequest, m.mailboxSize),
		ctxCancels:      make(map[MustString]context.CancelFunc),
		done:            make(chan struct{}),
	}
	sess.touch()
	return sess
}

func (m *SessionManager) closeAll() {
	for _, sess := range m.snapshot() {
		m.CloseSession(sess.id)
	}
}

func (m *SessionManager) sweepIdle(now time.Time) {
	for _, sess := range m.snapshot() {
		if !sess.idle(now, m.idleTimeout) {
			continue
		}
		sess.logger.Info("closing idle session", slog.Duration("idleTimeout", m.idleTimeout))
		m.CloseSession(sess.id)
	}
}

func (m *SessionManager) broadcast(msg JSONRPCMessage) {
	for _, sess := range m.snapshot() {
		stream := sess.currentStream()
		if stream == nil {
			continue
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
			defer cancel()

			if err := stream.Send(ctx, msg); err != nil {
				sess.logger.Error("failed to send message",
					slog.String("method", msg.Method),
					slog.String("err", err.Error()))
			}
		}()
	}
}

func (m *SessionManager) initializationHandshake(msg JSONRPCMessage) (initializeParams, initializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return params, initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}
	if params.ProtocolVersion == "" {
		return params, initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: "missing protocol version",
		}
	}

	// Unknown revisions are answered with the latest one; the client decides whether to proceed.
	version, ok := negotiateProtocolVersion(params.ProtocolVersion)
	if !ok {
		version = LatestProtocolVersion
	}
	params.ProtocolVersion = version

	return params, initializeResult{
		ProtocolVersion: version,
		Capabilities:    m.capabilities,
		ServerInfo:      m.info,
		Instructions:    m.instructions,
	}, nil
}

func (s *serverSession) start(baseCtx context.Context) {
	// This loop would break when the session is closed. Queued requests left behind are
	// answered by their callers with ErrSessionNotFound.
	for {
		select {
		case <-s.done:
			return
		case req := <-s.requests:
			s.handleRequest(baseCtx, req)
		}
	}
}

func (s *serverSession) request(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	s.inflight.Add(1)
	defer func() {
		s.touch()
		s.inflight.Add(-1)
	}()

	results := make(chan JSONRPCMessage, 1)

	select {
	case <-s.done:
		return JSONRPCMessage{}, fmt.Errorf("%w: %s", ErrSessionNotFound, s.id)
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	case s.requests <- sessionRequest{msg: msg, results: results}:
	}

	select {
	case <-s.done:
		return JSONRPCMessage{}, fmt.Errorf("%w: %s", ErrSessionNotFound, s.id)
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	case res := <-results:
		if s.closed() {
			return JSONRPCMessage{}, fmt.Errorf("%w: %s", ErrSessionNotFound, s.id)
		}
		return res, nil
	}
}

func (s *serverSession) handleRequest(baseCtx context.Context, req sessionRequest) {
	// All the calls are cancellable with notifications/cancelled, so register the
	// cancellation under the request ID for the duration of the call.
	ctx, cancel := context.WithCancel(ContextWithSessionID(baseCtx, s.id))
	s.mu.Lock()
	s.ctxCancels[req.msg.ID] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.ctxCancels, req.msg.ID)
		s.mu.Unlock()
		cancel()
	}()

	res := s.dispatch(ctx, req.msg)

	// The session may have been closed while the call was running; its result has
	// nowhere to go.
	if s.closed() {
		s.logger.Info("discarding result for closed session",
			slog.String("method", req.msg.Method),
			slog.String("id", string(req.msg.ID)))
		return
	}
	req.results <- res
}

func (s *serverSession) dispatch(ctx context.Context, msg JSONRPCMessage) JSONRPCMessage {
	// This variables is used to store the result from the tool server to be sent back to
	// the client below.
	var result any
	// The err should be an instance of JSONRPCError; anything else is reported as an
	// internal error.
	var err error

	switch msg.Method {
	case MethodToolsList:
		result, err = s.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, msg)
	default:
		err = JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}
	}

	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}

	if err != nil {
		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		s.logger.Error("failed to call tool server",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		resMsg.Error = &jsonErr
		return resMsg
	}

	resBs, mErr := json.Marshal(result)
	if mErr != nil {
		resMsg.Error = &JSONRPCError{Code: jsonRPCInternalErrorCode, Message: mErr.Error()}
		return resMsg
	}
	resMsg.Result = resBs

	return resMsg
}

func (s *serverSession) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListToolsResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}

	ts, err := s.toolServer.ListTools(ctx, params)
	if err != nil {
		nErr := fmt.Errorf("failed to list tools: %w", err)
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return ts, nil
}

func (s *serverSession) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	result, err := s.toolServer.CallTool(ctx, params)
	if err != nil {
		jsonErr := JSONRPCError{}
		if errors.As(err, &jsonErr) {
			return CallToolResult{}, jsonErr
		}
		return ErrorResult(err), nil
	}

	return result, nil
}

func (s *serverSession) cancelRequest(msg JSONRPCMessage) {
	var params notificationsCancelledParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Info("failed to unmarshal cancellation", slog.String("err", err.Error()))
		return
	}

	s.mu.Lock()
	cancel, ok := s.ctxCancels[params.RequestID]
	s.mu.Unlock()

	if ok {
		s.logger.Info("request cancelled by client",
			slog.String("id", string(params.RequestID)),
			slog.String("reason", params.Reason))
		cancel()
	}
}

func (s *serverSession) attachStream(stream notificationStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return false
	}
	s.stream = stream
	return true
}

func (s *serverSession) detachStream(stream notificationStream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == stream {
		s.stream = nil
	}
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *serverSession) currentStream() notificationStream {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stream
}

func (s *serverSession) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *serverSession) idle(now time.Time, timeout time.Duration) bool {
	if s.inflight.Load() > 0 || s.currentStream() != nil {
		return false
	}
	return now.Sub(time.Unix(0, s.lastActive.Load())) >= timeout
}

func (s *serverSession) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		close(s.done)
		closed = true
	})
	return closed
}

func (s *serverSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func errorResponse(id MustString, code int, message string, err error) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   protocolError(code, message, err),
	}
}
