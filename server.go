package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server is the tool façade shared by every session. It binds the descriptor set once,
// serves tools/list and tools/call, and lets the advertised descriptions be rewritten in
// place while sessions are live.
//
// Instances should be created using NewServer and bound with BindAll before any session
// is created.
type Server struct {
	descriptions DescriptionSource
	credentials  CredentialStore
	middlewares  []ToolMiddleware
	logger       *slog.Logger

	mu      sync.RWMutex
	bound   bool
	handles map[string]*toolHandle
	order   []*toolHandle

	changes chan struct{}
}

// toolHandle is the updatable binding of one descriptor. Everything but description is
// fixed at bind time.
type toolHandle struct {
	name               string
	defaultDescription string
	inputSchema        json.RawMessage
	resolved           *jsonschema.Resolved
	handler            ToolHandler
	credential         CredentialExtractor

	description atomic.Pointer[string]
}

var (
	defaultInputSchema = &jsonschema.Schema{Type: "object"}

	emptyArguments = json.RawMessage(`{}`)
)

// NewServer creates a tool façade that resolves descriptions through descriptions.
// A nil DescriptionSource advertises every tool's built-in default.
func NewServer(descriptions DescriptionSource, options ...ServerOption) *Server {
	s := &Server{
		descriptions: descriptions,
		logger:       slog.Default(),
		handles:      make(map[string]*toolHandle),
		changes:      make(chan struct{}, 1),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "signeo-mcp"),
			slog.String("component", "server"),
		)
	}
}

// WithCredentialStore sets where tokens captured by credential-issuing tools are stored.
func WithCredentialStore(store CredentialStore) ServerOption {
	return func(s *Server) {
		s.credentials = store
	}
}

// WithToolMiddleware appends a middleware wrapped around every tool handler. The first
// middleware given is the outermost.
func WithToolMiddleware(middleware ToolMiddleware) ServerOption {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, middleware)
	}
}

// BindAll binds the descriptor set. It may only succeed once; later calls return
// ErrAlreadyBound. Descriptions are resolved from the DescriptionSource at bind time,
// so callers should complete the first registry load beforehand.
func (s *Server) BindAll(descriptors []ToolDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound {
		return ErrAlreadyBound
	}

	handles := make(map[string]*toolHandle, len(descriptors))
	order := make([]*toolHandle, 0, len(descriptors))

	for _, d := range descriptors {
		if d.Name == "" {
			return fmt.Errorf("failed to bind tool: empty name")
		}
		if _, ok := handles[d.Name]; ok {
			return fmt.Errorf("failed to bind tool %q: duplicate name", d.Name)
		}
		if d.Handler == nil {
			return fmt.Errorf("failed to bind tool %q: nil handler", d.Name)
		}

		schema := d.InputSchema
		if schema == nil {
			schema = defaultInputSchema
		}
		resolved, err := schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("failed to resolve input schema of tool %q: %w", d.Name, err)
		}
		schemaBs, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("failed to marshal input schema of tool %q: %w", d.Name, err)
		}

		handler := d.Handler
		for i := len(s.middlewares) - 1; i >= 0; i-- {
			handler = s.middlewares[i](d.Name, handler)
		}

		h := &toolHandle{
			name:               d.Name,
			defaultDescription: d.DefaultDescription,
			inputSchema:        schemaBs,
			resolved:           resolved,
			handler:            handler,
			credential:         d.Credential,
		}
		desc := s.resolveDescription(h)
		h.description.Store(&desc)

		handles[d.Name] = h
		order = append(order, h)
	}

	s.handles = handles
	s.order = order
	s.bound = true

	s.logger.Info("tools bound", slog.Int("count", len(order)))

	return nil
}

// UpdateDescription rewrites the advertised description of one bound tool. The tool's
// schema and handler are untouched and in-flight calls are not disturbed.
func (s *Server) UpdateDescription(name, description string) error {
	h, ok := s.handle(name)
	if !ok {
		return fmt.Errorf("failed to update description of %q: %w", name, ErrToolNotFound)
	}

	old := h.description.Swap(&description)
	if old != nil && *old == description {
		return nil
	}

	s.logger.Info("tool description updated", slog.String("tool", name))
	s.notifyChanged()

	return nil
}

// RefreshDescriptions recomputes every bound tool's description from the
// DescriptionSource and applies the ones that changed. It returns the changed names in
// bind order.
func (s *Server) RefreshDescriptions() []string {
	s.mu.RLock()
	order := s.order
	s.mu.RUnlock()

	var changed []string
	for _, h := range order {
		desc := s.resolveDescription(h)
		if cur := h.description.Load(); cur != nil && *cur == desc {
			continue
		}
		if err := s.UpdateDescription(h.name, desc); err != nil {
			s.logger.Error("failed to refresh tool description",
				slog.String("tool", h.name),
				slog.String("err", err.Error()))
			continue
		}
		changed = append(changed, h.name)
	}
	return changed
}

// Description returns the currently advertised description of a bound tool.
func (s *Server) Description(name string) (string, bool) {
	h, ok := s.handle(name)
	if !ok {
		return "", false
	}
	return *h.description.Load(), true
}

// ListTools implements ToolServer. Tools are listed in bind order.
func (s *Server) ListTools(ctx context.Context, _ ListToolsParams) (ListToolsResult, error) {
	if err := ctx.Err(); err != nil {
		return ListToolsResult{}, err
	}

	s.mu.RLock()
	order := s.order
	s.mu.RUnlock()

	tools := make([]Tool, 0, len(order))
	for _, h := range order {
		tools = append(tools, Tool{
			Name:        h.name,
			Description: *h.description.Load(),
			InputSchema: h.inputSchema,
		})
	}
	return ListToolsResult{Tools: tools}, nil
}

// CallTool implements ToolServer. Arguments are validated against the tool's input
// schema before the handler runs; validation and handler failures are returned as
// failed results tagged with their error kind.
func (s *Server) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	h, ok := s.handle(params.Name)
	if !ok {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("unknown tool: %s", params.Name),
		}
	}

	args, err := h.validate(params.Arguments)
	if err != nil {
		s.logger.Info("rejected tool arguments",
			slog.String("tool", h.name),
			slog.String("err", err.Error()))
		return ErrorResult(err), nil
	}

	result, err := h.handler(ctx, args)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrDownstreamFailure) || errors.Is(err, ErrInvalidArguments) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "tool call failed",
			slog.String("tool", h.name),
			slog.String("err", err.Error()))
		return ErrorResult(err), nil
	}

	if h.credential != nil && !result.IsError && s.credentials != nil {
		if token, ok := h.credential(result); ok {
			s.credentials.Store(ctx, token)
			s.logger.Info("credential captured", slog.String("tool", h.name))
		}
	}

	return result, nil
}

// ToolListChanges implements ToolListUpdater. Bursts of description changes are
// coalesced into a single signal.
func (s *Server) ToolListChanges() <-chan struct{} {
	return s.changes
}

func (s *Server) handle(name string) (*toolHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.handles[name]
	return h, ok
}

func (s *Server) resolveDescription(h *toolHandle) string {
	if s.descriptions != nil {
		if desc, ok := s.descriptions.Describe(h.name); ok {
			return desc
		}
	}
	return h.defaultDescription
}

func (s *Server) notifyChanged() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (h *toolHandle) validate(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = emptyArguments
	}

	var instance any
	if err := json.Unmarshal(trimmed, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := h.resolved.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	return trimmed, nil
}
