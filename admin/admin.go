// Package admin serves the administrative HTTP surface used to edit the persisted tool
// descriptions, plus the health probe.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/signeo-mcp"
	"github.com/MegaGrindStone/signeo-mcp/registry"
)

// ToolStore is the persistence the admin surface edits. store.SQLiteStore implements it.
type ToolStore interface {
	ListAll(ctx context.Context) ([]registry.Entry, error)
	Upsert(ctx context.Context, name, description string) (registry.Entry, error)
}

// Option represents the options for the admin server.
type Option func(*Server)

// Server serves /api/tool and /health.
type Server struct {
	store       ToolStore
	corsOrigin  string
	maxBodySize int64
	now         func() time.Time
	logger      *slog.Logger
}

type toolsResponse struct {
	Tools []registry.Entry `json:"tools"`
}

type saveResponse struct {
	Message string         `json:"message"`
	Tool    registry.Entry `json:"tool"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const defaultMaxBodySize = 1 << 20

// New creates an admin server over store.
func New(store ToolStore, options ...Option) *Server {
	s := &Server{
		store:       store,
		corsOrigin:  "*",
		maxBodySize: defaultMaxBodySize,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithLogger sets the logger for the admin server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "signeo-mcp"),
			slog.String("component", "admin"),
		)
	}
}

// WithCORSOrigin sets the origin allowed by Handler's CORS middleware.
func WithCORSOrigin(origin string) Option {
	return func(s *Server) {
		if origin != "" {
			s.corsOrigin = origin
		}
	}
}

// WithMaxBodySize limits the size of request bodies.
func WithMaxBodySize(size int64) Option {
	return func(s *Server) {
		s.maxBodySize = size
	}
}

// WithClock overrides the clock used for the health timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// Handler returns the admin routes wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return CORS(s.corsOrigin, mux)
}

// RegisterRoutes mounts the admin routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/tool", s.handleListTools)
	mux.HandleFunc("POST /api/tool", s.handleSaveTool)
	mux.HandleFunc("DELETE /api/tool/{name}", s.handleDeleteTool)
}

// CORS allows origin on every response and answers preflight requests. The MCP session
// header is exposed so browser clients can read it.
func CORS(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+mcp.HeaderSessionID+", Last-Event-ID")
		h.Set("Access-Control-Expose-Headers", mcp.HeaderSessionID)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "OK",
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.store.ListAll(r.Context())
	if err != nil {
		s.logger.Error("failed to list tools", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Failed to fetch tools")
		return
	}
	if tools == nil {
		tools = []registry.Entry{}
	}
	writeJSON(w, http.StatusOK, toolsResponse{Tools: tools})
}

func (s *Server) handleSaveTool(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.logger.Info("rejected tool body", slog.String("err", err.Error()))
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if empty(body["name"]) || empty(body["description"]) {
		writeError(w, http.StatusBadRequest, "Both name and description are required")
		return
	}
	name, nameOK := body["name"].(string)
	description, descOK := body["description"].(string)
	if !nameOK || !descOK {
		writeError(w, http.StatusBadRequest, "Name and description must be strings")
		return
	}

	name, description = strings.TrimSpace(name), strings.TrimSpace(description)
	if name == "" || description == "" {
		writeError(w, http.StatusBadRequest, "Both name and description are required")
		return
	}

	entry, err := s.store.Upsert(r.Context(), name, description)
	if err != nil {
		s.logger.Error("failed to save tool",
			slog.String("tool", name),
			slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Failed to save tool")
		return
	}

	s.logger.Info("tool description saved", slog.String("tool", entry.Name))
	writeJSON(w, http.StatusOK, saveResponse{Message: "Tool saved successfully", Tool: entry})
}

func (s *Server) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("delete requested", slog.String("tool", r.PathValue("name")))
	writeError(w, http.StatusNotImplemented, "Delete functionality not implemented yet")
}

// empty reports whether v is absent or a zero JSON value.
func empty(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	case float64:
		return v == 0
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
