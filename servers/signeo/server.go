// Package signeo provides the tool set of the Signeo MCP server: a login tool that obtains
// the downstream SIGSID session, and the taxonomy tools that call the Signeo system with it.
package signeo

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/signeo-mcp"
)

// Tool names.
const (
	ToolLogin                    = "login"
	ToolCreateTaxonomyEntityType = "create-taxonomy-entity-type"
	ToolGetTaxonomyTree          = "get-taxonomy-tree"
	ToolSetEntityProperties      = "set-entity-properties"
	ToolCreateTaxonomyNode       = "create-taxonomy-node"
)

// Default downstream endpoints.
const (
	DefaultAppBaseURL = "https://app-mcpim.dev-vm3-03.signatureit.app"
	DefaultSysBaseURL = "https://sys-mcpim.dev-vm3-03.signatureit.app"
)

const sessionIDPrefix = "Session ID: "

// TokenSource yields the credential attached to downstream calls. credential.Relay
// implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, bool)
}

// Option represents the options for the server.
type Option func(*Server)

// Server holds the downstream endpoints and builds the tool descriptors bound into the
// MCP façade.
type Server struct {
	appBaseURL string
	sysBaseURL string
	tokens     TokenSource
	client     downstreamClient
	logger     *slog.Logger
}

// NewServer creates the Signeo tool set. tokens is consulted on every downstream call.
func NewServer(tokens TokenSource, options ...Option) Server {
	s := Server{
		appBaseURL: DefaultAppBaseURL,
		sysBaseURL: DefaultSysBaseURL,
		tokens:     tokens,
		client: downstreamClient{
			httpClient: &http.Client{Timeout: 30 * time.Second},
		},
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}
	s.client.logger = s.logger
	return s
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "signeo-mcp"),
			slog.String("component", "signeo"),
		)
	}
}

// WithBaseURLs overrides the APP and SYS endpoints. Empty values keep the defaults.
func WithBaseURLs(app, sys string) Option {
	return func(s *Server) {
		if app != "" {
			s.appBaseURL = app
		}
		if sys != "" {
			s.sysBaseURL = sys
		}
	}
}

// WithHTTPClient sets the client used for downstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Server) {
		s.client.httpClient = client
	}
}

// WithTimeout sets the timeout of every downstream call.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.client.httpClient = &http.Client{
			Timeout:   timeout,
			Transport: s.client.httpClient.Transport,
		}
	}
}

// Descriptors returns the tool set in advertisement order.
func (s Server) Descriptors() []mcp.ToolDescriptor {
	return []mcp.ToolDescriptor{
		{
			Name:               ToolLogin,
			DefaultDescription: "Authenticate and save SIGSID session",
			InputSchema:        loginSchema,
			Handler:            s.login,
			Credential:         SessionIDFromResult,
		},
		{
			Name:               ToolCreateTaxonomyEntityType,
			DefaultDescription: "Create a new taxonomy entity type",
			InputSchema:        createEntityTypeSchema,
			Handler:            s.createTaxonomyEntityType,
		},
		{
			Name:               ToolGetTaxonomyTree,
			DefaultDescription: "Get taxonomy tree for a specific entity type",
			InputSchema:        getTaxonomyTreeSchema,
			Handler:            s.getTaxonomyTree,
		},
		{
			Name:               ToolSetEntityProperties,
			DefaultDescription: "Set entity type properties for taxonomy/catalogue",
			InputSchema:        setEntityPropertiesSchema,
			Handler:            s.setEntityProperties,
		},
		{
			Name:               ToolCreateTaxonomyNode,
			DefaultDescription: "Create a new taxonomy node in a specified entity type",
			InputSchema:        createTaxonomyNodeSchema,
			Handler:            s.createTaxonomyNode,
		},
	}
}

// SessionIDFromResult extracts the SIGSID from a successful login result.
func SessionIDFromResult(res mcp.CallToolResult) (string, bool) {
	for _, c := range res.Content {
		if id, ok := strings.CutPrefix(c.Text, sessionIDPrefix); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// token picks the credential for a taxonomy call: the relayed login token first, then
// the one passed by the client.
func (s Server) token(ctx context.Context, explicit string) string {
	if s.tokens != nil {
		if token, ok := s.tokens.Token(ctx); ok {
			return token
		}
	}
	return explicit
}
