package mcp

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// ToolServer defines the interface for managing tools in the MCP protocol. Every session
// created by a SessionManager dispatches tools/list and tools/call to the same ToolServer.
type ToolServer interface {
	// ListTools returns the available tools with their currently advertised descriptions.
	// Returns error if operation fails or context is cancelled.
	ListTools(context.Context, ListToolsParams) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments.
	// Tool-level failures (invalid arguments, downstream errors) are reported through
	// CallToolResult.IsError; a returned error is a protocol error, such as an unknown tool.
	CallTool(context.Context, CallToolParams) (CallToolResult, error)
}

// ToolListUpdater provides an interface for monitoring changes to the available tools list.
//
// The notifications are used by the SessionManager to inform connected clients about tool list
// changes via the "notifications/tools/list_changed" method. Clients can then refresh their
// cached tool lists by calling ListTools again.
//
// A struct{} is sent through the channel as only the notification matters, not the value.
type ToolListUpdater interface {
	ToolListChanges() <-chan struct{}
}

// DescriptionSource resolves the advertised description of a tool by name. A false
// return means the descriptor's built-in default applies.
type DescriptionSource interface {
	Describe(name string) (string, bool)
}

// CredentialStore receives authentication tokens captured from successful tool results.
type CredentialStore interface {
	Store(ctx context.Context, token string)
}

// ToolHandler performs a tool's side effect. args is the raw JSON object sent by the
// client, already validated against the tool's input schema.
type ToolHandler func(ctx context.Context, args json.RawMessage) (CallToolResult, error)

// ToolMiddleware wraps the handler of the named tool. Middlewares are applied once, at bind time.
type ToolMiddleware func(name string, next ToolHandler) ToolHandler

// CredentialExtractor pulls an authentication token out of a successful tool result.
type CredentialExtractor func(CallToolResult) (string, bool)

// ToolDescriptor is the static definition of one invocable tool.
type ToolDescriptor struct {
	// Name is the unique, immutable tool identifier.
	Name string
	// DefaultDescription is advertised when the DescriptionSource has no entry for Name.
	DefaultDescription string
	// InputSchema validates the arguments before Handler runs.
	InputSchema *jsonschema.Schema
	// Handler performs the tool's side effect.
	Handler ToolHandler
	// Credential, when set, marks this tool as the one allowed to refresh the credential
	// store from its own successful results.
	Credential CredentialExtractor
}

type sessionIDContextKey struct{}

// ContextWithSessionID returns a copy of ctx carrying the session ID.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey{}, sessionID)
}

// SessionIDFromContext returns the ID of the session a tool call arrived on.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDContextKey{}).(string)
	return id, ok && id != ""
}
