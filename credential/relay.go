// Package credential relays the authentication token captured by the login tool into the
// outbound calls of the other tools.
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/signeo-mcp"
)

// Relay holds the downstream credential. Store is called by the tool façade after a
// successful login; Token is read by every tool that calls downstream.
type Relay interface {
	mcp.CredentialStore
	Token(ctx context.Context) (string, bool)
}

// Scopes accepted by New.
const (
	ScopeShared  = "shared"
	ScopeSession = "session"
)

// New returns the relay for scope. An empty scope selects ScopeShared.
func New(scope string, logger *slog.Logger) (Relay, error) {
	switch scope {
	case "", ScopeShared:
		return NewSharedRelay(logger), nil
	case ScopeSession:
		return NewSessionRelay(logger), nil
	default:
		return nil, fmt.Errorf("credential: unknown scope %q", scope)
	}
}

// SharedRelay is a single process-wide slot. The latest successful login wins for every
// session.
type SharedRelay struct {
	logger *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewSharedRelay creates an empty shared slot.
func NewSharedRelay(logger *slog.Logger) *SharedRelay {
	return &SharedRelay{logger: scoped(logger, "shared-relay")}
}

// Store replaces the held token.
func (r *SharedRelay) Store(_ context.Context, token string) {
	r.mu.Lock()
	replaced := r.token != ""
	r.token = token
	r.mu.Unlock()

	r.logger.Info("credential stored", slog.Bool("replaced", replaced))
}

// Token returns the held token.
func (r *SharedRelay) Token(context.Context) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.token, r.token != ""
}

// SessionRelay keeps one token per session, keyed by the session ID found in the call's
// context. Calls without a session ID neither store nor find a token.
type SessionRelay struct {
	logger *slog.Logger

	mu     sync.RWMutex
	tokens map[string]string
}

// NewSessionRelay creates an empty per-session relay.
func NewSessionRelay(logger *slog.Logger) *SessionRelay {
	return &SessionRelay{
		logger: scoped(logger, "session-relay"),
		tokens: make(map[string]string),
	}
}

// Store records token for the calling session.
func (r *SessionRelay) Store(ctx context.Context, token string) {
	sessID, ok := mcp.SessionIDFromContext(ctx)
	if !ok {
		r.logger.Warn("dropping credential without session")
		return
	}

	r.mu.Lock()
	r.tokens[sessID] = token
	r.mu.Unlock()

	r.logger.Info("credential stored", slog.String("sessionID", sessID))
}

// Token returns the calling session's token.
func (r *SessionRelay) Token(ctx context.Context) (string, bool) {
	sessID, ok := mcp.SessionIDFromContext(ctx)
	if !ok {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	token, ok := r.tokens[sessID]
	return token, ok
}

// Forget drops the token of a closed session. It matches the signature of
// mcp.WithSessionOnClosed.
func (r *SessionRelay) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tokens, sessionID)
}

// Len returns the number of sessions holding a token.
func (r *SessionRelay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tokens)
}

func scoped(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(
		slog.String("package", "signeo-mcp"),
		slog.String("component", component),
	)
}
