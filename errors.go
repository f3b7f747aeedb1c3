package mcp

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the session layer, the tool dispatch path and the registry.
var (
	// ErrBadRequest reports a malformed session bootstrap: an initialize request carrying a
	// session ID, or any other message arriving without one.
	ErrBadRequest = errors.New("bad request")
	// ErrSessionNotFound reports a message addressed to a session ID with no live mapping.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidArguments reports tool arguments rejected by the tool's input schema.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrDownstreamFailure reports an outbound call that returned a non-success status or
	// an unusable payload.
	ErrDownstreamFailure = errors.New("downstream failure")
	// ErrRegistryLoadFailure reports that the persistence collaborator could not be read
	// during a registry reload.
	ErrRegistryLoadFailure = errors.New("registry load failure")

	// ErrAlreadyBound is returned by Server.BindAll on every call after the first.
	ErrAlreadyBound = errors.New("tools already bound")
	// ErrToolNotFound is returned when a tool name has no bound descriptor.
	ErrToolNotFound = errors.New("tool not found")
)

// Error kinds reported to clients under CallToolResult.Meta["errorKind"] and
// JSONRPCError.Data["kind"].
const (
	ErrorKindBadRequest          = "BadRequest"
	ErrorKindSessionNotFound     = "SessionNotFound"
	ErrorKindInvalidArguments    = "InvalidArguments"
	ErrorKindDownstreamFailure   = "DownstreamFailure"
	ErrorKindRegistryLoadFailure = "RegistryLoadFailure"
	ErrorKindInternal            = "Internal"
)

// DownstreamError carries the status of a failed outbound call.
type DownstreamError struct {
	Status  int
	Message string
}

func (e DownstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("downstream failure: HTTP status %d", e.Status)
	}
	return e.Message
}

// Unwrap makes DownstreamError match ErrDownstreamFailure with errors.Is.
func (e DownstreamError) Unwrap() error { return ErrDownstreamFailure }

// ErrorKind maps an error onto its taxonomy tag. Errors outside the taxonomy map to
// ErrorKindInternal; nil maps to the empty string.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBadRequest):
		return ErrorKindBadRequest
	case errors.Is(err, ErrSessionNotFound):
		return ErrorKindSessionNotFound
	case errors.Is(err, ErrInvalidArguments):
		return ErrorKindInvalidArguments
	case errors.Is(err, ErrDownstreamFailure):
		return ErrorKindDownstreamFailure
	case errors.Is(err, ErrRegistryLoadFailure):
		return ErrorKindRegistryLoadFailure
	default:
		return ErrorKindInternal
	}
}

// ErrorResult renders err as a failed tool result. The content is err's message and the
// taxonomy tag lands in Meta; downstream failures also carry their status.
func ErrorResult(err error) CallToolResult {
	res := CallToolResult{
		Content: []Content{{Type: ContentTypeText, Text: err.Error()}},
		IsError: true,
		Meta:    map[string]any{"errorKind": ErrorKind(err)},
	}
	var dErr DownstreamError
	if errors.As(err, &dErr) {
		res.Meta["status"] = dErr.Status
	}
	return res
}

func protocolError(code int, message string, err error) *JSONRPCError {
	jErr := &JSONRPCError{Code: code, Message: message}
	if kind := ErrorKind(err); kind != "" {
		jErr.Data = map[string]any{"kind": kind}
	}
	return jErr
}
