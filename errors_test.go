package mcp_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/MegaGrindStone/signeo-mcp"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "bad request", err: fmt.Errorf("wrap: %w", mcp.ErrBadRequest), want: mcp.ErrorKindBadRequest},
		{name: "session not found", err: mcp.ErrSessionNotFound, want: mcp.ErrorKindSessionNotFound},
		{name: "invalid arguments", err: fmt.Errorf("%w: missing email", mcp.ErrInvalidArguments), want: mcp.ErrorKindInvalidArguments},
		{name: "downstream", err: mcp.DownstreamError{Status: http.StatusBadGateway}, want: mcp.ErrorKindDownstreamFailure},
		{name: "registry", err: fmt.Errorf("%w: disk", mcp.ErrRegistryLoadFailure), want: mcp.ErrorKindRegistryLoadFailure},
		{name: "other", err: errors.New("boom"), want: mcp.ErrorKindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mcp.ErrorKind(tt.err); got != tt.want {
				t.Errorf("ErrorKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDownstreamError(t *testing.T) {
	err := fmt.Errorf("failed to login: %w", mcp.DownstreamError{Status: http.StatusUnauthorized})

	if !errors.Is(err, mcp.ErrDownstreamFailure) {
		t.Errorf("expected error to match ErrDownstreamFailure")
	}

	var dErr mcp.DownstreamError
	if !errors.As(err, &dErr) {
		t.Fatalf("expected DownstreamError in chain")
	}
	if dErr.Status != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, dErr.Status)
	}

	withMsg := mcp.DownstreamError{Status: 500, Message: "Failed to login: HTTP status 500"}
	if withMsg.Error() != "Failed to login: HTTP status 500" {
		t.Errorf("unexpected message %q", withMsg.Error())
	}
}

func TestErrorResult(t *testing.T) {
	res := mcp.ErrorResult(mcp.DownstreamError{Status: http.StatusNotFound, Message: "not found"})

	if !res.IsError {
		t.Errorf("expected IsError to be true")
	}
	if len(res.Content) != 1 || res.Content[0].Text != "not found" {
		t.Errorf("unexpected content %+v", res.Content)
	}
	if res.Meta["errorKind"] != mcp.ErrorKindDownstreamFailure {
		t.Errorf("expected errorKind %q, got %v", mcp.ErrorKindDownstreamFailure, res.Meta["errorKind"])
	}
	if res.Meta["status"] != http.StatusNotFound {
		t.Errorf("expected status %d, got %v", http.StatusNotFound, res.Meta["status"])
	}

	res = mcp.ErrorResult(fmt.Errorf("%w: bad", mcp.ErrInvalidArguments))
	if _, ok := res.Meta["status"]; ok {
		t.Errorf("expected no status for invalid arguments")
	}
}
