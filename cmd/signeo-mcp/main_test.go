package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/MegaGrindStone/signeo-mcp"
	"github.com/MegaGrindStone/signeo-mcp/credential"
	"github.com/MegaGrindStone/signeo-mcp/internal/config"
	"github.com/MegaGrindStone/signeo-mcp/internal/telemetry"
	"github.com/MegaGrindStone/signeo-mcp/store"
)

// executeCommand runs a fresh root command with the given args and captures stdout/stderr.
func executeCommand(args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root := newRootCmd()
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

func writeTestConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "signeo-mcp.yaml")
	content := "database:\n  path: " + filepath.Join(dir, "tools.db") + "\nlog:\n  level: error\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestToolsSetAndList(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, _, err := executeCommand("tools", "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if !strings.Contains(out, "defaults are in use") {
		t.Errorf("expected empty-store notice, got %q", out)
	}

	out, _, err = executeCommand("tools", "set", "login", "Sign in to Signeo", "--config", cfgPath)
	if err != nil {
		t.Fatalf("failed to set tool: %v", err)
	}
	if out != "Saved login\n" {
		t.Errorf("got %q, want %q", out, "Saved login\n")
	}

	out, _, err = executeCommand("tools", "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if !strings.Contains(out, "NAME") || !strings.Contains(out, "Sign in to Signeo") {
		t.Errorf("expected the saved description in %q", out)
	}
}

func TestToolsSetRejectsBlank(t *testing.T) {
	if _, _, err := executeCommand("tools", "set", "login", "  ", "--config", writeTestConfig(t)); err == nil {
		t.Errorf("expected blank description to be rejected")
	}
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("credential:\n  scope: global\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, _, err := executeCommand("tools", "list", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "credential.scope") {
		t.Errorf("expected credential.scope error, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	out, _, err := executeCommand("version")
	if err != nil {
		t.Fatalf("failed to run version: %v", err)
	}
	if out != "signeo-mcp version dev\n" {
		t.Errorf("got %q", out)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("expected info to be filtered, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("expected a JSON record, got %q", buf.String())
	}
}

func TestHandlerRoutes(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "tools.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	cfg := config.Default()
	cfg.CORS.AllowedOrigin = "https://admin.example"
	manager := mcp.NewSessionManager(mcp.Info{Name: serverName, Version: version}, mcp.NewServer(nil))
	logger := newDiscardLogger(t)

	ts := httptest.NewServer(newHandler(cfg, manager, st, logger))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("failed to get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got health status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://admin.example" {
		t.Errorf("got origin %q", got)
	}

	resp, err = http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	if err != nil {
		t.Fatalf("failed to post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %d, want 400 for a message without a session", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Expose-Headers"); got != mcp.HeaderSessionID {
		t.Errorf("got exposed headers %q", got)
	}
}

func TestSessionClosedHookForgetsCredential(t *testing.T) {
	inst, err := telemetry.NewInstruments(noop.NewMeterProvider().Meter("test"), tracenoop.NewTracerProvider().Tracer("test"))
	if err != nil {
		t.Fatalf("failed to create instruments: %v", err)
	}

	relay := credential.NewSessionRelay(nil)
	ctx := mcp.ContextWithSessionID(context.Background(), "sess-1")
	relay.Store(ctx, "T")

	sessionClosedHook(inst, relay)("sess-1")
	if _, ok := relay.Token(ctx); ok {
		t.Errorf("expected the closed session's credential to be forgotten")
	}

	shared := credential.NewSharedRelay(nil)
	shared.Store(context.Background(), "T")
	sessionClosedHook(inst, shared)("sess-1")
	if _, ok := shared.Token(context.Background()); !ok {
		t.Errorf("expected the shared credential to survive session close")
	}
}

func newDiscardLogger(t *testing.T) *slog.Logger {
	t.Helper()

	logger, err := newLogger(config.LogConfig{Level: "error", Format: "text"}, io.Discard)
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return logger
}

func TestStdioCommand(t *testing.T) {
	input := fmt.Sprintf(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":%q,"capabilities":{},"clientInfo":{"name":"test-client","version":"1.0"}}}`+"\n"+
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n"+
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`+"\n",
		mcp.LatestProtocolVersion)

	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetIn(strings.NewReader(input))
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"stdio", "--config", writeTestConfig(t)})
	if err := root.Execute(); err != nil {
		t.Fatalf("failed to run stdio: %v (stderr %q)", err, errOut.String())
	}

	var responses []mcp.JSONRPCMessage
	scanner := bufio.NewScanner(&out)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("failed to decode %q: %v", scanner.Text(), err)
		}
		responses = append(responses, msg)
	}
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d: %q", len(responses), out.String())
	}
	if responses[0].ID != "1" || responses[0].Error != nil {
		t.Errorf("unexpected initialize response: %+v", responses[0])
	}

	var list mcp.ListToolsResult
	if err := json.Unmarshal(responses[1].Result, &list); err != nil {
		t.Fatalf("failed to decode tools: %v", err)
	}
	if len(list.Tools) != 5 {
		t.Errorf("expected the five Signeo tools, got %d", len(list.Tools))
	}
}
