package telemetry_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MegaGrindStone/signeo-mcp"
	"github.com/MegaGrindStone/signeo-mcp/internal/telemetry"
)

type harness struct {
	reader   *sdkmetric.ManualReader
	exporter *tracetest.InMemoryExporter
	inst     *telemetry.Instruments
}

func newHarness(t *testing.T) harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	inst, err := telemetry.NewInstruments(mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatalf("failed to create instruments: %v", err)
	}
	return harness{reader: reader, exporter: exporter, inst: inst}
}

func (h harness) collect(t *testing.T) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()

	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("%s metric not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s type = %T, want Sum[int64]", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestToolMiddleware(t *testing.T) {
	h := newHarness(t)
	mw := h.inst.ToolMiddleware()

	ok := mw("login", func(context.Context, json.RawMessage) (mcp.CallToolResult, error) {
		return mcp.TextResult("fine"), nil
	})
	failing := mw("get-taxonomy-tree", func(context.Context, json.RawMessage) (mcp.CallToolResult, error) {
		return mcp.CallToolResult{}, mcp.DownstreamError{Status: 500, Message: "boom"}
	})

	ctx := mcp.ContextWithSessionID(context.Background(), "sess-1")
	if _, err := ok(ctx, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := failing(ctx, nil); err == nil {
		t.Fatalf("expected the handler error to pass through")
	}

	rm := h.collect(t)
	if got := sumOf(t, rm, "signeo.tool.calls"); got != 2 {
		t.Errorf("got %d calls, want 2", got)
	}
	if got := sumOf(t, rm, "signeo.tool.failures"); got != 1 {
		t.Errorf("got %d failures, want 1", got)
	}
	duration := findMetric(rm, "signeo.tool.duration")
	if duration == nil {
		t.Fatalf("signeo.tool.duration metric not found")
	}
	if _, ok := duration.Data.(metricdata.Histogram[float64]); !ok {
		t.Errorf("signeo.tool.duration type = %T, want Histogram[float64]", duration.Data)
	}

	spans := h.exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	for _, span := range spans {
		if span.Name != "tool.call" {
			t.Errorf("got span %q, want tool.call", span.Name)
		}
		if !hasAttr(span.Attributes, attribute.String("session_id", "sess-1")) {
			t.Errorf("expected session_id attribute on %v", span.Attributes)
		}
	}
	if spans[1].Status.Code != codes.Error {
		t.Errorf("expected failed call span to have error status, got %v", spans[1].Status)
	}
	if !hasAttr(spans[1].Attributes, attribute.String("error_kind", mcp.ErrorKindDownstreamFailure)) {
		t.Errorf("expected error_kind attribute on %v", spans[1].Attributes)
	}
}

func TestToolMiddlewareCountsFailedResults(t *testing.T) {
	h := newHarness(t)

	handler := h.inst.ToolMiddleware()("login", func(context.Context, json.RawMessage) (mcp.CallToolResult, error) {
		return mcp.ErrorResult(mcp.ErrInvalidArguments), nil
	})
	if _, err := handler(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := sumOf(t, h.collect(t), "signeo.tool.failures"); got != 1 {
		t.Errorf("got %d failures, want 1", got)
	}
}

func TestSessionGauge(t *testing.T) {
	h := newHarness(t)

	h.inst.SessionCreated("a", mcp.Info{Name: "client"})
	h.inst.SessionCreated("b", mcp.Info{Name: "client"})
	h.inst.SessionClosed("a")

	if got := sumOf(t, h.collect(t), "signeo.sessions.active"); got != 1 {
		t.Errorf("got %d active sessions, want 1", got)
	}
}

func TestSetupWithoutEndpoint(t *testing.T) {
	p, err := telemetry.Setup(context.Background(), "signeo-mcp-test", "")
	if err != nil {
		t.Fatalf("failed to set up telemetry: %v", err)
	}
	if _, err := p.Instruments(); err != nil {
		t.Errorf("failed to create instruments: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("failed to shut down: %v", err)
	}
}

func TestSetupExportsMetrics(t *testing.T) {
	var mu sync.Mutex
	paths := map[string]int{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path]++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	p, err := telemetry.Setup(context.Background(), "signeo-mcp-test", ts.URL)
	if err != nil {
		t.Fatalf("failed to set up telemetry: %v", err)
	}
	inst, err := p.Instruments()
	if err != nil {
		t.Fatalf("failed to create instruments: %v", err)
	}
	inst.SessionCreated("sess-1", mcp.Info{Name: "test-client", Version: "1.0"})

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("failed to shut down: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if paths["/v1/metrics"] == 0 {
		t.Errorf("expected metrics to be exported on shutdown, got requests %v", paths)
	}
}

func hasAttr(attrs []attribute.KeyValue, want attribute.KeyValue) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}
