// Package telemetry records tool calls and session lifetimes into OpenTelemetry.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/MegaGrindStone/signeo-mcp"
)

// InstrumentationName scopes the tracer and meter.
const InstrumentationName = "github.com/MegaGrindStone/signeo-mcp"

// Providers are the process-wide OpenTelemetry providers built by Setup.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// Instruments records tool-call and session signals.
type Instruments struct {
	tracer trace.Tracer

	calls    metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
	sessions metric.Int64UpDownCounter
}

// Setup builds the providers and installs them globally. When endpoint is set, spans and
// metrics are exported over OTLP/HTTP. Otherwise nothing leaves the process.
//
// An endpoint with a scheme is a base URL and gets the /v1/traces and /v1/metrics paths
// appended. A bare host:port uses the exporters' default paths over TLS.
func Setup(ctx context.Context, serviceName, endpoint string) (*Providers, error) {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if endpoint != "" {
		traceExp, err := otlptracehttp.New(ctx, traceEndpoint(endpoint))
		if err != nil {
			return nil, fmt.Errorf("telemetry: create otlp trace exporter: %w", err)
		}
		metricExp, err := otlpmetrichttp.New(ctx, metricEndpoint(endpoint))
		if err != nil {
			_ = traceExp.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: create otlp metric exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(traceExp))
		mpOpts = append(mpOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	}

	p := &Providers{
		TracerProvider: sdktrace.NewTracerProvider(tpOpts...),
		MeterProvider:  sdkmetric.NewMeterProvider(mpOpts...),
	}
	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
	return p, nil
}

func traceEndpoint(endpoint string) otlptracehttp.Option {
	if strings.Contains(endpoint, "://") {
		return otlptracehttp.WithEndpointURL(strings.TrimSuffix(endpoint, "/") + "/v1/traces")
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

func metricEndpoint(endpoint string) otlpmetrichttp.Option {
	if strings.Contains(endpoint, "://") {
		return otlpmetrichttp.WithEndpointURL(strings.TrimSuffix(endpoint, "/") + "/v1/metrics")
	}
	return otlpmetrichttp.WithEndpoint(endpoint)
}

// Instruments creates the instruments on the providers.
func (p *Providers) Instruments() (*Instruments, error) {
	return NewInstruments(
		p.MeterProvider.Meter(InstrumentationName),
		p.TracerProvider.Tracer(InstrumentationName),
	)
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.TracerProvider.Shutdown(ctx),
		p.MeterProvider.Shutdown(ctx),
	)
}

// NewInstruments creates the instruments on meter and tracer.
func NewInstruments(meter metric.Meter, tracer trace.Tracer) (*Instruments, error) {
	calls, err := meter.Int64Counter("signeo.tool.calls",
		metric.WithDescription("Number of tool calls"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("signeo.tool.failures",
		metric.WithDescription("Number of tool calls that returned a failed result"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("signeo.tool.duration",
		metric.WithDescription("Duration of tool calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	sessions, err := meter.Int64UpDownCounter("signeo.sessions.active",
		metric.WithDescription("Number of live MCP sessions"),
	)
	if err != nil {
		return nil, err
	}

	return &Instruments{
		tracer:   tracer,
		calls:    calls,
		failures: failures,
		duration: duration,
		sessions: sessions,
	}, nil
}

// ToolMiddleware traces and counts every tool call.
func (i *Instruments) ToolMiddleware() mcp.ToolMiddleware {
	return func(name string, next mcp.ToolHandler) mcp.ToolHandler {
		return func(ctx context.Context, args json.RawMessage) (mcp.CallToolResult, error) {
			attrs := []attribute.KeyValue{attribute.String("tool_name", name)}
			spanAttrs := attrs
			if id, ok := mcp.SessionIDFromContext(ctx); ok {
				spanAttrs = append(spanAttrs, attribute.String("session_id", id))
			}

			ctx, span := i.tracer.Start(ctx, "tool.call", trace.WithAttributes(spanAttrs...))
			defer span.End()

			start := time.Now()
			res, err := next(ctx, args)
			elapsed := time.Since(start).Seconds()

			i.calls.Add(ctx, 1, metric.WithAttributes(attrs...))
			i.duration.Record(ctx, elapsed, metric.WithAttributes(attrs...))

			kind := failureKind(res, err)
			if kind == "" {
				span.SetStatus(codes.Ok, "")
				return res, err
			}

			i.failures.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error_kind", kind))...))
			span.SetAttributes(attribute.String("error_kind", kind))
			if err != nil {
				span.RecordError(err)
			}
			span.SetStatus(codes.Error, kind)
			return res, err
		}
	}
}

// SessionCreated matches mcp.WithSessionOnCreated.
func (i *Instruments) SessionCreated(string, mcp.Info) {
	i.sessions.Add(context.Background(), 1)
}

// SessionClosed matches mcp.WithSessionOnClosed.
func (i *Instruments) SessionClosed(string) {
	i.sessions.Add(context.Background(), -1)
}

func failureKind(res mcp.CallToolResult, err error) string {
	if err != nil {
		return mcp.ErrorKind(err)
	}
	if !res.IsError {
		return ""
	}
	if kind, ok := res.Meta["errorKind"].(string); ok && kind != "" {
		return kind
	}
	return mcp.ErrorKindInternal
}
