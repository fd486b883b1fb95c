// Package tracing wires a minimal OpenTelemetry OTLP/gRPC tracer for the
// gateway, adapted from the teacher's internal/tracing.Initialize: the same
// always-initialize-a-tracer-handle-even-when-disabled pattern (so Start*
// helpers never need a nil check at the call site) and the same
// traceparent inject/parse helpers for propagating trace context across
// the gateway/connector boundary, narrowed to the spans this gateway
// actually emits (policy evaluation, connector calls) in place
// of the teacher's generic HTTP span helper.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer oteltrace.Tracer

// Config configures the gateway's tracer.
type Config struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Initialize sets up the gateway's tracer. A tracer handle is always
// assigned, even when disabled, so Start* below never need a nil check.
func Initialize(cfg Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "gateway-core"
	}
	tracer = otel.Tracer(cfg.ServiceName)

	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return nil
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRatio <= 0 {
		cfg.SampleRatio = 1.0
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("tracing: create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(cfg.ServiceName)

	logger.Info("tracing initialized", zap.String("endpoint", cfg.Endpoint), zap.Float64("sample_ratio", cfg.SampleRatio))
	return nil
}

// StartSpan starts a plain named span.
func StartSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = otel.Tracer("gateway-core")
	}
	return tracer.Start(ctx, name)
}

// StartEvaluationSpan starts a span around a policy Evaluate call,
// tagging the action type and tool so evaluation latency can be sliced by
// either in a trace backend.
func StartEvaluationSpan(ctx context.Context, actionType, tool string) (context.Context, oteltrace.Span) {
	ctx, span := StartSpan(ctx, "policy.evaluate")
	span.SetAttributes(
		attribute.String("gateway.action_type", actionType),
		attribute.String("gateway.tool", tool),
	)
	return ctx, span
}

// StartConnectorSpan starts a span around an outbound connector call.
func StartConnectorSpan(ctx context.Context, tool string) (context.Context, oteltrace.Span) {
	ctx, span := StartSpan(ctx, fmt.Sprintf("connector.call %s", tool))
	span.SetAttributes(attribute.String("gateway.tool", tool))
	return ctx, span
}

// W3CTraceparent renders the current span context as a W3C traceparent
// header value, or "" if there is no valid span in ctx.
func W3CTraceparent(ctx context.Context) string {
	span := oteltrace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	sc := span.SpanContext()
	return fmt.Sprintf("00-%s-%s-%02x", sc.TraceID().String(), sc.SpanID().String(), sc.TraceFlags())
}

// ParseTraceparent parses a W3C traceparent header value.
func ParseTraceparent(traceparent string) (traceID, spanID string, flags byte, valid bool) {
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 || parts[0] != "00" {
		return "", "", 0, false
	}
	var flagsInt int
	if _, err := fmt.Sscanf(parts[3], "%02x", &flagsInt); err != nil {
		return "", "", 0, false
	}
	return parts[1], parts[2], byte(flagsInt), true
}
