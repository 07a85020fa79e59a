/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the control plane.
//
// Custom span attributes use the `velocity.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "velocityhq.io/control-plane"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("velocity-control-plane"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartTaskSpan creates the parent span for one task execution.
func StartTaskSpan(ctx context.Context, agentKind, taskKind string, priority int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("velocity.agent_kind", agentKind),
			attribute.String("velocity.task_kind", taskKind),
			attribute.Int("velocity.priority", priority),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartCollectSpan creates a child span for one probe collection page.
func StartCollectSpan(ctx context.Context, agentKind, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "probe.collect",
		trace.WithAttributes(
			attribute.String("velocity.agent_kind", agentKind),
			attribute.String("velocity.target", target),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartCommitSpan creates a child span for one evidence commit.
func StartCommitSpan(ctx context.Context, tenantID, evidenceKind string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "evidence.commit",
		trace.WithAttributes(
			attribute.String("velocity.tenant_id", tenantID),
			attribute.String("velocity.evidence_kind", evidenceKind),
		),
	)
}

// EndCommitSpan enriches the commit span with the dedupe outcome.
func EndCommitSpan(span trace.Span, duplicate bool, contentHash string) {
	span.SetAttributes(
		attribute.Bool("velocity.duplicate", duplicate),
		attribute.String("velocity.content_hash", contentHash),
	)
	span.End()
}

// StartRecomputeSpan creates a span for one trust score recomputation.
func StartRecomputeSpan(ctx context.Context, tenantID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "trust.recompute",
		trace.WithAttributes(
			attribute.String("velocity.tenant_id", tenantID),
		),
	)
}
