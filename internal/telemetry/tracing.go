/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the quaestor
// daemon. Custom span attributes use the `quaestor.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "quaestorhq.com/quaestor"
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
			semconv.ServiceNameKey.String("quaestor"),
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

// StartPipelineSpan creates the parent span for one transaction pipeline run.
func StartPipelineSpan(ctx context.Context, txID string, chainID int64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tx.pipeline",
		trace.WithAttributes(
			attribute.String("quaestor.transaction_id", txID),
			attribute.Int64("quaestor.chain_id", chainID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStageSpan creates a child span for one pipeline stage
// (validate, simulate, estimate, sign, broadcast, confirm).
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tx."+stage)
}

// StartPlanSpan creates the parent span for one plan execution.
func StartPlanSpan(ctx context.Context, planID string, steps int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "plan.execute",
		trace.WithAttributes(
			attribute.String("quaestor.plan_id", planID),
			attribute.Int("quaestor.step_count", steps),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan records err on the span (when non-nil) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
