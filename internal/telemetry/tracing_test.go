/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTraceProviderNoopWhenEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Should be a no-op shutdown
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestStartPipelineSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	ctx, span := StartPipelineSpan(ctx, "tx-123", 42220)
	_, stage := StartStageSpan(ctx, "broadcast")
	stage.End()
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Name != "tx.broadcast" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "tx.broadcast")
	}
	if spans[1].Name != "tx.pipeline" {
		t.Errorf("span name = %q, want %q", spans[1].Name, "tx.pipeline")
	}
}

func TestEndSpanRecordsError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartPlanSpan(context.Background(), "plan-1", 3)
	EndSpan(span, errors.New("step reverted"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected a recorded error event on the span")
	}
}
