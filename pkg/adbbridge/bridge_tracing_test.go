// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

package adbbridge

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConstructorVariantsCarryContextAndCorrelationID(t *testing.T) {
	br, err := NewWithCorrelationID("corr-789")
	if err != nil {
		t.Fatalf("NewWithCorrelationID: %v", err)
	}
	if br.correlationID != "corr-789" {
		t.Fatalf("correlation id = %q", br.correlationID)
	}

	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "parent")
	br, err = NewWithContextAndCorrelationID(ctx, "corr-abc")
	if err != nil {
		t.Fatalf("NewWithContextAndCorrelationID: %v", err)
	}
	if br.ctx != ctx {
		t.Fatal("expected the caller's context to parent spans")
	}
	if br.correlationID != "corr-abc" {
		t.Fatalf("correlation id = %q", br.correlationID)
	}

	br, err = NewWithContext(ctx)
	if err != nil {
		t.Fatalf("NewWithContext: %v", err)
	}
	if br.ctx != ctx {
		t.Fatal("expected the caller's context to parent spans")
	}
	if br.correlationID != "" {
		t.Fatalf("correlation id = %q, want empty without an override", br.correlationID)
	}
}

func TestBridgeStartSpanAttributes(t *testing.T) {
	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	}()

	br := &Bridge{
		ctx:           context.Background(),
		correlationID: "corr-123",
	}

	_, span := br.startSpan(
		"adbbridge.Run",
		attribute.String("command", "dumpsys battery"),
		attribute.Int("port", 5555),
	)
	span.End()

	spans := spanRecorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	attrs := map[string]any{}
	for _, attr := range spans[0].Attributes() {
		attrs[string(attr.Key)] = attr.Value.AsInterface()
	}

	if attrs["correlation_id"] != "corr-123" {
		t.Fatalf("expected correlation_id to be corr-123, got %v", attrs["correlation_id"])
	}
	if attrs["command"] != "dumpsys battery" {
		t.Fatalf("expected command attribute, got %v", attrs["command"])
	}
	if attrs["port"] != int64(5555) {
		t.Fatalf("expected port to be 5555, got %v", attrs["port"])
	}
}
