// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

package bridge

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("hacs-adb-connector")

func (c *Coordinator) spanContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func (c *Coordinator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if c.correlationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", c.correlationID))
	}
	attrs = append(attrs, attribute.String("transport", c.transport.String()))
	return tracer.Start(c.spanContext(ctx), name, trace.WithAttributes(attrs...))
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
}
