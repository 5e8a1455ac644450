package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledTracerStillStartsSpans(t *testing.T) {
	p, err := InitTracer(context.Background(), Config{ServiceName: "retrybench"})
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := p.StartSpan(context.Background(), "workload")
	AddEvent(ctx, "noop")
	span.End()
}

func TestSpansAreRecorded(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	p := NewProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)), "test")

	ctx, span := p.StartSpan(context.Background(), "attempt", attribute.Int("attempt", 1))
	SetError(ctx, errors.New("exit_code_1"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Name() != "attempt" {
		t.Errorf("unexpected span name %q", ended[0].Name())
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", ended[0].Status())
	}
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	ctx, span := p.StartSpan(context.Background(), "x")
	if ctx == nil || span == nil {
		t.Fatal("nil provider must return usable ctx and span")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
