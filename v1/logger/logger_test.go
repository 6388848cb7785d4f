package logger

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected level parse error")
	}
	l, err := New(Config{Env: "prod"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = l.Sync()
}

func TestHelpersAttachTraceIDs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := zap.New(core)

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	Info(ctx, l, "traced", zap.String("k", "v"))
	Warn(context.Background(), l, "untraced")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["trace_id"] != span.SpanContext().TraceID().String() {
		t.Fatalf("missing trace_id: %v", fields)
	}
	if _, ok := entries[1].ContextMap()["trace_id"]; ok {
		t.Fatal("untraced entry carries trace_id")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop returned nil")
	}
}
