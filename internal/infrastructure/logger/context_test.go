package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContext(t *testing.T) {
	l := zap.NewExample()
	ctx := WithContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}

func TestFromContext_NotFound(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	l.Info("no-op logger does not panic")
}

func TestWithRunID(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)

	ctx, l := WithRunID(context.Background(), zap.New(core), "run-1")
	assert.Equal(t, "run-1", GetRunID(ctx))

	l.Info("stage started")
	require.Equal(t, 1, recorded.Len())
	assert.Equal(t, "run-1", recorded.All()[0].ContextMap()["run_id"])
	assert.Same(t, l, FromContext(ctx))
}

func TestWithRequestID(t *testing.T) {
	ctx, _ := WithRequestID(context.Background(), zap.NewNop(), "req-9")
	assert.Equal(t, "req-9", GetRequestID(ctx))
	assert.Empty(t, GetRequestID(context.Background()))
	assert.Empty(t, GetRunID(context.Background()))
}

func TestContextLogger_EnrichesWithTraceAndRequest(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	ctx = WithContext(ctx, zap.New(core))
	ctx = context.WithValue(ctx, RequestIDKey, "req-1")

	L(ctx).With(zap.String("entity", "invoice")).Info("persisted")

	require.Equal(t, 1, recorded.Len())
	fields := recorded.All()[0].ContextMap()
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "invoice", fields["entity"])
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}

func TestContextLogger_NoSpan(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	ctx := WithContext(context.Background(), zap.New(core))

	L(ctx).Warn("no span")

	require.Equal(t, 1, recorded.Len())
	_, hasTrace := recorded.All()[0].ContextMap()["trace_id"]
	assert.False(t, hasTrace)
	assert.Empty(t, GetTraceID(ctx))
}
