package observability

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{ServiceName: "storegw"})
	require.NoError(t, err)

	ctx, span := tracer.StartSpan(context.Background(), "noop")
	defer span.End()

	assert.False(t, span.SpanContext().IsValid())
	assert.Empty(t, TraceIDFromContext(ContextWithSpanIDs(ctx, span)))
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestTracer_SpanEventsAndIDs(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewTracerWithProvider("storegw", provider)

	ctx, span := tracer.StartSpan(context.Background(), "gateway.handle")
	ctx = ContextWithSpanIDs(ctx, span)
	AddSpanEvent(ctx, "circuitbreaker.state_change", attribute.String("to", "open"))
	span.End()

	assert.Equal(t, span.SpanContext().TraceID().String(), TraceIDFromContext(ctx))
	assert.Equal(t, span.SpanContext().SpanID().String(), SpanIDFromContext(ctx))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "circuitbreaker.state_change", ended[0].Events()[0].Name)
}

func TestExtractTraceContext_NoHeaders(t *testing.T) {
	t.Parallel()

	ctx := ExtractTraceContext(context.Background(), http.Header{})
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())

	header := http.Header{}
	InjectTraceContext(ctx, header)
	assert.Empty(t, header.Get("traceparent"))
}
