package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(pool string) (*PoolTracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewPoolTracer(pool, tp), rec
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestTraceRecordsSuccess(t *testing.T) {
	pt, rec := newRecordingTracer("orders")

	err := pt.Trace(context.Background(), "borrow", func(ctx context.Context, s *Span) error {
		s.SetAttribute("session", "fake-1")
		s.SetAttribute("wait", 3*time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "dbpool.borrow", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "orders", attrs["db.pool.name"].AsString())
	assert.Equal(t, "fake-1", attrs["session"].AsString())
	assert.Equal(t, int64(3), attrs["wait"].AsInt64())
	assert.Equal(t, "success", attrs["status"].AsString())
}

func TestTraceRecordsError(t *testing.T) {
	pt, rec := newRecordingTracer("orders")
	boom := errors.New("validation query failed")

	err := pt.Trace(context.Background(), "validate", func(context.Context, *Span) error { return boom })
	assert.ErrorIs(t, err, boom)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, boom.Error(), spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1, "error is recorded as an event")
}

func TestNestedSpansShareTrace(t *testing.T) {
	pt, rec := newRecordingTracer("orders")

	_ = pt.Trace(context.Background(), "borrow", func(ctx context.Context, _ *Span) error {
		return pt.Trace(ctx, "validate", func(context.Context, *Span) error { return nil })
	})

	spans := rec.Ended()
	require.Len(t, spans, 2)
	child, parent := spans[0], spans[1]
	assert.Equal(t, parent.SpanContext().TraceID(), child.SpanContext().TraceID())
	assert.Equal(t, parent.SpanContext().SpanID(), child.Parent().SpanID())
}

func TestTracerProviderExportsToWriter(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultTracingConfig()
	cfg.Writer = &buf
	cfg.BatchTimeout = time.Millisecond

	tp, err := NewTracerProvider(cfg)
	require.NoError(t, err)

	pt := NewPoolTracer("orders", tp)
	_, span := pt.Start(context.Background(), "sweep")
	span.End(nil)

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "dbpool.sweep")
}

func TestInitInstallsGlobalProvider(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultTracingConfig()
	cfg.Writer = &buf

	shutdown, err := Init(cfg)
	require.NoError(t, err)

	_, span := NewPoolTracer("orders", nil).Start(context.Background(), "borrow")
	span.End(nil)
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "dbpool.borrow")
}
