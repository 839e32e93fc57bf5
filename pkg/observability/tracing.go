// Package observability provides OpenTelemetry tracing for dbpool. Pools
// wrap borrow, validation and abandonment sweeps in spans so slow borrows
// can be attributed to waiting, connecting or validating.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer.
const InstrumentationName = "github.com/ajitpratap0/dbpool"

// Span wraps a trace span and batches its attributes until End.
type Span struct {
	span       trace.Span
	startTime  time.Time
	attributes []attribute.KeyValue
}

// SetAttribute adds an attribute to the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	case time.Duration:
		attr = attribute.Int64(key, v.Milliseconds())
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// End records err (if any) and ends the span.
func (s *Span) End(err error) {
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	s.span.SetAttributes(
		attribute.Int64("duration_ms", time.Since(s.startTime).Milliseconds()),
		attribute.String("status", getStatus(err)),
	)
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// PoolTracer starts spans labelled with a pool name.
type PoolTracer struct {
	pool   string
	tracer trace.Tracer
}

// NewPoolTracer creates a tracer for pool. A nil provider uses the global one.
func NewPoolTracer(pool string, tp trace.TracerProvider) *PoolTracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &PoolTracer{
		pool:   pool,
		tracer: tp.Tracer(InstrumentationName),
	}
}

// Start begins a span named "dbpool.<operation>".
func (pt *PoolTracer) Start(ctx context.Context, operation string) (context.Context, *Span) {
	ctx, span := pt.tracer.Start(ctx, "dbpool."+operation,
		trace.WithAttributes(
			attribute.String("db.pool.name", pt.pool),
			attribute.String("db.pool.operation", operation),
		))
	return ctx, &Span{span: span, startTime: time.Now()}
}

// Trace runs fn inside a span and ends it with fn's error.
func (pt *PoolTracer) Trace(ctx context.Context, operation string, fn func(context.Context, *Span) error) error {
	ctx, span := pt.Start(ctx, operation)
	err := fn(ctx, span)
	span.End(err)
	return err
}

// getStatus returns the status label for err.
func getStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
