// Package tracing wraps a windowquota.Store with OpenTelemetry spans.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

const instrumentationName = "github.com/mihaimyh/windowquota"

// Store emits one span per Increment.
type Store struct {
	store   windowquota.Store
	backend string
	tracer  trace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithTracerProvider sets the provider; the global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) {
		s.tracer = tp.Tracer(instrumentationName)
	}
}

// New wraps store. backend is recorded as the quota.backend attribute.
func New(store windowquota.Store, backend string, opts ...Option) *Store {
	s := &Store{
		store:   store,
		backend: backend,
		tracer:  otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Increment implements windowquota.Store.
func (s *Store) Increment(ctx context.Context, req *windowquota.IncrementRequest) (int, error) {
	attrs := []attribute.KeyValue{
		attribute.String("quota.backend", s.backend),
		attribute.String("quota.key", req.Key),
		attribute.Int("quota.delta", req.Delta),
		attribute.Int64("quota.window_ms", req.Window.Milliseconds()),
	}
	if req.Limit != nil {
		attrs = append(attrs, attribute.Int("quota.limit", *req.Limit))
	}

	ctx, span := s.tracer.Start(ctx, "windowquota.Increment",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	usage, err := s.store.Increment(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return usage, err
	}
	span.SetAttributes(attribute.Int("quota.usage", usage))
	return usage, nil
}
