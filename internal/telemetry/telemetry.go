// Package telemetry owns the OpenTelemetry instruments of the workflow service.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the meter and tracer name used by the engine.
const InstrumentationName = "schoolerp/workflow"

// Metrics records workflow counters. A nil *Metrics records nothing.
type Metrics struct {
	transitions metric.Int64Counter
	failures    metric.Int64Counter
	tracer      trace.Tracer
}

// NewMetrics creates the instruments on the provider. A nil provider means
// the global one.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)

	transitions, err := meter.Int64Counter("workflow.transitions",
		metric.WithDescription("Workflow history entries written, by action taken"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("workflow.side_effect.failures",
		metric.WithDescription("Stage side effects that failed and were skipped"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		transitions: transitions,
		failures:    failures,
		tracer:      otel.Tracer(InstrumentationName),
	}, nil
}

// RecordTransition counts one history entry.
func (m *Metrics) RecordTransition(ctx context.Context, workflow, actionTaken string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("action_taken", actionTaken),
	))
}

// RecordSideEffectFailure counts one failed procedure or notification.
func (m *Metrics) RecordSideEffectFailure(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// StartSpan starts a span for an engine operation. When m is nil it returns
// ctx unchanged with a non-recording span, so ending it leaves the caller's
// span alone.
func (m *Metrics) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
