package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// endSpy records whether End was called.
type endSpy struct {
	trace.Span
	ended bool
}

func (s *endSpy) End(...trace.SpanEndOption) { s.ended = true }

func TestNilMetricsSpanLeavesParentOpen(t *testing.T) {
	parent := &endSpy{Span: trace.SpanFromContext(context.Background())}
	ctx := trace.ContextWithSpan(context.Background(), parent)

	var m *Metrics
	got, span := m.StartSpan(ctx, "workflow.advance")
	span.End()

	assert.False(t, parent.ended)
	assert.False(t, span.IsRecording())
	assert.Same(t, parent, trace.SpanFromContext(got))
}

func TestNilMetricsRecordsNothing(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordTransition(ctx, "BUDGET_APPROVAL", "entered")
	m.RecordSideEffectFailure(ctx, "hook")
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx, span := m.StartSpan(context.Background(), "workflow.start")
	defer span.End()
	m.RecordTransition(ctx, "BUDGET_APPROVAL", "entered")
	m.RecordSideEffectFailure(ctx, "procedure")
}
