package instances

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Metrics holds the metrics instruments for instance operations.
type Metrics struct {
	spawnDuration     metric.Float64Histogram
	configureDuration metric.Float64Histogram
	terminateDuration metric.Float64Histogram
	stateTransitions  metric.Int64Counter
	tracer            trace.Tracer
}

// NewMetrics creates and registers all instance metrics. tracer may be nil.
func NewMetrics(meter metric.Meter, tracer trace.Tracer) (*Metrics, error) {
	spawnDuration, err := meter.Float64Histogram(
		"fcterm_instances_spawn_duration_seconds",
		metric.WithDescription("Time to spawn a hypervisor and wait for its socket"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	configureDuration, err := meter.Float64Histogram(
		"fcterm_instances_configure_duration_seconds",
		metric.WithDescription("Time to configure an instance"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	terminateDuration, err := meter.Float64Histogram(
		"fcterm_instances_terminate_duration_seconds",
		metric.WithDescription("Time to terminate an instance"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stateTransitions, err := meter.Int64Counter(
		"fcterm_instances_state_transitions_total",
		metric.WithDescription("Total number of instance state transitions"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		spawnDuration:     spawnDuration,
		configureDuration: configureDuration,
		terminateDuration: terminateDuration,
		stateTransitions:  stateTransitions,
		tracer:            tracer,
	}, nil
}

var noopTracer = noop.NewTracerProvider().Tracer("instances")

func (m *Metrics) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return noopTracer.Start(ctx, name)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (m *Metrics) recordDuration(ctx context.Context, histogram func(*Metrics) metric.Float64Histogram, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	histogram(m).Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

func spawnHist(m *Metrics) metric.Float64Histogram     { return m.spawnDuration }
func configureHist(m *Metrics) metric.Float64Histogram { return m.configureDuration }
func terminateHist(m *Metrics) metric.Float64Histogram { return m.terminateDuration }

// recordStateTransition records a state transition.
func (m *Metrics) recordStateTransition(ctx context.Context, fromState, toState State) {
	if m == nil {
		return
	}
	m.stateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", string(fromState)),
			attribute.String("to", string(toState)),
		))
}
