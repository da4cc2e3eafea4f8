package images

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metrics instruments for image builds.
type Metrics struct {
	buildDuration metric.Float64Histogram
	stepDuration  metric.Float64Histogram
	stepFailures  metric.Int64Counter
}

// NewMetrics creates and registers all image build metrics.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	buildDuration, err := meter.Float64Histogram(
		"fcterm_images_build_duration_seconds",
		metric.WithDescription("Time to build a disk image from a recipe"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram(
		"fcterm_images_step_duration_seconds",
		metric.WithDescription("Time spent in each disk image formatting step"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stepFailures, err := meter.Int64Counter(
		"fcterm_images_step_failures_total",
		metric.WithDescription("Total number of failed image build steps"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		buildDuration: buildDuration,
		stepDuration:  stepDuration,
		stepFailures:  stepFailures,
	}, nil
}

func (m *Metrics) recordBuild(ctx context.Context, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	}
	m.buildDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) recordStep(ctx context.Context, step Step, start time.Time, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("step", string(step)))
	m.stepDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		m.stepFailures.Add(ctx, 1, attrs)
	}
}
