package vmm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metrics instruments for VMM operations.
type Metrics struct {
	APIDuration    metric.Float64Histogram
	APIErrorsTotal metric.Int64Counter
	ReadyDuration  metric.Float64Histogram
	Terminations   metric.Int64Counter
}

// NewMetrics creates VMM metrics instruments.
// If meter is nil, returns nil (metrics disabled).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	apiDuration, err := meter.Float64Histogram(
		"fcterm_vmm_api_duration_seconds",
		metric.WithDescription("Firecracker API call duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	apiErrorsTotal, err := meter.Int64Counter(
		"fcterm_vmm_api_errors_total",
		metric.WithDescription("Total number of Firecracker API errors"),
	)
	if err != nil {
		return nil, err
	}

	readyDuration, err := meter.Float64Histogram(
		"fcterm_vmm_ready_duration_seconds",
		metric.WithDescription("Time from spawn until the control socket exists"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	terminations, err := meter.Int64Counter(
		"fcterm_vmm_terminations_total",
		metric.WithDescription("Hypervisor process terminations by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		APIDuration:    apiDuration,
		APIErrorsTotal: apiErrorsTotal,
		ReadyDuration:  readyDuration,
		Terminations:   terminations,
	}, nil
}

// RecordAPICall records the duration and status of an API call.
func (m *Metrics) RecordAPICall(ctx context.Context, operation string, start time.Time, err error) {
	if m == nil {
		return
	}

	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
		m.APIErrorsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("operation", operation)))
	}

	m.APIDuration.Record(ctx, duration,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		))
}

func (m *Metrics) recordReady(ctx context.Context, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ReadyDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

// outcome is one of "exited", "sigterm", "sigkill", "timeout".
func (m *Metrics) recordTermination(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Terminations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
