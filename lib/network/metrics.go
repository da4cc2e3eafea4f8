package network

import (
	"context"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metrics instruments for host network provisioning.
type Metrics struct {
	changes  metric.Int64Counter
	failures metric.Int64Counter
}

// NewMetrics creates and registers all network metrics.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	changes, err := meter.Int64Counter(
		"fcterm_network_changes_total",
		metric.WithDescription("Host network changes applied by provisioning"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"fcterm_network_failures_total",
		metric.WithDescription("Failed provisioning or teardown operations"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{changes: changes, failures: failures}, nil
}

func (m *Metrics) recordReport(ctx context.Context, r *Report) {
	if m == nil {
		return
	}
	add := func(kind string, n int) {
		if n > 0 {
			m.changes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
		}
	}
	add("device", lo.Ternary(r.DeviceCreated, 1, 0))
	add("address", lo.Ternary(r.AddressAdded, 1, 0))
	add("link_up", lo.Ternary(r.LinkSetUp, 1, 0))
	add("forwarding", lo.Ternary(r.ForwardingEnabled, 1, 0))
	add("rule_added", len(r.RulesAdded))
	add("rule_removed", len(r.RulesRemoved))
}

func (m *Metrics) recordFailure(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}
