package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/PipeOpsHQ/finagent/observe"
)

// Metrics implements observe.Sink by recording counters and histograms.
type Metrics struct {
	nodeExecutions metric.Int64Counter
	nodeLatency    metric.Float64Histogram
	nodeErrors     metric.Int64Counter
	runs           metric.Int64Counter
	suspensions    metric.Int64Counter
	guardrailTrips metric.Int64Counter
	approvals      metric.Int64Counter
	checkpoints    metric.Int64Counter
}

// NewMetrics creates the instruments on mp. A nil provider records nothing.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var m Metrics
	var err error
	if m.nodeExecutions, err = meter.Int64Counter("finagent.node.executions",
		metric.WithDescription("Number of node executions")); err != nil {
		return nil, fmt.Errorf("node executions counter: %w", err)
	}
	if m.nodeLatency, err = meter.Float64Histogram("finagent.node.latency_ms",
		metric.WithDescription("Node execution latency in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("node latency histogram: %w", err)
	}
	if m.nodeErrors, err = meter.Int64Counter("finagent.node.errors",
		metric.WithDescription("Number of failed node executions")); err != nil {
		return nil, fmt.Errorf("node errors counter: %w", err)
	}
	if m.runs, err = meter.Int64Counter("finagent.runs",
		metric.WithDescription("Number of finished runs by outcome")); err != nil {
		return nil, fmt.Errorf("runs counter: %w", err)
	}
	if m.suspensions, err = meter.Int64Counter("finagent.runs.suspended",
		metric.WithDescription("Number of runs suspended for approval")); err != nil {
		return nil, fmt.Errorf("suspensions counter: %w", err)
	}
	if m.guardrailTrips, err = meter.Int64Counter("finagent.guardrail.trips",
		metric.WithDescription("Number of runs stopped by the iteration ceiling")); err != nil {
		return nil, fmt.Errorf("guardrail counter: %w", err)
	}
	if m.approvals, err = meter.Int64Counter("finagent.approvals",
		metric.WithDescription("Approval requests and decisions")); err != nil {
		return nil, fmt.Errorf("approvals counter: %w", err)
	}
	if m.checkpoints, err = meter.Int64Counter("finagent.checkpoints",
		metric.WithDescription("Number of checkpoints saved")); err != nil {
		return nil, fmt.Errorf("checkpoints counter: %w", err)
	}
	return &m, nil
}

func (m *Metrics) Emit(ctx context.Context, event observe.Event) error {
	switch event.Type {
	case observe.TypeNodeComplete:
		node := attribute.String("node", event.Node)
		status := attribute.String("status", string(event.Status))
		m.nodeExecutions.Add(ctx, 1, metric.WithAttributes(node, status))
		m.nodeLatency.Record(ctx, float64(event.DurationMs), metric.WithAttributes(node))
		if event.Status == observe.StatusFailed {
			m.nodeErrors.Add(ctx, 1, metric.WithAttributes(node))
		}
	case observe.TypeRunCompleted:
		m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
	case observe.TypeRunFailed:
		m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		if category, _ := event.Attributes["category"].(string); category == "guardrail" {
			m.guardrailTrips.Add(ctx, 1)
		}
	case observe.TypeRunSuspended:
		m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "suspended")))
		m.suspensions.Add(ctx, 1, metric.WithAttributes(attribute.String("node", event.Node)))
	case observe.TypeCheckpointSaved:
		m.checkpoints.Add(ctx, 1)
	case observe.TypeApprovalRequested, observe.TypeApprovalApproved,
		observe.TypeApprovalRejected, observe.TypeApprovalExpired:
		m.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(event.Type))))
	}
	return nil
}
