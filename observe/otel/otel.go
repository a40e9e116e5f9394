// Package otel bridges observe events to OpenTelemetry.
//
// Sink turns every event into a span so runs, nodes and approvals show up in
// any OTLP backend. Metrics folds the same events into counters and
// histograms.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/finagent/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/finagent"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Emit converts an event into a span. Events with a duration get a span
// that ends at the event timestamp.
func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()
	// Generation tokens are too chatty for spans.
	if event.Type == observe.TypeGenerationToken {
		return nil
	}

	end := event.Timestamp
	start := end
	if event.DurationMs > 0 {
		start = end.Add(-time.Duration(event.DurationMs) * time.Millisecond)
	}
	_, span := s.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(start))

	attrs := []attribute.KeyValue{
		attribute.String("finagent.event.type", string(event.Type)),
		attribute.String("finagent.event.kind", string(event.Kind())),
	}
	if event.ThreadID != "" {
		attrs = append(attrs, attribute.String("finagent.thread.id", event.ThreadID))
	}
	if event.UserID != "" {
		attrs = append(attrs, attribute.String("finagent.user.id", event.UserID))
	}
	if event.Node != "" {
		attrs = append(attrs, attribute.String("finagent.node", event.Node))
	}
	if event.TraceID != "" {
		attrs = append(attrs, attribute.String("finagent.trace.id", event.TraceID))
	}
	if event.ApprovalID != "" {
		attrs = append(attrs, attribute.String("finagent.approval.id", event.ApprovalID))
	}
	if event.Step > 0 {
		attrs = append(attrs, attribute.Int("finagent.step", event.Step))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("finagent.status", string(event.Status)))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("finagent.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("finagent.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("finagent.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(end))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind() {
	case observe.KindRun:
		return "finagent.run"
	case observe.KindNode:
		if event.Node != "" {
			return "finagent.node." + event.Node
		}
		return "finagent.node"
	case observe.KindGeneration:
		return "finagent.llm.generate"
	case observe.KindCheckpoint:
		return "finagent.checkpoint"
	case observe.KindTrace:
		return "finagent.trace"
	case observe.KindApproval:
		return "finagent.approval"
	default:
		return "finagent." + string(event.Type)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
