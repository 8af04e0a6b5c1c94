package events

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/breakwater-io/breakwater/resilience"
)

// OtelSink counts resilience events as OpenTelemetry metrics.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Errors: never panics; recording failures are silent.
type OtelSink struct {
	transitions metric.Int64Counter
	retries     metric.Int64Counter
	denials     metric.Int64Counter
	rejections  metric.Int64Counter
	timeouts    metric.Int64Counter
}

// NewOtelSink creates a sink recording on the given meter.
func NewOtelSink(meter metric.Meter) (*OtelSink, error) {
	transitions, err := meter.Int64Counter(
		"resilience.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"resilience.retry.attempts",
		metric.WithDescription("Retry attempts after a failed call"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	denials, err := meter.Int64Counter(
		"resilience.ratelimit.denials",
		metric.WithDescription("Calls denied by a rate limiter"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter(
		"resilience.bulkhead.rejections",
		metric.WithDescription("Calls rejected by a bulkhead"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	timeouts, err := meter.Int64Counter(
		"resilience.operation.timeouts",
		metric.WithDescription("Protected operations that timed out"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	return &OtelSink{
		transitions: transitions,
		retries:     retries,
		denials:     denials,
		rejections:  rejections,
		timeouts:    timeouts,
	}, nil
}

// Emit records the event on the matching counter.
func (s *OtelSink) Emit(ctx context.Context, e resilience.Event) {
	target := attribute.String("target", e.Target)

	switch e.Type {
	case resilience.EventCircuitStateChanged:
		s.transitions.Add(ctx, 1, metric.WithAttributes(
			target,
			attribute.String("from", e.From),
			attribute.String("to", e.To),
		))
	case resilience.EventRetryAttempted:
		s.retries.Add(ctx, 1, metric.WithAttributes(target))
	case resilience.EventRateLimitDenied:
		s.denials.Add(ctx, 1, metric.WithAttributes(target))
	case resilience.EventBulkheadRejected:
		s.rejections.Add(ctx, 1, metric.WithAttributes(target))
	case resilience.EventOperationTimeout:
		s.timeouts.Add(ctx, 1, metric.WithAttributes(target))
	}
}
