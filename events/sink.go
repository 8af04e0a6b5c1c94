package events

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/breakwater-io/breakwater/resilience"
)

// Stamp wraps a sink so every event without an ID gets a fresh UUID
// before delivery.
func Stamp(next resilience.EventSink) resilience.EventSink {
	return resilience.EventSinkFunc(func(ctx context.Context, e resilience.Event) {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		next.Emit(ctx, e)
	})
}

// Fanout delivers each event to every sink in order.
func Fanout(sinks ...resilience.EventSink) resilience.EventSink {
	return resilience.EventSinkFunc(func(ctx context.Context, e resilience.Event) {
		for _, s := range sinks {
			s.Emit(ctx, e)
		}
	})
}

// Discard drops every event.
func Discard() resilience.EventSink {
	return resilience.EventSinkFunc(func(context.Context, resilience.Event) {})
}

// SlogSink logs events as structured records.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink creates a sink logging to l, or slog.Default when nil.
func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{log: l}
}

// Emit logs one event. Circuit transitions log at warn when the
// circuit opens, info otherwise; denials and timeouts log at warn.
func (s *SlogSink) Emit(ctx context.Context, e resilience.Event) {
	attrs := []any{
		"target", e.Target,
	}
	if e.ID != "" {
		attrs = append(attrs, "event_id", e.ID)
	}

	switch e.Type {
	case resilience.EventCircuitStateChanged:
		attrs = append(attrs, "from", e.From, "to", e.To, "failures", e.Failures)
		if e.To == resilience.StateOpen.String() {
			s.log.WarnContext(ctx, "circuit opened", attrs...)
			return
		}
		s.log.InfoContext(ctx, "circuit state changed", attrs...)
	case resilience.EventRetryAttempted:
		attrs = append(attrs, "attempt", e.Attempt, "delay", e.Delay, "error", e.Error)
		s.log.InfoContext(ctx, "retrying operation", attrs...)
	case resilience.EventRateLimitDenied:
		attrs = append(attrs, "key", e.Key, "retry_after", e.RetryAfter)
		s.log.WarnContext(ctx, "rate limit denied", attrs...)
	case resilience.EventBulkheadRejected:
		attrs = append(attrs, "partition", e.Partition)
		s.log.WarnContext(ctx, "bulkhead rejected", attrs...)
	case resilience.EventOperationTimeout:
		attrs = append(attrs, "key", e.Key)
		s.log.WarnContext(ctx, "operation timed out", attrs...)
	default:
		s.log.InfoContext(ctx, string(e.Type), attrs...)
	}
}
