package resilience

import (
	"context"
	"time"
)

// EventType identifies the kind of resilience event.
type EventType string

const (
	// EventCircuitStateChanged is emitted once per breaker transition.
	EventCircuitStateChanged EventType = "circuit_state_changed"

	// EventRetryAttempted is emitted before each retry sleep.
	EventRetryAttempted EventType = "retry_attempted"

	// EventRateLimitDenied is emitted when a rate limiter denies a call.
	EventRateLimitDenied EventType = "rate_limit_denied"

	// EventBulkheadRejected is emitted when a bulkhead rejects a call.
	EventBulkheadRejected EventType = "bulkhead_rejected"

	// EventOperationTimeout is emitted when a protected operation times
	// out.
	EventOperationTimeout EventType = "operation_timeout"
)

// Event is the single observable side effect the patterns expose to
// collaborators. Fields beyond ID, Type, Target and Timestamp are set
// per type.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Type      EventType `json:"type"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`

	// Circuit transition fields.
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Failures  int    `json:"failures,omitempty"`
	Successes int    `json:"successes,omitempty"`

	// Retry fields.
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	Error   string        `json:"error,omitempty"`

	// Admission fields.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Key        string        `json:"key,omitempty"`
	Partition  string        `json:"partition,omitempty"`
}

// EventSink receives resilience events. Delivery is fire-and-forget: a
// slow or failing sink must not affect the protected caller, so
// implementations should never block and must not panic.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ctx context.Context, e Event)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }
