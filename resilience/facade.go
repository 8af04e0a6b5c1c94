package resilience

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/breakwater-io/breakwater/health"
)

// Operation is a protected call.
type Operation func(context.Context) error

// HealthReporter receives per-target health derived from breaker state.
// *health.Aggregator satisfies it.
type HealthReporter interface {
	SetStatus(target string, status health.Status, message string)
}

// FacadeOption configures a Facade.
type FacadeOption func(*Facade)

// WithEventSink sets the sink receiving all resilience events.
func WithEventSink(sink EventSink) FacadeOption {
	return func(f *Facade) { f.sink = sink }
}

// WithFacadeStateStore mirrors breaker records to an external store.
func WithFacadeStateStore(s StateStore) FacadeOption {
	return func(f *Facade) { f.store = s }
}

// WithFacadeClock sets the clock for every pattern the facade builds.
func WithFacadeClock(c Clock) FacadeOption {
	return func(f *Facade) { f.clock = c }
}

// WithFacadeJitter sets the jitter source for retry backoff.
func WithFacadeJitter(fn JitterFunc) FacadeOption {
	return func(f *Facade) { f.jitter = fn }
}

// WithHealthReporter feeds breaker transitions into a health view:
// open maps to unhealthy, half-open to degraded, closed to healthy.
func WithHealthReporter(h HealthReporter) FacadeOption {
	return func(f *Facade) { f.health = h }
}

// WithTracer records one span per protected call.
func WithTracer(t trace.Tracer) FacadeOption {
	return func(f *Facade) { f.tracer = t }
}

// Facade composes the four patterns into a single execution entry
// point per named policy. The order for a protected call is bulkhead
// outermost, circuit-breaker-gated retry next, and the rate-limit check
// innermost immediately before the user operation, so queued callers do
// not hold circuit or rate-limit slots and admission control happens
// before expensive work.
type Facade struct {
	clock  Clock
	jitter JitterFunc
	sink   EventSink
	store  StateStore
	health HealthReporter
	tracer trace.Tracer

	mu       sync.RWMutex
	runtimes map[string]*policyRuntime
}

// policyRuntime holds the components built for one policy. It is
// immutable after construction and swapped wholesale on reload.
type policyRuntime struct {
	policy   *ResiliencePolicy
	breaker  *CircuitBreaker
	retry    *Retry
	limiter  Limiter
	bulkhead *Bulkhead
	timeouts *TimeoutManager
}

// NewFacade creates an empty facade. Policies are added with
// RegisterPolicy.
func NewFacade(opts ...FacadeOption) *Facade {
	f := &Facade{
		clock:    SystemClock(),
		runtimes: make(map[string]*policyRuntime),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.tracer == nil {
		f.tracer = noop.NewTracerProvider().Tracer("resilience")
	}
	return f
}

// RegisterPolicy validates the policy, builds its pattern components,
// and installs them, replacing any previous runtime for the same name
// wholesale so callers never observe a mix of old and new settings.
func (f *Facade) RegisterPolicy(p *ResiliencePolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	rt, err := f.buildRuntime(p)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.runtimes[p.Name] = rt
	f.mu.Unlock()
	return nil
}

// UnregisterPolicy removes a policy. Calls in flight complete against
// the runtime they started with.
func (f *Facade) UnregisterPolicy(name string) {
	f.mu.Lock()
	delete(f.runtimes, name)
	f.mu.Unlock()
}

// Policy returns the registered policy by name.
func (f *Facade) Policy(name string) (*ResiliencePolicy, bool) {
	rt, ok := f.runtime(name)
	if !ok {
		return nil, false
	}
	return rt.policy, true
}

func (f *Facade) buildRuntime(p *ResiliencePolicy) (*policyRuntime, error) {
	rt := &policyRuntime{policy: p}

	if p.CircuitBreaker != nil {
		opts := []CircuitBreakerOption{
			WithBreakerClock(f.clock),
			WithFailureClassifier(func(err error) bool {
				return err != nil && !IsAdmissionError(err)
			}),
			WithStateChangeHook(f.onStateChange),
		}
		if f.store != nil {
			opts = append(opts, WithStateStore(f.store))
		}
		cb, err := NewCircuitBreaker(p.Name, *p.CircuitBreaker, opts...)
		if err != nil {
			return nil, err
		}
		rt.breaker = cb
	}

	if p.Retry != nil {
		opts := []RetryOption{
			WithRetryClock(f.clock),
			WithRetryHook(func(a RetryAttempt) {
				f.emit(context.Background(), Event{
					Type:      EventRetryAttempted,
					Target:    p.Name,
					Timestamp: f.clock.Now(),
					Attempt:   a.Attempt,
					Delay:     a.Delay,
					Error:     a.Err.Error(),
				})
			}),
		}
		if f.jitter != nil {
			opts = append(opts, WithJitterSource(f.jitter))
		}
		if rt.breaker != nil {
			opts = append(opts, WithBreaker(rt.breaker))
		}
		r, err := NewRetry(p.Name, *p.Retry, opts...)
		if err != nil {
			return nil, err
		}
		rt.retry = r
	}

	if p.RateLimit != nil {
		l, err := NewLimiter(p.Name, *p.RateLimit, WithLimiterClock(f.clock))
		if err != nil {
			return nil, err
		}
		rt.limiter = l
	}

	if p.Bulkhead != nil {
		b, err := NewBulkhead(p.Name, *p.Bulkhead,
			WithBulkheadClock(f.clock),
			WithRejectionHook(func(partition string, m BulkheadMetrics) {
				f.emit(context.Background(), Event{
					Type:      EventBulkheadRejected,
					Target:    p.Name,
					Timestamp: f.clock.Now(),
					Partition: partition,
				})
			}),
		)
		if err != nil {
			return nil, err
		}
		rt.bulkhead = b
	}

	if p.Timeout != nil {
		tm, err := NewTimeoutManager(p.Name, *p.Timeout)
		if err != nil {
			return nil, err
		}
		rt.timeouts = tm
	}

	return rt, nil
}

func (f *Facade) runtime(name string) (*policyRuntime, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rt, ok := f.runtimes[name]
	return rt, ok
}

// Execute runs the operation under the named policy, using the policy
// name as both the bulkhead partition and the rate-limit key.
func (f *Facade) Execute(ctx context.Context, policy string, op Operation) error {
	return f.ExecuteWithKey(ctx, policy, policy, op)
}

// ExecuteWithKey runs the operation under the named policy with an
// explicit rate-limit key, so callers sharing a policy can be limited
// independently.
func (f *Facade) ExecuteWithKey(ctx context.Context, policy, key string, op Operation) error {
	rt, ok := f.runtime(policy)
	if !ok {
		return &Error{Kind: KindInvalidPolicy, Target: policy, Message: "policy is not registered"}
	}

	ctx, span := f.tracer.Start(ctx, "resilience.execute",
		trace.WithAttributes(
			attribute.String("resilience.policy", policy),
			attribute.String("resilience.key", key),
		))
	defer span.End()

	err := f.execute(ctx, rt, key, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kindOf(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func (f *Facade) execute(ctx context.Context, rt *policyRuntime, key string, op Operation) error {
	// Admission control before expensive work: the rate-limit check sits
	// immediately before the user operation on every attempt.
	inner := func(ctx context.Context) error {
		if rt.limiter != nil {
			d, err := rt.limiter.Allow(ctx, key)
			if err != nil {
				return err
			}
			if !d.Allowed {
				f.emit(ctx, Event{
					Type:       EventRateLimitDenied,
					Target:     rt.policy.Name,
					Timestamp:  f.clock.Now(),
					Key:        key,
					RetryAfter: d.RetryAfter,
				})
				return newRateLimitError(rt.policy.Name, d.RetryAfter)
			}
		}

		var err error
		if rt.timeouts != nil {
			err = rt.timeouts.Execute(ctx, key, op)
		} else {
			err = op(ctx)
		}
		if err != nil && IsTimeout(err) {
			f.emit(ctx, Event{
				Type:      EventOperationTimeout,
				Target:    rt.policy.Name,
				Timestamp: f.clock.Now(),
				Key:       key,
			})
		}
		return err
	}

	guarded := func(ctx context.Context) error {
		switch {
		case rt.retry != nil:
			// The retry executor consults the breaker before every
			// attempt when one is attached.
			return rt.retry.Execute(ctx, inner)
		case rt.breaker != nil:
			return rt.breaker.Execute(ctx, inner)
		default:
			return inner(ctx)
		}
	}

	if rt.bulkhead != nil {
		return rt.bulkhead.Execute(ctx, guarded)
	}
	return guarded(ctx)
}

func (f *Facade) onStateChange(c StateChange) {
	f.emit(context.Background(), Event{
		Type:      EventCircuitStateChanged,
		Target:    c.Target,
		Timestamp: c.At,
		From:      c.From.String(),
		To:        c.To.String(),
		Failures:  c.Failures,
		Successes: c.Successes,
	})

	if f.health != nil {
		switch c.To {
		case StateOpen:
			f.health.SetStatus(c.Target, health.StatusUnhealthy, "circuit breaker open")
		case StateHalfOpen:
			f.health.SetStatus(c.Target, health.StatusDegraded, "circuit breaker probing")
		case StateClosed:
			f.health.SetStatus(c.Target, health.StatusHealthy, "circuit breaker closed")
		}
	}
}

func (f *Facade) emit(ctx context.Context, e Event) {
	if f.sink == nil {
		return
	}
	f.sink.Emit(ctx, e)
}

// BreakerSnapshot returns the breaker record for a policy, if that
// policy has a breaker.
func (f *Facade) BreakerSnapshot(policy string) (CircuitSnapshot, bool) {
	rt, ok := f.runtime(policy)
	if !ok || rt.breaker == nil {
		return CircuitSnapshot{}, false
	}
	return rt.breaker.Snapshot(), true
}

// BulkheadMetrics returns the bulkhead utilization for a policy, if
// that policy has a bulkhead.
func (f *Facade) BulkheadMetrics(policy string) (BulkheadMetrics, bool) {
	rt, ok := f.runtime(policy)
	if !ok || rt.bulkhead == nil {
		return BulkheadMetrics{}, false
	}
	return rt.bulkhead.Metrics(), true
}

// ResetBreaker administratively forces a policy's breaker closed.
func (f *Facade) ResetBreaker(policy string) bool {
	rt, ok := f.runtime(policy)
	if !ok || rt.breaker == nil {
		return false
	}
	rt.breaker.Reset()
	return true
}
