// Package resilience implements the protection patterns that guard calls
// to downstream services against cascading failure.
//
// Four patterns are provided, each usable on its own and composable
// through the Facade:
//
//   - Circuit Breaker: a per-target state machine (closed/open/half-open)
//     that stops calling a failing service after a threshold of
//     consecutive failures and probes it for recovery after a timeout.
//
//   - Retry: bounded retries with exponential backoff and jitter. When a
//     breaker guards the target, the retry executor consults it before
//     every attempt and stops immediately on denial.
//
//   - Rate Limiter: per-key admission control, implemented as a token
//     bucket, a sliding window, or a fixed window behind one contract.
//
//   - Bulkhead: bounded-concurrency isolation per partition with a
//     strict-FIFO overflow queue.
//
// # Composition
//
// The Facade composes the patterns per named policy. The canonical order
// for a protected call is bulkhead outermost (queued callers do not hold
// circuit or rate-limit slots), circuit-breaker-gated retry next, and
// the rate-limit check innermost, just before the user operation:
//
//	f := resilience.NewFacade(resilience.WithEventSink(sink))
//	err := f.RegisterPolicy(&resilience.ResiliencePolicy{
//	    Name: "payments",
//	    CircuitBreaker: &resilience.CircuitBreakerConfig{
//	        FailureThreshold:  3,
//	        SuccessThreshold:  2,
//	        OpenTimeout:       30 * time.Second,
//	        HalfOpenMaxProbes: 2,
//	    },
//	    Retry: &resilience.RetryConfig{
//	        MaxAttempts:  3,
//	        InitialDelay: 100 * time.Millisecond,
//	        MaxDelay:     5 * time.Second,
//	        Multiplier:   2.0,
//	    },
//	})
//	if err != nil {
//	    // the policy failed validation
//	}
//
//	err = f.Execute(ctx, "payments", func(ctx context.Context) error {
//	    return callPaymentService(ctx)
//	})
//
// Every error returned by the patterns belongs to exactly one Kind
// (circuit_open, rate_limited, bulkhead_full, retry_exhausted, timeout,
// invalid_policy) so callers can map outcomes deterministically.
//
// All components are safe for concurrent use. Per-target, per-key, and
// per-partition state is the unit of mutual exclusion: operations on
// unrelated targets never block each other.
package resilience
