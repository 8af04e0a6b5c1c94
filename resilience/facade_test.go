package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/breakwater-io/breakwater/health"
)

// recordingSink collects events synchronously.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) byType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// recordingHealth captures SetStatus calls.
type recordingHealth struct {
	mu      sync.Mutex
	updates []struct {
		target  string
		status  health.Status
		message string
	}
}

func (h *recordingHealth) SetStatus(target string, status health.Status, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, struct {
		target  string
		status  health.Status
		message string
	}{target, status, message})
}

func TestFacadeRejectsInvalidPolicy(t *testing.T) {
	f := NewFacade()
	err := f.RegisterPolicy(&ResiliencePolicy{
		Name:  "bad",
		Retry: &RetryConfig{MaxAttempts: 0},
	})
	if !IsInvalidPolicy(err) {
		t.Fatalf("RegisterPolicy = %v, want invalid_policy", err)
	}
	if _, ok := f.Policy("bad"); ok {
		t.Fatal("invalid policy was installed")
	}
}

func TestFacadeUnknownPolicy(t *testing.T) {
	f := NewFacade()
	err := f.Execute(context.Background(), "missing", succeed)
	if !IsInvalidPolicy(err) {
		t.Fatalf("Execute = %v, want invalid_policy", err)
	}
}

func TestFacadePassthroughPolicy(t *testing.T) {
	f := NewFacade()
	if err := f.RegisterPolicy(&ResiliencePolicy{Name: "plain"}); err != nil {
		t.Fatal(err)
	}

	// No sections configured: the operation runs directly.
	if err := f.Execute(context.Background(), "plain", succeed); err != nil {
		t.Fatal(err)
	}
	if err := f.Execute(context.Background(), "plain", fail); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v", err)
	}
}

func TestFacadeCircuitLifecycle(t *testing.T) {
	clock := testClock()
	sink := &recordingSink{}
	hr := &recordingHealth{}
	f := NewFacade(
		WithFacadeClock(clock),
		WithEventSink(sink),
		WithHealthReporter(hr),
	)

	err := f.RegisterPolicy(&ResiliencePolicy{
		Name: "payments",
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold:  3,
			SuccessThreshold:  1,
			OpenTimeout:       10 * time.Second,
			HalfOpenMaxProbes: 1,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Three consecutive failures open the circuit.
	for i := 0; i < 3; i++ {
		if err := f.Execute(ctx, "payments", fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	// The fourth call is rejected without invoking the operation.
	invoked := false
	err = f.Execute(ctx, "payments", func(context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Fatal("operation invoked while circuit open")
	}
	if !IsCircuitOpen(err) {
		t.Fatalf("err = %v, want circuit_open", err)
	}

	// After the open timeout a probe is admitted and closes the circuit.
	clock.Advance(10 * time.Second)
	if err := f.Execute(ctx, "payments", succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	snap, ok := f.BreakerSnapshot("payments")
	if !ok || snap.State != StateClosed {
		t.Fatalf("snapshot = %+v, %v", snap, ok)
	}

	changes := sink.byType(EventCircuitStateChanged)
	if len(changes) != 3 {
		t.Fatalf("got %d transition events, want 3", len(changes))
	}
	if changes[0].From != "closed" || changes[0].To != "open" {
		t.Errorf("first transition %s -> %s", changes[0].From, changes[0].To)
	}

	hr.mu.Lock()
	defer hr.mu.Unlock()
	if len(hr.updates) != 3 {
		t.Fatalf("got %d health updates, want 3", len(hr.updates))
	}
	wantStatuses := []health.Status{health.StatusUnhealthy, health.StatusDegraded, health.StatusHealthy}
	for i, want := range wantStatuses {
		if hr.updates[i].target != "payments" || hr.updates[i].status != want {
			t.Errorf("update %d = %+v, want status %v", i, hr.updates[i], want)
		}
	}
}

func TestFacadeRetryWithBreaker(t *testing.T) {
	sink := &recordingSink{}
	f := NewFacade(WithEventSink(sink), WithFacadeJitter(func() float64 { return 0 }))

	err := f.RegisterPolicy(&ResiliencePolicy{
		Name: "search",
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold:  10,
			SuccessThreshold:  1,
			OpenTimeout:       time.Minute,
			HalfOpenMaxProbes: 1,
		},
		Retry: &RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	got := f.Execute(context.Background(), "search", func(context.Context) error {
		calls++
		if calls < 3 {
			return MarkRetryable(errBoom)
		}
		return nil
	})
	if got != nil {
		t.Fatalf("Execute: %v", got)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	retries := sink.byType(EventRetryAttempted)
	if len(retries) != 2 {
		t.Fatalf("got %d retry events, want 2", len(retries))
	}
	if retries[0].Target != "search" || retries[0].Error == "" {
		t.Errorf("retry event = %+v", retries[0])
	}
}

func TestFacadeRateLimit(t *testing.T) {
	sink := &recordingSink{}
	f := NewFacade(WithEventSink(sink))

	err := f.RegisterPolicy(&ResiliencePolicy{
		Name: "api",
		RateLimit: &RateLimitConfig{
			Algorithm:  AlgorithmTokenBucket,
			Limit:      2,
			RefillRate: 0.001,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.ExecuteWithKey(ctx, "api", "tenant-1", succeed); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	invoked := false
	got := f.ExecuteWithKey(ctx, "api", "tenant-1", func(context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Fatal("operation invoked after rate limit denial")
	}
	if !IsRateLimited(got) {
		t.Fatalf("err = %v, want rate_limited", got)
	}

	// Keys are independent.
	if err := f.ExecuteWithKey(ctx, "api", "tenant-2", succeed); err != nil {
		t.Fatalf("tenant-2: %v", err)
	}

	denials := sink.byType(EventRateLimitDenied)
	if len(denials) != 1 {
		t.Fatalf("got %d denial events, want 1", len(denials))
	}
	if denials[0].Key != "tenant-1" || denials[0].RetryAfter <= 0 {
		t.Errorf("denial event = %+v", denials[0])
	}
}

func TestFacadeBulkhead(t *testing.T) {
	sink := &recordingSink{}
	f := NewFacade(WithEventSink(sink))

	err := f.RegisterPolicy(&ResiliencePolicy{
		Name:     "reports",
		Bulkhead: &BulkheadConfig{MaxConcurrent: 1, MaxQueue: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.Execute(ctx, "reports", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	got := f.Execute(ctx, "reports", succeed)
	if !IsBulkheadFull(got) {
		t.Fatalf("err = %v, want bulkhead_full", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	m, ok := f.BulkheadMetrics("reports")
	if !ok || m.Active != 0 || m.Rejected != 1 {
		t.Errorf("metrics = %+v, %v", m, ok)
	}
	if len(sink.byType(EventBulkheadRejected)) != 1 {
		t.Error("no bulkhead rejection event")
	}
}

func TestFacadeTimeout(t *testing.T) {
	sink := &recordingSink{}
	f := NewFacade(WithEventSink(sink))

	err := f.RegisterPolicy(&ResiliencePolicy{
		Name:    "slow",
		Timeout: &TimeoutConfig{Default: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := f.Execute(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !IsTimeout(got) {
		t.Fatalf("err = %v, want timeout", got)
	}
	if len(sink.byType(EventOperationTimeout)) != 1 {
		t.Error("no timeout event")
	}
}

func TestFacadeAdmissionErrorsDoNotOpenBreaker(t *testing.T) {
	f := NewFacade()

	err := f.RegisterPolicy(&ResiliencePolicy{
		Name: "api",
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold:  2,
			SuccessThreshold:  1,
			OpenTimeout:       time.Minute,
			HalfOpenMaxProbes: 1,
		},
		RateLimit: &RateLimitConfig{
			Algorithm:  AlgorithmTokenBucket,
			Limit:      1,
			RefillRate: 0.001,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := f.Execute(ctx, "api", succeed); err != nil {
		t.Fatal(err)
	}
	// Repeated rate-limit denials must never trip the breaker.
	for i := 0; i < 10; i++ {
		if err := f.Execute(ctx, "api", succeed); !IsRateLimited(err) {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	snap, ok := f.BreakerSnapshot("api")
	if !ok || snap.State != StateClosed || snap.Failures != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestFacadeReplacePolicyWholesale(t *testing.T) {
	f := NewFacade()
	ctx := context.Background()

	err := f.RegisterPolicy(&ResiliencePolicy{
		Name:      "api",
		RateLimit: &RateLimitConfig{Limit: 1, RefillRate: 0.001},
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = f.Execute(ctx, "api", succeed)
	if err := f.Execute(ctx, "api", succeed); !IsRateLimited(err) {
		t.Fatalf("setup: %v", err)
	}

	// Re-registering swaps the runtime; fresh limiter state applies.
	err = f.RegisterPolicy(&ResiliencePolicy{
		Name:      "api",
		Version:   2,
		RateLimit: &RateLimitConfig{Limit: 100, RefillRate: 100},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Execute(ctx, "api", succeed); err != nil {
		t.Fatalf("after reload: %v", err)
	}

	p, ok := f.Policy("api")
	if !ok || p.Version != 2 {
		t.Errorf("Policy = %+v, %v", p, ok)
	}
}

func TestFacadeUnregisterPolicy(t *testing.T) {
	f := NewFacade()
	if err := f.RegisterPolicy(&ResiliencePolicy{Name: "gone"}); err != nil {
		t.Fatal(err)
	}
	f.UnregisterPolicy("gone")
	if err := f.Execute(context.Background(), "gone", succeed); !IsInvalidPolicy(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestFacadeResetBreaker(t *testing.T) {
	f := NewFacade()
	err := f.RegisterPolicy(&ResiliencePolicy{
		Name: "payments",
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold:  1,
			SuccessThreshold:  1,
			OpenTimeout:       time.Hour,
			HalfOpenMaxProbes: 1,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	_ = f.Execute(ctx, "payments", fail)
	if err := f.Execute(ctx, "payments", succeed); !IsCircuitOpen(err) {
		t.Fatalf("setup: %v", err)
	}

	if !f.ResetBreaker("payments") {
		t.Fatal("ResetBreaker returned false")
	}
	if err := f.Execute(ctx, "payments", succeed); err != nil {
		t.Fatalf("after reset: %v", err)
	}

	if f.ResetBreaker("missing") {
		t.Error("ResetBreaker(missing) returned true")
	}
}

func TestFacadeStateStoreMirroring(t *testing.T) {
	store := newFakeStore()
	f := NewFacade(WithFacadeStateStore(store))

	err := f.RegisterPolicy(&ResiliencePolicy{
		Name: "payments",
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold:  1,
			SuccessThreshold:  1,
			OpenTimeout:       time.Hour,
			HalfOpenMaxProbes: 1,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	_ = f.Execute(context.Background(), "payments", fail)

	snap, ok, _ := store.GetState(context.Background(), "payments")
	if !ok || snap.State != StateOpen {
		t.Fatalf("mirrored snapshot = %+v, %v", snap, ok)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := (&ResiliencePolicy{}).Validate(); !IsInvalidPolicy(err) {
		t.Errorf("empty name: %v", err)
	}

	p := &ResiliencePolicy{
		Name:           "full",
		CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: time.Second, HalfOpenMaxProbes: 3},
		Retry:          &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		RateLimit:      &RateLimitConfig{Limit: 10, RefillRate: 5},
		Bulkhead:       &BulkheadConfig{MaxConcurrent: 5, MaxQueue: 10},
		Timeout:        &TimeoutConfig{Default: time.Second},
	}
	if err := p.Validate(); err != nil {
		t.Errorf("full policy: %v", err)
	}

	p.Bulkhead = &BulkheadConfig{MaxConcurrent: -1}
	if err := p.Validate(); !IsInvalidPolicy(err) {
		t.Errorf("bad section: %v", err)
	}
}
