package resilience

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means calls flow through normally.
	StateClosed State = iota
	// StateOpen means calls are rejected without invoking the operation.
	StateOpen
	// StateHalfOpen means a bounded number of probes test recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a circuit breaker. Invalid values are
// rejected when the config is validated at policy load time, not at
// call time.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// SuccessThreshold is the number of consecutive successful probes
	// that closes the circuit from half-open.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`

	// OpenTimeout is how long the circuit stays open before the first
	// call after the timeout is admitted as a half-open probe. The
	// transition is lazy, not timer-driven.
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`

	// HalfOpenMaxProbes is the probe budget per half-open episode.
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenTimeout:       30 * time.Second,
		HalfOpenMaxProbes: 3,
	}
}

// Validate checks the configuration.
func (c CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return newInvalidPolicyError("circuit_breaker", "failure_threshold", "must be positive")
	}
	if c.SuccessThreshold <= 0 {
		return newInvalidPolicyError("circuit_breaker", "success_threshold", "must be positive")
	}
	if c.OpenTimeout <= 0 {
		return newInvalidPolicyError("circuit_breaker", "open_timeout", "must be positive")
	}
	if c.HalfOpenMaxProbes <= 0 {
		return newInvalidPolicyError("circuit_breaker", "half_open_max_probes", "must be positive")
	}
	if c.SuccessThreshold > c.HalfOpenMaxProbes {
		return newInvalidPolicyError("circuit_breaker", "success_threshold", "must not exceed half_open_max_probes")
	}
	return nil
}

// StateChange describes one breaker transition. It is the only side
// effect a breaker exposes to collaborators.
type StateChange struct {
	Target    string
	From      State
	To        State
	Failures  int
	Successes int
	At        time.Time
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithBreakerClock sets the clock used for timeout decisions.
func WithBreakerClock(c Clock) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithStateChangeHook registers a hook called once per transition.
func WithStateChangeHook(fn func(StateChange)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// WithStateStore attaches an external store that mirrors the breaker's
// record on every transition. Mirroring is best-effort.
func WithStateStore(s StateStore) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.store = s }
}

// WithFailureClassifier overrides how errors are classified as target
// failures. The default counts every non-nil error except admission
// errors (see IsAdmissionError).
func WithFailureClassifier(fn func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.isFailure = fn }
}

// CircuitBreaker is the per-target state machine guarding execution.
// The record it owns is mutated only through its own synchronized entry
// points; state transitions are linearizable.
type CircuitBreaker struct {
	target    string
	cfg       CircuitBreakerConfig
	clock     Clock
	onChange  func(StateChange)
	store     StateStore
	isFailure func(error) bool

	mu             sync.Mutex
	state          State
	failures       int // consecutive failures while closed
	successes      int // consecutive probe successes while half-open
	lastFailure    time.Time
	lastTransition time.Time
	probesIssued   int // probes issued this half-open episode
	probesInflight int // probes admitted but not yet resolved
	version        int64
}

// NewCircuitBreaker creates a breaker for a target. The config must be
// valid. If a state store is attached, the breaker hydrates from any
// previously mirrored record.
func NewCircuitBreaker(target string, cfg CircuitBreakerConfig, opts ...CircuitBreakerOption) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cb := &CircuitBreaker{
		target: target,
		cfg:    cfg,
		clock:  SystemClock(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	if cb.isFailure == nil {
		cb.isFailure = func(err error) bool { return err != nil }
	}
	cb.lastTransition = cb.clock.Now()

	cb.hydrate()
	return cb, nil
}

func (cb *CircuitBreaker) hydrate() {
	if cb.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	snap, ok, err := cb.store.GetState(ctx, cb.target)
	if err != nil || !ok {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = snap.State
	cb.failures = snap.Failures
	cb.successes = snap.Successes
	if snap.LastFailure != nil {
		cb.lastFailure = *snap.LastFailure
	}
	if !snap.LastTransition.IsZero() {
		cb.lastTransition = snap.LastTransition
	}
	cb.version = snap.Version
	// In-flight probes do not survive a process boundary.
	cb.probesIssued = 0
	cb.probesInflight = 0
}

// Execute runs the operation through the breaker. While open (and the
// timeout has not elapsed) it short-circuits with a circuit_open error
// without invoking the operation.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := op(ctx)
	cb.record(err)
	return err
}

// allow decides admission, transitioning lazily from open to half-open
// when the timeout has elapsed. The decide-then-increment sequence for
// the probe budget is atomic.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	changes := cb.refreshLocked()

	var err error
	switch cb.state {
	case StateClosed:
		// Admit.
	case StateOpen:
		retryAfter := cb.lastTransition.Add(cb.cfg.OpenTimeout).Sub(cb.clock.Now())
		if retryAfter < 0 {
			retryAfter = 0
		}
		err = newCircuitOpenError(cb.target, retryAfter)
	case StateHalfOpen:
		if cb.probesIssued >= cb.cfg.HalfOpenMaxProbes {
			err = newCircuitOpenError(cb.target, 0)
		} else {
			cb.probesIssued++
			cb.probesInflight++
		}
	}
	cb.mu.Unlock()

	cb.finish(changes)
	return err
}

// record feeds one outcome back into the state machine. Admission
// errors produced by inner patterns are neutral: they neither count as
// failures nor as successes, and they return the probe budget they
// consumed.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()

	if err != nil && IsAdmissionError(err) {
		if cb.state == StateHalfOpen && cb.probesInflight > 0 {
			cb.probesInflight--
			cb.probesIssued--
		}
		cb.mu.Unlock()
		return
	}

	var changes []StateChange
	if cb.isFailure(err) {
		changes = cb.recordFailureLocked()
	} else {
		changes = cb.recordSuccessLocked()
	}
	cb.mu.Unlock()

	cb.finish(changes)
}

// RecordSuccess records a successful outcome for the target. Exposed
// for callers that perform the operation outside Execute.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	changes := cb.recordSuccessLocked()
	cb.mu.Unlock()
	cb.finish(changes)
}

// RecordFailure records a failed outcome for the target.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	changes := cb.recordFailureLocked()
	cb.mu.Unlock()
	cb.finish(changes)
}

func (cb *CircuitBreaker) recordFailureLocked() []StateChange {
	cb.lastFailure = cb.clock.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		cb.successes = 0
		if cb.failures >= cb.cfg.FailureThreshold {
			return []StateChange{cb.transitionLocked(StateOpen)}
		}
	case StateHalfOpen:
		if cb.probesInflight > 0 {
			cb.probesInflight--
		}
		// Any failure during a probe reopens the circuit.
		return []StateChange{cb.transitionLocked(StateOpen)}
	case StateOpen:
		// Late probe resolution after another probe already reopened
		// the circuit; nothing to do.
	}
	return nil
}

func (cb *CircuitBreaker) recordSuccessLocked() []StateChange {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.probesInflight > 0 {
			cb.probesInflight--
		}
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			return []StateChange{cb.transitionLocked(StateClosed)}
		}
		if cb.probesIssued >= cb.cfg.HalfOpenMaxProbes && cb.probesInflight == 0 {
			// Probe budget exhausted without reaching the success
			// threshold.
			return []StateChange{cb.transitionLocked(StateOpen)}
		}
	case StateOpen:
		// Late probe resolution; dropped.
	}
	return nil
}

// refreshLocked performs the lazy open-to-half-open transition.
func (cb *CircuitBreaker) refreshLocked() []StateChange {
	if cb.state == StateOpen && cb.clock.Now().Sub(cb.lastTransition) >= cb.cfg.OpenTimeout {
		return []StateChange{cb.transitionLocked(StateHalfOpen)}
	}
	return nil
}

func (cb *CircuitBreaker) transitionLocked(to State) StateChange {
	change := StateChange{
		Target:    cb.target,
		From:      cb.state,
		To:        to,
		Failures:  cb.failures,
		Successes: cb.successes,
		At:        cb.clock.Now(),
	}

	cb.state = to
	cb.lastTransition = change.At
	cb.version++

	switch to {
	case StateHalfOpen:
		cb.probesIssued = 0
		cb.probesInflight = 0
		cb.successes = 0
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateOpen:
		cb.successes = 0
	}

	return change
}

// finish delivers transition notifications and mirrors the record,
// outside the breaker lock.
func (cb *CircuitBreaker) finish(changes []StateChange) {
	if len(changes) == 0 {
		return
	}
	if cb.onChange != nil {
		for _, c := range changes {
			cb.onChange(c)
		}
	}
	cb.mirror()
}

const storeTimeout = time.Second

func (cb *CircuitBreaker) mirror() {
	if cb.store == nil {
		return
	}
	snap := cb.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	// Best-effort: a failing store must not affect the caller.
	_ = cb.store.SetState(ctx, cb.target, snap)
}

// Target returns the protected target name.
func (cb *CircuitBreaker) Target() string { return cb.target }

// State returns the current state, applying the lazy open-to-half-open
// transition if the timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	changes := cb.refreshLocked()
	s := cb.state
	cb.mu.Unlock()

	cb.finish(changes)
	return s
}

// Snapshot returns the full breaker record.
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := CircuitSnapshot{
		Target:         cb.target,
		State:          cb.state,
		Failures:       cb.failures,
		Successes:      cb.successes,
		LastTransition: cb.lastTransition,
		ProbesIssued:   cb.probesIssued,
		Version:        cb.version,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		snap.LastFailure = &t
	}
	return snap
}

// Reset forces the breaker closed and zeroes all counters. Used
// administratively.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changes []StateChange
	if cb.state != StateClosed {
		changes = []StateChange{cb.transitionLocked(StateClosed)}
	}
	cb.failures = 0
	cb.successes = 0
	cb.probesIssued = 0
	cb.probesInflight = 0
	cb.mu.Unlock()

	cb.finish(changes)
}
