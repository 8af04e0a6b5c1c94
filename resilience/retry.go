package resilience

import (
	"context"
	"math"
	"time"
)

// RetryConfig configures the retry executor.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialDelay is the backoff base for the first retry.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// Multiplier is the exponential backoff multiplier.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// JitterFraction bounds the randomized addition to each delay: the
	// final delay lies in [base, base*(1+JitterFraction)]. Zero disables
	// jitter, making the delay exactly the base.
	JitterFraction float64 `json:"jitter_fraction" yaml:"jitter_fraction"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// Validate checks the configuration.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return newInvalidPolicyError("retry", "max_attempts", "must be positive")
	}
	if c.InitialDelay <= 0 {
		return newInvalidPolicyError("retry", "initial_delay", "must be positive")
	}
	if c.MaxDelay <= 0 {
		return newInvalidPolicyError("retry", "max_delay", "must be positive")
	}
	if c.Multiplier < 1.0 {
		return newInvalidPolicyError("retry", "multiplier", "must be >= 1.0")
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		return newInvalidPolicyError("retry", "jitter_fraction", "must be in [0, 1]")
	}
	return nil
}

// RetryAttempt describes one failed attempt about to be retried. It
// exists only for the duration of a single Execute call.
type RetryAttempt struct {
	// Attempt is the 0-indexed attempt number that just failed.
	Attempt int

	// Delay is the computed backoff before the next attempt.
	Delay time.Duration

	// Err is the error that triggered the retry.
	Err error
}

// RetryOption configures a Retry.
type RetryOption func(*Retry)

// WithRetryClock sets the clock used for backoff sleeps.
func WithRetryClock(c Clock) RetryOption {
	return func(r *Retry) { r.clock = c }
}

// WithJitterSource sets the randomness source for jitter.
func WithJitterSource(fn JitterFunc) RetryOption {
	return func(r *Retry) { r.jitter = fn }
}

// WithRetryPredicate overrides retryability classification. The default
// is DefaultRetryPredicate.
func WithRetryPredicate(fn func(error) bool) RetryOption {
	return func(r *Retry) { r.retryIf = fn }
}

// WithBreaker attaches a circuit breaker. The executor asks the breaker
// before every attempt; a denial stops the loop immediately without
// consuming a retry attempt.
func WithBreaker(cb *CircuitBreaker) RetryOption {
	return func(r *Retry) { r.breaker = cb }
}

// WithRetryHook registers a hook called before each retry sleep.
func WithRetryHook(fn func(RetryAttempt)) RetryOption {
	return func(r *Retry) { r.onRetry = fn }
}

// Retry wraps an operation with bounded retries and exponential backoff
// plus jitter.
type Retry struct {
	target  string
	cfg     RetryConfig
	clock   Clock
	jitter  JitterFunc
	retryIf func(error) bool
	breaker *CircuitBreaker
	onRetry func(RetryAttempt)
}

// NewRetry creates a retry executor for a target. The config must be
// valid.
func NewRetry(target string, cfg RetryConfig, opts ...RetryOption) (*Retry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Retry{
		target: target,
		cfg:    cfg,
		clock:  SystemClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.jitter == nil {
		r.jitter = defaultJitter
	}
	if r.retryIf == nil {
		r.retryIf = DefaultRetryPredicate
	}
	return r, nil
}

// Execute runs the operation with retry logic. On success it returns
// immediately. A non-retryable error is returned as-is with zero
// retries. When all attempts are used, the last error is wrapped as
// retry_exhausted with the attempt count. The sleep between attempts is
// cancellable through ctx.
func (r *Retry) Execute(ctx context.Context, op func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.attempt(ctx, op)
		if err == nil {
			return nil
		}

		// A breaker denial is not an outcome of the operation: stop
		// immediately and surface it without counting a retry.
		if r.breaker != nil && IsCircuitOpen(err) {
			return err
		}

		lastErr = err

		if !r.retryIf(err) {
			return err
		}
		if attempt+1 >= r.cfg.MaxAttempts {
			break
		}

		delay := r.NextDelay(attempt)
		if r.onRetry != nil {
			r.onRetry(RetryAttempt{Attempt: attempt, Delay: delay, Err: err})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(delay):
		}
	}

	return newRetryExhaustedError(r.target, r.cfg.MaxAttempts, lastErr)
}

func (r *Retry) attempt(ctx context.Context, op func(context.Context) error) error {
	if r.breaker != nil {
		return r.breaker.Execute(ctx, op)
	}
	return op(ctx)
}

// NextDelay computes the backoff for the 0-indexed attempt n:
// base = min(initial * multiplier^n, max), then base*(1+u*jitter) with
// u uniform in [0, 1). Without jitter the delay equals base exactly.
func (r *Retry) NextDelay(n int) time.Duration {
	base := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.Multiplier, float64(n))
	if base > float64(r.cfg.MaxDelay) {
		base = float64(r.cfg.MaxDelay)
	}

	if r.cfg.JitterFraction > 0 {
		base *= 1 + r.jitter()*r.cfg.JitterFraction
	}

	return time.Duration(base)
}

// Config returns the retry configuration.
func (r *Retry) Config() RetryConfig { return r.cfg }
