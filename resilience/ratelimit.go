package resilience

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request was admitted.
	Allowed bool

	// Remaining is the number of requests still admissible right now.
	Remaining int

	// Limit is the configured limit (capacity or window limit).
	Limit int

	// ResetAt is when the consumed allowance is restored.
	ResetAt time.Time

	// RetryAfter is how long to wait before the next request can
	// succeed. Set only on denial.
	RetryAfter time.Duration
}

// Headers is the decision rendered as standard rate-limit response
// headers for an adapting transport layer.
type Headers struct {
	Limit     int   `json:"X-RateLimit-Limit"`
	Remaining int   `json:"X-RateLimit-Remaining"`
	Reset     int64 `json:"X-RateLimit-Reset"`
}

// Limiter is the contract shared by all rate limiting algorithms.
// Per-key state is independent: one key's exhaustion never affects
// another key's admission.
type Limiter interface {
	// Allow checks admission for key, consuming allowance when granted.
	Allow(ctx context.Context, key string) (Decision, error)

	// Acquire blocks until admission for key succeeds or timeout
	// elapses, returning a timeout error in the latter case. It never
	// busy-spins; waits are bounded polls honoring ctx.
	Acquire(ctx context.Context, key string, timeout time.Duration) error

	// Headers returns the current allowance for key without consuming.
	Headers(ctx context.Context, key string) (Headers, error)
}

// RateLimitAlgorithm selects the limiter implementation.
type RateLimitAlgorithm string

const (
	// AlgorithmTokenBucket refills continuously at a fixed rate.
	AlgorithmTokenBucket RateLimitAlgorithm = "token_bucket"
	// AlgorithmSlidingWindow counts requests in a moving window.
	AlgorithmSlidingWindow RateLimitAlgorithm = "sliding_window"
	// AlgorithmFixedWindow counts requests in fixed intervals.
	AlgorithmFixedWindow RateLimitAlgorithm = "fixed_window"
)

// RateLimitConfig configures a rate limiter.
type RateLimitConfig struct {
	// Algorithm selects the implementation. Default: token_bucket.
	Algorithm RateLimitAlgorithm `json:"algorithm" yaml:"algorithm"`

	// Limit is the bucket capacity (token_bucket) or the number of
	// requests per window (sliding_window, fixed_window).
	Limit int `json:"limit" yaml:"limit"`

	// RefillRate is tokens added per second (token_bucket only).
	RefillRate float64 `json:"refill_rate" yaml:"refill_rate"`

	// Window is the window length (sliding_window, fixed_window only).
	Window time.Duration `json:"window" yaml:"window"`

	// MaxKeys bounds the number of per-key states kept resident. Idle
	// keys beyond the bound are evicted least-recently-used; an evicted
	// key restarts with full allowance. Default: 65536.
	MaxKeys int `json:"max_keys" yaml:"max_keys"`
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Algorithm:  AlgorithmTokenBucket,
		Limit:      100,
		RefillRate: 100,
	}
}

const defaultMaxKeys = 65536

// Validate checks the configuration.
func (c RateLimitConfig) Validate() error {
	if c.Limit <= 0 {
		return newInvalidPolicyError("rate_limit", "limit", "must be positive")
	}
	switch c.Algorithm {
	case AlgorithmTokenBucket, "":
		if c.RefillRate <= 0 {
			return newInvalidPolicyError("rate_limit", "refill_rate", "must be positive")
		}
	case AlgorithmSlidingWindow, AlgorithmFixedWindow:
		if c.Window <= 0 {
			return newInvalidPolicyError("rate_limit", "window", "must be positive")
		}
	default:
		return newInvalidPolicyError("rate_limit", "algorithm", "is not a known algorithm")
	}
	if c.MaxKeys < 0 {
		return newInvalidPolicyError("rate_limit", "max_keys", "must be >= 0")
	}
	return nil
}

// NewLimiter builds the limiter selected by cfg.Algorithm.
func NewLimiter(target string, cfg RateLimitConfig, opts ...LimiterOption) (Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Algorithm {
	case AlgorithmSlidingWindow:
		return NewSlidingWindow(target, cfg, opts...)
	case AlgorithmFixedWindow:
		return NewFixedWindow(target, cfg, opts...)
	default:
		return NewTokenBucket(target, cfg, opts...)
	}
}

// LimiterOption configures a limiter.
type LimiterOption func(*limiterBase)

// WithLimiterClock sets the clock used for refill and window decisions.
func WithLimiterClock(c Clock) LimiterOption {
	return func(b *limiterBase) { b.clock = c }
}

// limiterBase holds what every algorithm shares: the target name, the
// clock, and the blocking-acquire poll loop.
type limiterBase struct {
	target string
	clock  Clock
}

// Poll bounds for the blocking acquire. The wait between probes is the
// limiter's own retry-after hint clamped into this range.
const (
	acquireMinPoll = time.Millisecond
	acquireMaxPoll = 100 * time.Millisecond
)

func (b *limiterBase) acquire(ctx context.Context, key string, timeout time.Duration, allow func(context.Context, string) (Decision, error)) error {
	deadline := b.clock.Now().Add(timeout)

	for {
		d, err := allow(ctx, key)
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}

		remaining := deadline.Sub(b.clock.Now())
		if remaining <= 0 {
			return newTimeoutError(b.target, timeout)
		}

		wait := d.RetryAfter
		if wait < acquireMinPoll {
			wait = acquireMinPoll
		}
		if wait > acquireMaxPoll {
			wait = acquireMaxPoll
		}
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(wait):
		}
	}
}

// keyedStates is the bounded per-key state table. The LRU keeps memory
// finite under unbounded key cardinality; states carry their own lock
// so unrelated keys never serialize.
type keyedStates[V any] struct {
	cache *lru.Cache[string, V]
}

func newKeyedStates[V any](maxKeys int) (*keyedStates[V], error) {
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	cache, err := lru.New[string, V](maxKeys)
	if err != nil {
		return nil, err
	}
	return &keyedStates[V]{cache: cache}, nil
}

func (k *keyedStates[V]) getOrCreate(key string, fresh V) V {
	if prev, ok, _ := k.cache.PeekOrAdd(key, fresh); ok {
		// Mark as recently used.
		k.cache.Get(key)
		return prev
	}
	return fresh
}

// TokenBucket is a per-key token bucket: capacity C, refill R tokens
// per second. The invariant 0 <= tokens <= C holds at every observation
// point.
type TokenBucket struct {
	limiterBase
	capacity float64
	rate     float64
	states   *keyedStates[*tokenBucketState]
}

type tokenBucketState struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a token bucket limiter. cfg.Limit is the
// capacity and cfg.RefillRate the refill rate per second.
func NewTokenBucket(target string, cfg RateLimitConfig, opts ...LimiterOption) (*TokenBucket, error) {
	cfg.Algorithm = AlgorithmTokenBucket
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tb := &TokenBucket{
		limiterBase: limiterBase{target: target, clock: SystemClock()},
		capacity:    float64(cfg.Limit),
		rate:        cfg.RefillRate,
	}
	for _, opt := range opts {
		opt(&tb.limiterBase)
	}

	states, err := newKeyedStates[*tokenBucketState](cfg.MaxKeys)
	if err != nil {
		return nil, err
	}
	tb.states = states
	return tb, nil
}

func (tb *TokenBucket) state(key string) *tokenBucketState {
	return tb.states.getOrCreate(key, &tokenBucketState{
		tokens:     tb.capacity,
		lastRefill: tb.clock.Now(),
	})
}

// Allow checks admission for key, refilling first and consuming one
// token when available.
func (tb *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	s := tb.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := tb.clock.Now()
	tb.refillLocked(s, now)

	if s.tokens >= 1 {
		s.tokens--
		return Decision{
			Allowed:   true,
			Remaining: int(s.tokens),
			Limit:     int(tb.capacity),
			ResetAt:   now.Add(tb.timeToFull(s)),
		}, nil
	}

	retryAfter := time.Duration((1 - s.tokens) / tb.rate * float64(time.Second))
	return Decision{
		Allowed:    false,
		Remaining:  0,
		Limit:      int(tb.capacity),
		ResetAt:    now.Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

// Acquire blocks until a token frees or timeout elapses.
func (tb *TokenBucket) Acquire(ctx context.Context, key string, timeout time.Duration) error {
	return tb.acquire(ctx, key, timeout, tb.Allow)
}

// Headers returns the current allowance for key without consuming.
func (tb *TokenBucket) Headers(ctx context.Context, key string) (Headers, error) {
	s := tb.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := tb.clock.Now()
	tb.refillLocked(s, now)

	return Headers{
		Limit:     int(tb.capacity),
		Remaining: int(s.tokens),
		Reset:     now.Add(tb.timeToFull(s)).Unix(),
	}, nil
}

func (tb *TokenBucket) refillLocked(s *tokenBucketState, now time.Time) {
	elapsed := now.Sub(s.lastRefill).Seconds()
	if elapsed > 0 {
		s.tokens += elapsed * tb.rate
		if s.tokens > tb.capacity {
			s.tokens = tb.capacity
		}
	}
	s.lastRefill = now
}

func (tb *TokenBucket) timeToFull(s *tokenBucketState) time.Duration {
	missing := tb.capacity - s.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / tb.rate * float64(time.Second))
}

// SlidingWindow admits at most Limit requests per moving Window,
// tracking request timestamps per key.
type SlidingWindow struct {
	limiterBase
	limit  int
	window time.Duration
	states *keyedStates[*slidingWindowState]
}

type slidingWindowState struct {
	mu       sync.Mutex
	requests []time.Time
}

// NewSlidingWindow creates a sliding window limiter.
func NewSlidingWindow(target string, cfg RateLimitConfig, opts ...LimiterOption) (*SlidingWindow, error) {
	cfg.Algorithm = AlgorithmSlidingWindow
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sw := &SlidingWindow{
		limiterBase: limiterBase{target: target, clock: SystemClock()},
		limit:       cfg.Limit,
		window:      cfg.Window,
	}
	for _, opt := range opts {
		opt(&sw.limiterBase)
	}

	states, err := newKeyedStates[*slidingWindowState](cfg.MaxKeys)
	if err != nil {
		return nil, err
	}
	sw.states = states
	return sw, nil
}

func (sw *SlidingWindow) state(key string) *slidingWindowState {
	return sw.states.getOrCreate(key, &slidingWindowState{})
}

// Allow checks admission for key within the moving window.
func (sw *SlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	s := sw.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := sw.clock.Now()
	sw.trimLocked(s, now)

	if len(s.requests) < sw.limit {
		s.requests = append(s.requests, now)
		return Decision{
			Allowed:   true,
			Remaining: sw.limit - len(s.requests),
			Limit:     sw.limit,
			ResetAt:   s.requests[0].Add(sw.window),
		}, nil
	}

	oldest := s.requests[0]
	retryAfter := oldest.Add(sw.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{
		Allowed:    false,
		Remaining:  0,
		Limit:      sw.limit,
		ResetAt:    oldest.Add(sw.window),
		RetryAfter: retryAfter,
	}, nil
}

// Acquire blocks until the window frees or timeout elapses.
func (sw *SlidingWindow) Acquire(ctx context.Context, key string, timeout time.Duration) error {
	return sw.acquire(ctx, key, timeout, sw.Allow)
}

// Headers returns the current allowance for key without consuming.
func (sw *SlidingWindow) Headers(ctx context.Context, key string) (Headers, error) {
	s := sw.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := sw.clock.Now()
	sw.trimLocked(s, now)

	reset := now.Add(sw.window)
	if len(s.requests) > 0 {
		reset = s.requests[0].Add(sw.window)
	}
	return Headers{
		Limit:     sw.limit,
		Remaining: sw.limit - len(s.requests),
		Reset:     reset.Unix(),
	}, nil
}

func (sw *SlidingWindow) trimLocked(s *slidingWindowState, now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for i < len(s.requests) && !s.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.requests = append(s.requests[:0], s.requests[i:]...)
	}
}

// FixedWindow admits at most Limit requests per fixed interval,
// resetting the count when a window elapses.
type FixedWindow struct {
	limiterBase
	limit  int
	window time.Duration
	states *keyedStates[*fixedWindowState]
}

type fixedWindowState struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

// NewFixedWindow creates a fixed window limiter.
func NewFixedWindow(target string, cfg RateLimitConfig, opts ...LimiterOption) (*FixedWindow, error) {
	cfg.Algorithm = AlgorithmFixedWindow
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fw := &FixedWindow{
		limiterBase: limiterBase{target: target, clock: SystemClock()},
		limit:       cfg.Limit,
		window:      cfg.Window,
	}
	for _, opt := range opts {
		opt(&fw.limiterBase)
	}

	states, err := newKeyedStates[*fixedWindowState](cfg.MaxKeys)
	if err != nil {
		return nil, err
	}
	fw.states = states
	return fw, nil
}

func (fw *FixedWindow) state(key string) *fixedWindowState {
	return fw.states.getOrCreate(key, &fixedWindowState{windowStart: fw.clock.Now()})
}

// Allow checks admission for key within the current interval.
func (fw *FixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	s := fw.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := fw.clock.Now()
	fw.rollLocked(s, now)

	if s.count < fw.limit {
		s.count++
		return Decision{
			Allowed:   true,
			Remaining: fw.limit - s.count,
			Limit:     fw.limit,
			ResetAt:   s.windowStart.Add(fw.window),
		}, nil
	}

	retryAfter := s.windowStart.Add(fw.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{
		Allowed:    false,
		Remaining:  0,
		Limit:      fw.limit,
		ResetAt:    s.windowStart.Add(fw.window),
		RetryAfter: retryAfter,
	}, nil
}

// Acquire blocks until the window rolls or timeout elapses.
func (fw *FixedWindow) Acquire(ctx context.Context, key string, timeout time.Duration) error {
	return fw.acquire(ctx, key, timeout, fw.Allow)
}

// Headers returns the current allowance for key without consuming.
func (fw *FixedWindow) Headers(ctx context.Context, key string) (Headers, error) {
	s := fw.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	fw.rollLocked(s, fw.clock.Now())

	return Headers{
		Limit:     fw.limit,
		Remaining: fw.limit - s.count,
		Reset:     s.windowStart.Add(fw.window).Unix(),
	}, nil
}

func (fw *FixedWindow) rollLocked(s *fixedWindowState, now time.Time) {
	if now.Sub(s.windowStart) >= fw.window {
		s.count = 0
		s.windowStart = now
	}
}
