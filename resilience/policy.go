package resilience

// ResiliencePolicy is an immutable named bundle of pattern
// configuration for a protected target. A nil section disables that
// pattern. Policies are read-only once loaded and replaced wholesale on
// reload, never partially mutated.
type ResiliencePolicy struct {
	// Name identifies the policy and, by default, the protected target
	// and bulkhead partition.
	Name string `json:"name" yaml:"name"`

	// Version is bumped by the policy engine on every update.
	Version int64 `json:"version" yaml:"version"`

	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	Retry          *RetryConfig          `json:"retry,omitempty" yaml:"retry,omitempty"`
	RateLimit      *RateLimitConfig      `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Bulkhead       *BulkheadConfig       `json:"bulkhead,omitempty" yaml:"bulkhead,omitempty"`
	Timeout        *TimeoutConfig        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate checks the policy and every configured section. A policy
// that fails validation is rejected at load time and never installed.
func (p *ResiliencePolicy) Validate() error {
	if p.Name == "" {
		return newInvalidPolicyError("policy", "name", "must not be empty")
	}
	if p.CircuitBreaker != nil {
		if err := p.CircuitBreaker.Validate(); err != nil {
			return err
		}
	}
	if p.Retry != nil {
		if err := p.Retry.Validate(); err != nil {
			return err
		}
	}
	if p.RateLimit != nil {
		if err := p.RateLimit.Validate(); err != nil {
			return err
		}
	}
	if p.Bulkhead != nil {
		if err := p.Bulkhead.Validate(); err != nil {
			return err
		}
	}
	if p.Timeout != nil {
		if err := p.Timeout.Validate(); err != nil {
			return err
		}
	}
	return nil
}
