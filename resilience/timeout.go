package resilience

import (
	"context"
	"errors"
	"time"
)

// TimeoutConfig configures timeout enforcement.
type TimeoutConfig struct {
	// Default is the timeout applied when no per-operation override
	// exists.
	Default time.Duration `json:"default" yaml:"default"`

	// Max caps every effective timeout, including overrides. Zero means
	// no cap.
	Max time.Duration `json:"max" yaml:"max"`

	// PerOperation overrides the default for named operations.
	PerOperation map[string]time.Duration `json:"per_operation,omitempty" yaml:"per_operation,omitempty"`
}

// DefaultTimeoutConfig returns the default timeout configuration.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Default: 30 * time.Second,
		Max:     time.Minute,
	}
}

// Validate checks the configuration.
func (c TimeoutConfig) Validate() error {
	if c.Default <= 0 {
		return newInvalidPolicyError("timeout", "default", "must be positive")
	}
	if c.Max < 0 {
		return newInvalidPolicyError("timeout", "max", "must be >= 0")
	}
	for op, d := range c.PerOperation {
		if d <= 0 {
			return newInvalidPolicyError("timeout", "per_operation."+op, "must be positive")
		}
	}
	return nil
}

// TimeoutManager enforces per-operation deadlines for one target.
type TimeoutManager struct {
	target string
	cfg    TimeoutConfig
}

// NewTimeoutManager creates a timeout manager. The config must be
// valid.
func NewTimeoutManager(target string, cfg TimeoutConfig) (*TimeoutManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TimeoutManager{target: target, cfg: cfg}, nil
}

// Timeout returns the effective timeout for an operation name.
func (t *TimeoutManager) Timeout(operation string) time.Duration {
	d := t.cfg.Default
	if override, ok := t.cfg.PerOperation[operation]; ok {
		d = override
	}
	if t.cfg.Max > 0 && d > t.cfg.Max {
		d = t.cfg.Max
	}
	return d
}

// WithTimeout returns a context carrying the effective deadline for an
// operation.
func (t *TimeoutManager) WithTimeout(ctx context.Context, operation string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.Timeout(operation))
}

// Execute runs the operation under its effective deadline, returning a
// timeout error when the deadline expires before the operation
// completes. The operation receives the deadline through its context.
func (t *TimeoutManager) Execute(ctx context.Context, operation string, op func(context.Context) error) error {
	d := t.Timeout(operation)
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded {
			return newTimeoutError(t.target, d)
		}
		return err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return newTimeoutError(t.target, d)
		}
		return ctx.Err()
	}
}
