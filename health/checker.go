package health

import (
	"context"
	"time"
)

// Status is a component health state. The zero value is healthy.
type Status int

const (
	// StatusHealthy means the component is operating normally.
	StatusHealthy Status = iota
	// StatusDegraded means the component works but with reduced
	// capacity or confidence.
	StatusDegraded
	// StatusUnhealthy means the component is not usable.
	StatusUnhealthy
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Worse reports whether s is a worse state than other.
func (s Status) Worse(other Status) bool { return s > other }

// Result is the outcome of one health check.
type Result struct {
	Status    Status
	Message   string
	Details   map[string]any
	Duration  time.Duration
	Timestamp time.Time
	Err       error
}

// Healthy builds a healthy result.
func Healthy(message string) Result {
	return Result{Status: StatusHealthy, Message: message}
}

// Degraded builds a degraded result.
func Degraded(message string) Result {
	return Result{Status: StatusDegraded, Message: message}
}

// Unhealthy builds an unhealthy result carrying the causing error.
func Unhealthy(message string, err error) Result {
	return Result{Status: StatusUnhealthy, Message: message, Err: err}
}

// WithDetails attaches metadata to the result.
func (r Result) WithDetails(details map[string]any) Result {
	r.Details = details
	return r
}

// Checker is a component that can report its own health.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// checkerFunc adapts a function to the Checker interface.
type checkerFunc struct {
	name string
	fn   func(context.Context) Result
}

// CheckerFunc wraps fn as a named Checker.
func CheckerFunc(name string, fn func(context.Context) Result) Checker {
	return &checkerFunc{name: name, fn: fn}
}

func (c *checkerFunc) Name() string                      { return c.name }
func (c *checkerFunc) Check(ctx context.Context) Result { return c.fn(ctx) }

// PingChecker adapts a ping function, such as a database or redis
// Ping method, to the Checker interface. A nil ping error is healthy.
func PingChecker(name string, ping func(context.Context) error) Checker {
	return CheckerFunc(name, func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Unhealthy("ping failed", err)
		}
		return Healthy("ok")
	})
}
