package policy

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/breakwater-io/breakwater/resilience"
)

// duration accepts both "30s" strings and integer nanoseconds in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("policy: invalid duration %q: %w", v, err)
		}
		*d = duration(parsed)
	case int:
		*d = duration(v)
	case int64:
		*d = duration(v)
	default:
		return fmt.Errorf("policy: invalid duration value %v", raw)
	}
	return nil
}

// The specs below mirror the resilience config structs with
// YAML-friendly duration fields.

type circuitBreakerSpec struct {
	FailureThreshold  int      `yaml:"failure_threshold"`
	SuccessThreshold  int      `yaml:"success_threshold"`
	OpenTimeout       duration `yaml:"open_timeout"`
	HalfOpenMaxProbes int      `yaml:"half_open_max_probes"`
}

type retrySpec struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialDelay   duration `yaml:"initial_delay"`
	MaxDelay       duration `yaml:"max_delay"`
	Multiplier     float64  `yaml:"multiplier"`
	JitterFraction float64  `yaml:"jitter_fraction"`
}

type rateLimitSpec struct {
	Algorithm  string   `yaml:"algorithm"`
	Limit      int      `yaml:"limit"`
	RefillRate float64  `yaml:"refill_rate"`
	Window     duration `yaml:"window"`
	MaxKeys    int      `yaml:"max_keys"`
}

type bulkheadSpec struct {
	MaxConcurrent int      `yaml:"max_concurrent"`
	MaxQueue      int      `yaml:"max_queue"`
	QueueTimeout  duration `yaml:"queue_timeout"`
}

type timeoutSpec struct {
	Default      duration            `yaml:"default"`
	Max          duration            `yaml:"max"`
	PerOperation map[string]duration `yaml:"per_operation"`
}

type policySpec struct {
	Name           string              `yaml:"name"`
	CircuitBreaker *circuitBreakerSpec `yaml:"circuit_breaker"`
	Retry          *retrySpec          `yaml:"retry"`
	RateLimit      *rateLimitSpec      `yaml:"rate_limit"`
	Bulkhead       *bulkheadSpec       `yaml:"bulkhead"`
	Timeout        *timeoutSpec        `yaml:"timeout"`
}

type policyFile struct {
	Policies []policySpec `yaml:"policies"`
}

func (s policySpec) toPolicy() *resilience.ResiliencePolicy {
	p := &resilience.ResiliencePolicy{Name: s.Name}

	if s.CircuitBreaker != nil {
		p.CircuitBreaker = &resilience.CircuitBreakerConfig{
			FailureThreshold:  s.CircuitBreaker.FailureThreshold,
			SuccessThreshold:  s.CircuitBreaker.SuccessThreshold,
			OpenTimeout:       time.Duration(s.CircuitBreaker.OpenTimeout),
			HalfOpenMaxProbes: s.CircuitBreaker.HalfOpenMaxProbes,
		}
	}
	if s.Retry != nil {
		p.Retry = &resilience.RetryConfig{
			MaxAttempts:    s.Retry.MaxAttempts,
			InitialDelay:   time.Duration(s.Retry.InitialDelay),
			MaxDelay:       time.Duration(s.Retry.MaxDelay),
			Multiplier:     s.Retry.Multiplier,
			JitterFraction: s.Retry.JitterFraction,
		}
	}
	if s.RateLimit != nil {
		p.RateLimit = &resilience.RateLimitConfig{
			Algorithm:  resilience.RateLimitAlgorithm(s.RateLimit.Algorithm),
			Limit:      s.RateLimit.Limit,
			RefillRate: s.RateLimit.RefillRate,
			Window:     time.Duration(s.RateLimit.Window),
			MaxKeys:    s.RateLimit.MaxKeys,
		}
	}
	if s.Bulkhead != nil {
		p.Bulkhead = &resilience.BulkheadConfig{
			MaxConcurrent: s.Bulkhead.MaxConcurrent,
			MaxQueue:      s.Bulkhead.MaxQueue,
			QueueTimeout:  time.Duration(s.Bulkhead.QueueTimeout),
		}
	}
	if s.Timeout != nil {
		cfg := &resilience.TimeoutConfig{
			Default: time.Duration(s.Timeout.Default),
			Max:     time.Duration(s.Timeout.Max),
		}
		if len(s.Timeout.PerOperation) > 0 {
			cfg.PerOperation = make(map[string]time.Duration, len(s.Timeout.PerOperation))
			for op, d := range s.Timeout.PerOperation {
				cfg.PerOperation[op] = time.Duration(d)
			}
		}
		p.Timeout = cfg
	}
	return p
}

// FileSource loads policies from one YAML file of the form:
//
//	policies:
//	  - name: payments
//	    circuit_breaker:
//	      failure_threshold: 5
//	      success_threshold: 2
//	      open_timeout: 30s
//	      half_open_max_probes: 3
//	    retry:
//	      max_attempts: 3
//	      initial_delay: 100ms
//	      max_delay: 10s
//	      multiplier: 2.0
//	      jitter_fraction: 0.1
//
// The file is re-read on every Load, so the engine's watch loop picks
// up edits without restarts.
type FileSource struct {
	path      string
	expandEnv bool
}

// FileOption configures a FileSource.
type FileOption func(*FileSource)

// WithEnvExpansion enables strict `${VAR}` expansion of the file contents
// before parsing. Every referenced variable must be set; `$$` escapes a
// literal dollar sign. Useful when tuning thresholds per environment
// without maintaining one file per deployment.
func WithEnvExpansion() FileOption {
	return func(s *FileSource) {
		s.expandEnv = true
	}
}

// NewFileSource creates a source reading from path.
func NewFileSource(path string, opts ...FileOption) *FileSource {
	s := &FileSource{path: path}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads and parses the file. Every policy in the file must be
// valid and names must be unique; a bad file never yields a partial
// set.
func (s *FileSource) Load(context.Context) ([]*resilience.ResiliencePolicy, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("policy: reading %s: %w", s.path, err)
	}

	if s.expandEnv {
		expanded, err := expandEnvStrict(string(data))
		if err != nil {
			return nil, err
		}
		data = []byte(expanded)
	}

	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: parsing %s: %w", s.path, err)
	}

	policies := make([]*resilience.ResiliencePolicy, len(doc.Policies))
	for i, spec := range doc.Policies {
		policies[i] = spec.toPolicy()
	}
	if err := validateSet(policies); err != nil {
		return nil, err
	}
	return policies, nil
}

// Path returns the file path this source reads from.
func (s *FileSource) Path() string { return s.path }
