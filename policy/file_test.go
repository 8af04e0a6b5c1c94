package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/breakwater-io/breakwater/resilience"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileSourceLoad(t *testing.T) {
	path := writePolicyFile(t, `
policies:
  - name: payments
    circuit_breaker:
      failure_threshold: 5
      success_threshold: 2
      open_timeout: 30s
      half_open_max_probes: 3
    retry:
      max_attempts: 3
      initial_delay: 100ms
      max_delay: 10s
      multiplier: 2.0
      jitter_fraction: 0.1
    timeout:
      default: 5s
      max: 30s
      per_operation:
        refund: 15s
  - name: reports
    bulkhead:
      max_concurrent: 8
      max_queue: 64
      queue_timeout: 2s
    rate_limit:
      algorithm: sliding_window
      limit: 100
      window: 1m
`)

	policies, err := NewFileSource(path).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies, want 2", len(policies))
	}

	payments := policies[0]
	if payments.Name != "payments" {
		t.Fatalf("name = %q", payments.Name)
	}
	cb := payments.CircuitBreaker
	if cb == nil || cb.FailureThreshold != 5 || cb.OpenTimeout != 30*time.Second {
		t.Errorf("circuit breaker = %+v", cb)
	}
	if payments.Retry == nil || payments.Retry.InitialDelay != 100*time.Millisecond {
		t.Errorf("retry = %+v", payments.Retry)
	}
	if payments.Timeout == nil || payments.Timeout.PerOperation["refund"] != 15*time.Second {
		t.Errorf("timeout = %+v", payments.Timeout)
	}
	if payments.Bulkhead != nil {
		t.Error("payments has a bulkhead section it never declared")
	}

	reports := policies[1]
	if reports.Bulkhead == nil || reports.Bulkhead.QueueTimeout != 2*time.Second {
		t.Errorf("bulkhead = %+v", reports.Bulkhead)
	}
	rl := reports.RateLimit
	if rl == nil || rl.Algorithm != resilience.AlgorithmSlidingWindow || rl.Window != time.Minute {
		t.Errorf("rate limit = %+v", rl)
	}
}

func TestFileSourceInvalidPolicy(t *testing.T) {
	path := writePolicyFile(t, `
policies:
  - name: broken
    retry:
      max_attempts: 0
`)
	_, err := NewFileSource(path).Load(context.Background())
	if !resilience.IsInvalidPolicy(err) {
		t.Fatalf("err = %v, want invalid_policy", err)
	}
}

func TestFileSourceBadDuration(t *testing.T) {
	path := writePolicyFile(t, `
policies:
  - name: broken
    timeout:
      default: soon
`)
	if _, err := NewFileSource(path).Load(context.Background()); err == nil {
		t.Fatal("invalid duration accepted")
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := src.Load(context.Background()); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestFileSourceMalformedYAML(t *testing.T) {
	path := writePolicyFile(t, "policies: [name: {{")
	if _, err := NewFileSource(path).Load(context.Background()); err == nil {
		t.Fatal("malformed YAML accepted")
	}
}

func TestFileSourceReloadPicksUpEdits(t *testing.T) {
	path := writePolicyFile(t, `
policies:
  - name: api
    rate_limit:
      limit: 10
      refill_rate: 5
`)
	src := NewFileSource(path)
	eng := NewEngine(src)
	ctx := context.Background()

	if err := eng.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	p, _ := eng.Get("api")
	if p.RateLimit.Limit != 10 {
		t.Fatalf("limit = %d", p.RateLimit.Limit)
	}

	err := os.WriteFile(path, []byte(`
policies:
  - name: api
    rate_limit:
      limit: 50
      refill_rate: 5
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	p, _ = eng.Get("api")
	if p.RateLimit.Limit != 50 || p.Version != 2 {
		t.Fatalf("after edit: limit = %d, version = %d", p.RateLimit.Limit, p.Version)
	}
}

func TestFileSourceEnvExpansion(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "4")
	t.Setenv("INITIAL_DELAY", "250ms")

	path := writePolicyFile(t, `
policies:
  - name: payments
    retry:
      max_attempts: ${MAX_ATTEMPTS}
      initial_delay: ${INITIAL_DELAY}
      max_delay: 10s
      multiplier: 2.0
`)

	src := NewFileSource(path, WithEnvExpansion())
	policies, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := policies[0].Retry.MaxAttempts; got != 4 {
		t.Errorf("MaxAttempts = %d, want 4", got)
	}
	if got := policies[0].Retry.InitialDelay; got != 250*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 250ms", got)
	}
}

func TestFileSourceEnvExpansionMissingVar(t *testing.T) {
	path := writePolicyFile(t, `
policies:
  - name: payments
    retry:
      max_attempts: ${NO_SUCH_BREAKWATER_VAR}
      initial_delay: 100ms
      max_delay: 10s
      multiplier: 2.0
`)

	src := NewFileSource(path, WithEnvExpansion())
	if _, err := src.Load(context.Background()); err == nil {
		t.Fatal("Load with unset variable: want error, got nil")
	} else if !strings.Contains(err.Error(), "NO_SUCH_BREAKWATER_VAR") {
		t.Errorf("err = %v, want missing variable named", err)
	}
}

func TestFileSourceWithoutExpansionLeavesDollarAlone(t *testing.T) {
	// A literal ${...} in a string field must survive unexpanded when the
	// option is off.
	path := writePolicyFile(t, `
policies:
  - name: ${literal}
    retry:
      max_attempts: 2
      initial_delay: 100ms
      max_delay: 10s
      multiplier: 2.0
`)

	policies, err := NewFileSource(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := policies[0].Name; got != "${literal}" {
		t.Errorf("Name = %q, want %q", got, "${literal}")
	}
}

func TestExpandEnvStrictEscape(t *testing.T) {
	t.Setenv("REGION", "us-east-1")

	got, err := expandEnvStrict("prefix-${REGION}-$$-suffix")
	if err != nil {
		t.Fatalf("expandEnvStrict: %v", err)
	}
	if want := "prefix-us-east-1-$-suffix"; got != want {
		t.Errorf("expandEnvStrict = %q, want %q", got, want)
	}
}
