package policy

import (
	"context"
	"fmt"

	"github.com/breakwater-io/breakwater/resilience"
)

// Source produces the desired policy set. Implementations must return
// every policy on every call; the engine treats the result as the
// complete desired state.
type Source interface {
	Load(ctx context.Context) ([]*resilience.ResiliencePolicy, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) ([]*resilience.ResiliencePolicy, error)

// Load calls f.
func (f SourceFunc) Load(ctx context.Context) ([]*resilience.ResiliencePolicy, error) {
	return f(ctx)
}

// StaticSource serves a fixed policy set. Useful for tests and for
// services that configure policies in code.
type StaticSource struct {
	policies []*resilience.ResiliencePolicy
}

// NewStaticSource creates a source over the given policies.
func NewStaticSource(policies ...*resilience.ResiliencePolicy) *StaticSource {
	return &StaticSource{policies: policies}
}

// Load returns copies of the configured policies.
func (s *StaticSource) Load(context.Context) ([]*resilience.ResiliencePolicy, error) {
	out := make([]*resilience.ResiliencePolicy, len(s.policies))
	for i, p := range s.policies {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

// validateSet checks every policy and rejects duplicate names.
func validateSet(policies []*resilience.ResiliencePolicy) error {
	seen := make(map[string]struct{}, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("policy: duplicate policy name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}
