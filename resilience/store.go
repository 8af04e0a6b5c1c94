package resilience

import (
	"context"
	"time"
)

// CircuitSnapshot is the full record of one breaker, suitable for
// mirroring to an external store for cross-process visibility.
type CircuitSnapshot struct {
	Target         string     `json:"target"`
	State          State      `json:"state"`
	Failures       int        `json:"failures"`
	Successes      int        `json:"successes"`
	LastFailure    *time.Time `json:"last_failure,omitempty"`
	LastTransition time.Time  `json:"last_transition"`
	ProbesIssued   int        `json:"probes_issued"`
	Version        int64      `json:"version"`
}

// StateStore is the optional distributed-state collaborator. When
// configured, a breaker mirrors its snapshot on every state transition
// and hydrates from the store on creation. Mirroring is best-effort: a
// failing store never affects the caller's result, and absence of the
// collaborator degrades gracefully to process-local state.
type StateStore interface {
	// GetState returns the stored snapshot for a target, if present.
	GetState(ctx context.Context, target string) (CircuitSnapshot, bool, error)

	// SetState stores the snapshot for a target.
	SetState(ctx context.Context, target string, snap CircuitSnapshot) error
}
