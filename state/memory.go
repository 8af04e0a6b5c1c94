package state

import (
	"context"
	"sync"

	"github.com/breakwater-io/breakwater/resilience"
)

// Memory is a process-local StateStore. Useful for tests and for
// single-replica deployments that still want hydrate-on-restart
// semantics off a shared map.
type Memory struct {
	mu    sync.RWMutex
	snaps map[string]resilience.CircuitSnapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{snaps: make(map[string]resilience.CircuitSnapshot)}
}

// GetState returns the stored snapshot for a target.
func (m *Memory) GetState(_ context.Context, target string) (resilience.CircuitSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[target]
	return snap, ok, nil
}

// SetState stores the snapshot for a target.
func (m *Memory) SetState(_ context.Context, target string, snap resilience.CircuitSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[target] = snap
	return nil
}

// Delete removes a target's snapshot.
func (m *Memory) Delete(_ context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, target)
	return nil
}

// Targets returns the stored target names.
func (m *Memory) Targets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.snaps))
	for t := range m.snaps {
		out = append(out, t)
	}
	return out
}
