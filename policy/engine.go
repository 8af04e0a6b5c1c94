package policy

import (
	"context"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/breakwater-io/breakwater/resilience"
)

// Registrar receives validated policies. *resilience.Facade satisfies
// it.
type Registrar interface {
	RegisterPolicy(p *resilience.ResiliencePolicy) error
	UnregisterPolicy(name string)
}

// ChangeOp classifies one policy change during a reload.
type ChangeOp string

const (
	// OpAdded means the policy name was not installed before.
	OpAdded ChangeOp = "added"
	// OpUpdated means the policy content changed.
	OpUpdated ChangeOp = "updated"
	// OpRemoved means the policy disappeared from the source.
	OpRemoved ChangeOp = "removed"
)

// Change describes one policy change applied by a reload.
type Change struct {
	Name    string
	Op      ChangeOp
	Version int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRegistrar pushes installed policies into a registrar on every
// change.
func WithRegistrar(r Registrar) EngineOption {
	return func(e *Engine) { e.registrar = r }
}

// WithReloadInterval sets how often Watch polls the source.
func WithReloadInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.interval = d }
}

// WithChangeHook registers a hook called once per applied change.
func WithChangeHook(fn func(Change)) EngineOption {
	return func(e *Engine) { e.onChange = fn }
}

// WithLogger sets the logger for reload outcomes.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

const defaultReloadInterval = 30 * time.Second

// Engine owns the installed policy set. Reload diffs the source's
// desired state against it: new policies install at version 1, changed
// policies install with a bumped version, and vanished policies are
// removed. A policy is never partially updated.
type Engine struct {
	source    Source
	registrar Registrar
	interval  time.Duration
	onChange  func(Change)
	log       *slog.Logger

	mu       sync.RWMutex
	policies map[string]*resilience.ResiliencePolicy
}

// NewEngine creates an engine over a source. Call Reload to populate
// it.
func NewEngine(source Source, opts ...EngineOption) *Engine {
	e := &Engine{
		source:   source,
		interval: defaultReloadInterval,
		policies: make(map[string]*resilience.ResiliencePolicy),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.interval <= 0 {
		e.interval = defaultReloadInterval
	}
	return e
}

// Reload loads the desired set from the source and applies the diff.
// On a source or validation error nothing changes and the error is
// returned; the previously installed set keeps serving.
func (e *Engine) Reload(ctx context.Context) error {
	desired, err := e.source.Load(ctx)
	if err != nil {
		return err
	}
	if err := validateSet(desired); err != nil {
		return err
	}

	e.mu.Lock()
	var changes []Change
	seen := make(map[string]struct{}, len(desired))

	for _, p := range desired {
		seen[p.Name] = struct{}{}
		prev, exists := e.policies[p.Name]

		switch {
		case !exists:
			if p.Version <= 0 {
				p.Version = 1
			}
			e.policies[p.Name] = p
			changes = append(changes, Change{Name: p.Name, Op: OpAdded, Version: p.Version})
		case !samePolicy(prev, p):
			p.Version = prev.Version + 1
			e.policies[p.Name] = p
			changes = append(changes, Change{Name: p.Name, Op: OpUpdated, Version: p.Version})
		}
	}

	for name := range e.policies {
		if _, ok := seen[name]; !ok {
			delete(e.policies, name)
			changes = append(changes, Change{Name: name, Op: OpRemoved})
		}
	}

	installed := make(map[string]*resilience.ResiliencePolicy, len(changes))
	for _, c := range changes {
		if c.Op != OpRemoved {
			installed[c.Name] = e.policies[c.Name]
		}
	}
	e.mu.Unlock()

	e.apply(changes, installed)
	return nil
}

// apply pushes changes into the registrar and hooks, outside the lock.
func (e *Engine) apply(changes []Change, installed map[string]*resilience.ResiliencePolicy) {
	for _, c := range changes {
		if e.registrar != nil {
			switch c.Op {
			case OpRemoved:
				e.registrar.UnregisterPolicy(c.Name)
			default:
				if err := e.registrar.RegisterPolicy(installed[c.Name]); err != nil {
					e.log.Error("policy install failed",
						"policy", c.Name, "version", c.Version, "error", err)
					continue
				}
			}
		}
		e.log.Info("policy "+string(c.Op), "policy", c.Name, "version", c.Version)
		if e.onChange != nil {
			e.onChange(c)
		}
	}
}

// samePolicy compares policies ignoring the version counter.
func samePolicy(a, b *resilience.ResiliencePolicy) bool {
	ac, bc := *a, *b
	ac.Version, bc.Version = 0, 0
	return reflect.DeepEqual(ac, bc)
}

// Get returns the installed policy by name.
func (e *Engine) Get(name string) (*resilience.ResiliencePolicy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[name]
	return p, ok
}

// List returns installed policy names, sorted.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove drops an installed policy and unregisters it from the
// registrar. A policy removed this way comes back on the next Reload
// if the source still serves it.
func (e *Engine) Remove(name string) bool {
	e.mu.Lock()
	p, ok := e.policies[name]
	if ok {
		delete(e.policies, name)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	if e.registrar != nil {
		e.registrar.UnregisterPolicy(name)
	}
	c := Change{Name: name, Op: OpRemoved, Version: p.Version}
	e.log.Info("policy "+string(c.Op), "policy", c.Name, "version", c.Version)
	if e.onChange != nil {
		e.onChange(c)
	}
	return true
}

// Watch reloads on the configured interval until ctx is cancelled.
// Reload errors are logged and the previous set keeps serving.
func (e *Engine) Watch(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Reload(ctx); err != nil {
				e.log.Error("policy reload failed", "error", err)
			}
		}
	}
}
