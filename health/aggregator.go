package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultCheckTimeout = 10 * time.Second
	defaultMaxParallel  = 8
)

// Transition describes one component status change.
type Transition struct {
	Component string
	From      Status
	To        Status
	Message   string
	At        time.Time
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithCheckTimeout bounds how long a full check sweep may take.
func WithCheckTimeout(d time.Duration) AggregatorOption {
	return func(a *Aggregator) { a.timeout = d }
}

// WithMaxParallel caps how many checkers run at once during a sweep.
func WithMaxParallel(n int) AggregatorOption {
	return func(a *Aggregator) { a.parallel = n }
}

// WithTransitionHook registers a hook fired once per pushed status
// change. Repeated SetStatus calls with the same status do not fire.
func WithTransitionHook(fn func(Transition)) AggregatorOption {
	return func(a *Aggregator) { a.onTransition = fn }
}

// pushed is a status reported by SetStatus rather than pulled from a
// checker.
type pushed struct {
	status  Status
	message string
	since   time.Time
}

// Aggregator merges pushed component statuses and pulled checker
// results into one overall health view.
type Aggregator struct {
	timeout      time.Duration
	parallel     int
	onTransition func(Transition)

	mu       sync.RWMutex
	checkers map[string]Checker
	order    []string
	statuses map[string]pushed
}

// NewAggregator creates an empty aggregator.
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		timeout:  defaultCheckTimeout,
		parallel: defaultMaxParallel,
		checkers: make(map[string]Checker),
		statuses: make(map[string]pushed),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.timeout <= 0 {
		a.timeout = defaultCheckTimeout
	}
	if a.parallel <= 0 {
		a.parallel = defaultMaxParallel
	}
	return a
}

// Register adds a checker under its own name, replacing any previous
// checker with that name.
func (a *Aggregator) Register(c Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.checkers[c.Name()]; !ok {
		a.order = append(a.order, c.Name())
	}
	a.checkers[c.Name()] = c
}

// Unregister removes a checker.
func (a *Aggregator) Unregister(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.checkers, name)
	for i, n := range a.order {
		if n == name {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// Components returns registered checker names in registration order.
func (a *Aggregator) Components() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// SetStatus records a pushed status for a component. The transition
// hook fires only when the status actually changes; an unseen
// component starts from StatusHealthy, so a first healthy push is
// recorded silently.
func (a *Aggregator) SetStatus(component string, status Status, message string) {
	now := time.Now()

	a.mu.Lock()
	prev, existed := a.statuses[component]
	from := StatusHealthy
	if existed {
		from = prev.status
	}
	changed := from != status
	if changed || !existed {
		a.statuses[component] = pushed{status: status, message: message, since: now}
	} else {
		prev.message = message
		a.statuses[component] = prev
	}
	hook := a.onTransition
	a.mu.Unlock()

	if changed && hook != nil {
		hook(Transition{Component: component, From: from, To: status, Message: message, At: now})
	}
}

// ClearStatus drops a pushed status so the component no longer
// contributes to the overall view.
func (a *Aggregator) ClearStatus(component string) {
	a.mu.Lock()
	delete(a.statuses, component)
	a.mu.Unlock()
}

// Status returns the pushed status for a component.
func (a *Aggregator) Status(component string) (Status, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.statuses[component]
	return p.status, ok
}

// Check runs the single named checker.
func (a *Aggregator) Check(ctx context.Context, name string) (Result, error) {
	a.mu.RLock()
	c, ok := a.checkers[name]
	a.mu.RUnlock()
	if !ok {
		return Result{}, ErrCheckerNotFound
	}
	return a.run(ctx, c), nil
}

// CheckAll runs every registered checker, in parallel up to the
// configured limit, and returns the results by name.
func (a *Aggregator) CheckAll(ctx context.Context) map[string]Result {
	a.mu.RLock()
	checkers := make(map[string]Checker, len(a.checkers))
	for name, c := range a.checkers {
		checkers[name] = c
	}
	a.mu.RUnlock()

	results := make(map[string]Result, len(checkers))
	if len(checkers) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var rmu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallel)
	for name, c := range checkers {
		g.Go(func() error {
			r := a.run(ctx, c)
			rmu.Lock()
			results[name] = r
			rmu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// run executes one checker, enforcing the context deadline even if
// the checker ignores it.
func (a *Aggregator) run(ctx context.Context, c Checker) Result {
	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		done <- c.Check(ctx)
	}()

	select {
	case r := <-done:
		r.Duration = time.Since(start)
		if r.Timestamp.IsZero() {
			r.Timestamp = start
		}
		return r
	case <-ctx.Done():
		return Result{
			Status:    StatusUnhealthy,
			Message:   "check timed out",
			Err:       ErrCheckTimeout,
			Duration:  time.Since(start),
			Timestamp: start,
		}
	}
}

// Overall reduces a result set with worst-of semantics. An empty set
// is healthy.
func Overall(results map[string]Result) Status {
	overall := StatusHealthy
	for _, r := range results {
		if r.Status.Worse(overall) {
			overall = r.Status
		}
	}
	return overall
}

// Overview is a point-in-time merged health view.
type Overview struct {
	Status     Status
	Components map[string]Result
	CheckedAt  time.Time
}

// Overview runs all checkers, merges in pushed statuses, and reduces
// them to one overall status. A pushed status and a checker sharing a
// name contribute the worse of the two.
func (a *Aggregator) Overview(ctx context.Context) Overview {
	results := a.CheckAll(ctx)

	a.mu.RLock()
	for component, p := range a.statuses {
		r := Result{Status: p.status, Message: p.message, Timestamp: p.since}
		if existing, ok := results[component]; ok && existing.Status.Worse(p.status) {
			continue
		}
		results[component] = r
	}
	a.mu.RUnlock()

	return Overview{
		Status:     Overall(results),
		Components: results,
		CheckedAt:  time.Now(),
	}
}

// AsChecker exposes the aggregator itself as a single Checker, so a
// whole subsystem can appear as one component of a larger one.
func (a *Aggregator) AsChecker(name string) Checker {
	return CheckerFunc(name, func(ctx context.Context) Result {
		ov := a.Overview(ctx)
		details := make(map[string]any, len(ov.Components))
		for component, r := range ov.Components {
			details[component] = r.Status.String()
		}
		return Result{
			Status:  ov.Status,
			Message: "aggregate of " + name,
			Details: details,
		}
	})
}
