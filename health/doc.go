// Package health tracks and aggregates component health.
//
// Health arrives two ways: components push status updates with
// SetStatus (the resilience facade does this on circuit breaker
// transitions), and registered Checkers are pulled on demand. The
// Aggregator merges both views and reduces them to a single overall
// status with worst-of semantics: any unhealthy component makes the
// whole unhealthy, any degraded component makes it degraded, and an
// empty aggregator reports healthy.
//
// # Basic Usage
//
//	agg := health.NewAggregator()
//	agg.Register("database", health.CheckerFunc("database", pingDB))
//	agg.SetStatus("payments", health.StatusDegraded, "circuit breaker probing")
//
//	ov := agg.Overview(ctx)
//	if ov.Status == health.StatusUnhealthy {
//	    // fail the readiness probe
//	}
//
// # HTTP Endpoints
//
// Handlers for the usual probe shapes are included:
//
//	mux.Handle("/healthz", health.LivenessHandler())
//	mux.Handle("/readyz", health.ReadinessHandler(agg))
//	mux.Handle("/health", health.DetailedHandler(agg))
package health
