// Package events provides sinks for resilience events.
//
// Sinks compose: Stamp assigns IDs, Fanout duplicates to several
// sinks, Async decouples emission from delivery with a bounded buffer,
// SlogSink writes structured logs, and OtelSink counts events as
// OpenTelemetry metrics. A typical wiring:
//
//	sink := events.Stamp(events.NewAsync(
//	    events.Fanout(events.NewSlogSink(logger), otelSink),
//	    events.AsyncConfig{Buffer: 1024},
//	))
//	facade := resilience.NewFacade(resilience.WithEventSink(sink))
package events
