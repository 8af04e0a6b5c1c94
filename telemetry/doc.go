// Package telemetry wires OpenTelemetry tracing and metrics for the
// resilience engine. A Provider owns the SDK providers and hands out the
// tracer and meter that the facade and event sinks consume:
//
//	prov, err := telemetry.NewProvider(ctx, telemetry.Config{
//		ServiceName: "checkout",
//		Tracing:     telemetry.TracingConfig{Enabled: true, Exporter: "otlp", SamplePct: 0.1},
//		Metrics:     telemetry.MetricsConfig{Enabled: true, Exporter: "prometheus"},
//	})
//	if err != nil {
//		return err
//	}
//	defer prov.Shutdown(ctx)
//
//	sink, _ := events.NewOtelSink(prov.Meter())
//	facade := resilience.NewFacade(
//		resilience.WithTracer(prov.Tracer()),
//		resilience.WithEventSink(sink),
//	)
//
// When a subsystem is disabled the Provider returns no-op implementations,
// so callers never branch on configuration.
package telemetry
