// Package telemetry provides OpenTelemetry tracing and metrics for amplifierd.
//
// Telemetry is disabled by default. When enabled, spans and metrics are
// exported over OTLP (gRPC or HTTP/protobuf) and the providers are installed
// globally so packages can build instruments with otel.Tracer/otel.Meter.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Failures while creating exporters degrade to no-op providers instead of
// failing startup. Tests use NewTestTelemetry for in-memory spans.
package telemetry
