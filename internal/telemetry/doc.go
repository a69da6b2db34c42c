// Package telemetry provides OpenTelemetry instrumentation for taskwise.
//
// # Overview
//
// This package implements distributed tracing and metrics collection using
// the OpenTelemetry Go SDK. Telemetry data is exported over OTLP to a
// collector; the detection pipeline's spans and the HTTP layer's meters all
// flow through the global providers installed here.
//
// # Usage
//
// Create a telemetry instance at startup:
//
//	cfg := telemetry.FromServiceConfig(svcCfg.Telemetry, "taskwised", version)
//	tel, err := telemetry.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: "grpc"
//	  insecure: true
//	  sample_rate: 1.0
//	  metric_interval: "15s"
//
// # Error Handling
//
// Telemetry failures do not crash the application. If a provider cannot be
// initialized the instance degrades gracefully and hands out no-op tracers
// and meters.
package telemetry
