// Package observability provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing for the engram server.
//
// All three are injected into components through constructors; nothing in
// this package installs process-global state except Prometheus metric
// registration and the OTel tracer provider.
package observability
