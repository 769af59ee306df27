// Package observability exports processor-level counters through
// OpenTelemetry observable instruments. The Observer reads a stats
// snapshot on each collection cycle, so the processor keeps cheap
// atomics on its hot path and the metrics pipeline pulls at its own
// cadence.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
