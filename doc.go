// Package conveyor is the reliable job-execution core of a multi-tenant
// automation platform. Jobs arrive at-least-once over an asynchronous
// broker; conveyor turns that weak delivery guarantee into the safety
// properties side-effecting work needs: at-most-once effect per logical
// operation, run-level mutual exclusion, bounded execution, and principled
// dead-lettering of poison and permanently failing messages.
//
// Conveyor is designed as a library, not a service. Import it, configure a
// broker backend, register handlers, and start the engine.
//
// # Quick Start
//
//	cfg := conveyor.DefaultConfig()
//	cfg.RedisAddr = "localhost:6379"
//	eng, err := engine.New(cfg, engine.WithLogger(logger))
//
// # Architecture
//
// Each subsystem lives in its own package: envelope (wire contract),
// broker (pub/sub with memory and Redis Streams backends), processor
// (the per-message reliability state machine), dlq (error classification
// and poison quarantine), lock / idempotency / checkpoint (coordination
// stores), flow (per-tenant rate limiting), middleware (execution
// cross-cuts), and engine (explicit wiring).
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package conveyor
