// Package engine wires the conveyor subsystems together: the broker
// pair (publisher and subscriber), the processor, the DLQ classifier
// and recorder, and the lock, idempotency, and checkpoint backends.
//
// Everything is explicitly constructed; there is no process-wide
// state, so tests build throwaway engines and production code decides
// its own lifecycle. The backend strategy is selected once at
// construction: a configured Redis address yields the durable Redis
// backends, otherwise everything runs in memory.
package engine
