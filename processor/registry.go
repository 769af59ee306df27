package processor

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/conveyorhq/conveyor/envelope"
)

// Handler executes one job. The returned output is stored in the
// idempotency record and surfaced in the result; a returned error marks
// the attempt failed. Handlers must tolerate abandoned-but-still-running
// execution after a timeout, so side effects should be idempotent.
type Handler func(ctx context.Context, j *envelope.WorkerJob, jc *JobContext) (json.RawMessage, error)

// Registry maps job-type strings to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for a job type, replacing any existing one.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Get returns the handler for a job type.
func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// RegisterBuiltins adds the pipeline-validation handlers: "noop"
// succeeds with no output, "echo" returns the payload unchanged.
func RegisterBuiltins(r *Registry) {
	r.Register("noop", func(context.Context, *envelope.WorkerJob, *JobContext) (json.RawMessage, error) {
		return nil, nil
	})
	r.Register("echo", func(_ context.Context, j *envelope.WorkerJob, _ *JobContext) (json.RawMessage, error) {
		return j.Payload, nil
	})
}
