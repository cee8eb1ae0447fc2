// Package worker runs the poll loops that drain queues: bounded
// concurrency per queue, lease renewal mid-flight, stalled-job
// reclamation, tenant-scoped handler contexts and graceful drain on
// shutdown.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/loom/queue"
)

// Handler executes one job type. Domain packages implement this so the
// worker infrastructure stays decoupled from domain logic.
//
// Handlers must be idempotent: delivery is at-least-once, and a
// reclaimed job re-runs from the start. Handlers should check
// ctx.Done() between units of work and return promptly when cancelled.
type Handler interface {
	// Execute runs the job, decoding its own payload from job.Payload.
	Execute(ctx context.Context, job *queue.Job) error

	// Name returns the job name this handler serves (e.g.
	// "webhook.deliver"). Used for registration and routing.
	Name() string
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	JobName string
	Fn      func(ctx context.Context, job *queue.Job) error
}

func (h HandlerFunc) Execute(ctx context.Context, job *queue.Job) error { return h.Fn(ctx, job) }
func (h HandlerFunc) Name() string                                      { return h.JobName }

// HandlerRegistry routes jobs to handlers by job name.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a job name.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Has checks if a handler is registered for a name.
func (r *HandlerRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[name]
	return exists
}

// Names returns all registered handler names.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
