// Package registry is the host task registry: the flat name -> handler
// table workers consult when they claim an execution of kind "task",
// distinct from pkg/stdlib's DSL-level dispatch table but deliberately
// shaped the same way.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rhythmhq/rhythm/pkg/rhythmerr"
)

// Handler executes one host task given its decoded inputs and returns a
// JSON-marshalable result. Returning an error fails the execution
// according to the retry policy on its execution row; wrap it in
// rhythmerr.TaskFailure{Retryable: false} to force a terminal failure
// regardless of remaining attempts.
type Handler func(ctx context.Context, inputs any) (any, error)

// Registry is safe for concurrent use: Register is expected at process
// start-up before workers begin claiming work, but is still locked since
// examples/tasks and test setups sometimes register lazily.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("registry: no task handler registered for %q: %w", name, rhythmerr.ErrNotFound)
	}
	return h, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
