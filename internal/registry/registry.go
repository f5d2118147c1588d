// Package registry maps job kinds to the code that executes them.
package registry

import (
	"context"
	"durableq/internal/models"
	"durableq/internal/payload"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoHandler is returned by Dispatch when a known kind has no registered handler
var ErrNoHandler = errors.New("no handler registered")

// HandlerFunc executes one decoded payload. A nil return means the job is done.
type HandlerFunc func(ctx context.Context, p payload.Payload) error

// Registry is safe for concurrent use
type Registry struct {
	mu       sync.RWMutex
	handlers map[payload.Kind]HandlerFunc
}

func New() *Registry {
	return &Registry{handlers: make(map[payload.Kind]HandlerFunc)}
}

// Register binds h to kind, replacing any earlier binding
func (r *Registry) Register(kind payload.Kind, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Handle registers a handler typed on a payload variant. The kind comes from
// the variant itself, so a handler cannot be bound to the wrong discriminator.
func Handle[T payload.Payload](r *Registry, fn func(ctx context.Context, p T) error) {
	var zero T
	kind := zero.Kind()

	r.Register(kind, func(ctx context.Context, p payload.Payload) error {
		typed, ok := p.(T)
		if !ok {
			return fmt.Errorf("handler for %s got %T", kind, p)
		}
		return fn(ctx, typed)
	})
}

// Lookup returns the handler bound to kind
func (r *Registry) Lookup(kind payload.Kind) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds in sorted order
func (r *Registry) Kinds() []payload.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]payload.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Dispatch decodes the job's payload and runs its handler.
// Unknown kinds, undecodable bodies and missing handlers come back as errors.
func (r *Registry) Dispatch(ctx context.Context, job *models.Job) error {
	kind := payload.Kind(job.Kind)

	p, err := payload.Decode(kind, job.Payload)
	if err != nil {
		return err
	}

	h, ok := r.Lookup(kind)
	if !ok {
		return fmt.Errorf("%w for kind %s", ErrNoHandler, kind)
	}
	return h(ctx, p)
}
