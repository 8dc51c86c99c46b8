package inbox

import (
	"context"
	"fmt"
	"sync"

	"go.relaykit.dev/internal/store"
)

// Handler processes one inbox message. Handlers run inside the claim
// transaction on SQL backends, so they should be fast; the dispatcher's
// handler timeout bounds them either way.
type Handler interface {
	// EventType is the identity this handler is registered under
	EventType() string

	// Handle processes one message. A non-nil error fails the row.
	Handle(ctx context.Context, msg *store.InboxMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, msg *store.InboxMessage) error
}

func (h HandlerFunc) EventType() string { return h.Type }
func (h HandlerFunc) Handle(ctx context.Context, msg *store.InboxMessage) error {
	return h.Fn(ctx, msg)
}

// Registry maps event types to handlers. Built once at startup, read on
// the hot path; runtime registration is safe for concurrent readers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for its event type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.EventType()] = h
}

// Lookup returns the handler for an event type, or false.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// EventTypes lists the registered event types.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Factory constructs a handler. Embedding applications register
// factories under stable names (typically in an init function) so
// deployments can select handlers by name in configuration.
type Factory func() Handler

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory makes a handler constructor selectable by name.
func RegisterFactory(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = f
}

// BuildRegistry instantiates the named factories into a registry. An
// unknown name is a configuration error.
func BuildRegistry(names []string) (*Registry, error) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	r := NewRegistry()
	for _, name := range names {
		f, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown inbox handler %q", name)
		}
		r.Register(f())
	}
	return r, nil
}
