// Package addon holds the name to handler table of host-registered commands.
package addon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/scope"
)

// Sentinel errors for registry misuse.
var (
	ErrRegistryFrozen = errors.New("addon registry is frozen")
	ErrDuplicateAddon = errors.New("addon already registered")
	ErrInvalidName    = errors.New("invalid addon name")
	ErrAddonNotFound  = errors.New("addon not found")
)

// Handler runs one addon invocation and returns the text to reply with.
// An empty string means no reply.
type Handler func(ctx context.Context, s *scope.AddonScope) (string, error)

// NotFoundError reports a lookup of an unregistered addon.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("addon %q is not registered", e.Name)
}

// Is matches ErrAddonNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrAddonNotFound
}

// ErrorKind labels the error in formatted output.
func (e *NotFoundError) ErrorKind() string {
	return "RegistryMisuse"
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrict makes Register panic instead of returning ErrRegistryFrozen.
// Development builds enable it so late registrations fail loudly.
func WithStrict(strict bool) Option {
	return func(r *Registry) {
		r.strict = strict
	}
}

// Registry maps addon names to handlers. It is filled during startup and
// frozen before the first request is served.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	names    []string
	frozen   bool
	strict   bool
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		if r.strict {
			panic(fmt.Sprintf("addon: Register(%q) after Freeze", name))
		}
		return fmt.Errorf("register %q: %w", name, ErrRegistryFrozen)
	}
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("register %q: %w", name, ErrInvalidName)
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", name)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateAddon)
	}

	r.handlers[name] = h
	r.names = append(r.names, name)
	return nil
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Get is like Lookup but returns a *NotFoundError for unknown names.
func (r *Registry) Get(name string) (Handler, error) {
	h, ok := r.Lookup(name)
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return h, nil
}

// Names lists registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Len returns the number of handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// Freeze ends the registration phase. It is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
