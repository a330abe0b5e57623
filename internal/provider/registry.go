package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory creates a provider instance. Factories take no arguments; any
// dependencies are captured by the closure at registration time.
type Factory func() Provider

// Registry maps provider identifiers to factories. It is an explicit object
// owned by the engine's construction, not process-wide state; Reset exists
// for test isolation.
//
// Instances are memoized: Get returns the same instance for the same ID so
// per-provider state (an in-flight authorization, a cached client) survives
// across lookups.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Provider
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Provider),
		logger:    logger,
	}
}

// Register associates a factory with a provider ID, replacing any previous
// registration (and discarding its memoized instance).
func (r *Registry) Register(id string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[id] = factory
	delete(r.instances, id)

	r.logger.Debug("provider registered", slog.String("provider", id))
}

// Get returns the provider instance for the given ID, creating it on first
// use. Unknown IDs fail with a classified error naming the provider so the
// message is actionable.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.instances[id]; ok {
		return p, nil
	}

	factory, ok := r.factories[id]
	if !ok {
		return nil, NewError(KindUnknown, fmt.Sprintf("unknown provider %q", id))
	}

	p := factory()
	r.instances[id] = p

	return p, nil
}

// IsAvailable reports whether a factory is registered for the given ID.
func (r *Registry) IsAvailable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[id]

	return ok
}

// IDs returns the registered provider identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Reset removes all registrations and instances. For test harnesses.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories = make(map[string]Factory)
	r.instances = make(map[string]Provider)
}

// InitializeAll runs the bootstrap of every registered provider that has
// one. The first failure aborts, naming the provider.
func (r *Registry) InitializeAll(ctx context.Context) error {
	for _, id := range r.IDs() {
		p, err := r.Get(id)
		if err != nil {
			return err
		}

		b, ok := p.(Bootstrapper)
		if !ok {
			continue
		}

		if err := b.Bootstrap(ctx); err != nil {
			return fmt.Errorf("provider: bootstrapping %s: %w", id, err)
		}

		r.logger.Debug("provider bootstrapped", slog.String("provider", id))
	}

	return nil
}
