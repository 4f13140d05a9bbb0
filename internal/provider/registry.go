package provider

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"mdcore/pkg/types"
)

// AvailabilityChecker probes whether a registered provider is currently
// reachable for a specific capability (rate-limited, authenticated, etc).
type AvailabilityChecker func(ctx context.Context, d types.ProviderDescriptor) bool

// StreamingFactory builds a StreamingProvider for a registered streaming
// kind (vendor/protocol identifier, e.g. "binance-ws").
type StreamingFactory func(d types.ProviderDescriptor) (*StreamingProvider, error)

type entry struct {
	descriptor   types.ProviderDescriptor
	availability AvailabilityChecker
	dispose      func() error
}

// AlertFunc receives a human-readable monitoring alert, e.g. when a
// streaming provider is disabled.
type AlertFunc func(message string)

// Registry is the Provider Registry: a capability-indexed store of
// provider descriptors plus streaming-client factories, with
// priority-ordered best-available selection.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	log      *slog.Logger
	alert    AlertFunc

	factoriesMu sync.RWMutex
	factories   map[string]StreamingFactory
	defaultKind string
}

// New builds an empty Registry. alert receives monitoring alerts (may be
// nil to discard them).
func New(logger *slog.Logger, alert AlertFunc) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if alert == nil {
		alert = func(string) {}
	}
	return &Registry{
		entries:   make(map[string]*entry),
		factories: make(map[string]StreamingFactory),
		log:       logger.With("component", "provider-registry"),
		alert:     alert,
	}
}

// Register adds a provider descriptor. A descriptor with no ID is assigned
// a generated one, so a caller wiring up a provider ad hoc (e.g. from a
// config file that doesn't name an ID) doesn't have to invent one. Registering
// an id that already exists is idempotent: the old entry is replaced and a
// warning is logged.
func (r *Registry) Register(d types.ProviderDescriptor, availability AvailabilityChecker, dispose func() error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.ID]; exists {
		r.log.Warn("provider re-registered", "id", d.ID)
	}
	r.entries[d.ID] = &entry{descriptor: d, availability: availability, dispose: dispose}
}

// RegisterStreamingFactory associates kind with factory, replacing any
// existing factory registered under the same kind.
func (r *Registry) RegisterStreamingFactory(kind string, factory StreamingFactory) {
	r.factoriesMu.Lock()
	defer r.factoriesMu.Unlock()
	r.factories[kind] = factory
}

// SetDefaultStreamingKind designates the fallback kind CreateStreamingClient
// uses when the requested kind has no registered factory.
func (r *Registry) SetDefaultStreamingKind(kind string) {
	r.factoriesMu.Lock()
	defer r.factoriesMu.Unlock()
	r.defaultKind = kind
}

// CreateStreamingClient invokes the factory registered for kind. If none is
// registered, it falls back to the designated default kind; if there is no
// default either, it returns an error.
func (r *Registry) CreateStreamingClient(kind string, d types.ProviderDescriptor) (*StreamingProvider, error) {
	r.factoriesMu.RLock()
	factory, ok := r.factories[kind]
	defaultKind := r.defaultKind
	r.factoriesMu.RUnlock()

	if !ok {
		r.factoriesMu.RLock()
		factory, ok = r.factories[defaultKind]
		r.factoriesMu.RUnlock()
		if !ok {
			return nil, errNoStreamingFactory(kind)
		}
	}
	return factory(d)
}

// Providers returns the enabled providers advertising cap, ordered by
// priority ascending (lower priority value sorts first).
func (r *Registry) Providers(cap types.Capability) []types.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.ProviderDescriptor
	for _, e := range r.entries {
		if e.descriptor.IsEnabled && e.descriptor.HasCapability(cap) {
			out = append(out, e.descriptor)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// BestAvailable iterates enabled providers advertising cap in priority
// order and returns the first that passes its availability check.
func (r *Registry) BestAvailable(ctx context.Context, cap types.Capability) (types.ProviderDescriptor, bool) {
	r.mu.RLock()
	candidates := make([]*entry, 0)
	for _, e := range r.entries {
		if e.descriptor.IsEnabled && e.descriptor.HasCapability(cap) {
			candidates = append(candidates, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].descriptor.Priority < candidates[j].descriptor.Priority
	})

	for _, e := range candidates {
		if e.availability == nil || e.availability(ctx, e.descriptor) {
			return e.descriptor, true
		}
	}
	return types.ProviderDescriptor{}, false
}

// Enable marks a registered provider enabled.
func (r *Registry) Enable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.descriptor.IsEnabled = true
	}
}

// Disable marks a registered provider disabled. Disabling a provider that
// advertises streaming capability raises a monitoring alert.
func (r *Registry) Disable(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		e.descriptor.IsEnabled = false
	}
	r.mu.Unlock()

	if ok && e.descriptor.HasCapability(types.CapStreaming) {
		r.alert("streaming provider disabled: " + id)
	}
}

// Dispose calls every registered dispose function and collects any errors.
func (r *Registry) Dispose() []error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, e := range r.entries {
		if e.dispose == nil {
			continue
		}
		if err := e.dispose(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Health is a snapshot of the registry's provider population, surfaced to
// external health/dashboard consumers.
type Health struct {
	TotalProviders   int
	EnabledProviders int
	ByCapability     map[types.Capability]int
}

// Health returns a snapshot of the registry's current provider population.
func (r *Registry) Health() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := Health{ByCapability: make(map[types.Capability]int)}
	for _, e := range r.entries {
		h.TotalProviders++
		if e.descriptor.IsEnabled {
			h.EnabledProviders++
		}
		for cap, has := range e.descriptor.Capabilities {
			if has {
				h.ByCapability[cap]++
			}
		}
	}
	return h
}

type noStreamingFactoryError struct{ kind string }

func (e noStreamingFactoryError) Error() string {
	return "no streaming factory registered for kind " + e.kind + " and no default configured"
}

func errNoStreamingFactory(kind string) error { return noStreamingFactoryError{kind: kind} }
