package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"mdcore/pkg/types"
)

// activeSlot is one running streaming provider, keyed by capability.
type activeSlot struct {
	descriptor types.ProviderDescriptor
	client     *StreamingProvider
	cancel     context.CancelFunc
}

// Orchestrator is the Plugin Orchestrator: it selects, starts, and
// fails over streaming providers per capability using the Provider
// Registry's best-available selection.
type Orchestrator struct {
	registry *Registry
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[types.Capability]*activeSlot
}

// NewOrchestrator builds an Orchestrator selecting providers from registry.
func NewOrchestrator(registry *Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		registry: registry,
		log:      logger.With("component", "orchestrator"),
		active:   make(map[types.Capability]*activeSlot),
	}
}

// Start readies the orchestrator to accept EnsureCapability calls. It must
// be called before EnsureCapability and paired with Stop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
}

// Stop cancels every running provider and waits for their goroutines to
// exit.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	o.mu.Lock()
	o.active = make(map[types.Capability]*activeSlot)
	o.mu.Unlock()
}

// Reconcile diffs the desired capability set against what is currently
// running: capabilities no longer desired are stopped, newly desired ones
// are started against the registry's best-available provider. kindOf maps
// a capability to the streaming-factory kind that should serve it.
func (o *Orchestrator) Reconcile(desired []types.Capability, kindOf func(types.Capability) string) {
	wanted := make(map[types.Capability]struct{}, len(desired))
	for _, c := range desired {
		wanted[c] = struct{}{}
	}

	o.mu.Lock()
	var toStop []types.Capability
	for cap := range o.active {
		if _, ok := wanted[cap]; !ok {
			toStop = append(toStop, cap)
		}
	}
	o.mu.Unlock()

	for _, cap := range toStop {
		o.StopCapability(cap)
	}

	for _, cap := range desired {
		o.mu.Lock()
		_, running := o.active[cap]
		o.mu.Unlock()
		if running {
			continue
		}
		if err := o.EnsureCapability(cap, kindOf(cap)); err != nil {
			o.log.Error("failed to start capability", "capability", cap, "error", err)
		}
	}
}

// EnsureCapability selects the best-available provider for cap, builds its
// streaming client via the registry, and runs it in the background. If the
// running provider's connection permanently fails, EnsureCapability retries
// with the next best-available provider (failover), skipping providers that
// have already failed for this capability in this process's lifetime.
func (o *Orchestrator) EnsureCapability(cap types.Capability, kind string) error {
	if o.ctx == nil {
		return fmt.Errorf("orchestrator not started")
	}

	o.mu.Lock()
	if _, ok := o.active[cap]; ok {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	descriptor, ok := o.registry.BestAvailable(o.ctx, cap)
	if !ok {
		return fmt.Errorf("no available provider for capability %s", cap)
	}

	client, err := o.registry.CreateStreamingClient(kind, descriptor)
	if err != nil {
		return fmt.Errorf("create streaming client for %s: %w", descriptor.ID, err)
	}

	ctx, cancel := context.WithCancel(o.ctx)
	slot := &activeSlot{descriptor: descriptor, client: client, cancel: cancel}

	o.mu.Lock()
	o.active[cap] = slot
	o.mu.Unlock()

	// attemptID ties this start attempt's "capability started", failure and
	// "failover exhausted" log lines together; the failover retry's own
	// start logs under a fresh ID.
	attemptID := uuid.NewString()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := client.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		o.log.Error("streaming provider failed, failing over", "attempt", attemptID, "provider", descriptor.ID, "capability", cap, "error", err)
		o.registry.Disable(descriptor.ID)

		o.mu.Lock()
		delete(o.active, cap)
		o.mu.Unlock()

		if retryErr := o.EnsureCapability(cap, kind); retryErr != nil {
			o.log.Error("failover exhausted", "attempt", attemptID, "capability", cap, "error", retryErr)
		}
	}()

	o.log.Info("capability started", "attempt", attemptID, "capability", cap, "provider", descriptor.ID)
	return nil
}

// StopCapability cancels and removes the active provider serving cap, if
// any.
func (o *Orchestrator) StopCapability(cap types.Capability) {
	o.mu.Lock()
	slot, ok := o.active[cap]
	if ok {
		delete(o.active, cap)
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	slot.cancel()
	o.log.Info("capability stopped", "capability", cap, "provider", slot.descriptor.ID)
}

// ActiveProviders returns a snapshot of which provider currently serves
// each running capability.
func (o *Orchestrator) ActiveProviders() map[types.Capability]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[types.Capability]string, len(o.active))
	for cap, slot := range o.active {
		out[cap] = slot.descriptor.ID
	}
	return out
}
