// Package symboltrack routes a provider-assigned subscription id back to the
// symbol/kind it was registered for, and exposes a read-only view of which
// providers currently serve each symbol.
package symboltrack

import (
	"sort"
	"sync"

	"mdcore/pkg/types"
)

// Tracker maps subscription id → full subscription record, the way a
// provider adapter needs to route an incoming wire message (keyed by
// whatever id it subscribed with) back to the symbol/kind a collector
// should apply it to. Zero value is not usable; use New.
type Tracker struct {
	mu sync.RWMutex

	byID     map[int64]types.Subscription
	bySymbol map[types.Symbol]map[string]struct{} // symbol -> set of provider ids currently serving it
}

// New builds an empty Tracker.
func New() *Tracker {
	return &Tracker{
		byID:     make(map[int64]types.Subscription),
		bySymbol: make(map[types.Symbol]map[string]struct{}),
	}
}

// Register records sub, making it resolvable by Lookup(sub.ID) and adding
// its provider to the symbol's serving-provider set. Re-registering an id
// already present replaces the prior record.
func (t *Tracker) Register(sub types.Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byID[sub.ID] = sub
	providers, ok := t.bySymbol[sub.Symbol]
	if !ok {
		providers = make(map[string]struct{})
		t.bySymbol[sub.Symbol] = providers
	}
	providers[sub.ProviderID] = struct{}{}
}

// Unregister removes a subscription id. If no other registered subscription
// for the same symbol still references the same provider, that provider is
// dropped from the symbol's serving-provider set.
func (t *Tracker) Unregister(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)

	stillReferenced := false
	for _, other := range t.byID {
		if other.Symbol == sub.Symbol && other.ProviderID == sub.ProviderID {
			stillReferenced = true
			break
		}
	}
	if !stillReferenced {
		if providers, ok := t.bySymbol[sub.Symbol]; ok {
			delete(providers, sub.ProviderID)
			if len(providers) == 0 {
				delete(t.bySymbol, sub.Symbol)
			}
		}
	}
}

// Lookup resolves a subscription id back to the symbol/kind/provider it was
// registered for.
func (t *Tracker) Lookup(id int64) (types.Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, ok := t.byID[id]
	return sub, ok
}

// ProvidersForSymbol returns, sorted for deterministic output, the ids of
// every provider currently serving at least one subscription for symbol.
func (t *Tracker) ProvidersForSymbol(symbol types.Symbol) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	providers, ok := t.bySymbol[symbol]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(providers))
	for id := range providers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Symbols returns every symbol with at least one tracked subscription,
// sorted for deterministic output.
func (t *Tracker) Symbols() []types.Symbol {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Symbol, 0, len(t.bySymbol))
	for symbol := range t.bySymbol {
		out = append(out, symbol)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of currently tracked subscription ids.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
