// Package subscription implements the Subscription Manager: tracks which
// symbols are subscribed for which stream kind (trades/depth/quotes/...),
// hands out never-reused ids drawn from a provider's reserved id range, and
// removes a symbol from a kind's set only once no subscription references
// it anymore.
package subscription

import (
	"sync"

	"mdcore/pkg/types"
)

type symbolKind struct {
	symbol types.Symbol
	kind   types.SubscriptionKind
}

// Manager is the Subscription Manager. Zero value is not usable; use New.
type Manager struct {
	mu sync.Mutex

	rangeStart int64
	counter    int64

	subs map[int64]types.Subscription
	refs map[symbolKind][]int64 // subscription ids referencing (symbol, kind)
	sets [5]map[types.Symbol]struct{}
}

// New builds a Manager whose ids are drawn from the 100,000-wide block
// starting at rangeStart (a multiple of types.SubscriptionRangeWidth).
func New(rangeStart int64) *Manager {
	m := &Manager{
		rangeStart: rangeStart,
		subs:       make(map[int64]types.Subscription),
		refs:       make(map[symbolKind][]int64),
	}
	for i := range m.sets {
		m.sets[i] = make(map[types.Symbol]struct{})
	}
	return m
}

// Subscribe registers symbol for kind, returning a fresh id that is never
// reused even after Unsubscribe.
func (m *Manager) Subscribe(symbol types.Symbol, kind types.SubscriptionKind, nowUnixNano int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.rangeStart + m.counter
	m.counter++

	m.subs[id] = types.Subscription{ID: id, Symbol: symbol, Kind: kind, SubscribedAt: nowUnixNano}
	key := symbolKind{symbol: symbol, kind: kind}
	m.refs[key] = append(m.refs[key], id)
	m.sets[kind][symbol] = struct{}{}
	return id
}

// Unsubscribe removes subscription id. The symbol is dropped from kind's
// set only if no other subscription still references (symbol, kind).
func (m *Manager) Unsubscribe(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return false
	}
	delete(m.subs, id)

	key := symbolKind{symbol: sub.Symbol, kind: sub.Kind}
	ids := m.refs[key]
	for i, existing := range ids {
		if existing == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.refs, key)
		delete(m.sets[sub.Kind], sub.Symbol)
	} else {
		m.refs[key] = ids
	}
	return true
}

// UnsubscribeSymbol removes every subscription (of any kind) referencing
// symbol.
func (m *Manager) UnsubscribeSymbol(symbol types.Symbol) {
	m.mu.Lock()
	var toRemove []int64
	for id, sub := range m.subs {
		if sub.Symbol == symbol {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toRemove {
		m.Unsubscribe(id)
	}
}

// IsSubscribed reports whether any subscription currently references
// (symbol, kind).
func (m *Manager) IsSubscribed(symbol types.Symbol, kind types.SubscriptionKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[kind][symbol]
	return ok
}

// Get returns the subscription registered under id, if any.
func (m *Manager) Get(id int64) (types.Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	return s, ok
}

// Count returns the number of currently active subscriptions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
