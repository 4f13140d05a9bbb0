// Package quotestore implements the Quote State Store: a symbol-keyed
// cache of the latest best-bid-offer quote, used by the Trade Collector to
// infer trade aggressor side. Purely in-memory — there is no history to
// persist, only the latest quote per symbol matters.
package quotestore

import (
	"sync"

	"mdcore/pkg/types"
)

// Store is a symbol → latest quote cache. Reads are concurrent; writes
// (Upsert) are serialized. Zero value is not usable; use New.
type Store struct {
	mu     sync.RWMutex
	quotes map[types.Symbol]types.MarketQuoteUpdate
}

// New builds an empty Store.
func New() *Store {
	return &Store{quotes: make(map[types.Symbol]types.MarketQuoteUpdate)}
}

// Upsert records quote as the latest for its symbol, replacing any prior
// value unconditionally — the store keeps no history.
func (s *Store) Upsert(quote types.MarketQuoteUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[quote.Symbol] = quote
}

// TryGet returns the latest quote for symbol, if one has ever been
// recorded.
func (s *Store) TryGet(symbol types.Symbol) (types.MarketQuoteUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// TryRemove deletes any recorded quote for symbol, reporting whether one
// existed.
func (s *Store) TryRemove(symbol types.Symbol) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.quotes[symbol]; !ok {
		return false
	}
	delete(s.quotes, symbol)
	return true
}

// Snapshot returns an immutable copy of the entire symbol→quote map.
func (s *Store) Snapshot() map[types.Symbol]types.MarketQuoteUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.Symbol]types.MarketQuoteUpdate, len(s.quotes))
	for k, v := range s.quotes {
		out[k] = v
	}
	return out
}
