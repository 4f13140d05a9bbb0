// Package trade implements the Trade Collector: per-stream sequence
// integrity checking, aggressor inference against the Quote State Store,
// a bounded per-symbol recent-trade ring, and rolling 1s/10s/60s order-flow
// statistics.
//
// (per-symbol state behind a small mutex, low contention) and on
// gurre-prime-fix-md-go's fixclient/tradestore.go fixed-capacity circular
// ring buffer algorithm, generalized here from FIX trades to
// types.MarketTradeUpdate.
package trade

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mdcore/internal/bus"
	"mdcore/internal/quotestore"
	"mdcore/pkg/types"
)

// RingCapacity is the depth of the per-symbol recent-trade ring
// (200 entries per symbol).
const RingCapacity = 200

// AggressorQuoteFreshness is the maximum age of a quote store entry for it
// to be used for aggressor inference.
const AggressorQuoteFreshness = 250 * time.Millisecond

// windowSpans are the rolling windows the collector maintains per symbol.
var windowSpans = [3]time.Duration{time.Second, 10 * time.Second, 60 * time.Second}

const statsWindowIndex = 1 // index of the 10s window within windowSpans

// continuityKey identifies one sequence-integrity stream:
// (symbol, streamID, venue).
type continuityKey struct {
	symbol   types.Symbol
	streamID string
	venue    string
}

type continuityState struct {
	mu           sync.Mutex
	hasSeen      bool
	lastSequence int64
}

// window accumulates trade samples for one rolling span, trimming entries
// older than the span on every Add.
type window struct {
	span       time.Duration
	samples    []sample
	buyVol     decimal.Decimal
	sellVol    decimal.Decimal
	unknownVol decimal.Decimal
	vwapNum    decimal.Decimal
	vwapDen    decimal.Decimal
	tradeCount int64
}

type sample struct {
	ts        time.Time
	size      decimal.Decimal
	priceSize decimal.Decimal
	aggressor types.Aggressor
}

func newWindow(span time.Duration) *window {
	return &window{
		span:       span,
		buyVol:     decimal.Zero,
		sellVol:    decimal.Zero,
		unknownVol: decimal.Zero,
		vwapNum:    decimal.Zero,
		vwapDen:    decimal.Zero,
	}
}

func (w *window) add(ts time.Time, price, size decimal.Decimal, aggressor types.Aggressor) {
	s := sample{ts: ts, size: size, priceSize: price.Mul(size), aggressor: aggressor}
	w.samples = append(w.samples, s)
	w.tradeCount++
	w.vwapNum = w.vwapNum.Add(s.priceSize)
	w.vwapDen = w.vwapDen.Add(size)
	switch aggressor {
	case types.AggressorBuy:
		w.buyVol = w.buyVol.Add(size)
	case types.AggressorSell:
		w.sellVol = w.sellVol.Add(size)
	default:
		w.unknownVol = w.unknownVol.Add(size)
	}
	w.evict(ts)
}

func (w *window) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for ; i < len(w.samples); i++ {
		if w.samples[i].ts.After(cutoff) {
			break
		}
		s := w.samples[i]
		w.tradeCount--
		w.vwapNum = w.vwapNum.Sub(s.priceSize)
		w.vwapDen = w.vwapDen.Sub(s.size)
		switch s.aggressor {
		case types.AggressorBuy:
			w.buyVol = w.buyVol.Sub(s.size)
		case types.AggressorSell:
			w.sellVol = w.sellVol.Sub(s.size)
		default:
			w.unknownVol = w.unknownVol.Sub(s.size)
		}
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

func (w *window) stats(symbol types.Symbol, now time.Time) types.OrderFlowStatistics {
	vwap := decimal.Zero
	if !w.vwapDen.IsZero() {
		vwap = w.vwapNum.Div(w.vwapDen)
	}
	denom := w.buyVol.Add(w.sellVol).Add(w.unknownVol)
	imbalance := decimal.Zero
	if !denom.IsZero() {
		imbalance = w.buyVol.Sub(w.sellVol).Div(denom)
	}
	return types.OrderFlowStatistics{
		Symbol:     symbol,
		Timestamp:  now,
		BuyVolume:  w.buyVol,
		SellVolume: w.sellVol,
		UnknownVol: w.unknownVol,
		VWAP:       vwap,
		Imbalance:  imbalance,
		TradeCount: w.tradeCount,
	}
}

// ring is a fixed-capacity circular array of recent trades, newest first on
// read.
type ring struct {
	buf   []types.MarketTradeUpdate
	head  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]types.MarketTradeUpdate, capacity)}
}

func (r *ring) push(t types.MarketTradeUpdate) {
	r.buf[r.head] = t
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// recent returns up to n trades, newest first.
func (r *ring) recent(n int) []types.MarketTradeUpdate {
	if n > r.count {
		n = r.count
	}
	out := make([]types.MarketTradeUpdate, 0, n)
	idx := r.head - 1
	for i := 0; i < n; i++ {
		if idx < 0 {
			idx += len(r.buf)
		}
		out = append(out, r.buf[idx])
		idx--
	}
	return out
}

type symbolState struct {
	mu      sync.Mutex
	ring    *ring
	windows [len(windowSpans)]*window
}

func newSymbolState() *symbolState {
	s := &symbolState{ring: newRing(RingCapacity)}
	for i, span := range windowSpans {
		s.windows[i] = newWindow(span)
	}
	return s
}

// Collector is the Trade Collector. Zero value is not usable; use New.
type Collector struct {
	bus    *bus.Bus
	quotes *quotestore.Store
	log    *slog.Logger

	continuityMu sync.RWMutex
	continuity   map[continuityKey]*continuityState
	// continuityOrder preserves insertion order so LastSequenceNumber's
	// "first matched continuity key" result is deterministic rather than
	// dependent on Go's randomized map iteration.
	continuityOrder []continuityKey

	symbolMu sync.RWMutex
	symbols  map[types.Symbol]*symbolState
}

// New builds a Trade Collector publishing onto b and consulting quotes for
// aggressor inference.
func New(b *bus.Bus, quotes *quotestore.Store, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Collector{
		bus:        b,
		quotes:     quotes,
		log:        logger.With("component", "trade_collector"),
		continuity: make(map[continuityKey]*continuityState),
		symbols:    make(map[types.Symbol]*symbolState),
	}
}

func (c *Collector) continuityFor(key continuityKey) *continuityState {
	c.continuityMu.RLock()
	st, ok := c.continuity[key]
	c.continuityMu.RUnlock()
	if ok {
		return st
	}

	c.continuityMu.Lock()
	defer c.continuityMu.Unlock()
	if st, ok := c.continuity[key]; ok {
		return st
	}
	st = &continuityState{lastSequence: -1}
	c.continuity[key] = st
	c.continuityOrder = append(c.continuityOrder, key)
	return st
}

func (c *Collector) symbolFor(symbol types.Symbol) *symbolState {
	c.symbolMu.RLock()
	st, ok := c.symbols[symbol]
	c.symbolMu.RUnlock()
	if ok {
		return st
	}

	c.symbolMu.Lock()
	defer c.symbolMu.Unlock()
	if st, ok := c.symbols[symbol]; ok {
		return st
	}
	st = newSymbolState()
	c.symbols[symbol] = st
	return st
}

// OnTrade processes one inbound trade update: sequence integrity, aggressor
// inference, ring buffer append, bus publication, and rolling-window
// statistics publication.
func (c *Collector) OnTrade(update types.MarketTradeUpdate) {
	symbol, err := types.NewSymbol(string(update.Symbol))
	if err != nil {
		c.publishIntegrity(update, types.ReasonInvalidSymbol, 0, 0, err.Error())
		return
	}
	update.Symbol = symbol
	if update.SequenceNumber < 0 {
		c.publishIntegrity(update, types.ReasonInvalidSequenceNumber, update.SequenceNumber, 0, "negative sequence number")
		return
	}

	key := continuityKey{symbol: update.Symbol, streamID: update.StreamID, venue: update.Venue}
	state := c.continuityFor(key)

	accepted, stale, expected := c.checkSequence(state, update.SequenceNumber)
	if !accepted {
		c.publishIntegrity(update, types.ReasonOutOfOrder, update.SequenceNumber, expected, "received sequence not greater than last accepted")
		return
	}
	if stale {
		c.publishIntegrity(update, types.ReasonSequenceGap, update.SequenceNumber, expected, "gap detected, expected next sequence "+formatSeq(expected))
		// Gap-flagged trades are still accepted and still advance stats,
		// only the integrity event signals the discontinuity.
	}

	update.Aggressor = c.inferAggressor(update)

	sym := c.symbolFor(update.Symbol)
	sym.mu.Lock()
	sym.ring.push(update)
	w10 := sym.windows[statsWindowIndex]
	c.bus.TryPublish(types.NewMarketEvent(types.EventTrade, update.Symbol, update, update.Venue))
	for _, w := range sym.windows {
		w.add(update.Timestamp, update.Price, update.Size, update.Aggressor)
	}
	stats := w10.stats(update.Symbol, update.Timestamp)
	sym.mu.Unlock()

	c.bus.TryPublish(types.NewMarketEvent(types.EventOrderFlow, update.Symbol, stats, update.Venue))
}

// checkSequence applies the sequence-integrity rule. The first
// update ever observed for a continuity key establishes its baseline and is
// always accepted without a gap flag, since there is no prior sequence to
// compare against.
func (c *Collector) checkSequence(state *continuityState, received int64) (accepted, stale bool, expected int64) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.hasSeen {
		state.hasSeen = true
		state.lastSequence = received
		return true, false, received
	}

	expected = state.lastSequence + 1
	switch {
	case received <= state.lastSequence:
		return false, false, expected
	case received == expected:
		state.lastSequence = received
		return true, false, expected
	default: // received > expected
		state.lastSequence = received
		return true, true, expected
	}
}

// inferAggressor applies the 250ms-quote-freshness inference rule. Only
// Unknown-aggressor updates are inferred; an already-tagged aggressor is
// left untouched.
func (c *Collector) inferAggressor(update types.MarketTradeUpdate) types.Aggressor {
	if update.Aggressor != types.AggressorUnknown {
		return update.Aggressor
	}
	quote, ok := c.quotes.TryGet(update.Symbol)
	if !ok {
		return types.AggressorUnknown
	}
	if update.Timestamp.Sub(quote.Timestamp) > AggressorQuoteFreshness {
		return types.AggressorUnknown
	}
	switch {
	case update.Price.GreaterThanOrEqual(quote.AskPrice):
		return types.AggressorBuy
	case update.Price.LessThanOrEqual(quote.BidPrice):
		return types.AggressorSell
	default:
		return types.AggressorUnknown
	}
}

func (c *Collector) publishIntegrity(update types.MarketTradeUpdate, reason types.IntegrityReason, offending, expected int64, description string) {
	evt := types.IntegrityEvent{
		Reason:            reason,
		Symbol:            update.Symbol,
		OffendingSequence: offending,
		ExpectedSequence:  expected,
		StreamID:          update.StreamID,
		Venue:             update.Venue,
		Description:       description,
	}
	c.bus.TryPublish(types.NewMarketEvent(types.EventIntegrity, update.Symbol, evt, update.Venue))
}

// LastSequenceNumber returns the last accepted sequence number recorded for
// symbol under any continuity key. If more than one (streamID, venue) pair
// exists for symbol, it reports the first one registered, not an aggregate
// across streams/venues.
func (c *Collector) LastSequenceNumber(symbol types.Symbol) (int64, bool) {
	c.continuityMu.RLock()
	defer c.continuityMu.RUnlock()
	for _, key := range c.continuityOrder {
		if key.symbol != symbol {
			continue
		}
		state := c.continuity[key]
		state.mu.Lock()
		seq, seen := state.lastSequence, state.hasSeen
		state.mu.Unlock()
		if seen {
			return seq, true
		}
	}
	return 0, false
}

// RecentTrades returns up to n of the most recent trades for symbol,
// newest first.
func (c *Collector) RecentTrades(symbol types.Symbol, n int) []types.MarketTradeUpdate {
	c.symbolMu.RLock()
	st, ok := c.symbols[symbol]
	c.symbolMu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ring.recent(n)
}

func formatSeq(seq int64) string {
	return strconv.FormatInt(seq, 10)
}
