// Package depth implements the Depth Collector: Level-2 order book
// reconstruction from Insert/Update/Delete deltas, sequence-continuity
// checking, and staleness/resync semantics.
//
// This is the hardest of the core collectors. It maintains a per-symbol
// mutex discipline and staleness tracking, but the position-indexed
// Insert/Update/Delete/reindex semantics and sequence-gap detection are new
// — a naive mirror only ever replaces whole snapshots, it never
// applies positional deltas.
package depth

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mdcore/internal/bus"
	"mdcore/pkg/types"
)

// MaxDepth is the deepest level retained per book side.
const MaxDepth = 50

// IntegrityQueueCapacity bounds the collector-wide recent-integrity-failure
// ring used for diagnostics.
const IntegrityQueueCapacity = 100

// SubscriptionChecker gates which symbols the collector accepts depth
// updates for. A nil checker (the default) accepts every symbol —
// equivalent to auto-subscribing a symbol on first use.
type SubscriptionChecker func(symbol types.Symbol) bool

// symbolBook is the single-writer-owned reconstructed book for one symbol.
type symbolBook struct {
	mu                 sync.Mutex
	bids               []types.OrderBookLevel
	asks               []types.OrderBookLevel
	stale              bool
	lastStreamID       string
	lastVenue          string
	ingestSeqCounter   int64
	lastAppliedSeq     int64
	lastErrorDesc      string
}

// IntegrityRecord is one entry in the collector's bounded recent-failures
// queue.
type IntegrityRecord struct {
	Symbol      types.Symbol
	Reason      types.IntegrityReason
	Description string
	StreamID    string
	Venue       string
}

// Collector is the Depth Collector. Zero value is not usable; use New.
type Collector struct {
	bus        *bus.Bus
	checker    SubscriptionChecker

	mu     sync.RWMutex
	books  map[types.Symbol]*symbolBook

	failuresMu sync.Mutex
	failures   []IntegrityRecord // ring, oldest overwritten at capacity
	failureIdx int
	failureLen int
}

// Option configures a Collector at construction time.
type Option func(*Collector)

// WithSubscriptionChecker installs a gate deciding which symbols are
// accepted; without one, every symbol is auto-subscribed.
func WithSubscriptionChecker(checker SubscriptionChecker) Option {
	return func(c *Collector) { c.checker = checker }
}

// New builds a Depth Collector publishing onto b.
func New(b *bus.Bus, opts ...Option) *Collector {
	c := &Collector{
		bus:      b,
		books:    make(map[types.Symbol]*symbolBook),
		failures: make([]IntegrityRecord, IntegrityQueueCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) bookFor(symbol types.Symbol) *symbolBook {
	c.mu.RLock()
	b, ok := c.books[symbol]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.books[symbol]; ok {
		return b
	}
	b = &symbolBook{lastAppliedSeq: 0}
	c.books[symbol] = b
	return b
}

// OnDepth processes one inbound depth delta.
func (c *Collector) OnDepth(update types.MarketDepthUpdate) {
	symbol, err := types.NewSymbol(string(update.Symbol))
	if err != nil {
		c.fail(update.Symbol, types.ReasonInvalidSymbol, update.StreamID, update.Venue, err.Error())
		return
	}
	update.Symbol = symbol
	if c.checker != nil && !c.checker(update.Symbol) {
		return
	}

	book := c.bookFor(update.Symbol)
	book.mu.Lock()

	if book.stale {
		book.mu.Unlock()
		c.fail(update.Symbol, types.ReasonStale, update.StreamID, update.Venue, "Reset required")
		return
	}

	levels := &book.bids
	if update.Side == types.SideAsk {
		levels = &book.asks
	}

	if reason, desc, ok := applyOperation(levels, update); !ok {
		book.stale = true
		book.lastErrorDesc = desc
		book.mu.Unlock()
		c.fail(update.Symbol, reason, update.StreamID, update.Venue, desc)
		return
	}

	if update.SequenceNumber > 0 {
		switch {
		case update.SequenceNumber == book.lastAppliedSeq:
			book.stale = true
			book.mu.Unlock()
			c.fail(update.Symbol, types.ReasonOutOfOrder, update.StreamID, update.Venue, "duplicate sequence number")
			return
		case update.SequenceNumber < book.lastAppliedSeq:
			book.stale = true
			book.mu.Unlock()
			c.fail(update.Symbol, types.ReasonOutOfOrder, update.StreamID, update.Venue, "sequence regressed")
			return
		case update.SequenceNumber > book.lastAppliedSeq+1:
			book.stale = true
			book.lastAppliedSeq = update.SequenceNumber
			book.mu.Unlock()
			c.fail(update.Symbol, types.ReasonSequenceGap, update.StreamID, update.Venue, "gap in upstream sequence")
			return
		default:
			book.lastAppliedSeq = update.SequenceNumber
		}
	} else {
		book.ingestSeqCounter++
		book.lastAppliedSeq = book.ingestSeqCounter
	}

	book.lastStreamID = update.StreamID
	book.lastVenue = update.Venue

	snapshot := buildSnapshot(update.Symbol, book, update.Timestamp)
	book.mu.Unlock()

	c.bus.TryPublish(types.NewMarketEvent(types.EventL2Snapshot, update.Symbol, snapshot, update.Venue))
}

// applyOperation applies update to levels in place, returning (reason,
// description, false) on a position-integrity failure. The caller holds
// book.mu.
func applyOperation(levels *[]types.OrderBookLevel, update types.MarketDepthUpdate) (types.IntegrityReason, string, bool) {
	count := len(*levels)
	switch update.Operation {
	case types.DepthOpInsert:
		if update.Position < 0 || update.Position > count {
			return types.ReasonSequenceGap, "insert position out of range", false
		}
		level := types.OrderBookLevel{Side: update.Side, Level: update.Position, Price: update.Price, Size: update.Size, MarketMaker: update.MarketMaker}
		next := make([]types.OrderBookLevel, 0, count+1)
		next = append(next, (*levels)[:update.Position]...)
		next = append(next, level)
		next = append(next, (*levels)[update.Position:]...)
		reindex(next)
		if len(next) > MaxDepth {
			next = next[:MaxDepth]
		}
		*levels = next
		return "", "", true

	case types.DepthOpUpdate:
		if update.Position < 0 || update.Position >= count {
			return types.ReasonOutOfOrder, "update position absent", false
		}
		(*levels)[update.Position].Price = update.Price
		(*levels)[update.Position].Size = update.Size
		(*levels)[update.Position].MarketMaker = update.MarketMaker
		return "", "", true

	case types.DepthOpDelete:
		if update.Position < 0 || update.Position >= count {
			return types.ReasonInvalidPosition, "delete position absent", false
		}
		next := make([]types.OrderBookLevel, 0, count-1)
		next = append(next, (*levels)[:update.Position]...)
		next = append(next, (*levels)[update.Position+1:]...)
		reindex(next)
		*levels = next
		return "", "", true

	default:
		return types.ReasonUnknownOperation, "unrecognized depth operation", false
	}
}

func reindex(levels []types.OrderBookLevel) {
	for i := range levels {
		levels[i].Level = i
	}
}

func buildSnapshot(symbol types.Symbol, book *symbolBook, ts time.Time) types.LOBSnapshot {
	bids := make([]types.OrderBookLevel, len(book.bids))
	copy(bids, book.bids)
	asks := make([]types.OrderBookLevel, len(book.asks))
	copy(asks, book.asks)

	snap := types.LOBSnapshot{
		Timestamp:      ts,
		Symbol:         symbol,
		Bids:           bids,
		Asks:           asks,
		MarketState:    types.MarketStateNormal,
		SequenceNumber: book.lastAppliedSeq,
		StreamID:       book.lastStreamID,
		Venue:          book.lastVenue,
	}
	if book.stale {
		snap.MarketState = types.MarketStateUnknown
	}
	if len(bids) > 0 && len(asks) > 0 {
		mid := bids[0].Price.Add(asks[0].Price).Div(decimal.NewFromInt(2))
		snap.Mid = &mid

		micro := microPrice(bids[0], asks[0])
		snap.MicroPrice = &micro

		denom := bids[0].Size.Add(asks[0].Size)
		if !denom.IsZero() {
			imb := bids[0].Size.Sub(asks[0].Size).Div(denom)
			snap.Imbalance = &imb
		}
	}
	return snap
}

// microPrice weights the top-of-book mid by opposing size, per the common
// microprice formula: (bidPrice*askSize + askPrice*bidSize) / (bidSize+askSize).
func microPrice(bid, ask types.OrderBookLevel) decimal.Decimal {
	denom := bid.Size.Add(ask.Size)
	if denom.IsZero() {
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
	}
	num := bid.Price.Mul(ask.Size).Add(ask.Price.Mul(bid.Size))
	return num.Div(denom)
}

func (c *Collector) fail(symbol types.Symbol, reason types.IntegrityReason, streamID, venue, description string) {
	c.record(IntegrityRecord{Symbol: symbol, Reason: reason, Description: description, StreamID: streamID, Venue: venue})

	c.bus.TryPublish(types.NewMarketEvent(types.EventDepthIntegrity, symbol, types.DepthIntegrityEvent{
		Reason: reason, Symbol: symbol, StreamID: streamID, Venue: venue, Description: description,
	}, venue))
	c.bus.TryPublish(types.NewMarketEvent(types.EventResyncRequested, symbol, types.ResyncRequestedEvent{
		Symbol: symbol, Reason: reason, StreamID: streamID, Venue: venue, Description: description,
	}, venue))
}

func (c *Collector) record(rec IntegrityRecord) {
	c.failuresMu.Lock()
	defer c.failuresMu.Unlock()
	c.failures[c.failureIdx] = rec
	c.failureIdx = (c.failureIdx + 1) % len(c.failures)
	if c.failureLen < len(c.failures) {
		c.failureLen++
	}
}

// RecentFailures returns up to n of the most recently recorded integrity
// failures, newest first.
func (c *Collector) RecentFailures(n int) []IntegrityRecord {
	c.failuresMu.Lock()
	defer c.failuresMu.Unlock()
	if n > c.failureLen {
		n = c.failureLen
	}
	out := make([]IntegrityRecord, 0, n)
	idx := c.failureIdx - 1
	for i := 0; i < n; i++ {
		if idx < 0 {
			idx += len(c.failures)
		}
		out = append(out, c.failures[idx])
		idx--
	}
	return out
}

// Reset clears a symbol's stale flag, allowing subsequent updates to apply
// again. A stale stream only recovers via this explicit
// call — never automatically. Reset also empties both sides of the book but
// keeps the last applied sequence number, so the next sequenced update must
// continue from it.
func (c *Collector) Reset(symbol types.Symbol) {
	c.mu.RLock()
	book, ok := c.books[symbol]
	c.mu.RUnlock()
	if !ok {
		return
	}
	book.mu.Lock()
	defer book.mu.Unlock()
	book.stale = false
	book.bids = nil
	book.asks = nil
	book.lastErrorDesc = ""
}

// Snapshot returns a copy of the current book state for symbol, if known.
func (c *Collector) Snapshot(symbol types.Symbol) (types.LOBSnapshot, bool) {
	c.mu.RLock()
	book, ok := c.books[symbol]
	c.mu.RUnlock()
	if !ok {
		return types.LOBSnapshot{}, false
	}
	book.mu.Lock()
	defer book.mu.Unlock()
	return buildSnapshot(symbol, book, time.Now()), true
}
