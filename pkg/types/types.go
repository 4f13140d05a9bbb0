// Package types defines the shared market-data vocabulary used across the
// ingestion core: symbols, trade/quote/depth updates, order book snapshots,
// and the MarketEvent envelope published onto the event bus.
//
// Price and size fields use decimal.Decimal rather than float64 so that
// downstream VWAP/imbalance/mid calculations never accumulate binary
// floating point error.
package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MaxSymbolLength is the longest a Symbol may be after trimming.
const MaxSymbolLength = 50

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9.\-_:/]+$`)

// Symbol is a validated, case-normalized instrument identifier.
type Symbol string

// NewSymbol trims and upper-cases raw, then validates it against the
// allowed character set and length limit. A zero-length or over-length
// symbol, or one containing disallowed characters, is rejected.
func NewSymbol(raw string) (Symbol, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("invalid symbol: empty")
	}
	if len(trimmed) > MaxSymbolLength {
		return "", fmt.Errorf("invalid symbol: %q exceeds %d characters", trimmed, MaxSymbolLength)
	}
	if !symbolPattern.MatchString(trimmed) {
		return "", fmt.Errorf("invalid symbol: %q contains disallowed characters", trimmed)
	}
	return Symbol(strings.ToUpper(trimmed)), nil
}

// String implements fmt.Stringer.
func (s Symbol) String() string { return string(s) }

// Aggressor identifies which side initiated a trade.
type Aggressor int

const (
	AggressorUnknown Aggressor = iota
	AggressorBuy
	AggressorSell
)

func (a Aggressor) String() string {
	switch a {
	case AggressorBuy:
		return "Buy"
	case AggressorSell:
		return "Sell"
	default:
		return "Unknown"
	}
}

// Side identifies a book side.
type Side int

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	if s == SideAsk {
		return "Ask"
	}
	return "Bid"
}

// DepthOperation is the mutation a MarketDepthUpdate applies to a book level.
type DepthOperation int

const (
	DepthOpInsert DepthOperation = iota
	DepthOpUpdate
	DepthOpDelete
	DepthOpUnknown
)

// MarketState reflects whether a symbol's book is trustworthy.
type MarketState int

const (
	MarketStateNormal MarketState = iota
	MarketStateUnknown
)

func (m MarketState) String() string {
	if m == MarketStateUnknown {
		return "Unknown"
	}
	return "Normal"
}

// MarketTradeUpdate is an immutable inbound trade print.
type MarketTradeUpdate struct {
	Timestamp      time.Time
	Symbol         Symbol
	Price          decimal.Decimal
	Size           decimal.Decimal
	Aggressor      Aggressor
	SequenceNumber int64
	StreamID       string
	Venue          string
}

// MarketQuoteUpdate is an immutable inbound best-bid-offer update.
type MarketQuoteUpdate struct {
	Timestamp      time.Time
	Symbol         Symbol
	BidPrice       decimal.Decimal
	BidSize        decimal.Decimal
	AskPrice       decimal.Decimal
	AskSize        decimal.Decimal
	SequenceNumber int64
	StreamID       string
	Venue          string
}

// MarketDepthUpdate is an immutable inbound Level-2 depth delta.
type MarketDepthUpdate struct {
	Timestamp      time.Time
	Symbol         Symbol
	Position       int
	Operation      DepthOperation
	Side           Side
	Price          decimal.Decimal
	Size           decimal.Decimal
	MarketMaker    string
	SequenceNumber int64
	StreamID       string
	Venue          string
}

// OrderBookLevel is one resting level in a reconstructed order book.
// Level 0 is top-of-book; Level mirrors the level's array position.
type OrderBookLevel struct {
	Side        Side
	Level       int
	Price       decimal.Decimal
	Size        decimal.Decimal
	MarketMaker string
}

// LOBSnapshot is an immutable point-in-time view of a symbol's reconstructed
// book, published after every accepted depth update.
type LOBSnapshot struct {
	Timestamp      time.Time
	Symbol         Symbol
	Bids           []OrderBookLevel
	Asks           []OrderBookLevel
	Mid            *decimal.Decimal
	MicroPrice     *decimal.Decimal
	Imbalance      *decimal.Decimal
	MarketState    MarketState
	SequenceNumber int64
	StreamID       string
	Venue          string
}

// OrderFlowStatistics summarizes buy/sell/unknown volume and VWAP over the
// trade collector's 10-second rolling window.
type OrderFlowStatistics struct {
	Symbol     Symbol
	Timestamp  time.Time
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
	UnknownVol decimal.Decimal
	VWAP       decimal.Decimal
	Imbalance  decimal.Decimal
	TradeCount int64
}

// IntegrityReason enumerates the taxonomy of recoverable domain errors
// reported as bus events rather than returned as Go errors.
type IntegrityReason string

const (
	ReasonInvalidSymbol         IntegrityReason = "InvalidSymbol"
	ReasonInvalidSequenceNumber IntegrityReason = "InvalidSequenceNumber"
	ReasonOutOfOrder            IntegrityReason = "OutOfOrder"
	ReasonSequenceGap           IntegrityReason = "SequenceGap"
	ReasonInvalidPosition       IntegrityReason = "InvalidPosition"
	ReasonStale                 IntegrityReason = "Stale"
	ReasonUnknownOperation      IntegrityReason = "Unknown"
	ReasonChecksumMismatch      IntegrityReason = "ChecksumMismatch"
	ReasonBufferOverflow        IntegrityReason = "BufferOverflow"
)

// IntegrityEvent is the payload of an Integrity MarketEvent: a rejected or
// flagged update, carrying enough context to diagnose the stream problem.
type IntegrityEvent struct {
	Reason            IntegrityReason
	Symbol             Symbol
	OffendingSequence  int64
	ExpectedSequence   int64
	StreamID           string
	Venue              string
	Description        string
}

// DepthIntegrityEvent is the payload of a DepthIntegrity MarketEvent.
type DepthIntegrityEvent struct {
	Reason      IntegrityReason
	Symbol      Symbol
	StreamID    string
	Venue       string
	Description string
}

// ResyncRequestedEvent is the payload of a ResyncRequested MarketEvent,
// asking the owning provider to re-subscribe and re-snapshot a symbol.
type ResyncRequestedEvent struct {
	Symbol      Symbol
	Reason      IntegrityReason
	StreamID    string
	Venue       string
	Description string
}

// OptionRight distinguishes calls from puts.
type OptionRight int

const (
	OptionCall OptionRight = iota
	OptionPut
)

func (r OptionRight) String() string {
	if r == OptionPut {
		return "P"
	}
	return "C"
}

// ContractKey uniquely identifies an option contract:
// underlying:yyyymmdd:right:strike(F2)
func ContractKey(underlying Symbol, expiry time.Time, right OptionRight, strike decimal.Decimal) string {
	return fmt.Sprintf("%s:%s:%s:%s", underlying, expiry.Format("20060102"), right, strike.StringFixed(2))
}

// ChainKey identifies all contracts sharing an underlying and expiry:
// underlying:yyyymmdd
func ChainKey(underlying Symbol, expiry time.Time) string {
	return fmt.Sprintf("%s:%s", underlying, expiry.Format("20060102"))
}

// OptionQuoteUpdate carries a top-of-book quote for a single contract.
type OptionQuoteUpdate struct {
	Timestamp time.Time
	Contract  string
	BidPrice  decimal.Decimal
	BidSize   decimal.Decimal
	AskPrice  decimal.Decimal
	AskSize   decimal.Decimal
}

// OptionTradeUpdate carries a print for a single contract.
type OptionTradeUpdate struct {
	Timestamp time.Time
	Contract  string
	Price     decimal.Decimal
	Size      decimal.Decimal
}

// OptionGreeksUpdate carries the latest computed Greeks for a contract.
type OptionGreeksUpdate struct {
	Timestamp  time.Time
	Contract   string
	Delta      decimal.Decimal
	Gamma      decimal.Decimal
	Theta      decimal.Decimal
	Vega       decimal.Decimal
	ImpliedVol decimal.Decimal
}

// OptionChainUpdate carries the set of contracts known for a chain key.
type OptionChainUpdate struct {
	Timestamp time.Time
	ChainKey  string
	Contracts []string
}

// OpenInterestUpdate carries the latest open interest for a contract.
type OpenInterestUpdate struct {
	Timestamp    time.Time
	Contract     string
	OpenInterest int64
}

// EventType discriminates the MarketEvent union.
type EventType string

const (
	EventTrade           EventType = "Trade"
	EventOrderFlow       EventType = "OrderFlow"
	EventBBO             EventType = "BBO"
	EventL2Snapshot      EventType = "L2Snapshot"
	EventDepthIntegrity  EventType = "DepthIntegrity"
	EventResyncRequested EventType = "ResyncRequested"
	EventIntegrity       EventType = "Integrity"
	EventOptionQuote     EventType = "OptionQuote"
	EventOptionTrade     EventType = "OptionTrade"
	EventOptionGreeks    EventType = "OptionGreeks"
	EventOptionChain     EventType = "OptionChain"
	EventOpenInterest    EventType = "OpenInterest"
	EventHeartbeat       EventType = "Heartbeat"
	EventError           EventType = "Error"
)

// MarketEvent is the immutable, discriminated-union envelope published onto
// the event bus. Payload holds one of the *Update/*Statistics/*Event structs
// above, keyed by Type.
type MarketEvent struct {
	Type      EventType
	Timestamp time.Time
	Symbol    Symbol
	Payload   any
	Source    string
}

// NewMarketEvent builds an envelope, stamping Timestamp with the current
// wall-clock time.
func NewMarketEvent(eventType EventType, symbol Symbol, payload any, source string) MarketEvent {
	return MarketEvent{
		Type:      eventType,
		Timestamp: timeNow(),
		Symbol:    symbol,
		Payload:   payload,
		Source:    source,
	}
}

// timeNow is indirected so tests can deterministically stamp events if ever
// needed; production code always uses wall-clock time.
var timeNow = time.Now
