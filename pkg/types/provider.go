package types

// Capability enumerates a single thing a provider can do.
type Capability string

const (
	CapStreaming  Capability = "streaming"
	CapHistorical Capability = "historical"
	CapTrades     Capability = "trades"
	CapQuotes     Capability = "quotes"
	CapDepth      Capability = "depth"
	CapBars       Capability = "bars"
	CapDividends  Capability = "dividends"
	CapSplits     Capability = "splits"
)

// RateLimitPolicy describes a provider's published request budget; providers
// with no published limit leave this at its zero value.
type RateLimitPolicy struct {
	RequestsPerWindow int
	Window            string // e.g. "10s", free-form per provider documentation
}

// ProviderDescriptor is the static metadata a Provider Registry entry
// carries about a streaming or historical data source.
type ProviderDescriptor struct {
	ID                    string
	DisplayName           string
	Priority              int // lower sorts first / more preferred
	Capabilities          map[Capability]bool
	IsEnabled             bool
	SupportedMarkets      []string
	SupportedBarIntervals []string
	MaxSymbolsPerRequest  int
	RateLimitPolicy       RateLimitPolicy
}

// HasCapability reports whether the descriptor advertises cap.
func (d ProviderDescriptor) HasCapability(cap Capability) bool {
	return d.Capabilities[cap]
}

// SubscriptionKind is the stream flavor a Subscription tracks.
type SubscriptionKind int

const (
	SubTrades SubscriptionKind = iota
	SubDepth
	SubQuotes
	SubCandles
	SubOrderLog
)

func (k SubscriptionKind) String() string {
	switch k {
	case SubTrades:
		return "Trades"
	case SubDepth:
		return "Depth"
	case SubQuotes:
		return "Quotes"
	case SubCandles:
		return "Candles"
	case SubOrderLog:
		return "OrderLog"
	default:
		return "Unknown"
	}
}

// Subscription records one symbol/kind subscription owned by a provider.
type Subscription struct {
	ID            int64
	Symbol        Symbol
	Kind          SubscriptionKind
	SubscribedAt  int64 // unix nanos, set by the subscription manager
	ProviderID    string
}

// SubscriptionRangeWidth is the width of the id block each registered
// provider reserves for its own subscription ids.
const SubscriptionRangeWidth = 100_000

// ProviderForSubscriptionID is the pure function mapping a subscription id
// back to the provider range that minted it.
func ProviderForSubscriptionID(id int64) int64 {
	return (id / SubscriptionRangeWidth) * SubscriptionRangeWidth
}
