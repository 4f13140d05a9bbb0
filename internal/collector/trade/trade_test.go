package trade

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mdcore/internal/bus"
	"mdcore/internal/quotestore"
	"mdcore/pkg/types"
)

func mustSymbol(t *testing.T, raw string) types.Symbol {
	t.Helper()
	sym, err := types.NewSymbol(raw)
	if err != nil {
		t.Fatalf("NewSymbol(%q): %v", raw, err)
	}
	return sym
}

func newTestCollector(t *testing.T) (*Collector, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	qs := quotestore.New()
	return New(b, qs, nil), b
}

func TestSequenceMonotonicAcceptsNoGap(t *testing.T) {
	t.Parallel()
	c, b := newTestCollector(t)
	sub := b.Subscribe(bus.EventTypeFilter(types.EventIntegrity), 16)
	symbol := mustSymbol(t, "AAPL")
	now := time.Now()

	for i := int64(0); i < 5; i++ {
		c.OnTrade(types.MarketTradeUpdate{
			Timestamp: now.Add(time.Duration(i) * time.Millisecond), Symbol: symbol,
			Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1), SequenceNumber: i,
		})
	}

	select {
	case evt := <-sub.Events():
		t.Fatalf("expected no integrity events for monotonic sequence, got %v", evt)
	default:
	}

	last, ok := c.LastSequenceNumber(symbol)
	if !ok || last != 4 {
		t.Errorf("LastSequenceNumber() = (%d, %v), want (4, true)", last, ok)
	}
}

func TestOutOfOrderDropsDuplicate(t *testing.T) {
	t.Parallel()
	c, b := newTestCollector(t)
	sub := b.Subscribe(bus.EventTypeFilter(types.EventIntegrity), 16)
	symbol := mustSymbol(t, "AAPL")
	now := time.Now()

	c.OnTrade(types.MarketTradeUpdate{Timestamp: now, Symbol: symbol, Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1), SequenceNumber: 5})
	c.OnTrade(types.MarketTradeUpdate{Timestamp: now, Symbol: symbol, Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1), SequenceNumber: 5})

	evt := <-sub.Events()
	ie := evt.Payload.(types.IntegrityEvent)
	if ie.Reason != types.ReasonOutOfOrder {
		t.Errorf("Reason = %v, want OutOfOrder", ie.Reason)
	}
}

func TestSequenceGapAcceptsAndMarksStale(t *testing.T) {
	t.Parallel()
	c, b := newTestCollector(t)
	integrity := b.Subscribe(bus.EventTypeFilter(types.EventIntegrity), 16)
	trades := b.Subscribe(bus.EventTypeFilter(types.EventTrade), 16)
	symbol := mustSymbol(t, "AAPL")
	now := time.Now()

	c.OnTrade(types.MarketTradeUpdate{Timestamp: now, Symbol: symbol, Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1), SequenceNumber: 1})
	c.OnTrade(types.MarketTradeUpdate{Timestamp: now, Symbol: symbol, Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1), SequenceNumber: 5})

	<-trades.Events() // first trade
	select {
	case <-trades.Events():
		// second (gapped) trade is still accepted and published
	case <-time.After(time.Second):
		t.Fatal("expected gapped trade to still be published")
	}

	evt := <-integrity.Events()
	ie := evt.Payload.(types.IntegrityEvent)
	if ie.Reason != types.ReasonSequenceGap {
		t.Errorf("Reason = %v, want SequenceGap", ie.Reason)
	}
	if ie.ExpectedSequence != 2 {
		t.Errorf("ExpectedSequence = %d, want 2", ie.ExpectedSequence)
	}

	last, _ := c.LastSequenceNumber(symbol)
	if last != 5 {
		t.Errorf("LastSequenceNumber() = %d, want 5 (gapped update still advances)", last)
	}
}

func TestAggressorInferenceBoundary(t *testing.T) {
	t.Parallel()
	c, _ := newTestCollector(t)
	qs := quotestore.New()
	c.quotes = qs
	symbol := mustSymbol(t, "AAPL")
	now := time.Now()

	qs.Upsert(types.MarketQuoteUpdate{Symbol: symbol, Timestamp: now, BidPrice: decimal.NewFromInt(100), AskPrice: decimal.NewFromInt(101)})

	tests := []struct {
		price decimal.Decimal
		want  types.Aggressor
	}{
		{decimal.NewFromInt(101), types.AggressorBuy},
		{decimal.NewFromInt(102), types.AggressorBuy},
		{decimal.NewFromInt(100), types.AggressorSell},
		{decimal.NewFromInt(99), types.AggressorSell},
		{decimal.NewFromFloat(100.5), types.AggressorUnknown},
	}
	for _, tt := range tests {
		update := types.MarketTradeUpdate{Timestamp: now, Symbol: symbol, Price: tt.price, Size: decimal.NewFromInt(1)}
		got := c.inferAggressor(update)
		if got != tt.want {
			t.Errorf("inferAggressor(price=%s) = %v, want %v", tt.price, got, tt.want)
		}
	}

	stale := types.MarketTradeUpdate{Timestamp: now.Add(300 * time.Millisecond), Symbol: symbol, Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1)}
	if got := c.inferAggressor(stale); got != types.AggressorUnknown {
		t.Errorf("inferAggressor() with stale quote = %v, want Unknown", got)
	}
}

func TestOrderFlowStatisticsFromTenSecondWindow(t *testing.T) {
	t.Parallel()
	c, b := newTestCollector(t)
	sub := b.Subscribe(bus.EventTypeFilter(types.EventOrderFlow), 16)
	symbol := mustSymbol(t, "AAPL")
	now := time.Now()

	c.OnTrade(types.MarketTradeUpdate{Timestamp: now, Symbol: symbol, Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(2), Aggressor: types.AggressorBuy, SequenceNumber: 1})
	c.OnTrade(types.MarketTradeUpdate{Timestamp: now, Symbol: symbol, Price: decimal.NewFromInt(102), Size: decimal.NewFromInt(1), Aggressor: types.AggressorSell, SequenceNumber: 2})

	<-sub.Events()
	evt := <-sub.Events()
	stats := evt.Payload.(types.OrderFlowStatistics)

	if !stats.BuyVolume.Equal(decimal.NewFromInt(2)) {
		t.Errorf("BuyVolume = %s, want 2", stats.BuyVolume)
	}
	if !stats.SellVolume.Equal(decimal.NewFromInt(1)) {
		t.Errorf("SellVolume = %s, want 1", stats.SellVolume)
	}
	wantVWAP := decimal.NewFromInt(100).Mul(decimal.NewFromInt(2)).Add(decimal.NewFromInt(102)).Div(decimal.NewFromInt(3))
	if !stats.VWAP.Equal(wantVWAP) {
		t.Errorf("VWAP = %s, want %s", stats.VWAP, wantVWAP)
	}
	if stats.TradeCount != 2 {
		t.Errorf("TradeCount = %d, want 2", stats.TradeCount)
	}
}

func TestRingBufferCapacityAndOrder(t *testing.T) {
	t.Parallel()
	c, _ := newTestCollector(t)
	symbol := mustSymbol(t, "AAPL")
	now := time.Now()

	for i := int64(0); i < int64(RingCapacity)+10; i++ {
		c.OnTrade(types.MarketTradeUpdate{Timestamp: now.Add(time.Duration(i) * time.Nanosecond), Symbol: symbol, Price: decimal.NewFromInt(i), Size: decimal.NewFromInt(1), SequenceNumber: i})
	}

	recent := c.RecentTrades(symbol, 3)
	if len(recent) != 3 {
		t.Fatalf("RecentTrades(3) returned %d trades", len(recent))
	}
	if !recent[0].Price.Equal(decimal.NewFromInt(int64(RingCapacity) + 9)) {
		t.Errorf("newest trade price = %s, want %d", recent[0].Price, RingCapacity+9)
	}
}

func TestInvalidSymbolAndNegativeSequenceRejected(t *testing.T) {
	t.Parallel()
	c, b := newTestCollector(t)
	sub := b.Subscribe(bus.EventTypeFilter(types.EventIntegrity), 16)
	now := time.Now()

	c.OnTrade(types.MarketTradeUpdate{Timestamp: now, Symbol: "", SequenceNumber: 1})
	evt := <-sub.Events()
	if evt.Payload.(types.IntegrityEvent).Reason != types.ReasonInvalidSymbol {
		t.Errorf("expected InvalidSymbol for empty symbol")
	}

	symbol := mustSymbol(t, "AAPL")
	c.OnTrade(types.MarketTradeUpdate{Timestamp: now, Symbol: symbol, SequenceNumber: -1})
	evt = <-sub.Events()
	if evt.Payload.(types.IntegrityEvent).Reason != types.ReasonInvalidSequenceNumber {
		t.Errorf("expected InvalidSequenceNumber for negative sequence")
	}
}

func TestMalformedSymbolRejected(t *testing.T) {
	t.Parallel()
	c, b := newTestCollector(t)
	sub := b.Subscribe(bus.EventTypeFilter(types.EventIntegrity), 16)
	now := time.Now()

	tooLong := types.Symbol(strings.Repeat("A", types.MaxSymbolLength+1))
	c.OnTrade(types.MarketTradeUpdate{Timestamp: now, Symbol: tooLong, SequenceNumber: 1})
	evt := <-sub.Events()
	if evt.Payload.(types.IntegrityEvent).Reason != types.ReasonInvalidSymbol {
		t.Errorf("expected InvalidSymbol for over-length symbol")
	}

	c.OnTrade(types.MarketTradeUpdate{Timestamp: now, Symbol: "AAPL!", SequenceNumber: 1})
	evt = <-sub.Events()
	if evt.Payload.(types.IntegrityEvent).Reason != types.ReasonInvalidSymbol {
		t.Errorf("expected InvalidSymbol for disallowed character")
	}
}
