package quotestore

import (
	"testing"

	"github.com/shopspring/decimal"

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

func TestUpsertAndTryGet(t *testing.T) {
	t.Parallel()

	s := New()
	symbol := mustSymbol(t, "aapl")

	if _, ok := s.TryGet(symbol); ok {
		t.Fatal("expected no quote before upsert")
	}

	q := types.MarketQuoteUpdate{Symbol: symbol, BidPrice: decimal.NewFromInt(100), AskPrice: decimal.NewFromInt(101)}
	s.Upsert(q)

	got, ok := s.TryGet(symbol)
	if !ok {
		t.Fatal("expected quote after upsert")
	}
	if !got.BidPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("BidPrice = %s, want 100", got.BidPrice)
	}

	q2 := types.MarketQuoteUpdate{Symbol: symbol, BidPrice: decimal.NewFromInt(102), AskPrice: decimal.NewFromInt(103)}
	s.Upsert(q2)
	got, _ = s.TryGet(symbol)
	if !got.BidPrice.Equal(decimal.NewFromInt(102)) {
		t.Errorf("second upsert did not replace: BidPrice = %s, want 102", got.BidPrice)
	}
}

func TestTryRemove(t *testing.T) {
	t.Parallel()

	s := New()
	symbol := mustSymbol(t, "AAPL")
	s.Upsert(types.MarketQuoteUpdate{Symbol: symbol})

	if !s.TryRemove(symbol) {
		t.Fatal("expected TryRemove to report existing quote")
	}
	if s.TryRemove(symbol) {
		t.Fatal("expected second TryRemove to report false")
	}
	if _, ok := s.TryGet(symbol); ok {
		t.Fatal("expected quote to be gone after TryRemove")
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	t.Parallel()

	s := New()
	symbol := mustSymbol(t, "AAPL")
	s.Upsert(types.MarketQuoteUpdate{Symbol: symbol, BidPrice: decimal.NewFromInt(1)})

	snap := s.Snapshot()
	s.Upsert(types.MarketQuoteUpdate{Symbol: symbol, BidPrice: decimal.NewFromInt(2)})

	if !snap[symbol].BidPrice.Equal(decimal.NewFromInt(1)) {
		t.Errorf("snapshot mutated by later upsert: BidPrice = %s, want 1", snap[symbol].BidPrice)
	}
}
