package symboltrack

import (
	"testing"

	"mdcore/pkg/types"
)

func TestRegisterLookupRoundTrips(t *testing.T) {
	t.Parallel()
	tr := New()
	sub := types.Subscription{ID: 100_001, Symbol: "BTC-USD", Kind: types.SubTrades, ProviderID: "vendor-a"}
	tr.Register(sub)

	got, ok := tr.Lookup(100_001)
	if !ok {
		t.Fatal("expected subscription to be found")
	}
	if got.Symbol != "BTC-USD" || got.Kind != types.SubTrades {
		t.Errorf("got %+v, want symbol BTC-USD kind SubTrades", got)
	}
}

func TestLookupMissingIDReturnsFalse(t *testing.T) {
	t.Parallel()
	tr := New()
	if _, ok := tr.Lookup(1); ok {
		t.Error("expected lookup of unregistered id to fail")
	}
}

func TestProvidersForSymbolAggregatesAcrossSubscriptions(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.Register(types.Subscription{ID: 1, Symbol: "BTC-USD", Kind: types.SubTrades, ProviderID: "vendor-a"})
	tr.Register(types.Subscription{ID: 2, Symbol: "BTC-USD", Kind: types.SubDepth, ProviderID: "vendor-b"})
	tr.Register(types.Subscription{ID: 3, Symbol: "ETH-USD", Kind: types.SubTrades, ProviderID: "vendor-a"})

	got := tr.ProvidersForSymbol("BTC-USD")
	if len(got) != 2 || got[0] != "vendor-a" || got[1] != "vendor-b" {
		t.Errorf("ProvidersForSymbol(BTC-USD) = %v, want [vendor-a vendor-b]", got)
	}
}

func TestUnregisterDropsProviderOnlyWhenNoLongerReferenced(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.Register(types.Subscription{ID: 1, Symbol: "BTC-USD", Kind: types.SubTrades, ProviderID: "vendor-a"})
	tr.Register(types.Subscription{ID: 2, Symbol: "BTC-USD", Kind: types.SubDepth, ProviderID: "vendor-a"})

	tr.Unregister(1)
	got := tr.ProvidersForSymbol("BTC-USD")
	if len(got) != 1 || got[0] != "vendor-a" {
		t.Errorf("expected vendor-a still serving BTC-USD after one of two subscriptions removed, got %v", got)
	}

	tr.Unregister(2)
	if got := tr.ProvidersForSymbol("BTC-USD"); len(got) != 0 {
		t.Errorf("expected no providers left for BTC-USD, got %v", got)
	}
}

func TestSymbolsListsAllTrackedSymbolsSorted(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.Register(types.Subscription{ID: 1, Symbol: "ETH-USD", Kind: types.SubTrades, ProviderID: "vendor-a"})
	tr.Register(types.Subscription{ID: 2, Symbol: "BTC-USD", Kind: types.SubTrades, ProviderID: "vendor-a"})

	got := tr.Symbols()
	if len(got) != 2 || got[0] != "BTC-USD" || got[1] != "ETH-USD" {
		t.Errorf("Symbols() = %v, want [BTC-USD ETH-USD]", got)
	}
}

func TestCountReflectsRegisteredSubscriptions(t *testing.T) {
	t.Parallel()
	tr := New()
	if tr.Count() != 0 {
		t.Errorf("Count() = %d, want 0", tr.Count())
	}
	tr.Register(types.Subscription{ID: 1, Symbol: "BTC-USD", Kind: types.SubTrades, ProviderID: "vendor-a"})
	tr.Register(types.Subscription{ID: 2, Symbol: "ETH-USD", Kind: types.SubTrades, ProviderID: "vendor-a"})
	if tr.Count() != 2 {
		t.Errorf("Count() = %d, want 2", tr.Count())
	}
	tr.Unregister(1)
	if tr.Count() != 1 {
		t.Errorf("Count() = %d, want 1 after Unregister", tr.Count())
	}
}
