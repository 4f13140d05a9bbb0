package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mdcore/pkg/types"
)

// failHooks always fails BuildURI, so Run exhausts its reconnect budget
// quickly without ever touching the network.
type failHooks struct{}

func (failHooks) BuildURI() (string, error)                            { return "", errors.New("no endpoint in test") }
func (failHooks) ConfigureSocket(conn *websocket.Conn) error           { return nil }
func (failHooks) Authenticate(ctx context.Context, conn *websocket.Conn) error { return nil }
func (failHooks) HandleMessage(data []byte)                           {}
func (failHooks) Resubscribe(ctx context.Context, conn *websocket.Conn, symbols []types.Symbol) error {
	return nil
}

// slowFailConfig fails the first connect attempt immediately (BuildURI
// errors out) but backs off for long enough that a test's assertions run
// well before the background retry/failover goroutine fires again.
func slowFailConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = 10 * time.Second
	cfg.MaxRetryDelay = 10 * time.Second
	cfg.MaxReconnectAttempts = 100
	return cfg
}

func TestEnsureCapabilityFailsWithoutAvailableProvider(t *testing.T) {
	t.Parallel()
	r := New(nil, nil)
	o := NewOrchestrator(r, nil)
	o.Start(context.Background())
	defer o.Stop()

	if err := o.EnsureCapability(types.CapTrades, "vendor"); err == nil {
		t.Error("expected error when no provider advertises the capability")
	}
}

func TestEnsureCapabilityStartsAndTracksActiveProvider(t *testing.T) {
	t.Parallel()
	r := New(nil, nil)
	r.Register(descriptor("vendor-a", 1, types.CapTrades), nil, nil)
	r.RegisterStreamingFactory("vendor", func(d types.ProviderDescriptor) (*StreamingProvider, error) {
		return New(failHooks{}, slowFailConfig(), nil), nil
	})

	o := NewOrchestrator(r, nil)
	o.Start(context.Background())
	defer o.Stop()

	if err := o.EnsureCapability(types.CapTrades, "vendor"); err != nil {
		t.Fatalf("EnsureCapability: %v", err)
	}

	active := o.ActiveProviders()
	if active[types.CapTrades] != "vendor-a" {
		t.Errorf("active provider for trades = %q, want vendor-a", active[types.CapTrades])
	}
}

func TestStopCapabilityRemovesActiveProvider(t *testing.T) {
	t.Parallel()
	r := New(nil, nil)
	r.Register(descriptor("vendor-a", 1, types.CapTrades), nil, nil)
	r.RegisterStreamingFactory("vendor", func(d types.ProviderDescriptor) (*StreamingProvider, error) {
		return New(failHooks{}, slowFailConfig(), nil), nil
	})

	o := NewOrchestrator(r, nil)
	o.Start(context.Background())
	defer o.Stop()

	if err := o.EnsureCapability(types.CapTrades, "vendor"); err != nil {
		t.Fatalf("EnsureCapability: %v", err)
	}
	o.StopCapability(types.CapTrades)

	if _, ok := o.ActiveProviders()[types.CapTrades]; ok {
		t.Error("expected capability to be removed from active providers after StopCapability")
	}
}

func TestReconcileStopsUndesiredAndStartsDesiredCapabilities(t *testing.T) {
	t.Parallel()
	r := New(nil, nil)
	r.Register(descriptor("vendor-a", 1, types.CapTrades, types.CapDepth), nil, nil)
	r.RegisterStreamingFactory("vendor", func(d types.ProviderDescriptor) (*StreamingProvider, error) {
		return New(failHooks{}, slowFailConfig(), nil), nil
	})

	o := NewOrchestrator(r, nil)
	o.Start(context.Background())
	defer o.Stop()

	kindOf := func(types.Capability) string { return "vendor" }

	o.Reconcile([]types.Capability{types.CapTrades}, kindOf)
	if _, ok := o.ActiveProviders()[types.CapTrades]; !ok {
		t.Fatal("expected trades capability running after first reconcile")
	}

	o.Reconcile([]types.Capability{types.CapDepth}, kindOf)
	active := o.ActiveProviders()
	if _, ok := active[types.CapTrades]; ok {
		t.Error("expected trades capability stopped after reconcile dropped it")
	}
	if _, ok := active[types.CapDepth]; !ok {
		t.Error("expected depth capability started after reconcile added it")
	}
}
