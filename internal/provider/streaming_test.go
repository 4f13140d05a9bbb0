package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mdcore/pkg/types"
)

func TestSignalRateLimitedTransitionsState(t *testing.T) {
	t.Parallel()
	p := New(failHooks{}, DefaultConfig(), nil)
	if p.State() != Disconnected {
		t.Fatalf("State() = %v, want Disconnected before Run", p.State())
	}
	p.SignalRateLimited()
	if p.State() != RateLimited {
		t.Errorf("State() = %v, want RateLimited", p.State())
	}
}

// echoHooks dials a real httptest websocket server and hands every inbound
// frame to onMessage. The test server only relays frames; any special
// handling of a "RATE_LIMIT" frame is up to onMessage.
type echoHooks struct {
	p         *StreamingProvider
	serverURL string
	onMessage func(p *StreamingProvider, data []byte)
}

func (h *echoHooks) BuildURI() (string, error) { return h.serverURL, nil }
func (h *echoHooks) ConfigureSocket(conn *websocket.Conn) error { return nil }
func (h *echoHooks) Authenticate(ctx context.Context, conn *websocket.Conn) error { return nil }
func (h *echoHooks) HandleMessage(data []byte) {
	if h.onMessage != nil {
		h.onMessage(h.p, data)
	}
}
func (h *echoHooks) Resubscribe(ctx context.Context, conn *websocket.Conn, symbols []types.Symbol) error {
	return nil
}

func waitForState(t *testing.T, p *StreamingProvider, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if p.State() == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v, last seen %v", want, p.State())
		}
	}
}

// TestRateLimitedClearsOnNextSuccessfulRead drives a real connect/read loop
// against an httptest websocket server: a "RATE_LIMIT" frame triggers
// SignalRateLimited from within HandleMessage, and the following frame must
// restore Streaming once it's read.
func TestRateLimitedClearsOnNextSuccessfulRead(t *testing.T) {
	t.Parallel()
	upgrader := websocket.Upgrader{}
	sendCh := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for msg := range sendCh {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	defer close(sendCh)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	hooks := &echoHooks{serverURL: wsURL}
	hooks.onMessage = func(p *StreamingProvider, data []byte) {
		if string(data) == "RATE_LIMIT" {
			p.SignalRateLimited()
		}
	}
	p := New(hooks, DefaultConfig(), nil)
	hooks.p = p

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitForState(t, p, Streaming, time.Second)

	sendCh <- "RATE_LIMIT"
	waitForState(t, p, RateLimited, time.Second)

	sendCh <- "resume"
	waitForState(t, p, Streaming, time.Second)
}

func TestSignalRateLimitedDoesNotBlock(t *testing.T) {
	t.Parallel()
	p := New(failHooks{}, DefaultConfig(), nil)
	done := make(chan struct{})
	go func() {
		p.SignalRateLimited()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SignalRateLimited did not return")
	}
	if p.State() != RateLimited {
		t.Fatal("expected RateLimited state after signal")
	}
}
