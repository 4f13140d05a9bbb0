// Package provider implements the WebSocket Provider Base, the Provider
// Registry, and the Plugin Orchestrator: the fabric that turns a concrete
// exchange/vendor websocket feed into collector-bound MarketEvents.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"mdcore/pkg/types"
)

// State is a StreamingProvider's connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Streaming
	Reconnecting
	RateLimited
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Streaming:
		return "Streaming"
	case Reconnecting:
		return "Reconnecting"
	case RateLimited:
		return "RateLimited"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Hooks is the set of template methods a concrete provider adapter supplies.
// BuildURI returns the endpoint to dial. ConfigureSocket runs immediately
// after a successful dial (sub-protocol/header setup). Authenticate runs the
// post-connect handshake, if any. HandleMessage parses one inbound frame and
// routes it to collectors (typically via an Event Bus publish); an adapter
// that recognizes a throttle/429 envelope there should call the owning
// StreamingProvider's SignalRateLimited. Resubscribe re-applies symbols
// after a reconnect.
type Hooks interface {
	BuildURI() (string, error)
	ConfigureSocket(conn *websocket.Conn) error
	Authenticate(ctx context.Context, conn *websocket.Conn) error
	HandleMessage(data []byte)
	Resubscribe(ctx context.Context, conn *websocket.Conn, symbols []types.Symbol) error
}

// Config tunes a StreamingProvider's heartbeat and reconnect behavior.
type Config struct {
	HeartbeatInterval      time.Duration
	HeartbeatTimeout       time.Duration
	RetryBaseDelay         time.Duration
	MaxRetryDelay          time.Duration
	MaxReconnectAttempts   int
	MessageChannelCapacity int
}

// DefaultConfig returns reasonable heartbeat/reconnect tunables.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:      30 * time.Second,
		HeartbeatTimeout:       60 * time.Second,
		RetryBaseDelay:         time.Second,
		MaxRetryDelay:          30 * time.Second,
		MaxReconnectAttempts:   10,
		MessageChannelCapacity: 1024,
	}
}

// StreamingProvider runs the connect/authenticate/receive/heartbeat/
// reconnect/resubscribe lifecycle common to every websocket-based provider,
// delegating protocol-specific behavior to Hooks.
type StreamingProvider struct {
	hooks Hooks
	cfg   Config
	log   *slog.Logger

	stateMu sync.RWMutex
	state   State

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu      sync.RWMutex
	subscribed map[types.Symbol]struct{}

	lastActivity  atomic.Int64 // unix nanos
	overflowCount atomic.Int64

	msgCh chan []byte
}

// New builds a StreamingProvider delegating protocol behavior to hooks.
func New(hooks Hooks, cfg Config, logger *slog.Logger) *StreamingProvider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg = DefaultConfig()
	}
	p := &StreamingProvider{
		hooks:      hooks,
		cfg:        cfg,
		log:        logger.With("component", "streaming-provider"),
		subscribed: make(map[types.Symbol]struct{}),
		msgCh:      make(chan []byte, cfg.MessageChannelCapacity),
	}
	p.lastActivity.Store(time.Now().UnixNano())
	return p
}

// State reports the provider's current lifecycle state.
func (p *StreamingProvider) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

func (p *StreamingProvider) setState(s State) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// OverflowCount reports how many inbound messages were dropped because the
// dispatch channel was full.
func (p *StreamingProvider) OverflowCount() int64 { return p.overflowCount.Load() }

// SignalRateLimited lets a concrete adapter report a rate-limit condition it
// detected while parsing an inbound message (a 429 envelope, a vendor
// throttle notice, ...), typically from within HandleMessage. The
// connection is left open; State reports RateLimited until the next
// successfully read message restores Streaming.
func (p *StreamingProvider) SignalRateLimited() {
	p.setState(RateLimited)
}

// Subscribe adds symbol to the tracked subscription set, re-applied
// automatically after every reconnect.
func (p *StreamingProvider) Subscribe(symbol types.Symbol) {
	p.subMu.Lock()
	p.subscribed[symbol] = struct{}{}
	p.subMu.Unlock()
}

// Unsubscribe removes symbol from the tracked subscription set.
func (p *StreamingProvider) Unsubscribe(symbol types.Symbol) {
	p.subMu.Lock()
	delete(p.subscribed, symbol)
	p.subMu.Unlock()
}

func (p *StreamingProvider) subscribedSymbols() []types.Symbol {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	out := make([]types.Symbol, 0, len(p.subscribed))
	for s := range p.subscribed {
		out = append(out, s)
	}
	return out
}

// Run connects and maintains the connection, reconnecting with
// exponential-backoff-plus-jitter on heartbeat timeout or read error. Blocks
// until ctx is cancelled or MaxReconnectAttempts is exceeded, in which case
// it transitions to Error and returns the last connection error.
func (p *StreamingProvider) Run(ctx context.Context) error {
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()
	go p.dispatchLoop(dispatchCtx)

	attempt := 0
	for {
		p.setState(Connecting)
		err := p.connectAndRead(ctx)
		if ctx.Err() != nil {
			p.setState(Disconnected)
			return ctx.Err()
		}

		attempt++
		if attempt > p.cfg.MaxReconnectAttempts {
			p.setState(Error)
			return fmt.Errorf("exceeded %d reconnect attempts: %w", p.cfg.MaxReconnectAttempts, err)
		}

		p.setState(Reconnecting)
		delay := p.backoff(attempt)
		p.log.Warn("provider disconnected, reconnecting", "error", err, "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (p *StreamingProvider) backoff(attempt int) time.Duration {
	base := p.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
	if base > p.cfg.MaxRetryDelay || base <= 0 {
		base = p.cfg.MaxRetryDelay
	}
	jitter := 0.8 + rand.Float64()*0.4 // ±20%
	return time.Duration(float64(base) * jitter)
}

func (p *StreamingProvider) connectAndRead(ctx context.Context) error {
	uri, err := p.hooks.BuildURI()
	if err != nil {
		return fmt.Errorf("build uri: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := p.hooks.ConfigureSocket(conn); err != nil {
		conn.Close()
		return fmt.Errorf("configure socket: %w", err)
	}

	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()
	defer func() {
		p.connMu.Lock()
		conn.Close()
		p.conn = nil
		p.connMu.Unlock()
	}()

	if err := p.hooks.Authenticate(ctx, conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	p.setState(Connected)
	p.recordActivity()

	if err := p.hooks.Resubscribe(ctx, conn, p.subscribedSymbols()); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	p.setState(Streaming)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go p.heartbeatMonitor(heartbeatCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		p.recordActivity()
		if p.State() == RateLimited {
			p.setState(Streaming)
		}
		p.enqueue(msg)
	}
}

func (p *StreamingProvider) enqueue(msg []byte) {
	select {
	case p.msgCh <- msg:
	default:
		// drop-oldest: make room for the newest message rather than stall
		// the socket reader.
		select {
		case <-p.msgCh:
		default:
		}
		select {
		case p.msgCh <- msg:
		default:
		}
		p.overflowCount.Add(1)
		p.log.Warn("message channel full, dropped oldest message")
	}
}

func (p *StreamingProvider) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.msgCh:
			p.hooks.HandleMessage(msg)
		}
	}
}

func (p *StreamingProvider) recordActivity() {
	p.lastActivity.Store(time.Now().UnixNano())
}

func (p *StreamingProvider) heartbeatMonitor(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, p.lastActivity.Load())
			if time.Since(last) > p.cfg.HeartbeatInterval+p.cfg.HeartbeatTimeout && p.State() == Streaming {
				p.log.Warn("heartbeat timeout, forcing reconnect")
				p.connMu.Lock()
				if p.conn == conn {
					conn.Close()
				}
				p.connMu.Unlock()
				return
			}
		}
	}
}

// Disconnect closes the active connection, if any, and clears tracked
// subscriptions.
func (p *StreamingProvider) Disconnect() error {
	p.connMu.Lock()
	var err error
	if p.conn != nil {
		err = p.conn.Close()
	}
	p.connMu.Unlock()

	p.subMu.Lock()
	p.subscribed = make(map[types.Symbol]struct{})
	p.subMu.Unlock()

	p.setState(Disconnected)
	return err
}
