// Package bus implements the single logical, multi-producer Event Bus
// described by the ingestion core: a broadcast point every collector and
// provider publishes MarketEvents onto, and every downstream consumer
// (storage sinks, the WAL writer, external health feeds) subscribes to.
//
// (register/unregister/broadcast channels, per-client bounded outbox), but
// generalized from WebSocket clients to typed Subscriber funcs filtered by
// event type and symbol, and changed from "close the slow client" to the
// spec's drop-oldest backpressure policy with an overflow counter.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"mdcore/pkg/types"
)

// DefaultSubscriberCapacity is the default bound on a subscriber's inbox.
const DefaultSubscriberCapacity = 1024

// Filter decides whether a subscriber wants a given event. A nil Filter
// matches every event.
type Filter func(types.MarketEvent) bool

// EventTypeFilter matches events whose Type is in the given set.
func EventTypeFilter(types_ ...types.EventType) Filter {
	set := make(map[types.EventType]struct{}, len(types_))
	for _, t := range types_ {
		set[t] = struct{}{}
	}
	return func(e types.MarketEvent) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// SymbolFilter matches events for the given symbol only.
func SymbolFilter(symbol types.Symbol) Filter {
	return func(e types.MarketEvent) bool { return e.Symbol == symbol }
}

// subscriber is one registered consumer's bounded inbox.
type subscriber struct {
	id       uint64
	filter   Filter
	capacity int
	mu       sync.Mutex // serializes drop-oldest+push against concurrent publishers
	ch       chan types.MarketEvent
	overflow atomic.Int64
}

// Subscription is the handle returned by Subscribe. Events() yields the
// subscriber's inbox; Unsubscribe removes it from the bus and closes the
// channel.
type Subscription struct {
	id   uint64
	bus  *Bus
	sub  *subscriber
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan types.MarketEvent { return s.sub.ch }

// OverflowCount returns how many events this subscriber has dropped due to
// a full inbox.
func (s *Subscription) OverflowCount() int64 { return s.sub.overflow.Load() }

// Unsubscribe removes the subscription from the bus.
func (s *Subscription) Unsubscribe() { s.bus.unsubscribe(s.id) }

// Bus is the multi-producer broadcast point. Zero value is not usable; use
// New.
type Bus struct {
	log *slog.Logger

	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  atomic.Uint64

	sourceOverflow sync.Map // source string -> *atomic.Int64
}

// New builds a Bus. logger may be nil, in which case a discard logger is
// used.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		log:  logger.With("component", "bus"),
		subs: make(map[uint64]*subscriber),
	}
}

// Subscribe registers a new consumer. filter may be nil to receive every
// event. capacity<=0 uses DefaultSubscriberCapacity.
func (b *Bus) Subscribe(filter Filter, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = DefaultSubscriberCapacity
	}
	id := b.nextID.Add(1)
	sub := &subscriber{
		id:       id,
		filter:   filter,
		capacity: capacity,
		ch:       make(chan types.MarketEvent, capacity),
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return &Subscription{id: id, bus: b, sub: sub}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// TryPublish fans event out to every matching subscriber. Delivery is
// non-blocking per subscriber: a full inbox has its oldest event dropped to
// make room, and that subscriber's (and the event's source's) overflow
// counter is incremented. TryPublish itself never blocks and always
// reports true — acceptance onto the bus, not guaranteed delivery to every
// consumer, so one slow consumer never blocks publishers or other subscribers.
func (b *Bus) TryPublish(event types.MarketEvent) bool {
	b.mu.RLock()
	// Snapshot subscribers so we don't hold the bus lock while blocking on
	// a per-subscriber mutex.
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter == nil || sub.filter(event) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, event)
	}
	return true
}

func (b *Bus) deliver(sub *subscriber, event types.MarketEvent) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	select {
	case sub.ch <- event:
		return
	default:
	}

	// Inbox full: drop the oldest pending event, then push the new one.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- event:
	default:
		// Another goroutine drained/filled concurrently; count and move on
		// rather than spin, since sub.mu already serializes producers.
	}

	sub.overflow.Add(1)
	b.bumpSourceOverflow(event.Source)
	b.log.Warn("subscriber inbox overflow, dropped oldest event",
		"subscriber_id", sub.id, "event_type", event.Type, "source", event.Source)
}

func (b *Bus) bumpSourceOverflow(source string) {
	if source == "" {
		return
	}
	v, _ := b.sourceOverflow.LoadOrStore(source, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
}

// SourceOverflowCount returns the cumulative number of drop-oldest events
// attributable to the given provider/source name, across all subscribers.
func (b *Bus) SourceOverflowCount(source string) int64 {
	v, ok := b.sourceOverflow.Load(source)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// SubscriberCount reports the number of currently registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
