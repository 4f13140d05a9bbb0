// Package replay implements the Replay Pipeline: a filtered, speed-controlled
// reader of persisted JSONL(.gz) event files that re-publishes decoded
// MarketEvents, e.g. back onto the live event bus for backtesting or
// incident reconstruction.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"mdcore/internal/storage"
	"mdcore/pkg/types"
)

// Publisher receives each replayed event in order, e.g. Bus.TryPublish.
type Publisher func(types.MarketEvent) bool

// Options filters and paces a single Replay call.
type Options struct {
	Symbols         []types.Symbol
	EventTypes      []types.EventType
	From            time.Time
	To              time.Time
	SpeedMultiplier float64 // 0 (or unset) = max speed, no inter-event delay
	PublishToSink   storage.Sink
	MaxEvents       int64 // 0 = unbounded
}

// Stats accumulates over one Replay call.
type Stats struct {
	Replayed       int64
	Skipped        int64
	Errored        int64
	BytesRead      int64
	FirstTimestamp time.Time
	LastTimestamp  time.Time
	Elapsed        time.Duration
}

// EventsPerSecond derives throughput from Replayed and Elapsed; it returns 0
// if no time has elapsed yet.
func (s Stats) EventsPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Replayed) / s.Elapsed.Seconds()
}

var errAlreadyRunning = errors.New("replay already in progress")

// Player runs at most one Replay at a time and supports cooperative
// pause/resume at event boundaries.
type Player struct {
	log *slog.Logger

	mu        sync.Mutex
	running   bool
	paused    bool
	resumeSig chan struct{}
}

// New builds a Player. logger may be nil, in which case a discard logger is
// used.
func New(logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Player{log: logger.With("component", "replay")}
}

// Pause suspends delivery of further events after the one currently in
// flight. A no-op if already paused. Pausing before Replay is called holds
// that replay before its first event until Resume.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.resumeSig = make(chan struct{})
}

// Resume releases a paused replay to continue from the next event.
func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	close(p.resumeSig)
}

func (p *Player) waitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return nil
	}
	sig := p.resumeSig
	p.mu.Unlock()

	select {
	case <-sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replay reads paths in the given order and publishes every event that
// passes this call's filters, in file order then in-file order. It refuses
// a reentrant call while a previous Replay on the same Player is still
// running. Cancelling ctx stops at the next event boundary; any configured
// sink is flushed before returning if at least one event was published.
func (p *Player) Replay(ctx context.Context, paths []string, opts Options, publish Publisher) (Stats, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return Stats{}, errAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	symbolSet := toSet(opts.Symbols)
	typeSet := toSet(opts.EventTypes)

	start := time.Now()
	var stats Stats
	var lastEmitted time.Time
	var haveLastEmitted bool

	runErr := p.replayPaths(ctx, paths, opts, symbolSet, typeSet, publish, &stats, &lastEmitted, &haveLastEmitted)
	stats.Elapsed = time.Since(start)

	if opts.PublishToSink != nil && stats.Replayed > 0 {
		if err := opts.PublishToSink.Flush(); err != nil {
			if runErr == nil {
				runErr = fmt.Errorf("flush replay sink: %w", err)
			}
		}
	}
	return stats, runErr
}

func (p *Player) replayPaths(
	ctx context.Context,
	paths []string,
	opts Options,
	symbolSet map[types.Symbol]struct{},
	typeSet map[types.EventType]struct{},
	publish Publisher,
	stats *Stats,
	lastEmitted *time.Time,
	haveLastEmitted *bool,
) error {
	for _, path := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fr, err := openFileReader(path)
		if err != nil {
			return err
		}

		stop, err := p.replayFile(ctx, fr, opts, symbolSet, typeSet, publish, stats, lastEmitted, haveLastEmitted)
		stats.BytesRead += fr.bytesRead
		closeErr := fr.close()

		if err != nil {
			return err
		}
		if closeErr != nil {
			return fmt.Errorf("close %s: %w", path, closeErr)
		}
		if stop {
			return nil
		}
	}
	return nil
}

// replayFile streams one file's events. stop reports that MaxEvents was
// reached and the caller should not open any further paths.
func (p *Player) replayFile(
	ctx context.Context,
	fr *fileReader,
	opts Options,
	symbolSet map[types.Symbol]struct{},
	typeSet map[types.EventType]struct{},
	publish Publisher,
	stats *Stats,
	lastEmitted *time.Time,
	haveLastEmitted *bool,
) (bool, error) {
	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := p.waitIfPaused(ctx); err != nil {
			return false, err
		}

		event, err := fr.next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			stats.Errored++
			p.log.Warn("skipping malformed replay line", "error", err)
			continue
		}

		if !matchesFilters(event, opts, symbolSet, typeSet) {
			stats.Skipped++
			continue
		}

		if *haveLastEmitted {
			waitForPace(ctx, *lastEmitted, event.Timestamp, opts.SpeedMultiplier)
		}
		*lastEmitted = event.Timestamp
		*haveLastEmitted = true

		publish(event)
		if opts.PublishToSink != nil {
			if err := opts.PublishToSink.Append(event); err != nil {
				return false, fmt.Errorf("append to replay sink: %w", err)
			}
		}

		stats.Replayed++
		if stats.FirstTimestamp.IsZero() {
			stats.FirstTimestamp = event.Timestamp
		}
		stats.LastTimestamp = event.Timestamp

		if opts.MaxEvents > 0 && stats.Replayed >= opts.MaxEvents {
			return true, nil
		}
	}
}

func matchesFilters(event types.MarketEvent, opts Options, symbolSet map[types.Symbol]struct{}, typeSet map[types.EventType]struct{}) bool {
	if len(symbolSet) > 0 {
		if _, ok := symbolSet[event.Symbol]; !ok {
			return false
		}
	}
	if len(typeSet) > 0 {
		if _, ok := typeSet[event.Type]; !ok {
			return false
		}
	}
	if !opts.From.IsZero() && event.Timestamp.Before(opts.From) {
		return false
	}
	if !opts.To.IsZero() && event.Timestamp.After(opts.To) {
		return false
	}
	return true
}

const minPaceDelay = time.Millisecond

// waitForPace sleeps (interruptibly) to reproduce the inter-event spacing of
// the original stream, scaled by speedMultiplier. speedMultiplier<=0 means
// max speed: no delay at all. Delays under 1ms are not worth a timer.
func waitForPace(ctx context.Context, prev, next time.Time, speedMultiplier float64) {
	if speedMultiplier <= 0 {
		return
	}
	delta := next.Sub(prev)
	if delta <= 0 {
		return
	}
	wait := time.Duration(float64(delta) / speedMultiplier)
	if wait < minPaceDelay {
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func toSet[T comparable](items []T) map[T]struct{} {
	set := make(map[T]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
