// Command mdcored is the market data ingestion daemon.
//
// Architecture:
//
//	main.go                     — entry point: loads config, wires every subsystem, blocks on SIGINT/SIGTERM
//	internal/bus                — Event Bus: bounded multi-producer broadcast with drop-oldest backpressure
//	internal/quotestore         — latest-quote-per-symbol state store feeding aggressor inference
//	internal/collector/trade    — per-stream sequence integrity + rolling order-flow stats
//	internal/collector/depth    — Level-2 book reconstruction + integrity checks
//	internal/collector/option   — option quote/trade/Greeks/chain/open-interest cache
//	internal/subscription       — symbol/kind -> subscription id bookkeeping
//	internal/symboltrack        — subscription id -> symbol/provider routing, symbol -> providers view
//	internal/provider           — WebSocket Provider Base, Provider Registry, Plugin Orchestrator
//	internal/wal                — Write-Ahead Log: crash-recoverable append-only event journal
//	internal/storage            — on-disk path policy + JSONL(.gz) sink
//	internal/replay             — filtered, speed-controlled replay of persisted files back onto the bus
//
// Data flow: provider adapter -> (provider, subscription) -> collector -> bus -> WAL + storage sink.
// Concrete per-vendor provider adapters (implementing provider.Hooks and registered via
// Registry.RegisterStreamingFactory) are a plugin point outside this binary; mdcored wires and
// runs the fabric around them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mdcore/internal/bus"
	"mdcore/internal/collector/depth"
	"mdcore/internal/collector/option"
	"mdcore/internal/collector/trade"
	"mdcore/internal/config"
	"mdcore/internal/provider"
	"mdcore/internal/quotestore"
	"mdcore/internal/replay"
	"mdcore/internal/storage"
	"mdcore/internal/subscription"
	"mdcore/internal/symboltrack"
	"mdcore/internal/wal"
	"mdcore/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MDC_CONFIG"); p != "" {
		cfgPath = p
	}

	var replayPaths stringSliceFlag
	flag.Var(&replayPaths, "replay", "path to a persisted JSONL(.gz) file to replay onto the bus (repeatable); when set, mdcored replays and exits instead of ingesting live")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(*cfg)

	eventBus := bus.New(logger)
	quotes := quotestore.New()

	// Collectors publish normalized MarketEvents onto eventBus as a
	// provider adapter feeds them raw vendor updates via OnTrade/OnDepth/
	// OnQuote/etc. Registering a concrete adapter (provider.Hooks +
	// Registry.RegisterStreamingFactory) is the plugin point that drives
	// these; mdcored only needs them constructed and ready to receive.
	collectors := struct {
		trade  *trade.Collector
		depth  *depth.Collector
		option *option.Collector
	}{
		trade:  trade.New(eventBus, quotes, logger),
		depth:  depth.New(eventBus),
		option: option.New(eventBus),
	}
	logger.Info("collectors ready", "trade", collectors.trade != nil, "depth", collectors.depth != nil, "option", collectors.option != nil)

	subs := subscription.New(0)
	tracker := symboltrack.New()
	for _, raw := range cfg.Symbols {
		symbol, err := types.NewSymbol(raw)
		if err != nil {
			logger.Error("invalid configured symbol, skipping", "symbol", raw, "error", err)
			continue
		}
		id := subs.Subscribe(symbol, types.SubTrades, time.Now().UnixNano())
		tracker.Register(types.Subscription{ID: id, Symbol: symbol, Kind: types.SubTrades})
	}

	if len(replayPaths) > 0 {
		runReplay(cfg, logger, eventBus, replayPaths)
		return
	}

	walLog, err := openWAL(*cfg, logger)
	if err != nil {
		logger.Error("failed to open wal", "error", err)
		os.Exit(1)
	}

	sink := storage.NewJSONLSink(cfg.Storage.RootDir, buildPathPolicy(*cfg), logger)

	persistSub := eventBus.Subscribe(nil, cfg.Bus.SubscriberCapacity)
	persistDone := make(chan struct{})
	go persistEvents(persistSub, walLog, sink, logger, persistDone)

	registry := provider.New(logger, func(msg string) { logger.Warn("provider alert", "message", msg) })
	kindByCapability := registerProviders(registry, cfg.Providers, logger)

	orchestrator := provider.NewOrchestrator(registry, logger)
	ctx, cancel := context.WithCancel(context.Background())
	orchestrator.Start(ctx)

	desired := make([]types.Capability, 0, len(kindByCapability))
	for cap := range kindByCapability {
		desired = append(desired, cap)
	}
	orchestrator.Reconcile(desired, func(cap types.Capability) string { return kindByCapability[cap] })

	logger.Info("mdcored started",
		"symbols", len(cfg.Symbols),
		"providers", len(cfg.Providers),
		"wal_dir", cfg.WAL.Dir,
		"storage_root", cfg.Storage.RootDir,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	orchestrator.Stop()
	persistSub.Unsubscribe()
	<-persistDone

	if err := walLog.Close(); err != nil {
		logger.Error("failed to close wal", "error", err)
	}
	if err := sink.Close(); err != nil {
		logger.Error("failed to close storage sink", "error", err)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openWAL(cfg config.Config, logger *slog.Logger) (*wal.Log, error) {
	walCfg := wal.Config{
		Dir:                  cfg.WAL.Dir,
		MaxWalFileSizeBytes:  cfg.WAL.MaxFileSizeBytes,
		MaxWalFileAge:        cfg.WAL.MaxFileAge,
		SyncMode:             parseSyncMode(cfg.WAL.SyncMode),
		SyncBatchSize:        cfg.WAL.SyncBatchSize,
		MaxFlushDelay:        cfg.WAL.MaxFlushDelay,
		ArchiveAfterTruncate: cfg.WAL.ArchiveAfterTruncate,
	}
	log := wal.New(walCfg, logger)
	if err := log.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize wal: %w", err)
	}
	return log, nil
}

func parseSyncMode(mode string) types.SyncMode {
	switch mode {
	case "none":
		return types.SyncNone
	case "everywrite":
		return types.SyncEveryWrite
	default:
		return types.SyncBatched
	}
}

func buildPathPolicy(cfg config.Config) storage.PathPolicy {
	var convention storage.NamingConvention
	switch cfg.Storage.NamingConvention {
	case "by_symbol":
		convention = storage.BySymbol
	case "by_date":
		convention = storage.ByDate
	case "by_type":
		convention = storage.ByType
	case "by_source":
		convention = storage.BySource
	case "by_asset_class":
		convention = storage.ByAssetClass
	case "hierarchical":
		convention = storage.Hierarchical
	case "canonical":
		convention = storage.Canonical
	default:
		convention = storage.Flat
	}

	var partition storage.DatePartition
	switch cfg.Storage.DatePartition {
	case "daily":
		partition = storage.PartitionDaily
	case "hourly":
		partition = storage.PartitionHourly
	case "monthly":
		partition = storage.PartitionMonthly
	default:
		partition = storage.PartitionNone
	}

	compression := storage.CompressionNone
	if cfg.Storage.Compression == "gzip" {
		compression = storage.CompressionGzip
	}

	return storage.NewPathPolicy(convention, partition, compression)
}

// persistEvents drains sub until its channel closes (Unsubscribe), writing
// every event to both the WAL and the storage sink. Runs on its own
// goroutine so a slow sink never backpressures the bus.
func persistEvents(sub *bus.Subscription, walLog *wal.Log, sink storage.Sink, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for event := range sub.Events() {
		payload, err := json.Marshal(event)
		if err != nil {
			logger.Error("failed to marshal event for wal", "error", err)
			continue
		}
		if _, err := walLog.Append(payload, string(event.Type)); err != nil {
			logger.Error("wal append failed", "error", err)
		}
		if err := sink.Append(event); err != nil {
			logger.Error("storage sink append failed", "error", err)
		}
	}
}

// registerProviders registers a descriptor for every configured provider
// and returns, for each capability at least one enabled provider
// advertises, the kind of the provider with the lowest Priority value (the
// most preferred) advertising it — the
// streaming-factory kind the orchestrator should ask the registry to build
// when it starts that capability.
func registerProviders(registry *provider.Registry, providers []config.ProviderConfig, logger *slog.Logger) map[types.Capability]string {
	kindByCapability := make(map[types.Capability]string)
	bestPriority := make(map[types.Capability]int)

	for _, p := range providers {
		caps := make(map[types.Capability]bool, len(p.Capabilities))
		for _, raw := range p.Capabilities {
			caps[types.Capability(raw)] = true
		}
		descriptor := types.ProviderDescriptor{
			ID:                   p.ID,
			DisplayName:          p.ID,
			Priority:             p.Priority,
			Capabilities:         caps,
			IsEnabled:            p.Enabled,
			MaxSymbolsPerRequest: p.MaxSymbolsPerReq,
			RateLimitPolicy: types.RateLimitPolicy{
				RequestsPerWindow: p.RequestsPerWindow,
				Window:            p.Window.String(),
			},
		}

		var availability provider.AvailabilityChecker
		if p.RESTBaseURL != "" {
			availability = provider.RESTHealthCheck(p.RESTBaseURL, 5*time.Second)
		} else {
			availability = func(context.Context, types.ProviderDescriptor) bool { return true }
		}
		if p.RequestsPerWindow > 0 {
			bucket := provider.NewTokenBucketFromWindow(p.RequestsPerWindow, p.Window)
			availability = provider.RateLimited(availability, bucket)
		}
		registry.Register(descriptor, availability, nil)

		if !p.Enabled {
			continue
		}
		for cap := range caps {
			if best, ok := bestPriority[cap]; !ok || p.Priority < best {
				bestPriority[cap] = p.Priority
				kindByCapability[cap] = p.Kind
			}
		}
	}

	logger.Info("providers registered", "count", len(providers), "capabilities", len(kindByCapability))
	return kindByCapability
}

func runReplay(cfg *config.Config, logger *slog.Logger, eventBus *bus.Bus, paths []string) {
	player := replay.New(logger)
	opts := replay.Options{SpeedMultiplier: cfg.Replay.SpeedMultiplier, MaxEvents: cfg.Replay.MaxEvents}

	stats, err := player.Replay(context.Background(), paths, opts, eventBus.TryPublish)
	if err != nil {
		logger.Error("replay failed", "error", err)
		os.Exit(1)
	}
	logger.Info("replay complete",
		"replayed", stats.Replayed,
		"skipped", stats.Skipped,
		"errored", stats.Errored,
		"bytes_read", stats.BytesRead,
		"events_per_sec", stats.EventsPerSecond(),
	)
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return fmt.Sprintf("%v", []string(*s)) }

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}
