// Package config defines all configuration for the ingestion daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with a
// handful of deployment-sensitive fields overridable via MDC_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Symbols   []string         `mapstructure:"symbols"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Bus       BusConfig        `mapstructure:"bus"`
	WAL       WALConfig        `mapstructure:"wal"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Replay    ReplayConfig     `mapstructure:"replay"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// ProviderConfig describes one data provider to register with the Provider
// Registry at startup.
//
//   - Kind: the streaming-factory key (e.g. "binance-ws", "polygon-ws").
//   - Priority: lower sorts first when more than one provider advertises
//     the same capability.
//   - Capabilities: strings matching pkg/types.Capability's constants.
//   - RequestsPerWindow/Window: feeds the provider's rate limiter.
//   - HeartbeatInterval/HeartbeatTimeout/RetryBaseDelay/MaxRetryDelay: loaded
//     from the file only; cmd/mdcored does not pass them to any
//     provider.StreamingProvider Config.
type ProviderConfig struct {
	ID                string        `mapstructure:"id"`
	Kind              string        `mapstructure:"kind"`
	Priority          int           `mapstructure:"priority"`
	Enabled           bool          `mapstructure:"enabled"`
	WSURL             string        `mapstructure:"ws_url"`
	RESTBaseURL       string        `mapstructure:"rest_base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Capabilities      []string      `mapstructure:"capabilities"`
	MaxSymbolsPerReq  int           `mapstructure:"max_symbols_per_request"`
	RequestsPerWindow int           `mapstructure:"requests_per_window"`
	Window            time.Duration `mapstructure:"window"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
}

// BusConfig tunes the Event Bus's per-subscriber inbox.
type BusConfig struct {
	SubscriberCapacity int `mapstructure:"subscriber_capacity"`
}

// WALConfig tunes the Write-Ahead Log's rotation, durability, and archive
// behavior.
//
//   - SyncMode: one of "none", "batched", "everywrite" (see types.SyncMode).
type WALConfig struct {
	Dir                  string        `mapstructure:"dir"`
	MaxFileSizeBytes     int64         `mapstructure:"max_file_size_bytes"`
	MaxFileAge           time.Duration `mapstructure:"max_file_age"`
	SyncMode             string        `mapstructure:"sync_mode"`
	SyncBatchSize        int           `mapstructure:"sync_batch_size"`
	MaxFlushDelay        time.Duration `mapstructure:"max_flush_delay"`
	ArchiveAfterTruncate bool          `mapstructure:"archive_after_truncate"`
}

// StorageConfig selects the on-disk layout the Storage Policy derives paths
// under.
//
//   - NamingConvention: one of "flat", "by_symbol", "by_date", "by_type",
//     "by_source", "by_asset_class", "hierarchical", "canonical".
//   - DatePartition: one of "none", "daily", "hourly", "monthly".
//   - Compression: "none" or "gzip".
type StorageConfig struct {
	RootDir          string `mapstructure:"root_dir"`
	NamingConvention string `mapstructure:"naming_convention"`
	DatePartition    string `mapstructure:"date_partition"`
	Compression      string `mapstructure:"compression"`
}

// ReplayConfig holds defaults for ad hoc replay runs (e.g. from an
// operator CLI); individual Replay calls may still override any of these
// per invocation.
type ReplayConfig struct {
	SpeedMultiplier float64 `mapstructure:"speed_multiplier"`
	MaxEvents       int64   `mapstructure:"max_events"`
}

// LoggingConfig selects the slog handler and verbosity.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Deployment-sensitive fields use env vars: MDC_WAL_DIR, MDC_STORAGE_ROOT_DIR,
// MDC_LOG_LEVEL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MDC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if dir := os.Getenv("MDC_WAL_DIR"); dir != "" {
		cfg.WAL.Dir = dir
	}
	if dir := os.Getenv("MDC_STORAGE_ROOT_DIR"); dir != "" {
		cfg.Storage.RootDir = dir
	}
	if level := os.Getenv("MDC_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.WAL.Dir == "" {
		return fmt.Errorf("wal.dir is required (set MDC_WAL_DIR)")
	}
	switch c.WAL.SyncMode {
	case "", "none", "batched", "everywrite":
	default:
		return fmt.Errorf("wal.sync_mode must be one of: none, batched, everywrite")
	}
	if c.Storage.RootDir == "" {
		return fmt.Errorf("storage.root_dir is required (set MDC_STORAGE_ROOT_DIR)")
	}
	switch c.Storage.NamingConvention {
	case "", "flat", "by_symbol", "by_date", "by_type", "by_source", "by_asset_class", "hierarchical", "canonical":
	default:
		return fmt.Errorf("storage.naming_convention %q is not recognized", c.Storage.NamingConvention)
	}
	switch c.Storage.DatePartition {
	case "", "none", "daily", "hourly", "monthly":
	default:
		return fmt.Errorf("storage.date_partition %q is not recognized", c.Storage.DatePartition)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider entry missing id")
		}
		if p.Kind == "" {
			return fmt.Errorf("provider %s missing kind", p.ID)
		}
	}
	return nil
}
