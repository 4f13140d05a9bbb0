package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
symbols:
  - BTC-USD
providers:
  - id: vendor-a
    kind: binance-ws
    priority: 1
    enabled: true
    ws_url: wss://example.invalid/ws
    capabilities: [streaming, trades]
wal:
  dir: /tmp/mdc/wal
  sync_mode: batched
storage:
  root_dir: /tmp/mdc/storage
  naming_convention: by_symbol
  date_partition: daily
logging:
  level: info
  format: json
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesNestedSections(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].ID != "vendor-a" {
		t.Errorf("Providers = %+v, want one entry with id vendor-a", cfg.Providers)
	}
	if cfg.WAL.Dir != "/tmp/mdc/wal" || cfg.WAL.SyncMode != "batched" {
		t.Errorf("WAL = %+v", cfg.WAL)
	}
	if cfg.Storage.NamingConvention != "by_symbol" {
		t.Errorf("Storage.NamingConvention = %q, want by_symbol", cfg.Storage.NamingConvention)
	}
}

func TestLoadEnvOverridesWALDirAndLogLevel(t *testing.T) {
	path := writeConfig(t, validYAML)

	t.Setenv("MDC_WAL_DIR", "/override/wal")
	t.Setenv("MDC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WAL.Dir != "/override/wal" {
		t.Errorf("WAL.Dir = %q, want /override/wal", cfg.WAL.Dir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestValidateRejectsMissingWALDir(t *testing.T) {
	t.Parallel()
	cfg := Config{Storage: StorageConfig{RootDir: "/tmp/x"}, Providers: []ProviderConfig{{ID: "a", Kind: "k"}}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing wal.dir")
	}
}

func TestValidateRejectsUnknownNamingConvention(t *testing.T) {
	t.Parallel()
	cfg := Config{
		WAL:       WALConfig{Dir: "/tmp/wal"},
		Storage:   StorageConfig{RootDir: "/tmp/x", NamingConvention: "bogus"},
		Providers: []ProviderConfig{{ID: "a", Kind: "k"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unrecognized naming convention")
	}
}

func TestValidateRejectsNoProviders(t *testing.T) {
	t.Parallel()
	cfg := Config{WAL: WALConfig{Dir: "/tmp/wal"}, Storage: StorageConfig{RootDir: "/tmp/x"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when no providers are configured")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
