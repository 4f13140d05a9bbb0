package storage

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mdcore/pkg/types"
)

func TestJSONLSinkAppendWritesOneLinePerEvent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sink := NewJSONLSink(dir, NewPathPolicy(Flat, PartitionNone, CompressionNone), nil)

	for i := 0; i < 3; i++ {
		event := sampleEvent(types.EventTrade, "BTC-USD", "vendor-a", time.Now())
		if err := sink.Append(event); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, filepath.Join(dir, "events.jsonl"))
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	var decoded types.MarketEvent
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if decoded.Symbol != "BTC-USD" {
		t.Errorf("Symbol = %q, want BTC-USD", decoded.Symbol)
	}
}

func TestJSONLSinkRoutesDistinctPathsToDistinctFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sink := NewJSONLSink(dir, NewPathPolicy(BySymbol, PartitionNone, CompressionNone), nil)

	if err := sink.Append(sampleEvent(types.EventTrade, "BTC-USD", "vendor-a", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := sink.Append(sampleEvent(types.EventTrade, "ETH-USD", "vendor-a", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "BTC-USD", "events.jsonl")); err != nil {
		t.Errorf("expected BTC-USD file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ETH-USD", "events.jsonl")); err != nil {
		t.Errorf("expected ETH-USD file: %v", err)
	}
}

func TestJSONLSinkFlushMakesDataReadableBeforeClose(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sink := NewJSONLSink(dir, NewPathPolicy(Flat, PartitionNone, CompressionNone), nil)
	defer sink.Close()

	if err := sink.Append(sampleEvent(types.EventTrade, "BTC-USD", "vendor-a", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	lines := readLines(t, filepath.Join(dir, "events.jsonl"))
	if len(lines) != 1 {
		t.Fatalf("got %d lines after flush, want 1", len(lines))
	}
}

func TestJSONLSinkGzipCompressionProducesValidGzipStream(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sink := NewJSONLSink(dir, NewPathPolicy(Flat, PartitionNone, CompressionGzip), nil)

	if err := sink.Append(sampleEvent(types.EventTrade, "BTC-USD", "vendor-a", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "events.jsonl.gz"))
	if err != nil {
		t.Fatalf("open gzip file: %v", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gr.Close()

	var decoded types.MarketEvent
	if err := json.NewDecoder(gr).Decode(&decoded); err != nil {
		t.Fatalf("decode gzip contents: %v", err)
	}
	if decoded.Symbol != "BTC-USD" {
		t.Errorf("Symbol = %q, want BTC-USD", decoded.Symbol)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return lines
}
