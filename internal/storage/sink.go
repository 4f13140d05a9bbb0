package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"

	"mdcore/pkg/types"
)

// Sink is the contract the core treats as an opaque durable writer: Append
// queues (or immediately writes) an event, Flush makes queued events
// durable, Close releases underlying resources. The replay pipeline is the
// only core-side reader of what a Sink writes.
type Sink interface {
	Append(event types.MarketEvent) error
	Flush() error
	Close() error
}

type openFile struct {
	raw    *os.File
	gz     *gzip.Writer // nil unless the path's compression is gzip
	writer *bufio.Writer
	enc    *json.Encoder
}

// JSONLSink appends one JSON-encoded MarketEvent per line to the path
// PathPolicy.GetPath derives for each event, opening (and keeping open) one
// file handle per distinct path. Paths are created relative to Root.
type JSONLSink struct {
	root   string
	policy PathPolicy
	log    *slog.Logger

	mu    sync.Mutex
	files map[string]*openFile
}

// NewJSONLSink builds a sink rooted at root, deriving paths via policy.
func NewJSONLSink(root string, policy PathPolicy, logger *slog.Logger) *JSONLSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &JSONLSink{
		root:   root,
		policy: policy,
		log:    logger.With("component", "jsonl-sink"),
		files:  make(map[string]*openFile),
	}
}

// Append encodes event as one JSON line and writes it to the file its path
// policy derives, opening the file (creating parent directories) on first
// use for that path.
func (s *JSONLSink) Append(event types.MarketEvent) error {
	relPath := s.policy.GetPath(event)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[relPath]
	if !ok {
		var err error
		f, err = s.openLocked(relPath)
		if err != nil {
			return fmt.Errorf("open sink file %s: %w", relPath, err)
		}
		s.files[relPath] = f
	}
	return f.enc.Encode(event)
}

func (s *JSONLSink) openLocked(relPath string) (*openFile, error) {
	fullPath := filepath.Join(s.root, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}
	raw, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	var w io.Writer = raw
	var gz *gzip.Writer
	if s.policy.Compression == CompressionGzip {
		gz = gzip.NewWriter(raw)
		w = gz
	}
	bw := bufio.NewWriter(w)
	return &openFile{raw: raw, gz: gz, writer: bw, enc: json.NewEncoder(bw)}, nil
}

// Flush flushes every open file's buffered writer (and gzip frame, where
// applicable) without closing anything.
func (s *JSONLSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for relPath, f := range s.files {
		if err := f.writer.Flush(); err != nil {
			return fmt.Errorf("flush %s: %w", relPath, err)
		}
		if f.gz != nil {
			if err := f.gz.Flush(); err != nil {
				return fmt.Errorf("flush gzip %s: %w", relPath, err)
			}
		}
	}
	return nil
}

// Close flushes and closes every file this sink has opened.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for relPath, f := range s.files {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush %s: %w", relPath, err)
		}
		if f.gz != nil {
			if err := f.gz.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close gzip %s: %w", relPath, err)
			}
		}
		if err := f.raw.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", relPath, err)
		}
	}
	s.files = make(map[string]*openFile)
	if firstErr != nil {
		s.log.Error("error closing sink files", "error", firstErr)
	}
	return firstErr
}
