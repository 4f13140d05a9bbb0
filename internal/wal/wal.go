// Package wal implements the Write-Ahead Log: a rotating, checksummed
// append-only log of ingestion events with commit markers and streaming
// crash recovery.
//
// Writes always go through a buffered writer and are fsynced before being
// acknowledged as durable; a file is never partially overwritten in place,
// only appended to or replaced wholesale on rotation. Closed files can be
// gzip-archived on truncate instead of deleted.
package wal

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"mdcore/pkg/types"
)

const (
	// DefaultMaxWalFileSizeBytes is the rotation size threshold (100MiB).
	DefaultMaxWalFileSizeBytes = 100 * 1024 * 1024
	// DefaultMaxWalFileAge is the rotation age threshold.
	DefaultMaxWalFileAge = time.Hour
	// DefaultSyncBatchSize is the BatchedSync record-count threshold.
	DefaultSyncBatchSize = 1000
	// DefaultMaxFlushDelay is the BatchedSync time threshold.
	DefaultMaxFlushDelay = time.Second
	// DefaultUncommittedSizeWarningThreshold warns once the cumulative
	// bytes written since Initialize (flushed or not) cross this (50MiB).
	DefaultUncommittedSizeWarningThreshold = 50 * 1024 * 1024

	batchYieldSize = 10_000
)

// Config tunes a Log's rotation and durability behavior.
type Config struct {
	Dir                             string
	MaxWalFileSizeBytes             int64
	MaxWalFileAge                   time.Duration
	SyncMode                        types.SyncMode
	SyncBatchSize                   int
	MaxFlushDelay                   time.Duration
	ArchiveAfterTruncate            bool
	UncommittedSizeWarningThreshold int64
}

// DefaultConfig returns a Config with the default tunables for a
// WAL rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                             dir,
		MaxWalFileSizeBytes:             DefaultMaxWalFileSizeBytes,
		MaxWalFileAge:                   DefaultMaxWalFileAge,
		SyncMode:                        types.SyncBatched,
		SyncBatchSize:                   DefaultSyncBatchSize,
		MaxFlushDelay:                   DefaultMaxFlushDelay,
		ArchiveAfterTruncate:            true,
		UncommittedSizeWarningThreshold: DefaultUncommittedSizeWarningThreshold,
	}
}

// Metrics is a snapshot of the WAL's operational state, exposed so the
// health-check endpoints have something concrete
// to surface to external dashboards.
type Metrics struct {
	CurrentSequence        int64
	UncommittedRecordCount int
	RotationCount          int64
	LastRecoveryEventCount int
	LastRecoveryDurationMs int64
}

// Log is the Write-Ahead Log. Zero value is not usable; use New followed
// by Initialize.
type Log struct {
	cfg Config
	log *slog.Logger

	// mu is the non-reentrant write lock guarding the fields below: public
	// entry points acquire it, private "Locked"-suffixed helpers assume
	// the caller already holds it.
	mu sync.Mutex

	currentFile        *os.File
	writer              *bufio.Writer
	currentCreated      time.Time
	currentRotationSeq  int64
	currentFileBytes    int64
	currentSequence     int64
	uncommitted         int
	lastFlushTime       time.Time
	rotationCount       int64
	bytesSinceInit      int64
	warnedSizeThreshold bool

	lastRecoveryEventCount int
	lastRecoveryDurationMs int64
}

// New builds a Log from cfg. Call Initialize before Append/Commit.
func New(cfg Config, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxWalFileSizeBytes <= 0 {
		cfg.MaxWalFileSizeBytes = DefaultMaxWalFileSizeBytes
	}
	if cfg.MaxWalFileAge <= 0 {
		cfg.MaxWalFileAge = DefaultMaxWalFileAge
	}
	if cfg.SyncBatchSize <= 0 {
		cfg.SyncBatchSize = DefaultSyncBatchSize
	}
	if cfg.MaxFlushDelay <= 0 {
		cfg.MaxFlushDelay = DefaultMaxFlushDelay
	}
	if cfg.UncommittedSizeWarningThreshold <= 0 {
		cfg.UncommittedSizeWarningThreshold = DefaultUncommittedSizeWarningThreshold
	}
	return &Log{cfg: cfg, log: logger.With("component", "wal")}
}

// Initialize lists and verifies every existing WAL file in cfg.Dir in
// name (rotation) order, recovers the maximum previously-written sequence
// number, then opens a fresh WAL file for new appends.
func (l *Log) Initialize() error {
	start := time.Now()
	if err := os.MkdirAll(l.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create wal dir: %w", err)
	}

	names, err := listWALFiles(l.cfg.Dir)
	if err != nil {
		return err
	}

	var maxSeq int64
	var totalValid, totalInvalid int
	for _, name := range names {
		result, err := scanFile(l.log, l.cfg.Dir, name)
		if err != nil {
			return err
		}
		totalValid += result.validCount
		totalInvalid += result.invalidCount
		for _, rec := range result.records {
			if rec.Sequence > maxSeq {
				maxSeq = rec.Sequence
			}
		}
	}
	l.log.Info("wal recovery scan complete", "files", len(names), "valid_records", totalValid, "invalid_records", totalInvalid, "max_sequence", maxSeq)

	l.mu.Lock()
	l.currentSequence = maxSeq
	l.currentRotationSeq = int64(len(names))
	l.lastRecoveryEventCount = totalValid
	err = l.rotateLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}

	l.lastRecoveryDurationMs = time.Since(start).Milliseconds()
	return nil
}

// Append writes payload as a new record of recordType, flushing/fsyncing
// per the configured SyncMode.
func (l *Log) Append(payload []byte, recordType string) (types.WALRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(payload, recordType)
}

func (l *Log) appendLocked(payload []byte, recordType string) (types.WALRecord, error) {
	if l.currentFile == nil {
		return types.WALRecord{}, fmt.Errorf("wal not initialized")
	}
	if l.currentFileBytes >= l.cfg.MaxWalFileSizeBytes || time.Since(l.currentCreated) >= l.cfg.MaxWalFileAge {
		if err := l.rotateLocked(); err != nil {
			return types.WALRecord{}, err
		}
	}

	l.currentSequence++
	rec := types.WALRecord{
		Sequence:   l.currentSequence,
		Timestamp:  time.Now(),
		RecordType: recordType,
		Payload:    payload,
	}
	rec.Checksum = checksum(rec.Sequence, rec.Timestamp, rec.RecordType, rec.Payload)

	line := encodeRecord(rec)
	n, err := l.writer.WriteString(line)
	if err != nil {
		return types.WALRecord{}, fmt.Errorf("write record: %w", err)
	}
	l.currentFileBytes += int64(n)
	l.bytesSinceInit += int64(n)
	l.uncommitted++

	l.warnSizeThreshold()

	if l.shouldFlush() {
		if err := l.flushLocked(); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func (l *Log) shouldFlush() bool {
	switch l.cfg.SyncMode {
	case types.SyncEveryWrite:
		return true
	case types.SyncBatched:
		return l.uncommitted >= l.cfg.SyncBatchSize || time.Since(l.lastFlushTime) >= l.cfg.MaxFlushDelay
	default: // SyncNone
		return time.Since(l.lastFlushTime) >= l.cfg.MaxFlushDelay
	}
}

func (l *Log) flushLocked() error {
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush wal buffer: %w", err)
	}
	if l.cfg.SyncMode != types.SyncNone {
		if err := l.currentFile.Sync(); err != nil {
			return fmt.Errorf("fsync wal file: %w", err)
		}
	}
	l.lastFlushTime = time.Now()
	l.uncommitted = 0
	return nil
}

// forceFlushLocked always flushes the buffer and fsyncs, regardless of
// SyncMode — used by Commit, which is a durability checkpoint by
// definition.
func (l *Log) forceFlushLocked() error {
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush wal buffer: %w", err)
	}
	if err := l.currentFile.Sync(); err != nil {
		return fmt.Errorf("fsync wal file: %w", err)
	}
	l.lastFlushTime = time.Now()
	l.uncommitted = 0
	return nil
}

func (l *Log) warnSizeThreshold() {
	if l.warnedSizeThreshold || l.bytesSinceInit < l.cfg.UncommittedSizeWarningThreshold {
		return
	}
	l.warnedSizeThreshold = true
	l.log.Warn("wal size has exceeded warning threshold",
		"bytes_written", humanize.Bytes(uint64(l.bytesSinceInit)),
		"threshold", humanize.Bytes(uint64(l.cfg.UncommittedSizeWarningThreshold)))
}

// Commit writes a COMMIT marker record covering every sequence up to and
// including throughSequence, then unconditionally flushes and fsyncs.
func (l *Log) Commit(throughSequence int64) (types.WALRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.appendLocked([]byte(strconv.FormatInt(throughSequence, 10)), types.RecordTypeCommit)
	if err != nil {
		return rec, err
	}
	if err := l.forceFlushLocked(); err != nil {
		return rec, err
	}
	return rec, nil
}

// rotateLocked closes any currently open file and opens a fresh one with a
// new header. Caller must hold l.mu.
func (l *Log) rotateLocked() error {
	if l.currentFile != nil {
		if err := l.flushLocked(); err != nil {
			return err
		}
		if err := l.currentFile.Close(); err != nil {
			return fmt.Errorf("close wal file: %w", err)
		}
		l.rotationCount++
	}

	created := time.Now()
	name := fileName(created, l.currentRotationSeq)
	l.currentRotationSeq++

	f, err := os.OpenFile(walPath(l.cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create wal file %s: %w", name, err)
	}
	writer := bufio.NewWriter(f)
	if err := writeHeader(writer, created); err != nil {
		f.Close()
		return fmt.Errorf("write wal header: %w", err)
	}
	if err := writer.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush wal header: %w", err)
	}

	l.currentFile = f
	l.writer = writer
	l.currentCreated = created
	l.currentFileBytes = 0
	l.lastFlushTime = created
	l.log.Info("wal rotated", "file", name)
	return nil
}

// Close flushes and closes the currently open WAL file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentFile == nil {
		return nil
	}
	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.currentFile.Close()
}

// Metrics returns a snapshot of the WAL's current operational state.
func (l *Log) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Metrics{
		CurrentSequence:        l.currentSequence,
		UncommittedRecordCount: l.uncommitted,
		RotationCount:          l.rotationCount,
		LastRecoveryEventCount: l.lastRecoveryEventCount,
		LastRecoveryDurationMs: l.lastRecoveryDurationMs,
	}
}

// Truncate deletes (or gzip-archives, per cfg.ArchiveAfterTruncate) every
// closed WAL file whose highest record sequence is <= throughSequence. The
// currently open file is never touched.
func (l *Log) Truncate(throughSequence int64) error {
	l.mu.Lock()
	if err := l.flushLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	currentName := filepath.Base(l.currentFile.Name())
	l.mu.Unlock()

	names, err := listWALFiles(l.cfg.Dir)
	if err != nil {
		return err
	}

	for _, name := range names {
		if name == currentName {
			continue
		}
		result, err := scanFile(l.log, l.cfg.Dir, name)
		if err != nil {
			return err
		}
		var maxSeq int64
		for _, rec := range result.records {
			if rec.Sequence > maxSeq {
				maxSeq = rec.Sequence
			}
		}
		if len(result.records) == 0 || maxSeq > throughSequence {
			continue
		}
		if err := l.retireFile(name); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) retireFile(name string) error {
	path := walPath(l.cfg.Dir, name)
	if !l.cfg.ArchiveAfterTruncate {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove truncated wal file %s: %w", name, err)
		}
		return nil
	}

	archiveDir := filepath.Join(l.cfg.Dir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	archivePath := filepath.Join(archiveDir, name+".gz")

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s for archive: %w", name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create archive file for %s: %w", name, err)
	}
	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		dst.Close()
		return fmt.Errorf("gzip archive %s: %w", name, err)
	}
	if err := gw.Close(); err != nil {
		dst.Close()
		return fmt.Errorf("close gzip writer for %s: %w", name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close archive file for %s: %w", name, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove archived wal file %s: %w", name, err)
	}
	l.log.Info("wal file archived", "file", name, "archive", archivePath)
	return nil
}
