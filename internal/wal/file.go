package wal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"mdcore/pkg/types"
)

const (
	fileNamePrefix  = "wal_"
	fileNameSuffix  = ".wal"
	fileNameLayout  = "20060102_150405"
	sequenceDigits  = 12
	headerTimeLayout = time.RFC3339
)

// fileName builds the rotation-ordered file name
// wal_<yyyyMMdd_HHmmss>_<seq:D12>.wal.
func fileName(created time.Time, rotationSeq int64) string {
	return fmt.Sprintf("%s%s_%0*d%s", fileNamePrefix, created.UTC().Format(fileNameLayout), sequenceDigits, rotationSeq, fileNameSuffix)
}

// listWALFiles returns every *.wal file under dir, sorted by name (which is
// also rotation order, since the name embeds creation time then a
// zero-padded rotation sequence).
func listWALFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list wal dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), fileNamePrefix) && strings.HasSuffix(e.Name(), fileNameSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// writeHeader writes the line-1 magic header:
// MDCWAL01|1|<createTimestamp>\n
func writeHeader(w *bufio.Writer, created time.Time) error {
	_, err := fmt.Fprintf(w, "%s|%s|%s\n", types.WALMagic, types.WALVersion, created.UTC().Format(headerTimeLayout))
	return err
}

// checksum computes the hex SHA-256 of "sequence|timestamp|recordType|payload".
func checksum(seq int64, ts time.Time, recordType string, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s", seq, ts.UTC().Format(headerTimeLayout), recordType, payload)
	return hex.EncodeToString(h.Sum(nil))
}

// encodeRecord formats one data line: seq|ts|type|checksum|payload\n
func encodeRecord(rec types.WALRecord) string {
	return fmt.Sprintf("%d|%s|%s|%s|%s\n", rec.Sequence, rec.Timestamp.UTC().Format(headerTimeLayout), rec.RecordType, rec.Checksum, rec.Payload)
}

// decodeRecord parses one data line. Parsing splits on '|' with a limit of
// 5 parts so that embedded '|' characters inside JSON payloads survive
// intact.
func decodeRecord(line string) (types.WALRecord, error) {
	parts := strings.SplitN(line, "|", 5)
	if len(parts) != 5 {
		return types.WALRecord{}, fmt.Errorf("malformed record line: want 5 fields, got %d", len(parts))
	}
	seq, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return types.WALRecord{}, fmt.Errorf("parse sequence: %w", err)
	}
	ts, err := time.Parse(headerTimeLayout, parts[1])
	if err != nil {
		return types.WALRecord{}, fmt.Errorf("parse timestamp: %w", err)
	}
	return types.WALRecord{
		Sequence:   seq,
		Timestamp:  ts,
		RecordType: parts[2],
		Checksum:   parts[3],
		Payload:    []byte(parts[4]),
	}, nil
}

// verify reports whether rec's stored checksum matches its computed one.
func verify(rec types.WALRecord) bool {
	return checksum(rec.Sequence, rec.Timestamp, rec.RecordType, rec.Payload) == rec.Checksum
}

func walPath(dir, name string) string { return filepath.Join(dir, name) }
