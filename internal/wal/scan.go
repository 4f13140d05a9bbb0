package wal

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"mdcore/pkg/types"
)

// scanResult is everything one pass over a single WAL file produces.
type scanResult struct {
	name         string
	headerOK     bool
	created      time.Time
	records      []types.WALRecord
	validCount   int
	invalidCount int
}

func scanFile(log *slog.Logger, dir, name string) (scanResult, error) {
	path := walPath(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return scanResult{}, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	result := scanResult{name: name}
	reader := bufio.NewReader(f)

	headerLine, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return scanResult{}, fmt.Errorf("read header of %s: %w", name, err)
	}
	created, ok := parseHeader(strings.TrimSuffix(headerLine, "\n"))
	if !ok {
		log.Warn("wal file has invalid header, skipping file", "file", name)
		return result, nil
	}
	result.headerOK = true
	result.created = created

	for {
		line, readErr := reader.ReadString('\n')
		if readErr != nil {
			if readErr == io.EOF {
				if strings.TrimSpace(line) != "" {
					// Partial trailing line from a crash mid-write: skip it.
					log.Warn("wal file has partial trailing record, skipping", "file", name)
				}
				break
			}
			return result, fmt.Errorf("read %s: %w", name, readErr)
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}
		rec, decodeErr := decodeRecord(line)
		if decodeErr != nil {
			log.Warn("wal file has malformed record, skipping", "file", name, "error", decodeErr)
			result.invalidCount++
			continue
		}
		if !verify(rec) {
			log.Warn("wal record checksum mismatch, skipping", "file", name, "sequence", rec.Sequence)
			result.invalidCount++
			continue
		}
		result.records = append(result.records, rec)
		result.validCount++
	}
	return result, nil
}

func parseHeader(line string) (time.Time, bool) {
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 || parts[0] != types.WALMagic || parts[1] != types.WALVersion {
		return time.Time{}, false
	}
	created, err := time.Parse(headerTimeLayout, parts[2])
	if err != nil {
		return time.Time{}, false
	}
	return created, true
}
