package wal

import (
	"context"
	"fmt"
	"strconv"

	"mdcore/pkg/types"
)

// UncommittedRecords streams every record with sequence greater than the
// highest committed sequence (the largest payload among all COMMIT records
// across all files), in file-name then in-file order, in batches of
// up to batchYieldSize records. The current in-memory buffer is flushed
// first so the scan sees everything written so far.
//
// Two passes are required because a COMMIT record can live in a later file
// than the records it covers: the first pass must see every file before
// the second pass can know which records are already durable.
func (l *Log) UncommittedRecords(ctx context.Context) (<-chan []types.WALRecord, <-chan error) {
	out := make(chan []types.WALRecord)
	errc := make(chan error, 1)

	l.mu.Lock()
	flushErr := l.flushLocked()
	l.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errc)
		if flushErr != nil {
			errc <- flushErr
			return
		}

		names, err := listWALFiles(l.cfg.Dir)
		if err != nil {
			errc <- err
			return
		}

		scans := make([]scanResult, 0, len(names))
		var lastCommitted int64
		for _, name := range names {
			result, err := scanFile(l.log, l.cfg.Dir, name)
			if err != nil {
				errc <- err
				return
			}
			scans = append(scans, result)
			for _, rec := range result.records {
				if rec.RecordType != types.RecordTypeCommit {
					continue
				}
				seq, err := strconv.ParseInt(string(rec.Payload), 10, 64)
				if err != nil {
					continue
				}
				if seq > lastCommitted {
					lastCommitted = seq
				}
			}
		}

		var batch []types.WALRecord
		for _, result := range scans {
			for _, rec := range result.records {
				if rec.RecordType == types.RecordTypeCommit {
					continue
				}
				if rec.Sequence <= lastCommitted {
					continue
				}
				batch = append(batch, rec)
				if len(batch) >= batchYieldSize {
					if !sendBatch(ctx, out, batch) {
						return
					}
					batch = nil
				}
			}
		}
		if len(batch) > 0 {
			sendBatch(ctx, out, batch)
		}
	}()

	return out, errc
}

func sendBatch(ctx context.Context, out chan<- []types.WALRecord, batch []types.WALRecord) bool {
	select {
	case out <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}

// LastCommittedSequence returns the highest sequence number covered by any
// COMMIT record across all WAL files, flushing the in-memory buffer first.
func (l *Log) LastCommittedSequence() (int64, error) {
	l.mu.Lock()
	flushErr := l.flushLocked()
	l.mu.Unlock()
	if flushErr != nil {
		return 0, flushErr
	}

	names, err := listWALFiles(l.cfg.Dir)
	if err != nil {
		return 0, err
	}

	var lastCommitted int64
	for _, name := range names {
		result, err := scanFile(l.log, l.cfg.Dir, name)
		if err != nil {
			return 0, fmt.Errorf("scan %s: %w", name, err)
		}
		for _, rec := range result.records {
			if rec.RecordType != types.RecordTypeCommit {
				continue
			}
			seq, err := strconv.ParseInt(string(rec.Payload), 10, 64)
			if err != nil {
				continue
			}
			if seq > lastCommitted {
				lastCommitted = seq
			}
		}
	}
	return lastCommitted, nil
}
