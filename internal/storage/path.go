// Package storage implements the storage policy contract: deriving a
// relative file path for a MarketEvent from a naming convention and date
// partition, plus the sinks that write events to those paths.
package storage

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"mdcore/pkg/types"
)

// NamingConvention selects how a path's directory/file segments are built
// from an event's symbol, type, and source.
type NamingConvention int

const (
	Flat NamingConvention = iota
	BySymbol
	ByDate
	ByType
	BySource
	ByAssetClass
	Hierarchical
	Canonical
)

// DatePartition selects the granularity of the date-derived path prefix.
type DatePartition int

const (
	PartitionNone DatePartition = iota
	PartitionDaily
	PartitionHourly
	PartitionMonthly
)

// Compression selects the file extension / codec a sink uses. Only None and
// Gzip have a working Sink implementation; the others are recognized as
// valid extensions for TryParsePath but have no writer.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
	CompressionLZ4
	CompressionBrotli
)

// Extension returns the file suffix (including the leading ".jsonl") for c.
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return ".jsonl.gz"
	case CompressionZstd:
		return ".jsonl.zst"
	case CompressionLZ4:
		return ".jsonl.lz4"
	case CompressionBrotli:
		return ".jsonl.br"
	default:
		return ".jsonl"
	}
}

var extensionToCompression = map[string]Compression{
	".jsonl":     CompressionNone,
	".jsonl.gz":  CompressionGzip,
	".jsonl.zst": CompressionZstd,
	".jsonl.lz4": CompressionLZ4,
	".jsonl.br":  CompressionBrotli,
}

// PathPolicy derives a relative file path for an event and its inverse,
// parsing a path back into the symbol/type/source/date it was derived from.
type PathPolicy struct {
	Convention  NamingConvention
	Partition   DatePartition
	Compression Compression
}

// NewPathPolicy builds a PathPolicy from the given convention, partition and
// compression.
func NewPathPolicy(convention NamingConvention, partition DatePartition, compression Compression) PathPolicy {
	return PathPolicy{Convention: convention, Partition: partition, Compression: compression}
}

// assetClassOf classifies an event type into one of the two asset classes
// this module distinguishes; there is no dedicated asset-class field on
// MarketEvent, so the event type itself is the only available signal.
func assetClassOf(t types.EventType) string {
	if strings.HasPrefix(string(t), "Option") || t == types.EventOpenInterest {
		return "options"
	}
	return "equity"
}

func datePrefix(partition DatePartition, ts time.Time) []string {
	ts = ts.UTC()
	switch partition {
	case PartitionDaily:
		return []string{ts.Format("2006-01-02")}
	case PartitionHourly:
		return []string{ts.Format("2006-01-02"), ts.Format("15")}
	case PartitionMonthly:
		return []string{ts.Format("2006-01")}
	default:
		return nil
	}
}

// GetPath derives the relative path event should be appended to under this
// policy's convention and date partition. The file name itself never
// encodes the timestamp — the same path is returned for every event in the
// same symbol/type/source/date bucket, so sinks can keep appending to it.
func (p PathPolicy) GetPath(event types.MarketEvent) string {
	symbol := string(event.Symbol)
	eventType := string(event.Type)
	source := event.Source
	if source == "" {
		source = "unknown"
	}

	var segments []string
	switch p.Convention {
	case BySymbol:
		segments = []string{symbol}
	case ByType:
		segments = []string{eventType}
	case BySource:
		segments = []string{source}
	case ByAssetClass:
		segments = []string{assetClassOf(event.Type)}
	case Hierarchical:
		segments = []string{source, assetClassOf(event.Type), symbol, eventType}
	case Canonical:
		segments = []string{source, symbol, eventType}
	case ByDate:
		segments = nil // date prefix supplies the only directory structure
	case Flat:
		segments = nil
	}

	dirs := append(datePrefix(p.Partition, event.Timestamp), segments...)
	fileName := "events" + p.Compression.Extension()
	return path.Join(append(dirs, fileName)...)
}

// ParsedPath is the inverse of GetPath: what a path implies about the
// events it contains, to the extent the convention preserves that
// information. Fields the convention doesn't encode are left zero.
type ParsedPath struct {
	Symbol    types.Symbol
	EventType types.EventType
	Source    string
	Date      time.Time
}

// TryParsePath attempts to recover the symbol/type/source/date a path was
// derived from under this policy's convention and partition. It returns
// false if path doesn't look like one this policy would have produced
// (wrong segment count, unrecognized extension, unparsable date).
func (p PathPolicy) TryParsePath(relPath string) (ParsedPath, bool) {
	ext, ok := matchExtension(relPath)
	if !ok {
		return ParsedPath{}, false
	}
	trimmed := strings.TrimSuffix(relPath, ext)
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[len(parts)-1] != "events" {
		return ParsedPath{}, false
	}
	parts = parts[:len(parts)-1] // drop "events"

	dateParts, rest, ok := splitDatePrefix(p.Partition, parts)
	if !ok {
		return ParsedPath{}, false
	}

	var out ParsedPath
	if len(dateParts) > 0 {
		d, err := parseDatePrefix(p.Partition, dateParts)
		if err != nil {
			return ParsedPath{}, false
		}
		out.Date = d
	}

	switch p.Convention {
	case Flat:
		if len(rest) != 0 {
			return ParsedPath{}, false
		}
	case BySymbol:
		if len(rest) != 1 {
			return ParsedPath{}, false
		}
		out.Symbol = types.Symbol(rest[0])
	case ByType:
		if len(rest) != 1 {
			return ParsedPath{}, false
		}
		out.EventType = types.EventType(rest[0])
	case BySource:
		if len(rest) != 1 {
			return ParsedPath{}, false
		}
		out.Source = rest[0]
	case ByAssetClass:
		if len(rest) != 1 {
			return ParsedPath{}, false
		}
		// asset class alone doesn't recover symbol/type/source.
	case ByDate:
		if len(rest) != 0 {
			return ParsedPath{}, false
		}
	case Hierarchical:
		if len(rest) != 4 {
			return ParsedPath{}, false
		}
		out.Source, out.Symbol, out.EventType = rest[0], types.Symbol(rest[2]), types.EventType(rest[3])
	case Canonical:
		if len(rest) != 3 {
			return ParsedPath{}, false
		}
		out.Source, out.Symbol, out.EventType = rest[0], types.Symbol(rest[1]), types.EventType(rest[2])
	default:
		return ParsedPath{}, false
	}
	return out, true
}

func matchExtension(p string) (string, bool) {
	for ext := range extensionToCompression {
		if strings.HasSuffix(p, ext) {
			return ext, true
		}
	}
	return "", false
}

func splitDatePrefix(partition DatePartition, parts []string) (dateParts, rest []string, ok bool) {
	n := 0
	switch partition {
	case PartitionDaily, PartitionMonthly:
		n = 1
	case PartitionHourly:
		n = 2
	default:
		n = 0
	}
	if len(parts) < n {
		return nil, nil, false
	}
	return parts[:n], parts[n:], true
}

func parseDatePrefix(partition DatePartition, parts []string) (time.Time, error) {
	switch partition {
	case PartitionDaily:
		return time.Parse("2006-01-02", parts[0])
	case PartitionMonthly:
		return time.Parse("2006-01", parts[0])
	case PartitionHourly:
		hour, err := strconv.Atoi(parts[1])
		if err != nil || hour < 0 || hour > 23 {
			return time.Time{}, fmt.Errorf("invalid hour segment %q", parts[1])
		}
		day, err := time.Parse("2006-01-02", parts[0])
		if err != nil {
			return time.Time{}, err
		}
		return day.Add(time.Duration(hour) * time.Hour), nil
	default:
		return time.Time{}, nil
	}
}
