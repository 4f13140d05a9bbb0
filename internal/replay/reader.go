package replay

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"mdcore/pkg/types"
)

const maxLineBytes = 4 << 20 // 4 MiB, generous headroom over an L2 snapshot line

// countingReader tracks bytes actually read off disk, ahead of any
// decompression, so replay statistics reflect real I/O volume.
type countingReader struct {
	r io.Reader
	n *int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	*c.n += int64(n)
	return n, err
}

// fileReader yields decoded MarketEvents from one JSONL(.gz) file, one line
// at a time.
type fileReader struct {
	f         *os.File
	gz        *gzip.Reader
	scanner   *bufio.Scanner
	bytesRead int64
}

func openFileReader(path string) (*fileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	fr := &fileReader{f: f}
	var src io.Reader = &countingReader{r: f, n: &fr.bytesRead}

	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(src)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("gzip reader for %s: %w", path, err)
		}
		fr.gz = gz
		src = gz
	}

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	fr.scanner = scanner
	return fr, nil
}

// next returns the next decoded event, io.EOF when the file is exhausted, or
// a decode error for a malformed line (the caller decides whether that's
// fatal or just an "errored" stat increment).
func (r *fileReader) next() (types.MarketEvent, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return types.MarketEvent{}, fmt.Errorf("scan: %w", err)
		}
		return types.MarketEvent{}, io.EOF
	}

	line := r.scanner.Bytes()
	var event types.MarketEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return types.MarketEvent{}, fmt.Errorf("decode line: %w", err)
	}
	return event, nil
}

func (r *fileReader) close() error {
	var firstErr error
	if r.gz != nil {
		if err := r.gz.Close(); err != nil {
			firstErr = err
		}
	}
	if err := r.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
