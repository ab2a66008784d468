package cache

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/synaptica-ai/ehrpipe/pkg/common/fsutil"
	"github.com/synaptica-ai/ehrpipe/pkg/common/logger"
	"github.com/synaptica-ai/ehrpipe/pkg/observability/metrics"
	"github.com/synaptica-ai/ehrpipe/pkg/table"
)

const (
	SubsetDir = "subset"
	Extension = ".ecache"
)

var ErrEmptyCache = errors.New("cache conversion produced no data")

// Converter turns raw delimited files into columnar cache files. A cache
// file that already exists is never rebuilt.
type Converter struct {
	conversions atomic.Int64
	locks       sync.Map // cache path -> *sync.Mutex
}

func NewConverter() *Converter {
	return &Converter{}
}

// Conversions reports how many raw files this converter actually converted.
func (c *Converter) Conversions() int64 {
	return c.conversions.Load()
}

// CachePath maps a source file to its cache file in the sibling subset
// directory, e.g. data/ADMISSIONS.csv.gz -> data/subset/ADMISSIONS.ecache.
func CachePath(source string) string {
	dir, base := filepath.Split(source)
	return filepath.Join(dir, SubsetDir, trimDataExt(base)+Extension)
}

func trimDataExt(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range []string{".csv.gz", ".tsv.gz", ".csv", ".tsv", ".gz"} {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

// Delimiter picks the field separator from the file extension.
func Delimiter(source string) rune {
	lower := strings.ToLower(source)
	if strings.HasSuffix(lower, ".tsv") || strings.HasSuffix(lower, ".tsv.gz") {
		return '\t'
	}
	return ','
}

// Ensure returns the cache path for source, converting it first if no
// non-empty cache file exists yet.
func (c *Converter) Ensure(ctx context.Context, source string) (string, error) {
	cachePath := CachePath(source)
	if fsutil.NonEmpty(cachePath) {
		metrics.CacheHit()
		return cachePath, nil
	}

	mu, _ := c.locks.LoadOrStore(cachePath, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	if fsutil.NonEmpty(cachePath) {
		metrics.CacheHit()
		return cachePath, nil
	}

	if err := c.convert(ctx, source, cachePath); err != nil {
		return "", err
	}
	return cachePath, nil
}

func (c *Converter) convert(ctx context.Context, source, cachePath string) error {
	f, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open %s: %w", source, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(source), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gzip %s: %w", source, err)
		}
		defer gz.Close()
		r = gz
	}

	header, cols, skipped, err := parseDelimited(ctx, r, Delimiter(source))
	if err != nil {
		return fmt.Errorf("parse %s: %w", source, err)
	}
	if len(header) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyCache, source)
	}

	h := Header{Source: source, Rows: 0, Skipped: skipped}
	if len(cols) > 0 {
		h.Rows = len(cols[0])
	}
	for i, name := range header {
		h.Columns = append(h.Columns, ColumnSpec{Name: name, Kind: inferKind(cols[i])})
	}

	err = fsutil.WriteAtomicVerified(cachePath, 0o644, func(w io.Writer) error {
		return writeCache(w, h, cols)
	}, func(tmp string) error {
		return verifyCache(tmp, source)
	})
	if err != nil {
		return fmt.Errorf("write cache for %s: %w", source, err)
	}

	c.conversions.Add(1)
	metrics.CacheConversion()
	if skipped > 0 {
		metrics.RowsSkipped(skipped)
		logger.Log.WithFields(map[string]interface{}{
			"source":  source,
			"skipped": skipped,
		}).Warn("Skipped malformed rows while converting table")
	}
	logger.Log.WithFields(map[string]interface{}{
		"source":  source,
		"cache":   cachePath,
		"rows":    h.Rows,
		"columns": len(h.Columns),
	}).Info("Converted table to cache")
	return nil
}

// parseDelimited reads a header line and then every record, column-wise.
// Rows that fail to parse or whose width differs from the header are
// skipped and counted.
func parseDelimited(ctx context.Context, r io.Reader, delim rune) (header []string, cols [][]string, skipped int, err error) {
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	rec, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, 0, nil
	}
	if err != nil {
		return nil, nil, 0, err
	}
	header = make([]string, len(rec))
	for i, name := range rec {
		header[i] = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
	}
	if len(header) == 1 && header[0] == "" {
		return nil, nil, 0, nil
	}
	cols = make([][]string, len(header))

	for n := 0; ; n++ {
		if n%65536 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, 0, err
			}
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			skipped++
			continue
		}
		if err != nil {
			return nil, nil, 0, err
		}
		if len(rec) != len(header) {
			skipped++
			continue
		}
		for i, cell := range rec {
			cols[i] = append(cols[i], cell)
		}
	}
	return header, cols, skipped, nil
}

// inferKind types a column as a number when every non-empty cell parses as a
// float, otherwise as a string.
func inferKind(cells []string) table.Kind {
	seen := false
	for _, cell := range cells {
		if cell == "" {
			continue
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(cell), 64); err != nil {
			return table.KindString
		}
		seen = true
	}
	if !seen {
		return table.KindString
	}
	return table.KindNumber
}

// verifyCache checks a freshly written cache file before it is installed: it
// must be non-empty and decode to a header with at least one column.
func verifyCache(path, source string) error {
	if !fsutil.NonEmpty(path) {
		return fmt.Errorf("%w: %s", ErrEmptyCache, source)
	}
	h, err := ReadHeader(path)
	if err != nil {
		return fmt.Errorf("verify cache: %w", err)
	}
	if len(h.Columns) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyCache, source)
	}
	return nil
}
