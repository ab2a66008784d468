package cache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/synaptica-ai/ehrpipe/pkg/table"
)

const (
	magic         = "EHRCACHE"
	formatVersion = byte(1)
)

var ErrBadFormat = errors.New("not a cache file")

type ColumnSpec struct {
	Name string
	Kind table.Kind
}

// Header describes a cache file and precedes the column data, so the schema
// can be read without decoding any rows.
type Header struct {
	Source  string
	Columns []ColumnSpec
	Rows    int
	Skipped int
}

func (h Header) Names() []string {
	out := make([]string, len(h.Columns))
	for i, c := range h.Columns {
		out[i] = c.Name
	}
	return out
}

func writeCache(w io.Writer, h Header, cols [][]string) error {
	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{formatVersion}); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	g := gob.NewEncoder(enc)
	if err := g.Encode(h); err != nil {
		enc.Close()
		return fmt.Errorf("encode header: %w", err)
	}
	for i, col := range cols {
		if err := g.Encode(col); err != nil {
			enc.Close()
			return fmt.Errorf("encode column %s: %w", h.Columns[i].Name, err)
		}
	}
	return enc.Close()
}

type cacheReader struct {
	f   *os.File
	dec *zstd.Decoder
	g   *gob.Decoder
}

func openCache(path string) (*cacheReader, Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Header{}, err
	}
	br := bufio.NewReader(f)
	prefix := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(br, prefix); err != nil || !bytes.Equal(prefix[:len(magic)], []byte(magic)) {
		f.Close()
		return nil, Header{}, fmt.Errorf("%w: %s", ErrBadFormat, path)
	}
	if prefix[len(magic)] != formatVersion {
		f.Close()
		return nil, Header{}, fmt.Errorf("%w: %s has version %d", ErrBadFormat, path, prefix[len(magic)])
	}
	dec, err := zstd.NewReader(br)
	if err != nil {
		f.Close()
		return nil, Header{}, fmt.Errorf("zstd reader: %w", err)
	}
	r := &cacheReader{f: f, dec: dec, g: gob.NewDecoder(dec)}
	var h Header
	if err := r.g.Decode(&h); err != nil {
		r.Close()
		return nil, Header{}, fmt.Errorf("decode header of %s: %w", path, err)
	}
	return r, h, nil
}

func (r *cacheReader) Close() error {
	r.dec.Close()
	return r.f.Close()
}

// ReadHeader returns only the header of a cache file.
func ReadHeader(path string) (Header, error) {
	r, h, err := openCache(path)
	if err != nil {
		return Header{}, err
	}
	r.Close()
	return h, nil
}

// Read loads a whole cache file into a frame, typing each cell by its
// column kind.
func Read(ctx context.Context, path string) (*table.Frame, error) {
	r, h, err := openCache(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	cols := make([]table.Column, 0, len(h.Columns))
	for _, spec := range h.Columns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var raw []string
		if err := r.g.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode column %s of %s: %w", spec.Name, path, err)
		}
		values := make([]table.Value, h.Rows)
		for i := 0; i < h.Rows && i < len(raw); i++ {
			values[i] = table.Parse(raw[i], spec.Kind)
		}
		cols = append(cols, table.Column{Name: spec.Name, Values: values})
	}
	return table.NewFrame(cols...)
}

// Scan opens a cache file lazily. Only the header is read now.
func Scan(path string) (*table.Lazy, error) {
	h, err := ReadHeader(path)
	if err != nil {
		return nil, err
	}
	return table.Scan(h.Names(), func(ctx context.Context) (*table.Frame, error) {
		return Read(ctx, path)
	}), nil
}
