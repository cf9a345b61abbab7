// Package table reads and writes the tab-separated tables that flow between
// pipeline stages: the raw feature table, the normalised sample matrix, the
// per-worker wide embedding tables and the final long-format dataset.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/xphate/internal/fsutil"
)

// ErrMalformedTable is returned when a table's header or cells cannot be parsed.
var ErrMalformedTable = errors.New("malformed table")

// OpenInput opens path for reading, decompressing .gz and .zst files.
func OpenInput(fsys fsutil.FileSystem, path string) (io.ReadCloser, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case ".zst", ".zstd":
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd %s: %w", path, err)
		}
		rc := zr.IOReadCloser()
		return &stackedCloser{Reader: rc, closers: []io.Closer{rc, f}}, nil
	default:
		return f, nil
	}
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func newTSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false
	return cr
}

func newTSVWriter(w io.Writer) *csv.Writer {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	return cw
}

// readHeader returns the first record that is not a "# " comment line.
func readHeader(cr *csv.Reader) ([]string, error) {
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: missing header", ErrMalformedTable)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTable, err)
		}
		if len(rec) == 1 && strings.HasPrefix(rec[0], "# ") {
			continue
		}
		for i := range rec {
			rec[i] = strings.TrimRight(rec[i], "\r\n")
		}
		return rec, nil
	}
}

// ReadTSV reads a generic tab-separated table with a header row. Rows shorter
// than the header are padded with empty cells.
func ReadTSV(r io.Reader) (header []string, rows [][]string, err error) {
	cr := newTSVReader(r)
	if header, err = readHeader(cr); err != nil {
		return nil, nil, err
	}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: line %d: %v", ErrMalformedTable, line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) > len(header) {
			return nil, nil, fmt.Errorf("%w: line %d has %d fields, header has %d", ErrMalformedTable, line, len(rec), len(header))
		}
		for len(rec) < len(header) {
			rec = append(rec, "")
		}
		rows = append(rows, rec)
	}
	return header, rows, nil
}
