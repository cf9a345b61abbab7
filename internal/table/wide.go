package table

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/xphate/internal/grid"
)

// Column names shared by the wide and long tables.
const (
	ColSample        = "sample_name"
	ColKnn           = "knn"
	ColDecay         = "decay"
	ColT             = "t"
	ColVariable      = "variable"
	ColFactor        = "factor"
	ColDType         = "dtype"
	ColClusterK      = "cluster_k"
	coordPrefix      = "PHATE"
	clusterColPrefix = "cluster_k"
)

// CoordColumn names the i-th (0-based) embedding coordinate column.
func CoordColumn(i int) string { return coordPrefix + strconv.Itoa(i+1) }

// ClusterColumn names the wide cluster-assignment column for k clusters.
func ClusterColumn(k int) string { return clusterColPrefix + strconv.Itoa(k) }

// WideRow is one sample at one grid point.
type WideRow struct {
	Sample string
	Coords []float64
	Point  grid.Point
	// Clusters[i] is the label for Wide.ClusterKs[i]; nil when not computed.
	Clusters []int
}

// Wide is the per-worker (and, after aggregation, per-run) embedding table.
type Wide struct {
	Components int
	ClusterKs  []int
	Rows       []WideRow
}

// Header returns the column layout of w.
func (w *Wide) Header() []string {
	h := []string{ColSample}
	for i := 0; i < w.Components; i++ {
		h = append(h, CoordColumn(i))
	}
	h = append(h, ColKnn, ColDecay, ColT)
	for _, k := range w.ClusterKs {
		h = append(h, ClusterColumn(k))
	}
	return h
}

// Compatible reports whether o can be concatenated onto w.
func (w *Wide) Compatible(o *Wide) error {
	if w.Components != o.Components {
		return fmt.Errorf("%w: %d vs %d embedding components", ErrMalformedTable, w.Components, o.Components)
	}
	if len(w.ClusterKs) != len(o.ClusterKs) {
		return fmt.Errorf("%w: cluster columns differ", ErrMalformedTable)
	}
	for i := range w.ClusterKs {
		if w.ClusterKs[i] != o.ClusterKs[i] {
			return fmt.Errorf("%w: cluster columns differ", ErrMalformedTable)
		}
	}
	return nil
}

// WriteWide writes w as TSV.
func WriteWide(out io.Writer, w *Wide) error {
	cw := newTSVWriter(out)
	header := w.Header()
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, 0, len(header))
	for _, r := range w.Rows {
		if len(r.Coords) != w.Components {
			return fmt.Errorf("%w: sample %s has %d coordinates, want %d", ErrMalformedTable, r.Sample, len(r.Coords), w.Components)
		}
		rec = rec[:0]
		rec = append(rec, r.Sample)
		for _, c := range r.Coords {
			rec = append(rec, formatFloat(c))
		}
		rec = append(rec, strconv.Itoa(r.Point.Knn), strconv.Itoa(r.Point.Decay), grid.FormatT(r.Point.T))
		for i := range w.ClusterKs {
			if i < len(r.Clusters) {
				rec = append(rec, strconv.Itoa(r.Clusters[i]))
			} else {
				rec = append(rec, "")
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// wideLayout maps the columns of a wide or long header.
type wideLayout struct {
	sample      int
	knn         int
	decay       int
	t           int
	coords      []int
	clusterKs   []int
	clusterCols []int
}

func parseWideLayout(header []string) (*wideLayout, error) {
	l := &wideLayout{sample: -1, knn: -1, decay: -1, t: -1}
	coordIdx := map[int]int{}
	for i, name := range header {
		switch {
		case name == ColSample:
			l.sample = i
		case name == ColKnn:
			l.knn = i
		case name == ColDecay:
			l.decay = i
		case name == ColT:
			l.t = i
		case strings.HasPrefix(name, coordPrefix):
			n, err := strconv.Atoi(strings.TrimPrefix(name, coordPrefix))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("%w: bad coordinate column %q", ErrMalformedTable, name)
			}
			coordIdx[n-1] = i
		case strings.HasPrefix(name, clusterColPrefix) && name != ColClusterK:
			k, err := strconv.Atoi(strings.TrimPrefix(name, clusterColPrefix))
			if err != nil {
				return nil, fmt.Errorf("%w: bad cluster column %q", ErrMalformedTable, name)
			}
			l.clusterKs = append(l.clusterKs, k)
			l.clusterCols = append(l.clusterCols, i)
		}
	}
	if l.sample < 0 || l.knn < 0 || l.decay < 0 || l.t < 0 {
		return nil, fmt.Errorf("%w: header %v lacks sample/knn/decay/t columns", ErrMalformedTable, header)
	}
	for i := 0; i < len(coordIdx); i++ {
		col, ok := coordIdx[i]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s column", ErrMalformedTable, CoordColumn(i))
		}
		l.coords = append(l.coords, col)
	}
	if len(l.coords) == 0 {
		return nil, fmt.Errorf("%w: no embedding coordinate columns", ErrMalformedTable)
	}
	return l, nil
}

func (l *wideLayout) point(rec []string) (grid.Point, error) {
	knn, err := strconv.Atoi(rec[l.knn])
	if err != nil {
		return grid.Point{}, fmt.Errorf("knn %q: %w", rec[l.knn], err)
	}
	decay, err := strconv.Atoi(rec[l.decay])
	if err != nil {
		return grid.Point{}, fmt.Errorf("decay %q: %w", rec[l.decay], err)
	}
	t, err := grid.ParseT(rec[l.t])
	if err != nil {
		return grid.Point{}, err
	}
	return grid.Point{Knn: knn, Decay: decay, T: t}, nil
}

func (l *wideLayout) coordValues(rec []string) ([]float64, error) {
	out := make([]float64, len(l.coords))
	for i, col := range l.coords {
		v, err := strconv.ParseFloat(rec[col], 64)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", CoordColumn(i), rec[col], err)
		}
		out[i] = v
	}
	return out, nil
}

// ReadWide reads a wide table. Column order is free; the sample identifier is
// always read as a string.
func ReadWide(r io.Reader) (*Wide, error) {
	cr := newTSVReader(r)
	header, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	l, err := parseWideLayout(header)
	if err != nil {
		return nil, err
	}
	w := &Wide{Components: len(l.coords), ClusterKs: l.clusterKs}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedTable, line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("%w: line %d has %d fields, want %d", ErrMalformedTable, line, len(rec), len(header))
		}
		row := WideRow{Sample: rec[l.sample]}
		if row.Coords, err = l.coordValues(rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedTable, line, err)
		}
		if row.Point, err = l.point(rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedTable, line, err)
		}
		if len(l.clusterCols) > 0 {
			row.Clusters = make([]int, len(l.clusterCols))
			for i, col := range l.clusterCols {
				if row.Clusters[i], err = strconv.Atoi(rec[col]); err != nil {
					return nil, fmt.Errorf("%w: line %d: %s %q", ErrMalformedTable, line, header[col], rec[col])
				}
			}
		}
		w.Rows = append(w.Rows, row)
	}
	return w, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
