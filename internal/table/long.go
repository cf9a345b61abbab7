package table

import (
	"fmt"
	"io"
	"strconv"

	"github.com/banshee-data/xphate/internal/grid"
)

// DType tags a long-format variable as categorical or numerical.
type DType string

const (
	Categorical DType = "categorical"
	Numerical   DType = "numerical"
)

// NA marks an absent factor value.
const NA = "NA"

// ClusterVariable is the variable name carried by melted cluster assignments.
const ClusterVariable = "Silhouette_score_cluster"

// LongRow is one (sample, grid point, variable, factor) observation.
type LongRow struct {
	Sample   string
	Coords   []float64
	Point    grid.Point
	Variable string
	Factor   string
	DType    DType
	// ClusterK is the cluster count for ClusterVariable rows, zero otherwise.
	ClusterK int
}

// Long is the final tidy dataset handed to the visualisation layer.
type Long struct {
	Components int
	Rows       []LongRow
}

// Header returns the column layout of l.
func (l *Long) Header() []string {
	h := []string{ColSample}
	for i := 0; i < l.Components; i++ {
		h = append(h, CoordColumn(i))
	}
	return append(h, ColKnn, ColDecay, ColT, ColVariable, ColFactor, ColDType, ColClusterK)
}

// Variables returns the distinct variable names in first-seen order.
func (l *Long) Variables() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range l.Rows {
		if !seen[r.Variable] {
			seen[r.Variable] = true
			out = append(out, r.Variable)
		}
	}
	return out
}

// WriteLong writes l as TSV.
func WriteLong(out io.Writer, l *Long) error {
	cw := newTSVWriter(out)
	header := l.Header()
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, 0, len(header))
	for _, r := range l.Rows {
		if len(r.Coords) != l.Components {
			return fmt.Errorf("%w: sample %s has %d coordinates, want %d", ErrMalformedTable, r.Sample, len(r.Coords), l.Components)
		}
		rec = rec[:0]
		rec = append(rec, r.Sample)
		for _, c := range r.Coords {
			rec = append(rec, formatFloat(c))
		}
		k := ""
		if r.ClusterK > 0 {
			k = strconv.Itoa(r.ClusterK)
		}
		rec = append(rec,
			strconv.Itoa(r.Point.Knn), strconv.Itoa(r.Point.Decay), grid.FormatT(r.Point.T),
			r.Variable, r.Factor, string(r.DType), k,
		)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadLong reads a table written by WriteLong.
func ReadLong(r io.Reader) (*Long, error) {
	cr := newTSVReader(r)
	header, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	layout, err := parseWideLayout(header)
	if err != nil {
		return nil, err
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[name] = i
	}
	for _, name := range []string{ColVariable, ColFactor, ColDType, ColClusterK} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: long table lacks %s column", ErrMalformedTable, name)
		}
	}

	l := &Long{Components: len(layout.coords)}
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
		row := LongRow{
			Sample:   rec[layout.sample],
			Variable: rec[cols[ColVariable]],
			Factor:   rec[cols[ColFactor]],
			DType:    DType(rec[cols[ColDType]]),
		}
		if row.Coords, err = layout.coordValues(rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedTable, line, err)
		}
		if row.Point, err = layout.point(rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedTable, line, err)
		}
		if k := rec[cols[ColClusterK]]; k != "" {
			if row.ClusterK, err = strconv.Atoi(k); err != nil {
				return nil, fmt.Errorf("%w: line %d: cluster_k %q", ErrMalformedTable, line, k)
			}
		}
		l.Rows = append(l.Rows, row)
	}
	return l, nil
}
