package table

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// FeatureTable is the raw feature-by-sample abundance table.
type FeatureTable struct {
	Features []string
	Samples  []string
	// Counts is features × samples.
	Counts *mat.Dense
}

// ReadFeatureTable parses a TSV whose first column is the feature identifier
// and whose header names the samples.
func ReadFeatureTable(r io.Reader) (*FeatureTable, error) {
	cr := newTSVReader(r)
	header, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("%w: feature table needs at least one sample column", ErrMalformedTable)
	}
	samples := append([]string(nil), header[1:]...)

	var features []string
	var data []float64
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedTable, line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("%w: line %d has %d fields, want %d", ErrMalformedTable, line, len(rec), len(header))
		}
		features = append(features, rec[0])
		for _, cell := range rec[1:] {
			v, err := parseCount(cell)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedTable, line, err)
			}
			data = append(data, v)
		}
	}

	t := &FeatureTable{Features: features, Samples: samples}
	if len(features) > 0 {
		t.Counts = mat.NewDense(len(features), len(samples), data)
	}
	return t, nil
}

func parseCount(cell string) (float64, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return 0, nil
	}
	return strconv.ParseFloat(cell, 64)
}

// FeatureCount is the number of feature rows.
func (t *FeatureTable) FeatureCount() int { return len(t.Features) }

// SampleCount is the number of sample columns.
func (t *FeatureTable) SampleCount() int { return len(t.Samples) }

// Normalize L1-normalises every sample column and returns the transposed
// sample-by-feature matrix. All-zero samples are left as zeros.
func (t *FeatureTable) Normalize() *Matrix {
	m := &Matrix{
		Samples:  append([]string(nil), t.Samples...),
		Features: append([]string(nil), t.Features...),
	}
	if t.Counts == nil || len(t.Samples) == 0 {
		return m
	}
	x := mat.NewDense(len(t.Samples), len(t.Features), nil)
	col := make([]float64, len(t.Features))
	for j := range t.Samples {
		mat.Col(col, j, t.Counts)
		if n := floats.Norm(col, 1); n > 0 {
			floats.Scale(1/n, col)
		}
		x.SetRow(j, col)
	}
	m.X = x
	return m
}
