package table

import (
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// Matrix is the normalised sample-by-feature matrix handed to the embedding
// routine. It is never mutated once built, so workers share it freely.
type Matrix struct {
	Samples  []string
	Features []string
	// X is samples × features; nil when there are no samples or features.
	X *mat.Dense
}

// WriteMatrix writes m as TSV with a sample_name index column.
func WriteMatrix(w io.Writer, m *Matrix) error {
	cw := newTSVWriter(w)
	header := append([]string{ColSample}, m.Features...)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for i, s := range m.Samples {
		rec[0] = s
		for j := range m.Features {
			rec[j+1] = strconv.FormatFloat(m.X.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadMatrix reads a matrix written by WriteMatrix.
func ReadMatrix(r io.Reader) (*Matrix, error) {
	cr := newTSVReader(r)
	header, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	m := &Matrix{Features: append([]string(nil), header[1:]...)}
	var data []float64
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
		m.Samples = append(m.Samples, rec[0])
		for _, cell := range rec[1:] {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedTable, line, err)
			}
			data = append(data, v)
		}
	}
	if len(m.Samples) > 0 && len(m.Features) > 0 {
		m.X = mat.NewDense(len(m.Samples), len(m.Features), data)
	}
	return m, nil
}
