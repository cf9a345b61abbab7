// Package metadata loads per-sample annotations, classifies each column as
// categorical or numerical, and left-joins them onto the embedding table in
// long form.
package metadata

import (
	"fmt"
	"io"
	"iter"
	"slices"
	"strconv"
	"strings"

	"github.com/banshee-data/xphate/internal/fsutil"
	"github.com/banshee-data/xphate/internal/monitoring"
	"github.com/banshee-data/xphate/internal/table"
)

// missingTokens are cell values treated as absent.
var missingTokens = map[string]bool{
	"":     true,
	"NA":   true,
	"NaN":  true,
	"nan":  true,
	"None": true,
	"null": true,
}

// IsMissing reports whether a metadata cell holds no value.
func IsMissing(v string) bool {
	return missingTokens[strings.TrimSpace(v)]
}

// Table is a metadata table keyed by sample identifier.
type Table struct {
	// Columns are the variable names, excluding the identifier column.
	Columns []string
	samples []string
	values  map[string][]string
}

// Load reads a metadata TSV. The first column is the sample identifier
// whatever its header says. When a sample appears twice the first row wins.
func Load(r io.Reader) (*Table, error) {
	header, rows, err := table.ReadTSV(r)
	if err != nil {
		return nil, err
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("%w: empty metadata header", table.ErrMalformedTable)
	}
	t := &Table{
		Columns: slices.Clone(header[1:]),
		values:  make(map[string][]string, len(rows)),
	}
	for _, rec := range rows {
		id := rec[0]
		if _, dup := t.values[id]; dup {
			monitoring.Logf("metadata: duplicate sample %q, keeping the first row", id)
			continue
		}
		t.samples = append(t.samples, id)
		t.values[id] = rec[1:]
	}
	return t, nil
}

// LoadFile opens path (optionally compressed) and loads it.
func LoadFile(fsys fsutil.FileSystem, path string) (*Table, error) {
	rc, err := table.OpenInput(fsys, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	t, err := Load(rc)
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", path, err)
	}
	return t, nil
}

// Samples returns the sample identifiers in file order.
func (t *Table) Samples() []string { return slices.Clone(t.samples) }

// Value returns the cell for sample and column.
func (t *Table) Value(sample, column string) (string, bool) {
	row, ok := t.values[sample]
	if !ok {
		return "", false
	}
	i := slices.Index(t.Columns, column)
	if i < 0 {
		return "", false
	}
	return row[i], true
}

// Column returns every value of column in sample order.
func (t *Table) Column(column string) []string {
	i := slices.Index(t.Columns, column)
	if i < 0 {
		return nil
	}
	out := make([]string, len(t.samples))
	for j, s := range t.samples {
		out[j] = t.values[s][i]
	}
	return out
}

// Select keeps only the requested columns, in request order. Requested
// columns the table does not have are dropped with a warning and returned.
func (t *Table) Select(requested []string) (*Table, []string) {
	var keep []int
	var absent []string
	out := &Table{samples: t.samples, values: make(map[string][]string, len(t.values))}
	for _, name := range requested {
		i := slices.Index(t.Columns, name)
		switch {
		case i < 0:
			monitoring.Logf("warning: metadata column %q not found; ignoring it", name)
			absent = append(absent, name)
		case slices.Contains(out.Columns, name):
			// requested twice
		default:
			keep = append(keep, i)
			out.Columns = append(out.Columns, name)
		}
	}
	for s, row := range t.values {
		sel := make([]string, len(keep))
		for j, i := range keep {
			sel[j] = row[i]
		}
		out.values[s] = sel
	}
	return out, absent
}

// Classify tags values as numerical when every present value parses as a
// number and at least one value is present, and as categorical otherwise.
func Classify(values []string) table.DType {
	present := 0
	for _, v := range values {
		if IsMissing(v) {
			continue
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
			return table.Categorical
		}
		present++
	}
	if present == 0 {
		return table.Categorical
	}
	return table.Numerical
}

// Variable is a retained metadata column with its classified type.
type Variable struct {
	Name  string
	DType table.DType
}

// classify is swapped in tests to count column scans.
var classify = Classify

// Variables classifies every column once.
func (t *Table) Variables() []Variable {
	out := make([]Variable, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = Variable{Name: c, DType: classify(t.Column(c))}
	}
	return out
}

// Factor is one melted metadata cell.
type Factor struct {
	Sample   string
	Variable string
	Value    string
	DType    table.DType
}

// Melt yields one Factor per (sample, column), missing cells as table.NA.
func (t *Table) Melt() iter.Seq[Factor] {
	return t.melt(t.Variables())
}

// melt is Melt over already classified columns. vars must follow t.Columns.
func (t *Table) melt(vars []Variable) iter.Seq[Factor] {
	return func(yield func(Factor) bool) {
		for _, s := range t.samples {
			row := t.values[s]
			for i, v := range vars {
				val := row[i]
				if IsMissing(val) {
					val = table.NA
				}
				if !yield(Factor{Sample: s, Variable: v.Name, Value: val, DType: v.DType}) {
					return
				}
			}
		}
	}
}
