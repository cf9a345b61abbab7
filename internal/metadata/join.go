package metadata

import (
	"iter"

	"github.com/banshee-data/xphate/internal/table"
)

// Join left-joins md onto the embedding rows of w. Every embedding row is
// repeated once per metadata variable; samples absent from md get
// table.NA. With no variables each embedding row is emitted once with an
// empty variable. Grid parameters and coordinates are copied unchanged.
func Join(w *table.Wide, md *Table) iter.Seq[table.LongRow] {
	var vars []Variable
	bySample := map[string]map[string]string{}
	if md != nil {
		vars = md.Variables()
		for f := range md.melt(vars) {
			m, ok := bySample[f.Sample]
			if !ok {
				m = make(map[string]string, len(vars))
				bySample[f.Sample] = m
			}
			m[f.Variable] = f.Value
		}
	}
	return func(yield func(table.LongRow) bool) {
		for _, r := range w.Rows {
			if len(vars) == 0 {
				row := table.LongRow{Sample: r.Sample, Coords: r.Coords, Point: r.Point, Factor: table.NA, DType: table.Categorical}
				if !yield(row) {
					return
				}
				continue
			}
			for _, v := range vars {
				factor := table.NA
				if val, ok := bySample[r.Sample][v.Name]; ok {
					factor = val
				}
				row := table.LongRow{
					Sample:   r.Sample,
					Coords:   r.Coords,
					Point:    r.Point,
					Variable: v.Name,
					Factor:   factor,
					DType:    v.DType,
				}
				if !yield(row) {
					return
				}
			}
		}
	}
}

// Combine concatenates long-row sequences into one table, e.g. the metadata
// join followed by the melted cluster assignments.
func Combine(components int, parts ...iter.Seq[table.LongRow]) *table.Long {
	l := &table.Long{Components: components}
	for _, part := range parts {
		for r := range part {
			l.Rows = append(l.Rows, r)
		}
	}
	return l
}
