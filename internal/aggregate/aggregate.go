// Package aggregate collects the per-worker wide result files of a sweep into
// one table and reshapes its cluster columns into long form.
package aggregate

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"slices"
	"strconv"
	"strings"

	"github.com/banshee-data/xphate/internal/fsutil"
	"github.com/banshee-data/xphate/internal/grid"
	"github.com/banshee-data/xphate/internal/monitoring"
	"github.com/banshee-data/xphate/internal/table"
)

// ErrMissingResultFile means a worker exited without leaving its result.
var ErrMissingResultFile = errors.New("missing result file")

// Aggregate reads every result file and concatenates them. All paths are
// checked before any is read, so a silently crashed worker fails the run
// instead of yielding a partial grid. Rows are ordered by grid point, which
// makes the result independent of the order of paths.
func Aggregate(fsys fsutil.FileSystem, paths []string) (*table.Wide, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no result files", ErrMissingResultFile)
	}
	var missing []string
	for _, p := range paths {
		if !fsys.Exists(p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingResultFile, strings.Join(missing, ", "))
	}

	var out *table.Wide
	for _, p := range paths {
		w, err := readWide(fsys, p)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = w
			continue
		}
		if err := out.Compatible(w); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		out.Rows = append(out.Rows, w.Rows...)
	}
	slices.SortStableFunc(out.Rows, func(a, b table.WideRow) int {
		switch {
		case a.Point.Less(b.Point):
			return -1
		case b.Point.Less(a.Point):
			return 1
		}
		return 0
	})
	monitoring.Verbosef("aggregated %d rows from %d result files", len(out.Rows), len(paths))
	return out, nil
}

func readWide(fsys fsutil.FileSystem, path string) (*table.Wide, error) {
	rc, err := table.OpenInput(fsys, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	w, err := table.ReadWide(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return w, nil
}

// MeltClusters yields one long row per (sample, grid point, cluster count),
// tagged with table.ClusterVariable.
func MeltClusters(w *table.Wide) iter.Seq[table.LongRow] {
	return func(yield func(table.LongRow) bool) {
		for _, r := range w.Rows {
			for i, k := range w.ClusterKs {
				if i >= len(r.Clusters) {
					break
				}
				row := table.LongRow{
					Sample:   r.Sample,
					Coords:   r.Coords,
					Point:    r.Point,
					Variable: table.ClusterVariable,
					Factor:   strconv.Itoa(r.Clusters[i]),
					DType:    table.Categorical,
					ClusterK: k,
				}
				if !yield(row) {
					return
				}
			}
		}
	}
}

type rowKey struct {
	sample string
	point  grid.Point
}

// PivotClusters is the inverse of MeltClusters. Rows of other variables are
// ignored. Every (sample, grid point) must carry the same set of cluster counts.
func PivotClusters(components int, rows iter.Seq[table.LongRow]) (*table.Wide, error) {
	w := &table.Wide{Components: components}
	index := map[rowKey]int{}
	labels := map[rowKey]map[int]int{}
	ks := map[int]bool{}
	for r := range rows {
		if r.Variable != table.ClusterVariable {
			continue
		}
		label, err := strconv.Atoi(r.Factor)
		if err != nil {
			return nil, fmt.Errorf("%w: cluster label %q for %s", table.ErrMalformedTable, r.Factor, r.Sample)
		}
		key := rowKey{r.Sample, r.Point}
		if _, ok := index[key]; !ok {
			index[key] = len(w.Rows)
			w.Rows = append(w.Rows, table.WideRow{Sample: r.Sample, Coords: r.Coords, Point: r.Point})
			labels[key] = map[int]int{}
		}
		labels[key][r.ClusterK] = label
		ks[r.ClusterK] = true
	}
	for k := range ks {
		w.ClusterKs = append(w.ClusterKs, k)
	}
	slices.Sort(w.ClusterKs)
	for key, i := range index {
		row := &w.Rows[i]
		row.Clusters = make([]int, len(w.ClusterKs))
		for j, k := range w.ClusterKs {
			label, ok := labels[key][k]
			if !ok {
				return nil, fmt.Errorf("%w: %s at %s has no k=%d label", table.ErrMalformedTable, key.sample, key.point, k)
			}
			row.Clusters[j] = label
		}
	}
	return w, nil
}

// Cleanup deletes the worker result files. Callers invoke it only after a
// fully successful aggregation so failed runs keep their files for
// inspection. Files already gone are not an error.
func Cleanup(fsys fsutil.FileSystem, paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := fsys.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
