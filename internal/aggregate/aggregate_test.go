package aggregate

import (
	"bytes"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/xphate/internal/fsutil"
	"github.com/banshee-data/xphate/internal/grid"
	"github.com/banshee-data/xphate/internal/table"
)

var ks = []int{2, 3, 4, 5, 6, 7, 8, 9, 10}

// workerTable builds the table a worker for knn would write: two samples at
// two t values.
func workerTable(knn int, clusters bool) *table.Wide {
	w := &table.Wide{Components: 2}
	if clusters {
		w.ClusterKs = ks
	}
	for _, tv := range []int{grid.TAuto, 4} {
		p := grid.Point{Knn: knn, Decay: 15, T: tv}
		for i, s := range []string{"S1", "S2"} {
			row := table.WideRow{Sample: s, Coords: []float64{float64(knn), float64(i) + 0.5}, Point: p}
			if clusters {
				for _, k := range ks {
					row.Clusters = append(row.Clusters, (i+knn)%k)
				}
			}
			w.Rows = append(w.Rows, row)
		}
	}
	return w
}

func writeResults(t *testing.T, fsys fsutil.FileSystem, knns []int, clusters bool) []string {
	t.Helper()
	var paths []string
	for _, knn := range knns {
		var buf bytes.Buffer
		require.NoError(t, table.WriteWide(&buf, workerTable(knn, clusters)))
		p := "/out/plot_tmp-" + grid.Set(knn).String() + ".tsv"
		require.NoError(t, fsys.WriteFile(p, buf.Bytes(), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func TestAggregate_Concatenates(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	paths := writeResults(t, mfs, []int{5, 10, 15}, true)

	w, err := Aggregate(mfs, paths)
	require.NoError(t, err)
	assert.Equal(t, 2, w.Components)
	assert.Equal(t, ks, w.ClusterKs)
	require.Len(t, w.Rows, 12)

	perKnn := map[int]int{}
	for _, r := range w.Rows {
		perKnn[r.Point.Knn]++
	}
	assert.Equal(t, map[int]int{5: 4, 10: 4, 15: 4}, perKnn)
}

func TestAggregate_OrderIndependent(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	paths := writeResults(t, mfs, []int{5, 10, 15, 20, 25}, true)

	want, err := Aggregate(mfs, paths)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 10; i++ {
		shuffled := slices.Clone(paths)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := Aggregate(mfs, shuffled)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("order %v changed the result (-want +got):\n%s", shuffled, diff)
		}
	}
}

func TestAggregate_MissingResultFile(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	paths := writeResults(t, mfs, []int{5, 15}, false)
	paths = append(paths, "/out/plot_tmp-10.tsv")

	_, err := Aggregate(mfs, paths)
	assert.ErrorIs(t, err, ErrMissingResultFile)
	assert.Contains(t, err.Error(), "plot_tmp-10.tsv")

	_, err = Aggregate(mfs, nil)
	assert.ErrorIs(t, err, ErrMissingResultFile)
}

func TestAggregate_IncompatibleTables(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	a := writeResults(t, mfs, []int{5}, true)
	b := writeResults(t, mfs, []int{10}, false)

	_, err := Aggregate(mfs, append(a, b...))
	assert.ErrorIs(t, err, table.ErrMalformedTable)
}

func TestMeltClusters(t *testing.T) {
	w := workerTable(5, true)
	var rows []table.LongRow
	for r := range MeltClusters(w) {
		rows = append(rows, r)
	}
	require.Len(t, rows, len(w.Rows)*len(ks))

	first := rows[0]
	assert.Equal(t, table.ClusterVariable, first.Variable)
	assert.Equal(t, table.Categorical, first.DType)
	assert.Equal(t, 2, first.ClusterK)
	assert.Equal(t, "1", first.Factor) // (0+5)%2

	// Early termination is honoured.
	n := 0
	for range MeltClusters(w) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestMeltClusters_NoClusters(t *testing.T) {
	n := 0
	for range MeltClusters(workerTable(5, false)) {
		n++
	}
	assert.Zero(t, n)
}

func TestClusterRoundTrip(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	w, err := Aggregate(mfs, writeResults(t, mfs, []int{5, 10}, true))
	require.NoError(t, err)

	back, err := PivotClusters(w.Components, MeltClusters(w))
	require.NoError(t, err)
	if diff := cmp.Diff(w, back); diff != "" {
		t.Errorf("pivot(melt(w)) != w (-want +got):\n%s", diff)
	}
}

func TestPivotClusters_Incomplete(t *testing.T) {
	w := workerTable(5, true)
	var rows []table.LongRow
	for r := range MeltClusters(w) {
		// Drop one label.
		if r.Sample == "S2" && r.ClusterK == 7 && r.Point.T == 4 {
			continue
		}
		rows = append(rows, r)
	}
	_, err := PivotClusters(2, slices.Values(rows))
	assert.ErrorIs(t, err, table.ErrMalformedTable)
}

func TestCleanup(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	paths := writeResults(t, mfs, []int{5, 10}, false)
	require.NoError(t, mfs.WriteFile("/out/plot_xphate.tsv", []byte("keep"), 0o644))

	require.NoError(t, Cleanup(mfs, append(paths, "/out/plot_tmp-99.tsv")))
	assert.Equal(t, []string{"/out/plot_xphate.tsv"}, mfs.Files())
}
