package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/xphate/internal/aggregate"
	"github.com/banshee-data/xphate/internal/embed"
	"github.com/banshee-data/xphate/internal/fsutil"
	"github.com/banshee-data/xphate/internal/grid"
	"github.com/banshee-data/xphate/internal/monitoring"
	"github.com/banshee-data/xphate/internal/skipgate"
	"github.com/banshee-data/xphate/internal/store"
	"github.com/banshee-data/xphate/internal/table"
	"github.com/banshee-data/xphate/internal/testutil"
	"github.com/banshee-data/xphate/internal/timeutil"
	"github.com/banshee-data/xphate/internal/worker"
)

const (
	inputPath    = "/data/features.tsv"
	metadataPath = "/data/metadata.tsv"
	outputPath   = "/out/run"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// recorder is a fake embedder that remembers every grid point it was asked
// for and encodes knn into the second coordinate.
type recorder struct {
	mu     sync.Mutex
	points []grid.Point
	failOn int
}

func (r *recorder) Embed(_ context.Context, x mat.Matrix, p embed.Params) (*mat.Dense, error) {
	r.mu.Lock()
	r.points = append(r.points, grid.Point{Knn: p.Knn, Decay: p.Decay, T: p.T})
	r.mu.Unlock()
	if p.Knn == r.failOn {
		return nil, embed.ErrDegenerateInput
	}
	n, _ := x.Dims()
	out := mat.NewDense(n, p.Components, nil)
	for i := 0; i < n; i++ {
		out.Set(i, 0, float64(i))
		out.Set(i, 1, float64(p.Knn))
	}
	return out, nil
}

func (r *recorder) calls() []grid.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.points)
	slices.SortFunc(out, func(a, b grid.Point) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
	return out
}

var modClusterer = embed.ClustererFunc(func(_ context.Context, coords mat.Matrix, k int) ([]int, error) {
	n, _ := coords.Dims()
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i % k
	}
	return labels, nil
})

func setup(t *testing.T, features, samples int) (*fsutil.MemoryFileSystem, *recorder, *Runner) {
	t.Helper()
	fsys := fsutil.NewMemoryFileSystem()
	testutil.WriteFile(t, fsys, inputPath, testutil.FeatureTSV(features, samples))
	testutil.WriteFile(t, fsys, metadataPath, testutil.MetadataTSV(testutil.SampleNames(samples)))
	rec := &recorder{}
	return fsys, rec, &Runner{FS: fsys, Embedder: rec, Clusterer: modClusterer}
}

func sweep(t *testing.T, knn, decay, tt []int) grid.Sweep {
	t.Helper()
	s, err := grid.NewSweep(knn, decay, tt)
	require.NoError(t, err)
	return s
}

func readLong(t *testing.T, fsys fsutil.FileSystem, path string) *table.Long {
	t.Helper()
	b, err := fsys.ReadFile(path)
	require.NoError(t, err)
	l, err := table.ReadLong(bytes.NewReader(b))
	require.NoError(t, err)
	return l
}

func TestDerivePaths(t *testing.T) {
	for _, out := range []string{"/out/run", "/out/run.html"} {
		p := DerivePaths(out)
		assert.Equal(t, "/out/run.html", p.HTML)
		assert.Equal(t, "/out/run", p.Prefix)
		assert.Equal(t, "/out/run_xphate.tsv", p.Wide)
		assert.Equal(t, "/out/run_full.tsv", p.Full)
		assert.Equal(t, "/out", p.Dir())
	}
}

func TestRun_SweepsKnnAxis(t *testing.T) {
	fsys, rec, r := setup(t, 12, 60)

	res, err := r.Run(context.Background(), Options{
		Input:    inputPath,
		Output:   outputPath,
		Metadata: metadataPath,
		Labels:   []string{"body_site", "diet", "ph"},
		Sweep:    sweep(t, []int{5, 15, 5}, []int{20}, nil),
	})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Points)

	assert.Equal(t, []grid.Point{
		{Knn: 5, Decay: 20, T: grid.TAuto},
		{Knn: 10, Decay: 20, T: grid.TAuto},
		{Knn: 15, Decay: 20, T: grid.TAuto},
	}, rec.calls())

	for _, knn := range []int{5, 10, 15} {
		assert.False(t, fsys.Exists(worker.ResultPath("/out/run", grid.Set(knn))), "temp for knn=%d left behind", knn)
	}
	assert.True(t, fsys.Exists("/out/run_xphate.tsv"))
	assert.True(t, fsys.Exists("/out/run.html"))

	long := readLong(t, fsys, "/out/run_full.tsv")
	assert.Equal(t, []string{"body_site", "ph"}, long.Variables())
	assert.Len(t, long.Rows, 3*60*2)
	assert.Equal(t, len(long.Rows), res.Rows)
	for _, row := range long.Rows {
		assert.Equal(t, float64(row.Point.Knn), row.Coords[1], "row tagged with the wrong worker")
	}
}

func TestRun_Clusters(t *testing.T) {
	fsys, _, r := setup(t, 12, 60)

	res, err := r.Run(context.Background(), Options{
		Input:    inputPath,
		Output:   outputPath,
		Metadata: metadataPath,
		Labels:   []string{"body_site"},
		Sweep:    sweep(t, []int{5}, []int{10, 20, 10}, []int{1, 2, 1}),
		Clusters: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Points)

	long := readLong(t, fsys, "/out/run_full.tsv")
	assert.Equal(t, []string{"body_site", table.ClusterVariable}, long.Variables())
	assert.Len(t, long.Rows, 4*60+4*60*9)
	for _, row := range long.Rows {
		if row.Variable == table.ClusterVariable {
			assert.Equal(t, table.Categorical, row.DType)
			assert.GreaterOrEqual(t, row.ClusterK, worker.MinClusterK)
		}
	}
}

func TestRun_PNG(t *testing.T) {
	fsys, _, r := setup(t, 12, 60)
	res, err := r.Run(context.Background(), Options{
		Input:  inputPath,
		Output: outputPath,
		Sweep:  sweep(t, []int{5, 10, 5}, nil, nil),
		PNG:    true,
	})
	require.NoError(t, err)
	require.Len(t, res.PNGPaths, 2)
	for _, p := range res.PNGPaths {
		assert.True(t, fsys.Exists(p), p)
	}
}

func TestRun_TooFewFeatures(t *testing.T) {
	fsys, rec, r := setup(t, 8, 60)

	res, err := r.Run(context.Background(), Options{Input: inputPath, Output: outputPath, Sweep: sweep(t, nil, nil, nil)})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "/out/xphate_skip_8f", res.Marker)
	assert.True(t, fsys.Exists("/out/xphate_skip_8f"))
	assert.Empty(t, rec.calls())
	assert.False(t, fsys.Exists("/out/run.html"))
	assert.False(t, fsys.Exists("/out/run_xphate.tsv"))
}

func TestRun_TooFewSamples(t *testing.T) {
	fsys, rec, r := setup(t, 12, 30)

	res, err := r.Run(context.Background(), Options{Input: inputPath, Output: outputPath, Sweep: sweep(t, nil, nil, nil)})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Contains(t, res.SkipReason, "too few samples")
	assert.True(t, fsys.Exists("/out/xphate_skip_30s"))
	assert.Empty(t, rec.calls())
}

func TestRun_ExistingMarkerSkips(t *testing.T) {
	_, rec, r := setup(t, 12, 60)
	skips := skipgate.NewMemoryStore()
	require.NoError(t, skips.Mark(skipgate.Key{Dir: "/out", Count: 60, Stage: skipgate.StageSamples}))
	r.Skips = skips

	res, err := r.Run(context.Background(), Options{Input: inputPath, Output: outputPath, Sweep: sweep(t, nil, nil, nil)})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, rec.calls())
}

func TestRun_SkipIsIdempotent(t *testing.T) {
	_, rec, r := setup(t, 8, 60)
	skips := skipgate.NewMemoryStore()
	r.Skips = skips
	opts := Options{Input: inputPath, Output: outputPath, Sweep: sweep(t, nil, nil, nil)}

	first, err := r.Run(context.Background(), opts)
	require.NoError(t, err)
	second, err := r.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, first.Skipped, second.Skipped)
	assert.Equal(t, first.Marker, second.Marker)
	assert.Equal(t, 1, skips.Writes)
	assert.Empty(t, rec.calls())
}

func TestRun_InputNotFound(t *testing.T) {
	rec := &recorder{}
	r := &Runner{FS: fsutil.NewMemoryFileSystem(), Embedder: rec}

	_, err := r.Run(context.Background(), Options{Input: "/nope.tsv", Output: outputPath, Sweep: sweep(t, nil, nil, nil)})
	assert.True(t, errors.Is(err, ErrInputNotFound))
	assert.Empty(t, rec.calls())
}

func TestRun_InputIsDirectory(t *testing.T) {
	fsys, rec, r := setup(t, 12, 60)
	require.NoError(t, fsys.MkdirAll("/data/features", 0o755))

	_, err := r.Run(context.Background(), Options{Input: "/data/features", Output: outputPath, Sweep: sweep(t, nil, nil, nil)})
	assert.True(t, errors.Is(err, ErrInputNotFound))
	assert.Empty(t, rec.calls())
}

func TestRun_WorkerFailureKeepsTemps(t *testing.T) {
	fsys, rec, r := setup(t, 12, 60)
	rec.failOn = 10
	var mu sync.Mutex
	var logs []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		logs = append(logs, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	_, err := r.Run(context.Background(), Options{Input: inputPath, Output: outputPath, Sweep: sweep(t, []int{5, 15, 5}, nil, nil)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, worker.ErrWorkerFailed))
	assert.True(t, errors.Is(err, embed.ErrDegenerateInput))
	assert.Contains(t, err.Error(), "knn=10")

	assert.True(t, fsys.Exists("/out/run_tmp-5.tsv"))
	assert.True(t, fsys.Exists("/out/run_tmp-15.tsv"))
	assert.False(t, fsys.Exists("/out/run_tmp-10.tsv"))
	assert.False(t, fsys.Exists("/out/run_xphate.tsv"))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, logs, "kept 2 result files for inspection: /out/run_tmp-15.tsv, /out/run_tmp-5.tsv")
}

func TestRun_ProcessModeMissingResult(t *testing.T) {
	fsys, _, r := setup(t, 12, 60)
	builder := worker.NewMockCommandBuilder()
	r.Mode = ModeProcess
	r.Builder = builder
	r.Executable = "/usr/local/bin/xphate"

	_, err := r.Run(context.Background(), Options{Input: inputPath, Output: outputPath, Sweep: sweep(t, []int{5, 10, 5}, nil, nil)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, aggregate.ErrMissingResultFile))

	built := builder.Built()
	require.Len(t, built, 2)
	for _, c := range built {
		assert.Equal(t, "/usr/local/bin/xphate", c.Name)
		assert.Equal(t, "worker", c.Args[0])
	}
	assert.False(t, fsys.Exists("/out/run_matrix.tsv"), "matrix handoff file left behind")
}

func TestRun_ProcessModeRunsWorkerMain(t *testing.T) {
	fsys, rec, r := setup(t, 12, 60)
	builder := worker.NewMockCommandBuilder()
	builder.ExecutorFactory = func(_ string, args []string) *worker.MockCommandExecutor {
		return &worker.MockCommandExecutor{RunFunc: func() ([]byte, error) {
			return nil, worker.Main(context.Background(), fsys, args[2], rec, modClusterer)
		}}
	}
	r.Mode = ModeProcess
	r.Builder = builder
	r.Executable = "xphate"

	res, err := r.Run(context.Background(), Options{Input: inputPath, Output: outputPath, Sweep: sweep(t, []int{5, 10, 5}, nil, nil)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Points)
	assert.Len(t, rec.calls(), 2)
}

func TestRun_Precomputed(t *testing.T) {
	fsys, rec, r := setup(t, 12, 60)
	_, err := r.Run(context.Background(), Options{Input: inputPath, Output: outputPath, Sweep: sweep(t, []int{5, 10, 5}, nil, nil)})
	require.NoError(t, err)
	require.Len(t, rec.calls(), 2)

	res, err := r.Run(context.Background(), Options{
		Precomputed: "/out/run_xphate.tsv",
		Output:      "/reuse/fig",
		Metadata:    metadataPath,
		Labels:      []string{"ph"},
	})
	require.NoError(t, err)
	assert.Len(t, rec.calls(), 2, "precomputed run must not embed")
	assert.Equal(t, 2, res.Points)
	assert.True(t, fsys.Exists("/reuse/fig.html"))

	long := readLong(t, fsys, "/reuse/fig_full.tsv")
	assert.Equal(t, []string{"ph"}, long.Variables())
	assert.Len(t, long.Rows, 2*60)
}

func TestRun_RecordsHistory(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	runs := store.NewRunStore(db)

	_, _, r := setup(t, 8, 60)
	r.Runs = runs
	fixed := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	r.Clock = timeutil.NewMockClock(fixed)

	res, err := r.Run(context.Background(), Options{Input: inputPath, Output: outputPath, Sweep: sweep(t, []int{5}, nil, nil)})
	require.NoError(t, err)

	got, err := runs.GetRun(res.RunID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, store.StatusSkipped, got.Status)
	assert.Equal(t, inputPath, got.InputPath)
	assert.Equal(t, "/out/run.html", got.OutputPath)
	assert.Contains(t, got.SkipReason, "too few features")
	require.NotNil(t, got.CompletedAt)
	assert.True(t, fixed.Equal(*got.CompletedAt))

	_, err = r.Run(context.Background(), Options{Input: "/missing.tsv", Output: outputPath})
	require.Error(t, err)
	list, err := runs.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	statuses := []string{list[0].Status, list[1].Status}
	assert.ElementsMatch(t, []string{store.StatusSkipped, store.StatusFailed}, statuses)
}
