package worker

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/xphate/internal/embed"
	"github.com/banshee-data/xphate/internal/fsutil"
	"github.com/banshee-data/xphate/internal/grid"
	"github.com/banshee-data/xphate/internal/security"
	"github.com/banshee-data/xphate/internal/table"
)

func testMatrix() *table.Matrix {
	return &table.Matrix{
		Samples:  []string{"S1", "S2", "S3"},
		Features: []string{"f1", "f2"},
		X:        mat.NewDense(3, 2, []float64{0.5, 0.5, 1, 0, 0.25, 0.75}),
	}
}

// tagEmbedder encodes the parameters into the coordinates so tests can check
// which call produced a row.
func tagEmbedder(calls *atomic.Int32) embed.Embedder {
	return embed.EmbedderFunc(func(_ context.Context, x mat.Matrix, p embed.Params) (*mat.Dense, error) {
		if calls != nil {
			calls.Add(1)
		}
		n, _ := x.Dims()
		out := mat.NewDense(n, p.Components, nil)
		for i := 0; i < n; i++ {
			out.Set(i, 0, float64(i))
			out.Set(i, 1, float64(p.Knn*1000+p.Decay*10+p.T))
		}
		return out, nil
	})
}

var modClusterer = embed.ClustererFunc(func(_ context.Context, coords mat.Matrix, k int) ([]int, error) {
	n, _ := coords.Dims()
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i % k
	}
	return labels, nil
})

func readWide(t *testing.T, fsys fsutil.FileSystem, path string) *table.Wide {
	t.Helper()
	b, err := fsys.ReadFile(path)
	require.NoError(t, err)
	w, err := table.ReadWide(bytes.NewReader(b))
	require.NoError(t, err)
	return w
}

func TestRunJob_ResolvesDefaultsAndTagsRows(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	job := Job{
		Knn:        grid.Set(10),
		Pairs:      [][2]grid.Value{{grid.Unset, grid.Unset}, {grid.Set(20), grid.Set(3)}},
		Components: 2,
		Clusters:   true,
		OutPath:    "/out/run_tmp-10.tsv",
	}
	require.NoError(t, RunJob(context.Background(), mfs, job, testMatrix(), tagEmbedder(nil), modClusterer))

	w := readWide(t, mfs, job.OutPath)
	assert.Equal(t, ClusterKs(), w.ClusterKs)
	require.Len(t, w.Rows, 6)

	first := w.Rows[0]
	assert.Equal(t, "S1", first.Sample)
	assert.Equal(t, grid.Point{Knn: 10, Decay: grid.DefaultDecay, T: grid.TAuto}, first.Point)
	assert.Equal(t, float64(10*1000+15*10), first.Coords[1])

	last := w.Rows[5]
	assert.Equal(t, "S3", last.Sample)
	assert.Equal(t, grid.Point{Knn: 10, Decay: 20, T: 3}, last.Point)
	// label of sample index 2 for k=2..10
	assert.Equal(t, []int{0, 2, 2, 2, 2, 2, 2, 2, 2}, last.Clusters)

	assert.Equal(t, []string{job.OutPath}, mfs.Files(), "only the result file is left behind")
}

func TestRunJob_FailureWritesNothing(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	boom := errors.New("singular")
	var n int
	emb := embed.EmbedderFunc(func(ctx context.Context, x mat.Matrix, p embed.Params) (*mat.Dense, error) {
		n++
		if n == 2 {
			return nil, boom
		}
		return tagEmbedder(nil).Embed(ctx, x, p)
	})
	job := Job{
		Knn:        grid.Set(5),
		Pairs:      [][2]grid.Value{{grid.Set(10), grid.Unset}, {grid.Set(20), grid.Unset}},
		Components: 2,
		OutPath:    "/out/run_tmp-5.tsv",
	}
	err := RunJob(context.Background(), mfs, job, testMatrix(), emb, nil)
	assert.ErrorIs(t, err, boom)
	assert.False(t, mfs.Exists(job.OutPath))
	assert.Empty(t, mfs.Files())
}

func TestRunJob_WrongShape(t *testing.T) {
	emb := embed.EmbedderFunc(func(context.Context, mat.Matrix, embed.Params) (*mat.Dense, error) {
		return mat.NewDense(1, 2, nil), nil
	})
	job := Job{Knn: grid.Set(5), Pairs: [][2]grid.Value{{grid.Unset, grid.Unset}}, Components: 2, OutPath: "/x.tsv"}
	err := RunJob(context.Background(), fsutil.NewMemoryFileSystem(), job, testMatrix(), emb, nil)
	assert.ErrorContains(t, err, "want 3x2")
}

func TestResultPath(t *testing.T) {
	assert.Equal(t, "/o/plot_tmp-15.tsv", ResultPath("/o/plot", grid.Set(15)))
	assert.Equal(t, "/o/plot_tmp-5.tsv", ResultPath("/o/plot", grid.Unset))
}

func testSweep(t *testing.T) grid.Sweep {
	t.Helper()
	s, err := grid.NewSweep([]int{5, 15, 5}, []int{15}, []int{1, 2, 1})
	require.NoError(t, err)
	return s
}

func TestPool_OneWorkerPerKnn(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	var calls atomic.Int32
	pool := &Pool{Dispatcher: &InProcess{FS: mfs, Matrix: testMatrix(), Embedder: tagEmbedder(&calls)}}

	paths, err := pool.Run(context.Background(), testSweep(t), Spec{Components: 2, OutPrefix: "/out/plot"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/out/plot_tmp-5.tsv", "/out/plot_tmp-10.tsv", "/out/plot_tmp-15.tsv"}, paths)
	assert.EqualValues(t, 6, calls.Load(), "3 knn workers × 1 decay × 2 t")

	for i, knn := range []int{5, 10, 15} {
		w := readWide(t, mfs, paths[i])
		require.Len(t, w.Rows, 6)
		var ts []int
		for _, r := range w.Rows {
			assert.Equal(t, knn, r.Point.Knn)
			assert.Equal(t, 15, r.Point.Decay)
			ts = append(ts, r.Point.T)
		}
		assert.Equal(t, []int{1, 1, 1, 2, 2, 2}, ts)
	}
}

func TestPool_MaxParallel(t *testing.T) {
	var running, peak atomic.Int32
	d := dispatchFunc(func(ctx context.Context, job Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	})
	pool := &Pool{Dispatcher: d, MaxParallel: 1}
	_, err := pool.Run(context.Background(), testSweep(t), Spec{Components: 2, OutPrefix: "/o"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, peak.Load())
}

type dispatchFunc func(ctx context.Context, job Job) error

func (f dispatchFunc) Dispatch(ctx context.Context, job Job) error { return f(ctx, job) }

func TestPool_ReportsEveryFailure(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	d := dispatchFunc(func(_ context.Context, job Job) error {
		mu.Lock()
		seen = append(seen, job.Knn.N)
		mu.Unlock()
		if job.Knn.N == 5 {
			return nil
		}
		return errors.New("crashed")
	})
	pool := &Pool{Dispatcher: d}
	paths, err := pool.Run(context.Background(), testSweep(t), Spec{Components: 2, OutPrefix: "/o"})
	require.Error(t, err)
	assert.Nil(t, paths)
	assert.ErrorIs(t, err, ErrWorkerFailed)
	assert.Contains(t, err.Error(), "knn=10")
	assert.Contains(t, err.Error(), "knn=15")
	assert.NotContains(t, err.Error(), "knn=5:")
	assert.ElementsMatch(t, []int{5, 10, 15}, seen, "siblings run to completion")
}

func TestPool_Timeout(t *testing.T) {
	blocking := embed.EmbedderFunc(func(ctx context.Context, _ mat.Matrix, _ embed.Params) (*mat.Dense, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	pool := &Pool{
		Dispatcher: &InProcess{FS: fsutil.NewMemoryFileSystem(), Matrix: testMatrix(), Embedder: blocking},
		Timeout:    10 * time.Millisecond,
	}
	_, err := pool.Run(context.Background(), testSweep(t), Spec{Components: 2, OutPrefix: "/o"})
	assert.ErrorIs(t, err, ErrWorkerFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// An embedder that ignores ctx overruns the deadline, but no further grid
// point starts once it has passed.
func TestPool_InlineTimeoutStopsAtNextPoint(t *testing.T) {
	var calls atomic.Int32
	slow := embed.EmbedderFunc(func(_ context.Context, x mat.Matrix, p embed.Params) (*mat.Dense, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		n, _ := x.Dims()
		return mat.NewDense(n, p.Components, nil), nil
	})
	s, err := grid.NewSweep([]int{5}, []int{10, 40, 10}, nil)
	require.NoError(t, err)
	pool := &Pool{
		Dispatcher: &InProcess{FS: fsutil.NewMemoryFileSystem(), Matrix: testMatrix(), Embedder: slow},
		Timeout:    5 * time.Millisecond,
	}
	_, err = pool.Run(context.Background(), s, Spec{Components: 2, OutPrefix: "/o"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubprocess_Dispatch(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	builder := NewMockCommandBuilder()
	builder.ExecutorFactory = func(name string, args []string) *MockCommandExecutor {
		jobPath := args[2]
		return &MockCommandExecutor{RunFunc: func() ([]byte, error) {
			// Play the child: load the job and write its result.
			job, err := ReadJob(mfs, jobPath)
			if err != nil {
				return nil, err
			}
			return nil, RunJob(context.Background(), mfs, job, testMatrix(), tagEmbedder(nil), nil)
		}}
	}
	pool := &Pool{Dispatcher: &Subprocess{FS: mfs, Builder: builder, Executable: "/usr/bin/xphate"}}

	paths, err := pool.Run(context.Background(), testSweep(t), Spec{Components: 2, OutPrefix: "/out/plot", MatrixPath: "/out/plot_matrix.tsv"})
	require.NoError(t, err)

	built := builder.Built()
	require.Len(t, built, 3)
	var jobFiles []string
	for _, c := range built {
		assert.Equal(t, "/usr/bin/xphate", c.Name)
		require.Len(t, c.Args, 3)
		assert.Equal(t, []string{"worker", "-job"}, c.Args[:2])
		jobFiles = append(jobFiles, c.Args[2])
	}
	assert.ElementsMatch(t, []string{
		"/out/plot_tmp-5.tsv.job.json",
		"/out/plot_tmp-10.tsv.job.json",
		"/out/plot_tmp-15.tsv.job.json",
	}, jobFiles)

	assert.ElementsMatch(t, paths, mfs.Files(), "job files are removed, results remain")
}

func TestSubprocess_FailureCarriesOutput(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	builder := NewMockCommandBuilder()
	builder.ExecutorFactory = func(string, []string) *MockCommandExecutor {
		return &MockCommandExecutor{Output: []byte("panic: out of memory"), Err: errors.New("exit status 2")}
	}
	d := &Subprocess{FS: mfs, Builder: builder, Executable: "xphate"}
	err := d.Dispatch(context.Background(), Job{Knn: grid.Set(5), OutPath: "/o_tmp-5.tsv", MatrixPath: "/m.tsv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 2")
	assert.Contains(t, err.Error(), "out of memory")
	assert.Empty(t, mfs.Files())
}

func TestWorkerMain_LoadsJobAndMatrix(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	var buf bytes.Buffer
	require.NoError(t, table.WriteMatrix(&buf, testMatrix()))
	require.NoError(t, mfs.WriteFile("/w/matrix.tsv", buf.Bytes(), 0o644))
	job := Job{
		Knn:        grid.Set(7),
		Pairs:      [][2]grid.Value{{grid.Set(15), grid.Unset}},
		Components: 2,
		MatrixPath: "/w/matrix.tsv",
		OutPath:    "/w/out_tmp-7.tsv",
	}
	require.NoError(t, WriteJob(mfs, "/w/job.json", job))

	got, err := ReadJob(mfs, "/w/job.json")
	require.NoError(t, err)
	assert.Equal(t, job, got)

	require.NoError(t, Main(context.Background(), mfs, "/w/job.json", tagEmbedder(nil), nil))
	w := readWide(t, mfs, job.OutPath)
	require.Len(t, w.Rows, 3)
	assert.Equal(t, grid.Point{Knn: 7, Decay: 15, T: grid.TAuto}, w.Rows[0].Point)
}

func TestRealCommandBuilder(t *testing.T) {
	out, err := NewRealCommandBuilder().BuildCommand(context.Background(), "sh", "-c", "echo hello").Run()
	require.NoError(t, err)
	assert.Equal(t, "hello", strings.TrimSpace(string(out)))

	_, err = NewRealCommandBuilder().BuildCommand(context.Background(), "sh", "-c", "exit 3").Run()
	assert.Error(t, err)
}

func TestWorkerMain_RejectsPathsOutsideJobDir(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	job := Job{
		Knn:        grid.Set(5),
		Pairs:      [][2]grid.Value{{grid.Unset, grid.Unset}},
		Components: 2,
		MatrixPath: "/w/matrix.tsv",
		OutPath:    "/elsewhere/out_tmp-5.tsv",
	}
	require.NoError(t, WriteJob(mfs, "/w/job.json", job))

	err := Main(context.Background(), mfs, "/w/job.json", tagEmbedder(nil), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, security.ErrPathEscape))
	assert.False(t, mfs.Exists(job.OutPath))
}
