// Package worker runs the per-knn embedding workers of a sweep. Each worker
// iterates the decay × t pairs for one fixed knn, calls the embedding routine
// once per pair over the shared read-only matrix, and writes its wide result
// table to a private path exactly once.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/xphate/internal/embed"
	"github.com/banshee-data/xphate/internal/fsutil"
	"github.com/banshee-data/xphate/internal/grid"
	"github.com/banshee-data/xphate/internal/monitoring"
	"github.com/banshee-data/xphate/internal/security"
	"github.com/banshee-data/xphate/internal/table"
)

// ErrWorkerFailed wraps any failure inside a worker.
var ErrWorkerFailed = errors.New("worker failed")

// Cluster counts computed when clustering is enabled.
const (
	MinClusterK = 2
	MaxClusterK = 10
)

// ClusterKs returns MinClusterK..MaxClusterK.
func ClusterKs() []int {
	ks := make([]int, 0, MaxClusterK-MinClusterK+1)
	for k := MinClusterK; k <= MaxClusterK; k++ {
		ks = append(ks, k)
	}
	return ks
}

// Job is the unit of work for one knn value. It round-trips through JSON so
// that process-mode workers receive it on disk.
type Job struct {
	Knn grid.Value `json:"knn"`
	// Pairs are the (decay, t) combinations, decay-major.
	Pairs      [][2]grid.Value `json:"pairs"`
	Components int             `json:"components"`
	Clusters   bool            `json:"clusters"`
	Threads    int             `json:"threads"`
	// MatrixPath locates the normalised matrix for process-mode workers.
	MatrixPath string `json:"matrix_path,omitempty"`
	OutPath    string `json:"out_path"`
}

// ResultPath is the private result file of the worker for knn.
func ResultPath(prefix string, knn grid.Value) string {
	return fmt.Sprintf("%s_tmp-%d.tsv", prefix, knn.Or(grid.DefaultKnn))
}

// RunJob computes every pair of job over m and writes the wide table to
// job.OutPath. Nothing is written if any embedding call fails.
func RunJob(ctx context.Context, fsys fsutil.FileSystem, job Job, m *table.Matrix, emb embed.Embedder, cl embed.Clusterer) error {
	if m == nil || m.X == nil {
		return fmt.Errorf("%w: empty matrix", embed.ErrDegenerateInput)
	}
	wide := &table.Wide{Components: job.Components}
	if job.Clusters {
		wide.ClusterKs = ClusterKs()
	}
	n := len(m.Samples)
	for _, pair := range job.Pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := grid.Resolve(job.Knn, pair[0], pair[1])
		coords, err := emb.Embed(ctx, m.X, embed.Params{
			Knn:        p.Knn,
			Decay:      p.Decay,
			T:          p.T,
			Components: job.Components,
			Threads:    job.Threads,
		})
		if err != nil {
			return fmt.Errorf("embed %s: %w", p, err)
		}
		if r, c := coords.Dims(); r != n || c != job.Components {
			return fmt.Errorf("embed %s: got %dx%d coordinates, want %dx%d", p, r, c, n, job.Components)
		}
		labels, err := clusterAll(ctx, cl, coords, wide.ClusterKs)
		if err != nil {
			return fmt.Errorf("cluster %s: %w", p, err)
		}
		for i, s := range m.Samples {
			row := table.WideRow{
				Sample: s,
				Coords: mat.Row(nil, i, coords),
				Point:  p,
			}
			if len(labels) > 0 {
				row.Clusters = make([]int, len(labels))
				for j := range labels {
					row.Clusters[j] = labels[j][i]
				}
			}
			wide.Rows = append(wide.Rows, row)
		}
		monitoring.Verbosef("worker: %s done", p)
	}
	return fsutil.WriteAtomic(fsys, job.OutPath, func(w io.Writer) error {
		return table.WriteWide(w, wide)
	})
}

func clusterAll(ctx context.Context, cl embed.Clusterer, coords *mat.Dense, ks []int) ([][]int, error) {
	if len(ks) == 0 {
		return nil, nil
	}
	if cl == nil {
		return nil, errors.New("clustering requested without a clusterer")
	}
	out := make([][]int, len(ks))
	for i, k := range ks {
		labels, err := cl.Cluster(ctx, coords, k)
		if err != nil {
			return nil, fmt.Errorf("k=%d: %w", k, err)
		}
		out[i] = labels
	}
	return out, nil
}

// WriteJob stores job as JSON at path.
func WriteJob(fsys fsutil.FileSystem, path string, job Job) error {
	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	return fsys.WriteFile(path, b, 0o644)
}

// ReadJob loads a job written by WriteJob.
func ReadJob(fsys fsutil.FileSystem, path string) (Job, error) {
	var job Job
	b, err := fsys.ReadFile(path)
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal(b, &job); err != nil {
		return job, fmt.Errorf("parse job %s: %w", path, err)
	}
	return job, nil
}

// Main is the entry point of a process-mode worker: it loads the job file and
// its matrix and runs the job.
func Main(ctx context.Context, fsys fsutil.FileSystem, jobPath string, emb embed.Embedder, cl embed.Clusterer) error {
	job, err := ReadJob(fsys, jobPath)
	if err != nil {
		return err
	}
	if job.MatrixPath == "" {
		return fmt.Errorf("job %s has no matrix_path", jobPath)
	}
	// A job only touches files next to its own job file.
	dir := filepath.Dir(jobPath)
	for _, p := range []string{job.MatrixPath, job.OutPath} {
		if err := security.ValidatePathWithinDirectory(p, dir); err != nil {
			return fmt.Errorf("job %s: %w", jobPath, err)
		}
	}
	rc, err := table.OpenInput(fsys, job.MatrixPath)
	if err != nil {
		return err
	}
	defer rc.Close()
	m, err := table.ReadMatrix(rc)
	if err != nil {
		return fmt.Errorf("read matrix %s: %w", job.MatrixPath, err)
	}
	return RunJob(ctx, fsys, job, m, emb, cl)
}
