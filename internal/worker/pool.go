package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/xphate/internal/embed"
	"github.com/banshee-data/xphate/internal/fsutil"
	"github.com/banshee-data/xphate/internal/grid"
	"github.com/banshee-data/xphate/internal/monitoring"
	"github.com/banshee-data/xphate/internal/table"
)

// Dispatcher executes one job to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// InProcess runs jobs as goroutines over a shared matrix. The matrix is only
// read, so concurrent jobs need no locking.
type InProcess struct {
	FS        fsutil.FileSystem
	Matrix    *table.Matrix
	Embedder  embed.Embedder
	Clusterer embed.Clusterer
}

// Dispatch implements Dispatcher.
func (d *InProcess) Dispatch(ctx context.Context, job Job) error {
	return RunJob(ctx, d.FS, job, d.Matrix, d.Embedder, d.Clusterer)
}

// Subprocess runs each job in a child process started as
// "<Executable> worker -job <file>". The job file sits next to the result
// file and is removed once the child exits.
type Subprocess struct {
	FS         fsutil.FileSystem
	Builder    CommandBuilder
	Executable string
}

// Dispatch implements Dispatcher.
func (d *Subprocess) Dispatch(ctx context.Context, job Job) error {
	if job.MatrixPath == "" {
		return errors.New("process worker needs a matrix path")
	}
	jobPath := job.OutPath + ".job.json"
	if err := WriteJob(d.FS, jobPath, job); err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	defer func() { _ = d.FS.Remove(jobPath) }()

	out, err := d.Builder.BuildCommand(ctx, d.Executable, "worker", "-job", jobPath).Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w (output: %s)", ctxErr, out)
		}
		return fmt.Errorf("%w (output: %s)", err, out)
	}
	return nil
}

// Spec carries the per-run settings shared by every job of a sweep.
type Spec struct {
	Components int
	Clusters   bool
	Threads    int
	// OutPrefix is the output path without extension; result files are
	// OutPrefix_tmp-<knn>.tsv.
	OutPrefix  string
	MatrixPath string
}

// Pool fans a sweep out to one worker per knn value and joins them.
type Pool struct {
	Dispatcher Dispatcher
	// MaxParallel caps concurrently running workers; zero runs them all at once.
	MaxParallel int
	// Timeout bounds each worker; zero means no limit. Subprocess workers
	// are killed when it expires. InProcess workers only observe it between
	// grid points or inside an Embedder that honours ctx, so one long
	// embedding call can overrun it.
	Timeout time.Duration
}

// Jobs builds the job list of a sweep, one per knn value in axis order.
func Jobs(s grid.Sweep, spec Spec) []Job {
	pairs := grid.Pairs(s.Decay, s.T)
	jobs := make([]Job, 0, len(s.Knn.Values))
	for _, knn := range s.Knn.Values {
		jobs = append(jobs, Job{
			Knn:        knn,
			Pairs:      pairs,
			Components: spec.Components,
			Clusters:   spec.Clusters,
			Threads:    spec.Threads,
			MatrixPath: spec.MatrixPath,
			OutPath:    ResultPath(spec.OutPrefix, knn),
		})
	}
	return jobs
}

// Run dispatches every job of the sweep and blocks until all of them have
// returned. It returns the result paths in knn order. A failing worker does
// not cancel its siblings; every failure is reported in the joined error.
func (p *Pool) Run(ctx context.Context, s grid.Sweep, spec Spec) ([]string, error) {
	jobs := Jobs(s, spec)
	paths := make([]string, len(jobs))
	errs := make([]error, len(jobs))

	var g errgroup.Group
	if p.MaxParallel > 0 {
		g.SetLimit(p.MaxParallel)
	}
	for i, job := range jobs {
		paths[i] = job.OutPath
		g.Go(func() error {
			errs[i] = p.runOne(ctx, job)
			return errs[i]
		})
	}
	_ = g.Wait()

	var failed []error
	for i, err := range errs {
		if err != nil {
			failed = append(failed, fmt.Errorf("%w: knn=%d: %w", ErrWorkerFailed, jobs[i].Knn.Or(grid.DefaultKnn), err))
		}
	}
	if len(failed) > 0 {
		return nil, errors.Join(failed...)
	}
	return paths, nil
}

func (p *Pool) runOne(ctx context.Context, job Job) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	start := time.Now()
	monitoring.Verbosef("worker knn=%d: %d pairs -> %s", job.Knn.Or(grid.DefaultKnn), len(job.Pairs), job.OutPath)
	if err := p.Dispatcher.Dispatch(ctx, job); err != nil {
		return err
	}
	monitoring.Verbosef("worker knn=%d finished in %s", job.Knn.Or(grid.DefaultKnn), time.Since(start).Round(time.Millisecond))
	return nil
}
