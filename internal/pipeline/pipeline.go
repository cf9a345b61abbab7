// Package pipeline coordinates one xphate run: guards, the embedding sweep,
// aggregation, the metadata join and the figures.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/xphate/internal/aggregate"
	"github.com/banshee-data/xphate/internal/embed"
	"github.com/banshee-data/xphate/internal/fsutil"
	"github.com/banshee-data/xphate/internal/grid"
	"github.com/banshee-data/xphate/internal/metadata"
	"github.com/banshee-data/xphate/internal/monitoring"
	"github.com/banshee-data/xphate/internal/render"
	"github.com/banshee-data/xphate/internal/skipgate"
	"github.com/banshee-data/xphate/internal/store"
	"github.com/banshee-data/xphate/internal/table"
	"github.com/banshee-data/xphate/internal/timeutil"
	"github.com/banshee-data/xphate/internal/worker"
)

// ErrInputNotFound is returned when the feature table does not exist.
var ErrInputNotFound = errors.New("input not found")

// Options are the per-invocation inputs.
type Options struct {
	// Input is the feature table. Ignored when Precomputed is set.
	Input string
	// Precomputed is a persisted wide table from an earlier run; the
	// embedding stages are skipped when it is set.
	Precomputed string
	// Output is the figure path; ".html" is appended when missing.
	Output   string
	Metadata string
	Labels   []string

	Sweep      grid.Sweep
	Components int
	Clusters   bool
	Threads    int
	PNG        bool
}

// Result describes what a run produced.
type Result struct {
	RunID string

	Skipped    bool
	SkipReason string
	Marker     string

	Paths    Paths
	Points   int
	Rows     int
	PNGPaths []string
}

// Paths are the artifacts derived from the output path.
type Paths struct {
	HTML   string
	Prefix string
	Wide   string
	Full   string
	Matrix string
}

// Dir is the output directory; skip markers are written there.
func (p Paths) Dir() string { return filepath.Dir(p.HTML) }

// DerivePaths appends ".html" to out when needed and names the sibling
// artifacts after it.
func DerivePaths(out string) Paths {
	if !strings.HasSuffix(out, ".html") {
		out += ".html"
	}
	prefix := strings.TrimSuffix(out, ".html")
	return Paths{
		HTML:   out,
		Prefix: prefix,
		Wide:   prefix + "_xphate.tsv",
		Full:   prefix + "_full.tsv",
		Matrix: prefix + "_matrix.tsv",
	}
}

// Worker modes.
const (
	ModeInline  = "inline"
	ModeProcess = "process"
)

// Runner holds the collaborators of a run. Zero-valued optional fields
// disable the matching feature.
type Runner struct {
	FS fsutil.FileSystem

	Embedder  embed.Embedder
	Clusterer embed.Clusterer

	// Mode is ModeInline (default) or ModeProcess.
	Mode string
	// Builder and Executable start process-mode workers.
	Builder    worker.CommandBuilder
	Executable string

	MaxParallel int
	Timeout     time.Duration

	// Skips stores skip markers; markers are files under the output
	// directory when nil.
	Skips skipgate.Store
	// Runs records run history when set.
	Runs *store.RunStore
	// Clock stamps run history; the wall clock when nil.
	Clock timeutil.Clock
}

func (r *Runner) clock() time.Time {
	if r.Clock != nil {
		return r.Clock.Now()
	}
	return time.Now()
}

// Run executes the pipeline. Skips are reported in the Result, not as errors.
func (r *Runner) Run(ctx context.Context, opts Options) (res Result, err error) {
	res.RunID = store.NewRunID()
	res.Paths = DerivePaths(opts.Output)

	if r.Runs != nil {
		sweep, _ := json.Marshal(opts.Sweep)
		input := opts.Input
		if opts.Precomputed != "" {
			input = opts.Precomputed
		}
		if ierr := r.Runs.InsertRun(store.RunRecord{
			RunID:      res.RunID,
			InputPath:  input,
			OutputPath: res.Paths.HTML,
			Status:     store.StatusRunning,
			Grid:       sweep,
			StartedAt:  r.clock(),
		}); ierr != nil {
			return res, fmt.Errorf("record run: %w", ierr)
		}
		defer func() {
			status, errMsg := store.StatusCompleted, ""
			switch {
			case err != nil:
				status, errMsg = store.StatusFailed, err.Error()
			case res.Skipped:
				status = store.StatusSkipped
			}
			if cerr := r.Runs.CompleteRun(res.RunID, status, res.SkipReason, errMsg, r.clock()); cerr != nil {
				monitoring.Logf("warning: failed to complete run %s: %v", res.RunID, cerr)
			}
		}()
	}

	var wide *table.Wide
	if opts.Precomputed != "" {
		wide, err = r.loadPrecomputed(opts)
	} else {
		wide, err = r.sweep(ctx, opts, &res)
	}
	if err != nil || res.Skipped {
		return res, err
	}
	res.Points = countPoints(wide)

	long, err := r.join(wide, opts)
	if err != nil {
		return res, err
	}
	res.Rows = len(long.Rows)
	if err := fsutil.WriteAtomic(r.FS, res.Paths.Full, func(w io.Writer) error {
		return table.WriteLong(w, long)
	}); err != nil {
		return res, fmt.Errorf("write %s: %w", res.Paths.Full, err)
	}

	title := opts.Input
	if opts.Precomputed != "" {
		title = opts.Precomputed
	}
	if err := fsutil.WriteAtomic(r.FS, res.Paths.HTML, func(w io.Writer) error {
		return render.WriteHTML(w, long, render.Meta{Title: title, Sweep: opts.Sweep})
	}); err != nil {
		return res, fmt.Errorf("write %s: %w", res.Paths.HTML, err)
	}
	if opts.PNG {
		if res.PNGPaths, err = render.WritePNGs(r.FS, res.Paths.Prefix, long, ""); err != nil {
			return res, err
		}
	}
	monitoring.Logf("xphate: %d grid points, %d rows -> %s", res.Points, res.Rows, res.Paths.HTML)
	return res, nil
}

// sweep runs the guarded embedding stages and persists the wide table.
func (r *Runner) sweep(ctx context.Context, opts Options, res *Result) (*table.Wide, error) {
	if info, err := r.FS.Stat(opts.Input); err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInputNotFound, opts.Input)
	}
	monitoring.Verbosef("read %s", opts.Input)
	ft, err := readFeatures(r.FS, opts.Input)
	if err != nil {
		return nil, err
	}
	if err := r.FS.MkdirAll(res.Paths.Dir(), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	gate := &skipgate.Gate{Store: r.skipStore()}
	if skipped, err := r.guard(gate, res, ft.FeatureCount(), skipgate.StageFeatures); err != nil || skipped {
		return nil, err
	}
	m := ft.Normalize()
	if skipped, err := r.guard(gate, res, len(m.Samples), skipgate.StageSamples); err != nil || skipped {
		return nil, err
	}

	dispatcher, cleanup, err := r.dispatcher(m, res.Paths)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pool := &worker.Pool{Dispatcher: dispatcher, MaxParallel: r.MaxParallel, Timeout: r.Timeout}
	spec := worker.Spec{
		Components: components(opts),
		Clusters:   opts.Clusters,
		Threads:    max(opts.Threads, 1),
		OutPrefix:  res.Paths.Prefix,
		MatrixPath: res.Paths.Matrix,
	}
	paths, err := pool.Run(ctx, opts.Sweep, spec)
	if err != nil {
		r.reportKept(res.Paths.Prefix)
		return nil, err
	}
	wide, err := aggregate.Aggregate(r.FS, paths)
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteAtomic(r.FS, res.Paths.Wide, func(w io.Writer) error {
		return table.WriteWide(w, wide)
	}); err != nil {
		return nil, fmt.Errorf("write %s: %w", res.Paths.Wide, err)
	}
	if err := aggregate.Cleanup(r.FS, paths); err != nil {
		monitoring.Logf("warning: %v", err)
	}
	return wide, nil
}

// reportKept logs the result files a failed sweep leaves behind.
func (r *Runner) reportKept(prefix string) {
	kept, err := r.FS.Glob(prefix + "_tmp-*.tsv")
	if err != nil {
		monitoring.Logf("warning: list result files: %v", err)
		return
	}
	if len(kept) > 0 {
		monitoring.Logf("kept %d result files for inspection: %s", len(kept), strings.Join(kept, ", "))
	}
}

func (r *Runner) guard(gate *skipgate.Gate, res *Result, count int, stage skipgate.Stage) (bool, error) {
	d, err := gate.CheckOrMark(skipgate.Key{Dir: res.Paths.Dir(), Count: count, Stage: stage})
	if err != nil || !d.Skip {
		return false, err
	}
	res.Skipped = true
	res.SkipReason = d.Reason
	res.Marker = d.Key.Path()
	return true, nil
}

func (r *Runner) skipStore() skipgate.Store {
	if r.Skips != nil {
		return r.Skips
	}
	return &skipgate.FileStore{FS: r.FS}
}

// dispatcher builds the worker dispatcher for the configured mode. The
// returned cleanup removes the matrix handoff file of process mode.
func (r *Runner) dispatcher(m *table.Matrix, paths Paths) (worker.Dispatcher, func(), error) {
	switch r.Mode {
	case "", ModeInline:
		return &worker.InProcess{FS: r.FS, Matrix: m, Embedder: r.Embedder, Clusterer: r.Clusterer}, func() {}, nil
	case ModeProcess:
		if r.Builder == nil || r.Executable == "" {
			return nil, nil, errors.New("process mode needs a command builder and executable")
		}
		if err := fsutil.WriteAtomic(r.FS, paths.Matrix, func(w io.Writer) error {
			return table.WriteMatrix(w, m)
		}); err != nil {
			return nil, nil, fmt.Errorf("write matrix: %w", err)
		}
		cleanup := func() { _ = r.FS.Remove(paths.Matrix) }
		return &worker.Subprocess{FS: r.FS, Builder: r.Builder, Executable: r.Executable}, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown worker mode %q", r.Mode)
	}
}

func (r *Runner) loadPrecomputed(opts Options) (*table.Wide, error) {
	if !r.FS.Exists(opts.Precomputed) {
		return nil, fmt.Errorf("%w: %s", ErrInputNotFound, opts.Precomputed)
	}
	rc, err := table.OpenInput(r.FS, opts.Precomputed)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	w, err := table.ReadWide(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", opts.Precomputed, err)
	}
	if err := r.FS.MkdirAll(filepath.Dir(DerivePaths(opts.Output).HTML), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	monitoring.Verbosef("reusing %d rows from %s", len(w.Rows), opts.Precomputed)
	return w, nil
}

// join builds the final long table: metadata rows followed by cluster rows.
func (r *Runner) join(w *table.Wide, opts Options) (*table.Long, error) {
	var md *metadata.Table
	if opts.Metadata != "" {
		monitoring.Verbosef("read metadata %s", opts.Metadata)
		full, err := metadata.LoadFile(r.FS, opts.Metadata)
		if err != nil {
			return nil, err
		}
		md, _ = full.Select(opts.Labels)
	}
	return metadata.Combine(w.Components, metadata.Join(w, md), aggregate.MeltClusters(w)), nil
}

func readFeatures(fsys fsutil.FileSystem, path string) (*table.FeatureTable, error) {
	rc, err := table.OpenInput(fsys, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	ft, err := table.ReadFeatureTable(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ft, nil
}

func components(opts Options) int {
	if opts.Components == 0 {
		return 2
	}
	return opts.Components
}

func countPoints(w *table.Wide) int {
	seen := map[grid.Point]bool{}
	for _, r := range w.Rows {
		seen[r.Point] = true
	}
	return len(seen)
}
