package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/xphate/internal/config"
	"github.com/banshee-data/xphate/internal/embed"
	"github.com/banshee-data/xphate/internal/fsutil"
	"github.com/banshee-data/xphate/internal/grid"
	"github.com/banshee-data/xphate/internal/monitoring"
	"github.com/banshee-data/xphate/internal/pipeline"
	"github.com/banshee-data/xphate/internal/store"
	"github.com/banshee-data/xphate/internal/timeutil"
	"github.com/banshee-data/xphate/internal/worker"
)

// clusterSeed fixes the k-means labelling across runs and worker processes.
const clusterSeed = 42

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runSweep(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("xphate", flag.ContinueOnError)
	input := fs.String("i", "", "Feature table: features × samples TSV (.gz and .zst accepted)")
	precomputed := fs.String("j", "", "Reuse a precomputed *_xphate.tsv table instead of embedding")
	output := fs.String("o", "", "Output HTML path; \".html\" is appended when missing")
	meta := fs.String("m", "", "Metadata TSV; the first column is the sample id")
	var labels stringList
	fs.Var(&labels, "l", "Metadata column to show (repeatable)")
	knns := fs.String("k", "", "knn sweep: value or min:max:step (default 5)")
	decays := fs.String("d", "", "decay sweep: value or min:max:step (default 15)")
	ts := fs.String("t", "", "t sweep: value or min:max:step (default auto)")
	threads := fs.Int("n", 1, "Threads per embedding")
	components := fs.Int("components", 2, "Embedding dimensions (2 or 3)")
	clusters := fs.Bool("clusters", false, "Compute k-means cluster labels for k=2..10")
	workerMode := fs.String("worker-mode", config.WorkerModeInline, "Worker mode: inline or process")
	maxParallel := fs.Int("max-parallel", 0, "Maximum concurrent workers (0 = one per knn value)")
	timeout := fs.Duration("worker-timeout", 0, "Per-worker timeout (0 = none); process mode kills the worker, inline mode stops it at the next grid point")
	configPath := fs.String("config", "", "Optional JSON run configuration")
	dbPath := fs.String("db", "", "SQLite database for run history")
	skipStore := fs.String("skip-store", config.SkipStoreFile, "Skip marker store: file or sqlite")
	png := fs.Bool("png", false, "Also write one PNG per grid point")
	verbose := fs.Bool("verbose", false, "Log progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	monitoring.SetVerbose(*verbose)

	cfg := &config.RunConfig{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	// Flags set on the command line override the config file.
	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		var err error
		switch f.Name {
		case "k":
			cfg.Knns, err = grid.ParseSpec(*knns)
		case "d":
			cfg.Decays, err = grid.ParseSpec(*decays)
		case "t":
			cfg.Ts, err = grid.ParseSpec(*ts)
		case "l":
			cfg.Labels = labels
		case "n":
			cfg.Threads = config.PtrInt(*threads)
		case "components":
			cfg.Components = config.PtrInt(*components)
		case "clusters":
			cfg.Clusters = config.PtrBool(*clusters)
		case "worker-mode":
			cfg.WorkerMode = config.PtrString(*workerMode)
		case "max-parallel":
			cfg.MaxParallel = config.PtrInt(*maxParallel)
		case "worker-timeout":
			cfg.WorkerTimeout = config.PtrString(timeout.String())
		case "db":
			cfg.DBPath = config.PtrString(*dbPath)
		case "skip-store":
			cfg.SkipStore = config.PtrString(*skipStore)
		case "png":
			cfg.PNG = config.PtrBool(*png)
		}
		if err != nil && flagErr == nil {
			flagErr = fmt.Errorf("-%s: %w", f.Name, err)
		}
	})
	if flagErr != nil {
		return flagErr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sweep, err := cfg.Sweep()
	if err != nil {
		return err
	}

	if *input == "" && *precomputed == "" {
		return errors.New("one of -i or -j is required")
	}
	if *output == "" {
		return errors.New("-o is required")
	}

	runner := &pipeline.Runner{
		FS:          fsutil.OSFileSystem{},
		Embedder:    embed.Diffusion{},
		Clusterer:   embed.KMeans{Seed: clusterSeed},
		Mode:        cfg.GetWorkerMode(),
		MaxParallel: cfg.GetMaxParallel(),
		Timeout:     cfg.GetWorkerTimeout(),
		Clock:       timeutil.RealClock{},
	}
	if runner.Mode == config.WorkerModeProcess {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		runner.Executable = exe
		runner.Builder = worker.NewRealCommandBuilder()
	}
	if path := cfg.GetDBPath(); path != "" {
		db, err := store.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer db.Close()
		runner.Runs = store.NewRunStore(db)
		if cfg.GetSkipStore() == config.SkipStoreSQLite {
			runner.Skips = store.NewSkipStore(db)
		}
	}

	start := runner.Clock.Now()
	res, err := runner.Run(ctx, pipeline.Options{
		Input:       *input,
		Precomputed: *precomputed,
		Output:      *output,
		Metadata:    *meta,
		Labels:      cfg.Labels,
		Sweep:       sweep,
		Components:  cfg.GetComponents(),
		Clusters:    cfg.GetClusters(),
		Threads:     cfg.GetThreads(),
		PNG:         cfg.GetPNG(),
	})
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Fprintf(stdout, "skipped: %s (marker %s)\n", res.SkipReason, res.Marker)
		return nil
	}
	fmt.Fprintf(stdout, "wrote %s (%d grid points, %d rows) in %s\n",
		res.Paths.HTML, res.Points, res.Rows, runner.Clock.Since(start).Round(time.Millisecond))
	return nil
}

// runWorker is the child side of process mode.
func runWorker(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	jobPath := fs.String("job", "", "Job file written by the coordinator")
	verbose := fs.Bool("verbose", false, "Log progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobPath == "" {
		return errors.New("worker: -job is required")
	}
	monitoring.SetVerbose(*verbose)
	return worker.Main(ctx, fsutil.OSFileSystem{}, *jobPath, embed.Diffusion{}, embed.KMeans{Seed: clusterSeed})
}
