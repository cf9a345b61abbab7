package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/xphate/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("xphate: %v", err)
	}
}

// run dispatches the subcommands; anything else is a sweep invocation.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "worker":
			return runWorker(ctx, args[1:])
		case "runs":
			return runRuns(args[1:], stdout)
		case "version":
			fmt.Fprintln(stdout, version.String())
			return nil
		case "help":
			printUsage(stdout)
			return nil
		}
	}
	return runSweep(ctx, args, stdout)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `xphate - PHATE embeddings across a knn/decay/t parameter sweep

Usage:
  xphate -i <features.tsv> -o <out.html> [options]
  xphate -j <out_xphate.tsv> -o <out.html> [options]
  xphate runs -db <runs.db> [-limit N]
  xphate worker -job <job.json>
  xphate version

Sweep specs (-k, -d, -t) take one value or min:max:step (max inclusive).
Run "xphate -h" for the full flag list.
`)
}
