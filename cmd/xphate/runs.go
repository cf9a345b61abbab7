package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/xphate/internal/store"
)

// runRuns lists the run history recorded with -db.
func runRuns(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	dbPath := fs.String("db", "", "SQLite database written by xphate -db")
	limit := fs.Int("limit", 20, "Number of runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		return errors.New("runs: -db is required")
	}
	db, err := store.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", *dbPath, err)
	}
	defer db.Close()

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		return fmt.Errorf("schema version: %w", err)
	}
	state := ""
	if dirty {
		state = " (dirty)"
	}
	fmt.Fprintf(stdout, "schema version %d%s\n", version, state)

	runs, err := store.NewRunStore(db).ListRuns(*limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tINPUT\tOUTPUT\tDETAIL")
	for _, r := range runs {
		detail := r.SkipReason
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.StartedAt.Local().Format(time.DateTime), r.Status, r.InputPath, r.OutputPath, detail)
	}
	return tw.Flush()
}
