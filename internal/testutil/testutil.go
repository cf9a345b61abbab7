// Package testutil provides shared test fixtures for the pipeline stages:
// synthetic feature tables, metadata tables and in-memory file setup.
package testutil

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/banshee-data/xphate/internal/fsutil"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// SampleNames returns n sample identifiers S001, S002, ...
func SampleNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("S%03d", i+1)
	}
	return out
}

// FeatureTSV renders a features × samples abundance table. Counts are
// seeded by the table shape, so equal shapes give equal tables, and strictly
// positive so no sample column sums to zero.
func FeatureTSV(features, samples int) string {
	rng := rand.New(rand.NewPCG(uint64(features), uint64(samples)))
	var b strings.Builder
	b.WriteString("feature")
	for _, s := range SampleNames(samples) {
		b.WriteString("\t" + s)
	}
	b.WriteString("\n")
	for f := 0; f < features; f++ {
		fmt.Fprintf(&b, "OTU%d", f+1)
		for s := 0; s < samples; s++ {
			fmt.Fprintf(&b, "\t%d", rng.IntN(50)+1)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// MetadataTSV renders a metadata table for the given samples with one
// categorical column (body_site) and one numerical column (ph). Every third
// body_site is missing.
func MetadataTSV(samples []string) string {
	sites := []string{"gut", "skin", "NA"}
	var b strings.Builder
	b.WriteString("sample_id\tbody_site\tph\n")
	for i, s := range samples {
		fmt.Fprintf(&b, "%s\t%s\t%.1f\n", s, sites[i%len(sites)], 5+float64(i%5)/2)
	}
	return b.String()
}

// WriteFile stores content at path in fsys, creating the parent directory.
func WriteFile(t testing.TB, fsys fsutil.FileSystem, path, content string) {
	t.Helper()
	if i := strings.LastIndex(path, "/"); i > 0 {
		AssertNoError(t, fsys.MkdirAll(path[:i], 0o755))
	}
	AssertNoError(t, fsys.WriteFile(path, []byte(content), 0o644))
}
