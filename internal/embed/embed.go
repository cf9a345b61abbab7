// Package embed defines the contract between the sweep workers and the
// numerical routines they drive, and ships the reference implementations used
// by the xphate binary: a diffusion-potential embedder and k-means clustering.
package embed

import (
	"context"
	"errors"

	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateInput is returned when a matrix is too small or too uniform for
// the requested parameters.
var ErrDegenerateInput = errors.New("degenerate embedding input")

// Params are the hyperparameters of one embedding call.
type Params struct {
	Knn   int
	Decay int
	// T is the diffusion time; zero selects it automatically.
	T          int
	Components int
	// Threads bounds the goroutines an implementation may use internally.
	Threads int
}

// Embedder maps a samples × features matrix to samples × Components
// coordinates. Implementations must not modify x.
type Embedder interface {
	Embed(ctx context.Context, x mat.Matrix, p Params) (*mat.Dense, error)
}

// Clusterer assigns each row of coords to one of k clusters labelled 0..k-1.
type Clusterer interface {
	Cluster(ctx context.Context, coords mat.Matrix, k int) ([]int, error)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, x mat.Matrix, p Params) (*mat.Dense, error)

func (f EmbedderFunc) Embed(ctx context.Context, x mat.Matrix, p Params) (*mat.Dense, error) {
	return f(ctx, x, p)
}

// ClustererFunc adapts a function to Clusterer.
type ClustererFunc func(ctx context.Context, coords mat.Matrix, k int) ([]int, error)

func (f ClustererFunc) Cluster(ctx context.Context, coords mat.Matrix, k int) ([]int, error) {
	return f(ctx, coords, k)
}
