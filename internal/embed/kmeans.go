package embed

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// KMeans is Lloyd's algorithm with k-means++ seeding. A fixed Seed makes the
// labelling reproducible.
type KMeans struct {
	Seed    uint64
	MaxIter int
}

// Cluster implements Clusterer.
func (km KMeans) Cluster(ctx context.Context, coords mat.Matrix, k int) ([]int, error) {
	n, d := coords.Dims()
	if k < 1 || n < k {
		return nil, fmt.Errorf("%w: cannot form %d clusters from %d points", ErrDegenerateInput, k, n)
	}
	maxIter := km.MaxIter
	if maxIter <= 0 {
		maxIter = 300
	}
	points := make([][]float64, n)
	for i := range points {
		points[i] = mat.Row(make([]float64, d), i, coords)
	}

	rng := rand.New(rand.NewPCG(km.Seed, uint64(k)))
	centroids := seedCentroids(rng, points, k)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	counts := make([]int, k)
	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := false
		for i, p := range points {
			c := nearest(centroids, p)
			if c != labels[i] {
				labels[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
		for c := range centroids {
			counts[c] = 0
		}
		sums := make([][]float64, k)
		for c := range sums {
			sums[c] = make([]float64, d)
		}
		for i, p := range points {
			floats.Add(sums[labels[i]], p)
			counts[labels[i]]++
		}
		for c := range centroids {
			// An emptied cluster keeps its previous centroid.
			if counts[c] > 0 {
				floats.ScaleTo(centroids[c], 1/float64(counts[c]), sums[c])
			}
		}
	}
	return labels, nil
}

func seedCentroids(rng *rand.Rand, points [][]float64, k int) [][]float64 {
	centroids := make([][]float64, 0, k)
	first := points[rng.IntN(len(points))]
	centroids = append(centroids, append([]float64(nil), first...))
	d2 := make([]float64, len(points))
	for len(centroids) < k {
		for i, p := range points {
			d := floats.Distance(p, centroids[nearest(centroids, p)], 2)
			d2[i] = d * d
		}
		total := floats.Sum(d2)
		idx := 0
		if total > 0 {
			r := rng.Float64() * total
			for i, w := range d2 {
				r -= w
				if r <= 0 {
					idx = i
					break
				}
			}
		} else {
			// All remaining points coincide with a centroid.
			idx = len(centroids) % len(points)
		}
		centroids = append(centroids, append([]float64(nil), points[idx]...))
	}
	return centroids
}

func nearest(centroids [][]float64, p []float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, ctr := range centroids {
		if d := floats.Distance(p, ctr, 2); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
