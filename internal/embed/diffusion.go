package embed

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/mds"
)

const (
	// maxAutoT bounds the diffusion times scanned when T is zero.
	maxAutoT = 100
	// potentialEps keeps the log potential finite for unreachable pairs.
	potentialEps = 1e-7
)

// Diffusion is a PHATE-style embedder. It builds an alpha-decay kernel with a
// per-sample bandwidth equal to the distance to the knn-th neighbour, diffuses
// it for T steps, and places samples by classical MDS over log-potential
// distances.
type Diffusion struct{}

// Embed implements Embedder.
func (Diffusion) Embed(ctx context.Context, x mat.Matrix, p Params) (*mat.Dense, error) {
	n, _ := x.Dims()
	if p.Components < 1 {
		return nil, fmt.Errorf("%w: %d components", ErrDegenerateInput, p.Components)
	}
	if p.Knn < 1 || p.Decay < 1 {
		return nil, fmt.Errorf("%w: knn=%d decay=%d", ErrDegenerateInput, p.Knn, p.Decay)
	}
	if n < p.Knn+1 {
		return nil, fmt.Errorf("%w: %d samples cannot support knn=%d", ErrDegenerateInput, n, p.Knn)
	}

	dist := pairwiseDistances(x)
	kernel := decayKernel(dist, p.Knn, float64(p.Decay))

	// Diffuse through the symmetric conjugate A = D^-1/2 K D^-1/2, which shares
	// its spectrum with the row-stochastic operator P = D^-1 K.
	deg := make([]float64, n)
	for i := range deg {
		deg[i] = floats.Sum(kernel.RawRowView(i))
		if deg[i] <= 0 {
			return nil, fmt.Errorf("%w: sample %d has no neighbours", ErrDegenerateInput, i)
		}
	}
	a := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			a.SetSym(i, j, kernel.At(i, j)/math.Sqrt(deg[i]*deg[j]))
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(a, true) {
		return nil, fmt.Errorf("%w: eigendecomposition failed", ErrDegenerateInput)
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := p.T
	if t <= 0 {
		t = autoT(vals)
	}
	pt := diffusionPower(&vecs, vals, deg, t)

	potential := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			potential.Set(i, j, -math.Log(math.Max(pt.At(i, j), 0)+potentialEps))
		}
	}

	dis, err := rowDistances(ctx, potential, p.Threads)
	if err != nil {
		return nil, err
	}

	var coords mat.Dense
	k, _ := mds.TorgersonScaling(&coords, nil, dis)
	if k == 0 {
		return nil, fmt.Errorf("%w: scaling found no positive eigenvalues", ErrDegenerateInput)
	}
	out := mat.NewDense(n, p.Components, nil)
	for c := 0; c < p.Components && c < k; c++ {
		for i := 0; i < n; i++ {
			out.Set(i, c, coords.At(i, c))
		}
	}
	return out, nil
}

func pairwiseDistances(x mat.Matrix) *mat.Dense {
	n, f := x.Dims()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = mat.Row(make([]float64, f), i, x)
	}
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := floats.Distance(rows[i], rows[j], 2)
			d.Set(i, j, v)
			d.Set(j, i, v)
		}
	}
	return d
}

// decayKernel returns the symmetrised alpha-decay affinity matrix.
func decayKernel(dist *mat.Dense, knn int, decay float64) *mat.Dense {
	n, _ := dist.Dims()
	sigma := make([]float64, n)
	row := make([]float64, n)
	for i := 0; i < n; i++ {
		copy(row, dist.RawRowView(i))
		sort.Float64s(row)
		// row[0] is the sample itself.
		sigma[i] = row[knn]
		if sigma[i] <= 0 {
			sigma[i] = math.SmallestNonzeroFloat64
		}
	}
	k := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d := dist.At(i, j)
			v := 0.5 * (math.Exp(-math.Pow(d/sigma[i], decay)) + math.Exp(-math.Pow(d/sigma[j], decay)))
			k.Set(i, j, v)
			k.Set(j, i, v)
		}
	}
	return k
}

// diffusionPower returns P^t = D^-1/2 V Λ^t Vᵀ D^1/2.
func diffusionPower(vecs *mat.Dense, vals, deg []float64, t int) *mat.Dense {
	n := len(vals)
	lt := make([]float64, n)
	for i, v := range vals {
		lt[i] = math.Pow(v, float64(t))
	}
	var scaled mat.Dense
	scaled.Mul(vecs, mat.NewDiagDense(n, lt))
	var at mat.Dense
	at.Mul(&scaled, vecs.T())
	pt := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			pt.Set(i, j, at.At(i, j)*math.Sqrt(deg[j]/deg[i]))
		}
	}
	return pt
}

// autoT picks the knee of the von Neumann entropy curve of the diffusion
// operator over t = 1..maxAutoT.
func autoT(vals []float64) int {
	h := make([]float64, maxAutoT)
	p := make([]float64, len(vals))
	for t := 1; t <= maxAutoT; t++ {
		for i, v := range vals {
			p[i] = math.Pow(math.Abs(v), float64(t))
		}
		if s := floats.Sum(p); s > 0 {
			floats.Scale(1/s, p)
		}
		var e float64
		for _, q := range p {
			if q > 0 {
				e -= q * math.Log(q)
			}
		}
		h[t-1] = e
	}
	return kneeIndex(h) + 1
}

// kneeIndex returns the index of the point furthest from the chord joining the
// first and last values of y.
func kneeIndex(y []float64) int {
	n := len(y)
	if n < 3 {
		return 0
	}
	x0, y0 := 0.0, y[0]
	x1, y1 := float64(n-1), y[n-1]
	dx, dy := x1-x0, y1-y0
	norm := math.Hypot(dx, dy)
	if norm == 0 {
		return 0
	}
	best, bestIdx := -1.0, 0
	for i, v := range y {
		d := math.Abs(dy*float64(i)-dx*v+x1*y0-y1*x0) / norm
		if d > best {
			best, bestIdx = d, i
		}
	}
	return bestIdx
}

// rowDistances computes Euclidean distances between the rows of m, spreading
// the rows over up to threads goroutines.
func rowDistances(ctx context.Context, m *mat.Dense, threads int) (*mat.SymDense, error) {
	n, _ := m.Dims()
	out := mat.NewSymDense(n, nil)
	g, ctx := errgroup.WithContext(ctx)
	if threads > 0 {
		g.SetLimit(threads)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ri := m.RawRowView(i)
			for j := i + 1; j < n; j++ {
				// Each goroutine owns the upper-triangle row i.
				out.SetSym(i, j, floats.Distance(ri, m.RawRowView(j), 2))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
