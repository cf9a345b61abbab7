package grid

import (
	"fmt"
	"strconv"
)

// Point is one resolved (knn, decay, t) combination. T == TAuto means the
// embedding routine picked t itself.
type Point struct {
	Knn   int
	Decay int
	T     int
}

// FormatT renders t the way result tables store it.
func FormatT(t int) string {
	if t == TAuto {
		return "auto"
	}
	return strconv.Itoa(t)
}

// ParseT is the inverse of FormatT.
func ParseT(s string) (int, error) {
	if s == "auto" || s == "" {
		return TAuto, nil
	}
	t, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid t %q: %w", s, err)
	}
	return t, nil
}

func (p Point) String() string {
	return fmt.Sprintf("knn=%d decay=%d t=%s", p.Knn, p.Decay, FormatT(p.T))
}

// Less orders points knn-major, then decay, then t.
func (p Point) Less(o Point) bool {
	if p.Knn != o.Knn {
		return p.Knn < o.Knn
	}
	if p.Decay != o.Decay {
		return p.Decay < o.Decay
	}
	return p.T < o.T
}

// Resolve applies the axis defaults to a raw (knn, decay, t) triple.
func Resolve(knn, decay, t Value) Point {
	return Point{
		Knn:   knn.Or(DefaultKnn),
		Decay: decay.Or(DefaultDecay),
		T:     t.Or(TAuto),
	}
}

// Pairs returns the decay × t cross product a single knn worker iterates,
// decay-major.
func Pairs(decays, ts Axis) [][2]Value {
	out := make([][2]Value, 0, len(decays.Values)*len(ts.Values))
	for _, d := range decays.Values {
		for _, t := range ts.Values {
			out = append(out, [2]Value{d, t})
		}
	}
	return out
}

// Points returns the full resolved grid, knn-major.
func Points(knns, decays, ts Axis) []Point {
	pairs := Pairs(decays, ts)
	out := make([]Point, 0, len(knns.Values)*len(pairs))
	for _, k := range knns.Values {
		for _, dt := range pairs {
			out = append(out, Resolve(k, dt[0], dt[1]))
		}
	}
	return out
}
