// Package grid expands hyperparameter sweep specifications into the ordered
// axis values and the knn × decay × t grid of embedding runs.
package grid

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSweepSpec is returned for a sweep given neither 1 nor 3 values, or
// a range that cannot yield a non-empty, step-ordered sequence.
var ErrInvalidSweepSpec = errors.New("invalid sweep spec")

// maxAxisValues caps a single axis to keep a typo like 1:100000:1 from
// launching an unbounded sweep.
const maxAxisValues = 10000

// Defaults applied by workers when an axis was left unset.
const (
	DefaultKnn   = 5
	DefaultDecay = 15
	// TAuto asks the embedding routine to choose t itself.
	TAuto = 0
)

// Value is one axis value. An invalid Value stands for "use the axis default".
type Value struct {
	N     int
	Valid bool
}

// Set returns a valid Value holding n.
func Set(n int) Value { return Value{N: n, Valid: true} }

// Unset is the placeholder value of an axis with no spec.
var Unset = Value{}

// Or resolves v against def.
func (v Value) Or(def int) int {
	if !v.Valid {
		return def
	}
	return v.N
}

func (v Value) String() string {
	if !v.Valid {
		return "default"
	}
	return strconv.Itoa(v.N)
}

// MarshalJSON encodes an unset value as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, int64(v.N), 10), nil
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = Unset
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("axis value: %w", err)
	}
	*v = Set(n)
	return nil
}

// Axis is the expansion of one sweep spec. Step is zero for fixed or unset
// axes, which downstream renderers do not expose as interactive controls.
type Axis struct {
	Step   int
	Values []Value
}

// Swept reports whether the axis came from a min/max/step range.
func (a Axis) Swept() bool { return a.Step > 0 }

// Ints returns the valid values of the axis.
func (a Axis) Ints() []int {
	out := make([]int, 0, len(a.Values))
	for _, v := range a.Values {
		if v.Valid {
			out = append(out, v.N)
		}
	}
	return out
}

// Expand turns a sweep spec into an Axis.
//
//	[]           -> one unset value, resolved later by the worker
//	[v]          -> fixed axis [v]
//	[lo,hi,step] -> lo, lo+step, ... up to and including hi
//
// The upper bound is inclusive: hi is part of the axis whenever it lands on a
// step boundary.
func Expand(spec []int) (Axis, error) {
	switch len(spec) {
	case 0:
		return Axis{Values: []Value{Unset}}, nil
	case 1:
		return Axis{Values: []Value{Set(spec[0])}}, nil
	case 3:
		lo, hi, step := spec[0], spec[1], spec[2]
		if step <= 0 {
			return Axis{}, fmt.Errorf("%w: step must be positive, got %d", ErrInvalidSweepSpec, step)
		}
		if lo > hi {
			return Axis{}, fmt.Errorf("%w: min %d greater than max %d", ErrInvalidSweepSpec, lo, hi)
		}
		// hi-lo can exceed MaxInt when lo is negative; the unsigned
		// difference is exact for any lo <= hi.
		n := uint64(hi) - uint64(lo)
		n = n/uint64(step) + 1
		if n > maxAxisValues {
			return Axis{}, fmt.Errorf("%w: range %d:%d:%d exceeds %d values", ErrInvalidSweepSpec, lo, hi, step, maxAxisValues)
		}
		values := make([]Value, n)
		for i := range values {
			values[i] = Set(lo + i*step)
		}
		return Axis{Step: step, Values: values}, nil
	default:
		return Axis{}, fmt.Errorf("%w: expected 1 or 3 values, got %d", ErrInvalidSweepSpec, len(spec))
	}
}

// ParseSpec parses a command-line sweep spec. Both "5,15,5" and "5:15:5" are
// accepted; an empty string means no spec. Empty fields such as "5,,15" are
// rejected rather than dropped.
func ParseSpec(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	sep := ","
	if strings.Contains(s, ":") {
		sep = ":"
	}
	parts := strings.Split(s, sep)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("%w: empty field in %q", ErrInvalidSweepSpec, s)
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid int %q", ErrInvalidSweepSpec, p)
		}
		out = append(out, v)
	}
	return out, nil
}

// ParseAxis parses and expands a command-line sweep spec in one step.
func ParseAxis(s string) (Axis, error) {
	spec, err := ParseSpec(s)
	if err != nil {
		return Axis{}, err
	}
	return Expand(spec)
}

// Sweep holds the three expanded axes of one invocation.
type Sweep struct {
	Knn   Axis
	Decay Axis
	T     Axis
}

// NewSweep expands the knn, decay and t specs. It fails on the first invalid
// spec, before any work is scheduled.
func NewSweep(knn, decay, t []int) (Sweep, error) {
	var s Sweep
	var err error
	if s.Knn, err = expandAtLeast(knn, 1); err != nil {
		return Sweep{}, fmt.Errorf("knn: %w", err)
	}
	if s.Decay, err = expandAtLeast(decay, 1); err != nil {
		return Sweep{}, fmt.Errorf("decay: %w", err)
	}
	// t = 0 is TAuto.
	if s.T, err = expandAtLeast(t, TAuto); err != nil {
		return Sweep{}, fmt.Errorf("t: %w", err)
	}
	return s, nil
}

// expandAtLeast expands spec and rejects any value below floor.
func expandAtLeast(spec []int, floor int) (Axis, error) {
	a, err := Expand(spec)
	if err != nil {
		return Axis{}, err
	}
	// Ranges are ascending, so the first value is the smallest.
	if v := a.Values[0]; v.Valid && v.N < floor {
		return Axis{}, fmt.Errorf("%w: values must be at least %d, got %d", ErrInvalidSweepSpec, floor, v.N)
	}
	return a, nil
}

// Points returns the full resolved grid of the sweep.
func (s Sweep) Points() []Point {
	return Points(s.Knn, s.Decay, s.T)
}
