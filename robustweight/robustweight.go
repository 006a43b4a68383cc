// Package robustweight implements the per-residual robust-error kernels shared
// by every optimization problem in sfmgo (spec.md §4.1, component C1).
//
// Grounded on spec.md §4.1. The numeric idiom (pre-allocate, reduce with a
// single pass; the scale estimate's median comes from a sorted copy of the
// residuals) follows internal/filterpy/kalman.go's mat.Dense style
// from the teacher repo, generalized to plain float64 slices since the robust
// kernel itself never touches a matrix.
package robustweight

import (
	"math"
	"reflect"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Estimator selects one of the five robust-weighting kernels. It is a runtime
// tag, not a template parameter (spec.md §9 "Deep template hierarchy of
// providers").
type Estimator int

const (
	Square Estimator = iota
	Linear
	Huber
	Tukey
	Cauchy
)

func (e Estimator) String() string {
	switch e {
	case Square:
		return "square"
	case Linear:
		return "linear"
	case Huber:
		return "huber"
	case Tukey:
		return "tukey"
	case Cauchy:
		return "cauchy"
	default:
		return "unknown"
	}
}

// weightFloor keeps weights strictly positive so the normal equations built
// from them stay solvable (spec.md §4.1 step 2).
const weightFloor = 1e-12

// linearEpsilon avoids a division by zero for the Linear kernel at r2 == 0.
const linearEpsilon = 1e-12

// NeedsScale reports whether the estimator requires a sigma^2 scale estimate
// (spec.md §4.1 step 1). Square and Linear do not use one.
func (e Estimator) NeedsScale() bool {
	switch e {
	case Huber, Tukey, Cauchy:
		return true
	default:
		return false
	}
}

// medianConsistencyFactor scales the median squared residual into a sigma^2
// estimate accounting for the residual count relative to the model
// parameter count (n - m degrees of freedom); 1.4826^2 is the usual
// normal-consistency correction for a median-based scale estimator.
const medianConsistencyFactor = 1.4826 * 1.4826

// SigmaSquared computes the robust scale estimate for a set of squared
// residuals. It is the median of sqResiduals, consistency-corrected and
// scaled by the degrees of freedom (n - paramCount), per spec.md §4.1 step 1.
// Returns 0 if the estimator does not need a scale, or if there are no
// residuals.
func SigmaSquared(e Estimator, sqResiduals []float64, paramCount int) float64 {
	if !e.NeedsScale() || len(sqResiduals) == 0 {
		return 0
	}
	dof := len(sqResiduals) - paramCount
	if dof < 1 {
		dof = 1
	}
	med := median(sqResiduals)
	return med * medianConsistencyFactor * float64(len(sqResiduals)) / float64(dof)
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// weightOne is the single semantic core shared by every shape the kernel is
// exposed in (spec.md §4.1: "The same kernel is exposed in three shapes ...
// but has one semantic"). It maps one squared residual to a weight.
func weightOne(e Estimator, r2, sigmaSq float64) float64 {
	var w float64
	switch e {
	case Square:
		w = 1
	case Linear:
		w = 1 / math.Sqrt(r2+linearEpsilon)
	case Huber:
		if r2 <= sigmaSq || sigmaSq == 0 {
			w = 1
		} else {
			w = math.Sqrt(sigmaSq) / math.Sqrt(r2)
		}
	case Tukey:
		if sigmaSq == 0 {
			w = weightFloor
		} else if r2 <= sigmaSq {
			t := 1 - r2/sigmaSq
			w = t * t
		} else {
			w = 0
		}
	case Cauchy:
		if sigmaSq == 0 {
			w = 1
		} else {
			w = 1 / (1 + r2/sigmaSq)
		}
	default:
		w = 1
	}
	if w < weightFloor {
		w = weightFloor
	}
	return w
}

// Result carries the per-residual weights and the aggregate robust error
// produced by any of the three kernel shapes below.
type Result struct {
	Weights    []float64 // per-residual weight, same length as the input
	SigmaSq    float64   // scale estimate used (0 if the estimator doesn't need one)
	RobustMean float64   // sum(r2*w) / n, the robust mean error (spec.md §4.1 step 3)
}

func robustErrorCore(e Estimator, sqResiduals []float64, paramCount int) Result {
	n := len(sqResiduals)
	if n == 0 {
		return Result{}
	}
	sigmaSq := SigmaSquared(e, sqResiduals, paramCount)
	weights := make([]float64, n)
	weighted := make([]float64, n)
	for i, r2 := range sqResiduals {
		w := weightOne(e, r2, sigmaSq)
		weights[i] = w
		weighted[i] = r2 * w
	}
	return Result{
		Weights:    weights,
		SigmaSq:    sigmaSq,
		RobustMean: floats.Sum(weighted) / float64(n),
	}
}

// WeightDyn is the dynamic-dimension shape: each residual is an arbitrary
// []float64 of any length; the squared residual is the sum of its squared
// components. It serves residuals whose dimension is only known at
// runtime; the providers in this repo call Weight2 instead.
func WeightDyn(e Estimator, residuals [][]float64, paramCount int) Result {
	sq := make([]float64, len(residuals))
	for i, r := range residuals {
		sq[i] = floats.Dot(r, r)
	}
	return robustErrorCore(e, sq, paramCount)
}

// FixedResidual constrains WeightStatic to fixed-size residual arrays of
// dimension 2, 3, 6 or 11. The providers in this repo do not call
// WeightStatic; their 2D reprojection residuals go through Weight2.
type FixedResidual interface {
	~[2]float64 | ~[3]float64 | ~[6]float64 | ~[11]float64
}

// WeightStatic is the generic-static-dimension shape: the residual dimension
// is fixed at compile time via the array type parameter, letting the caller
// avoid a slice allocation per residual.
func WeightStatic[R FixedResidual](e Estimator, residuals []R, paramCount int) Result {
	sq := make([]float64, len(residuals))
	for i, r := range residuals {
		v := reflect.ValueOf(r)
		var s float64
		for j := 0; j < v.Len(); j++ {
			c := v.Index(j).Float()
			s += c * c
		}
		sq[i] = s
	}
	return robustErrorCore(e, sq, paramCount)
}

// Weight2 is the dimension-2 shape used by every reprojection-residual
// provider (spec.md §4.3 residual dim column): every provider in package
// provider, the orientation-only one included, weights 2D pixel residuals
// through it.
func Weight2(e Estimator, residuals [][2]float64, paramCount int) Result {
	sq := make([]float64, len(residuals))
	for i, r := range residuals {
		sq[i] = r[0]*r[0] + r[1]*r[1]
	}
	return robustErrorCore(e, sq, paramCount)
}
