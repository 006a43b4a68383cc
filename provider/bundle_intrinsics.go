package provider

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/robustweight"
	"github.com/nmichlo/sfmgo/sfmdb"
)

// BundleWithIntrinsicsProvider supplements spec.md §4.3's provider table
// with the bundle-plus-intrinsics variant spec.md §4.5.4 names
// (BundleAdjustPosesPointsIntrinsics) but doesn't give its own row;
// recovered from original_source/impl/ocean/geometry/NonLinearOptimization.h,
// which templates a combined NonLinearOptimizationObjectPoint /
// NonLinearOptimizationCamera solve. Parameter layout is
// poses(6P) + points(3N) + intrinsics(8, shared across every observation).
type BundleWithIntrinsicsProvider struct {
	Obs       []BundleObservation
	NumPoses  int
	NumPoints int
	Width     int
	Height    int

	current   []float64
	candidate []float64

	// lastEstimator, cachedJtJ/cachedG/cachedDiag back the
	// lmsolver.AdvancedProvider capability (HessianAndErrorJacobian /
	// SolveWithLambda): the provider owns and re-damps its own normal
	// equations across several lambda trials per outer step instead of
	// handing a fresh Jacobian to the driver each time (spec.md §4.2
	// "sparse/advanced variant").
	lastEstimator robustweight.Estimator
	cachedJtJ     *mat.Dense
	cachedG       *mat.VecDense
	cachedDiag    []float64
}

// NewBundleWithIntrinsicsProvider seeds the provider from initial poses,
// points, and a shared intrinsics estimate.
func NewBundleWithIntrinsicsProvider(obs []BundleObservation, poses0 [][6]float64, points0 [][3]float64, intr sfmdb.CameraIntrinsics) *BundleWithIntrinsicsProvider {
	p := &BundleWithIntrinsicsProvider{
		Obs:       obs,
		NumPoses:  len(poses0),
		NumPoints: len(points0),
		Width:     intr.Width,
		Height:    intr.Height,
	}
	params := make([]float64, 6*len(poses0)+3*len(points0)+8)
	for i, pose := range poses0 {
		copy(params[6*i:6*i+6], pose[:])
	}
	base := 6 * len(poses0)
	for i, pt := range points0 {
		copy(params[base+3*i:base+3*i+3], pt[:])
	}
	intrBase := base + 3*len(points0)
	copy(params[intrBase:intrBase+8], []float64{intr.FocalX, intr.FocalY, intr.PrincipalX, intr.PrincipalY, intr.K1, intr.K2, intr.P1, intr.P2})
	p.current = params
	p.candidate = append([]float64(nil), params...)
	return p
}

func (p *BundleWithIntrinsicsProvider) intrinsicsBase() int {
	return 6*p.NumPoses + 3*p.NumPoints
}

// Intrinsics returns the current (accepted) shared intrinsics.
func (p *BundleWithIntrinsicsProvider) Intrinsics() sfmdb.CameraIntrinsics {
	b := p.intrinsicsBase()
	return sfmdb.CameraIntrinsics{
		FocalX: p.current[b], FocalY: p.current[b+1],
		PrincipalX: p.current[b+2], PrincipalY: p.current[b+3],
		K1: p.current[b+4], K2: p.current[b+5], P1: p.current[b+6], P2: p.current[b+7],
		Width: p.Width, Height: p.Height,
	}
}

func (p *BundleWithIntrinsicsProvider) residualsAt(params []float64) [][2]float64 {
	pointBase := 6 * p.NumPoses
	intrBase := p.intrinsicsBase()
	intr := sfmdb.CameraIntrinsics{
		FocalX: params[intrBase], FocalY: params[intrBase+1],
		PrincipalX: params[intrBase+2], PrincipalY: params[intrBase+3],
		K1: params[intrBase+4], K2: params[intrBase+5], P1: params[intrBase+6], P2: params[intrBase+7],
		Width: p.Width, Height: p.Height,
	}

	out := make([][2]float64, len(p.Obs))
	for i, o := range p.Obs {
		pr := params[6*o.PoseIndex : 6*o.PoseIndex+6]
		r := [3]float64{pr[0], pr[1], pr[2]}
		t := [3]float64{pr[3], pr[4], pr[5]}
		pt := [3]float64{
			params[pointBase+3*o.PointIndex],
			params[pointBase+3*o.PointIndex+1],
			params[pointBase+3*o.PointIndex+2],
		}
		R := rodriguesToMatrix(r)
		rotated := rotatePoint(R, pt)
		camPoint := [3]float64{rotated[0] + t[0], rotated[1] + t[1], rotated[2] + t[2]}
		pixel, ok := projectPinhole(intr, camPoint)
		if !ok {
			out[i] = [2]float64{1e6, 1e6}
			continue
		}
		out[i] = [2]float64{pixel[0] - o.Pixel[0], pixel[1] - o.Pixel[1]}
	}
	return out
}

// Jacobian implements lmsolver.Provider. Pose and point columns are
// block-sparse per observation as in BundleDensePosesAndPointsProvider;
// the 8 intrinsics columns are shared and dense across every row.
func (p *BundleWithIntrinsicsProvider) Jacobian() *mat.Dense {
	cols := len(p.candidate)
	rows := 2 * len(p.Obs)
	J := mat.NewDense(rows, cols, nil)
	intrBase := p.intrinsicsBase()

	for obsIdx, o := range p.Obs {
		localCols := make([]int, 0, 6+3+8)
		for k := 0; k < 6; k++ {
			localCols = append(localCols, 6*o.PoseIndex+k)
		}
		for k := 0; k < 3; k++ {
			localCols = append(localCols, 6*p.NumPoses+3*o.PointIndex+k)
		}
		for k := 0; k < 8; k++ {
			localCols = append(localCols, intrBase+k)
		}

		localParams := make([]float64, len(localCols))
		for i, c := range localCols {
			localParams[i] = p.candidate[c]
		}

		residualFn := func(lp []float64) []float64 {
			full := append([]float64(nil), p.candidate...)
			for i, c := range localCols {
				full[c] = lp[i]
			}
			pairs := p.residualsAt(full)
			return []float64{pairs[obsIdx][0], pairs[obsIdx][1]}
		}

		localJ := numericJacobian(localParams, residualFn)
		for r := 0; r < 2; r++ {
			for i, c := range localCols {
				J.Set(2*obsIdx+r, c, localJ.At(r, i))
			}
		}
	}
	return J
}

// RobustError implements lmsolver.Provider; infeasible intrinsics report
// +Inf exactly as CameraOrientationProvider does (spec.md §4.3).
func (p *BundleWithIntrinsicsProvider) RobustError(estimator robustweight.Estimator, invCov *mat.Dense) (*mat.VecDense, []float64, float64) {
	b := p.intrinsicsBase()
	candidateIntr := sfmdb.CameraIntrinsics{
		FocalX: p.candidate[b], FocalY: p.candidate[b+1],
		PrincipalX: p.candidate[b+2], PrincipalY: p.candidate[b+3],
		Width: p.Width, Height: p.Height,
	}
	if !feasibleIntrinsics(candidateIntr) {
		return mat.NewVecDense(2*len(p.Obs), nil), make([]float64, 2*len(p.Obs)), math.Inf(1)
	}

	pairs := p.residualsAt(p.candidate)
	res := robustweight.Weight2(estimator, pairs, len(p.candidate))

	flat := flattenResiduals2D(pairs)
	weighted := mat.NewVecDense(len(flat), nil)
	for i, v := range flat {
		w := 1.0
		if i/2 < len(res.Weights) {
			w = res.Weights[i/2]
		}
		weighted.SetVec(i, v*math.Sqrt(w))
	}
	return weighted, expandRowWeights(res.Weights), res.RobustMean
}

// ApplyCorrection implements lmsolver.Provider.
func (p *BundleWithIntrinsicsProvider) ApplyCorrection(delta *mat.VecDense) {
	for i := range p.candidate {
		p.candidate[i] = p.current[i] - delta.AtVec(i)
	}
}

// AcceptCorrection implements lmsolver.Provider.
func (p *BundleWithIntrinsicsProvider) AcceptCorrection() {
	copy(p.current, p.candidate)
}

// Error implements lmsolver.AdvancedProvider. It remembers estimator so the
// next HessianAndErrorJacobian call (which the interface gives no estimator
// argument) weights rows the same way.
func (p *BundleWithIntrinsicsProvider) Error(estimator robustweight.Estimator) float64 {
	p.lastEstimator = estimator
	_, _, errVal := p.RobustError(estimator, nil)
	return errVal
}

// HessianAndErrorJacobian implements lmsolver.AdvancedProvider: builds and
// caches JtJ, Jtr, and JtJ's original diagonal under the last estimator
// Error was called with, mirroring lmsolver.DenseOptimize's normal-equation
// assembly but owned by the provider rather than the driver.
func (p *BundleWithIntrinsicsProvider) HessianAndErrorJacobian() bool {
	J := p.Jacobian()
	if J == nil {
		return false
	}
	rows, cols := J.Dims()
	if rows == 0 || cols == 0 {
		return false
	}

	weightedResidual, weightVector, _ := p.RobustError(p.lastEstimator, nil)
	if weightedResidual == nil {
		return false
	}

	weighted := mat.DenseCopyOf(J)
	if p.lastEstimator != robustweight.Square {
		for r := 0; r < rows; r++ {
			w := 1.0
			if r < len(weightVector) {
				w = weightVector[r]
			}
			for c := 0; c < cols; c++ {
				weighted.Set(r, c, weighted.At(r, c)*w)
			}
		}
	}

	var JtJ mat.Dense
	var g mat.VecDense
	JtJ.Mul(J.T(), &weighted)
	g.MulVec(J.T(), weightedResidual)

	diag := make([]float64, cols)
	for k := 0; k < cols; k++ {
		diag[k] = JtJ.At(k, k)
	}

	p.cachedJtJ = &JtJ
	p.cachedG = &g
	p.cachedDiag = diag
	return true
}

// SolveWithLambda implements lmsolver.AdvancedProvider: re-applies lambda to
// the cached diagonal and solves without recomputing the Jacobian.
func (p *BundleWithIntrinsicsProvider) SolveWithLambda(delta *mat.VecDense, lambda float64) bool {
	if p.cachedJtJ == nil {
		return false
	}
	cols := len(p.cachedDiag)
	damped := mat.DenseCopyOf(p.cachedJtJ)
	for k := 0; k < cols; k++ {
		damped.Set(k, k, p.cachedDiag[k]*(1+lambda))
	}
	return delta.SolveVec(damped, p.cachedG) == nil
}

// ParamCount implements lmsolver.AdvancedProvider.
func (p *BundleWithIntrinsicsProvider) ParamCount() int {
	return len(p.candidate)
}
