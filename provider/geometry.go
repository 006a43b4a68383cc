// Package provider implements the per-problem lmsolver.Provider /
// lmsolver.AdvancedProvider adapters (spec.md §4.3, component C3):
// OrientationProvider, PoseProvider, CameraOrientationProvider,
// ObjectPointFixedPosesProvider, BundleDensePosesAndPointsProvider, and the
// supplemented BundleWithIntrinsicsProvider (recovered from
// original_source/impl/ocean/geometry/NonLinearOptimization.h, which
// templates a combined object-point/camera solve that spec.md's table
// omits).
//
// Every provider holds a reference to the observation slice it optimizes
// plus a candidate copy of its parameter vector (spec.md §4.3: "Parameter
// updates write the candidate; acceptCorrection copies candidate ->
// current"). Reprojection Jacobians are evaluated by central finite
// differences over the candidate parameter vector rather than closed-form
// Rodrigues derivatives: original_source's NonLinearOptimizationOrientation
// hand-derives these analytically, but no pack example carries that kind
// of derivation, and lmsolver's driver is agnostic to how Jacobian() is
// computed, so central differences keep every provider's geometry in one
// place (rodriguesToMatrix, projectPinhole) instead of duplicating
// hand-differentiated trigonometry per provider. This tradeoff is recorded
// in DESIGN.md.
package provider

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/sfmdb"
)

// jacobianEpsilon is the central-difference step used by numericJacobian.
const jacobianEpsilon = 1e-6

// rodriguesToMatrix converts an exponential-map rotation vector (angle *
// axis) to a 3x3 rotation matrix via the Rodrigues formula.
func rodriguesToMatrix(r [3]float64) *mat.Dense {
	theta := math.Sqrt(r[0]*r[0] + r[1]*r[1] + r[2]*r[2])
	R := mat.NewDense(3, 3, nil)
	if theta < 1e-12 {
		R.Set(0, 0, 1)
		R.Set(1, 1, 1)
		R.Set(2, 2, 1)
		return R
	}
	ax, ay, az := r[0]/theta, r[1]/theta, r[2]/theta
	c, s := math.Cos(theta), math.Sin(theta)
	cc := 1 - c

	K := mat.NewDense(3, 3, []float64{
		0, -az, ay,
		az, 0, -ax,
		-ay, ax, 0,
	})
	var K2 mat.Dense
	K2.Mul(K, K)

	// R = I + sin(theta) K + (1-cos(theta)) K^2
	R.Set(0, 0, 1)
	R.Set(1, 1, 1)
	R.Set(2, 2, 1)

	var sK mat.Dense
	sK.Scale(s, K)
	var ccK2 mat.Dense
	ccK2.Scale(cc, &K2)

	R.Add(R, &sK)
	R.Add(R, &ccK2)
	return R
}

// rotatePoint applies R to a 3-vector.
func rotatePoint(R *mat.Dense, p [3]float64) [3]float64 {
	v := mat.NewVecDense(3, p[:])
	var out mat.VecDense
	out.MulVec(R, v)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// projectPinhole applies intrinsics + Brown-Conrady distortion to a point
// already expressed in camera coordinates. ok is false if the point is
// behind the camera (z <= 0).
func projectPinhole(intr sfmdb.CameraIntrinsics, camPoint [3]float64) (pixel [2]float64, ok bool) {
	if camPoint[2] <= 1e-9 {
		return [2]float64{}, false
	}
	x := camPoint[0] / camPoint[2]
	y := camPoint[1] / camPoint[2]

	r2 := x*x + y*y
	radial := 1 + intr.K1*r2 + intr.K2*r2*r2
	xd := x*radial + 2*intr.P1*x*y + intr.P2*(r2+2*x*x)
	yd := y*radial + intr.P1*(r2+2*y*y) + 2*intr.P2*x*y

	px := intr.FocalX*xd + intr.PrincipalX
	py := intr.FocalY*yd + intr.PrincipalY
	return [2]float64{px, py}, true
}

// feasibleIntrinsics implements spec.md §4.3's feasibility clause: "the
// CameraOrientation provider returns +Inf as error when any intrinsic
// lands outside [0, imageSize) or becomes non-positive."
func feasibleIntrinsics(intr sfmdb.CameraIntrinsics) bool {
	if intr.FocalX <= 0 || intr.FocalY <= 0 {
		return false
	}
	if intr.PrincipalX < 0 || intr.PrincipalX >= float64(intr.Width) {
		return false
	}
	if intr.PrincipalY < 0 || intr.PrincipalY >= float64(intr.Height) {
		return false
	}
	return true
}

// numericJacobian evaluates d(residualFn)/d(params) by central differences,
// returning a (len(residualFn(params)) x len(params)) matrix.
func numericJacobian(params []float64, residualFn func(params []float64) []float64) *mat.Dense {
	base := residualFn(params)
	rows := len(base)
	cols := len(params)
	J := mat.NewDense(rows, cols, nil)

	perturbed := make([]float64, cols)
	for c := 0; c < cols; c++ {
		copy(perturbed, params)
		perturbed[c] = params[c] + jacobianEpsilon
		plus := residualFn(perturbed)
		perturbed[c] = params[c] - jacobianEpsilon
		minus := residualFn(perturbed)
		for r := 0; r < rows; r++ {
			J.Set(r, c, (plus[r]-minus[r])/(2*jacobianEpsilon))
		}
	}
	return J
}

// flattenResiduals2D turns a slice of 2D residual pairs into the flat
// []float64 the numeric Jacobian and lmsolver.Provider deal in, row-major
// (x0, y0, x1, y1, ...).
func flattenResiduals2D(pairs [][2]float64) []float64 {
	flat := make([]float64, 0, 2*len(pairs))
	for _, p := range pairs {
		flat = append(flat, p[0], p[1])
	}
	return flat
}

// expandRowWeights duplicates a per-observation weight (one per 2D residual
// pair) across both of that pair's flattened Jacobian rows, so the returned
// slice is aligned 1:1 with flattenResiduals2D's output the way
// lmsolver.Provider.RobustError documents ("aligned with Jacobian rows").
func expandRowWeights(perObservation []float64) []float64 {
	rowWeights := make([]float64, 2*len(perObservation))
	for i, w := range perObservation {
		rowWeights[2*i] = w
		rowWeights[2*i+1] = w
	}
	return rowWeights
}
