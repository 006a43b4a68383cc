package provider

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/robustweight"
	"github.com/nmichlo/sfmgo/sfmdb"
)

// OrientationObservation pairs an object point (fixed, in world
// coordinates) with its observed pixel in the frame whose orientation is
// being estimated.
type OrientationObservation struct {
	ObjectPoint [3]float64
	Pixel       [2]float64
}

// OrientationProvider estimates a pure rotation (exponential map, 3
// parameters) at a fixed camera position, per spec.md §4.3's "Orientation"
// row. Used by sfm.DetermineOrientation when translation is known or
// assumed zero (e.g. a rotational-only camera-motion hypothesis).
type OrientationProvider struct {
	Intrinsics sfmdb.CameraIntrinsics
	CameraPos  [3]float64 // fixed camera center in world coordinates
	Obs        []OrientationObservation

	current   [3]float64
	candidate [3]float64
}

// NewOrientationProvider constructs a provider seeded at rotation r0.
func NewOrientationProvider(intr sfmdb.CameraIntrinsics, cameraPos [3]float64, obs []OrientationObservation, r0 [3]float64) *OrientationProvider {
	return &OrientationProvider{
		Intrinsics: intr,
		CameraPos:  cameraPos,
		Obs:        obs,
		current:    r0,
		candidate:  r0,
	}
}

// Rotation returns the current (accepted) rotation vector.
func (p *OrientationProvider) Rotation() [3]float64 {
	return p.current
}

func (p *OrientationProvider) residualsAt(r [3]float64) [][2]float64 {
	R := rodriguesToMatrix(r)
	out := make([][2]float64, len(p.Obs))
	for i, o := range p.Obs {
		world := [3]float64{
			o.ObjectPoint[0] - p.CameraPos[0],
			o.ObjectPoint[1] - p.CameraPos[1],
			o.ObjectPoint[2] - p.CameraPos[2],
		}
		camPoint := rotatePoint(R, world)
		pixel, ok := projectPinhole(p.Intrinsics, camPoint)
		if !ok {
			// Behind the camera: report a large residual rather than
			// silently dropping the observation, so the driver backs off.
			out[i] = [2]float64{1e6, 1e6}
			continue
		}
		out[i] = [2]float64{pixel[0] - o.Pixel[0], pixel[1] - o.Pixel[1]}
	}
	return out
}

// Jacobian implements lmsolver.Provider.
func (p *OrientationProvider) Jacobian() *mat.Dense {
	residualFn := func(params []float64) []float64 {
		r := [3]float64{params[0], params[1], params[2]}
		return flattenResiduals2D(p.residualsAt(r))
	}
	return numericJacobian(p.candidate[:], residualFn)
}

// RobustError implements lmsolver.Provider.
func (p *OrientationProvider) RobustError(estimator robustweight.Estimator, invCov *mat.Dense) (*mat.VecDense, []float64, float64) {
	pairs := p.residualsAt(p.candidate)
	res := robustweight.Weight2(estimator, pairs, 3)

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
func (p *OrientationProvider) ApplyCorrection(delta *mat.VecDense) {
	for i := 0; i < 3; i++ {
		p.candidate[i] = p.current[i] - delta.AtVec(i)
	}
}

// AcceptCorrection implements lmsolver.Provider.
func (p *OrientationProvider) AcceptCorrection() {
	p.current = p.candidate
}
