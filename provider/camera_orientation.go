package provider

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/robustweight"
	"github.com/nmichlo/sfmgo/sfmdb"
)

// CameraOrientationProvider jointly estimates a pure rotation and the
// camera's intrinsics/distortion, 11 parameters total (spec.md §4.3
// "CameraOrientation" row: rotation(3) + focal/principal(4) + radial(2) +
// tangential(2)). It enforces the feasibility clause in
// RobustError: candidate intrinsics outside [0, imageSize) or
// non-positive focal lengths report a +Inf error, forcing the driver to
// back off rather than accept the step.
type CameraOrientationProvider struct {
	CameraPos [3]float64
	Obs       []OrientationObservation
	Width     int
	Height    int

	current   [11]float64 // r(3), fx, fy, cx, cy, k1, k2, p1, p2
	candidate [11]float64
}

// NewCameraOrientationProvider seeds the provider at the given rotation
// and intrinsics.
func NewCameraOrientationProvider(cameraPos [3]float64, obs []OrientationObservation, intr sfmdb.CameraIntrinsics, r0 [3]float64) *CameraOrientationProvider {
	p := &CameraOrientationProvider{CameraPos: cameraPos, Obs: obs, Width: intr.Width, Height: intr.Height}
	params := [11]float64{r0[0], r0[1], r0[2], intr.FocalX, intr.FocalY, intr.PrincipalX, intr.PrincipalY, intr.K1, intr.K2, intr.P1, intr.P2}
	p.current = params
	p.candidate = params
	return p
}

func (p *CameraOrientationProvider) intrinsicsOf(params [11]float64) sfmdb.CameraIntrinsics {
	return sfmdb.CameraIntrinsics{
		FocalX: params[3], FocalY: params[4],
		PrincipalX: params[5], PrincipalY: params[6],
		K1: params[7], K2: params[8], P1: params[9], P2: params[10],
		Width: p.Width, Height: p.Height,
	}
}

// Intrinsics returns the current (accepted) intrinsics.
func (p *CameraOrientationProvider) Intrinsics() sfmdb.CameraIntrinsics {
	return p.intrinsicsOf(p.current)
}

// Rotation returns the current (accepted) rotation vector.
func (p *CameraOrientationProvider) Rotation() [3]float64 {
	return [3]float64{p.current[0], p.current[1], p.current[2]}
}

func (p *CameraOrientationProvider) residualsAt(params [11]float64) [][2]float64 {
	intr := p.intrinsicsOf(params)
	R := rodriguesToMatrix([3]float64{params[0], params[1], params[2]})
	out := make([][2]float64, len(p.Obs))
	for i, o := range p.Obs {
		world := [3]float64{
			o.ObjectPoint[0] - p.CameraPos[0],
			o.ObjectPoint[1] - p.CameraPos[1],
			o.ObjectPoint[2] - p.CameraPos[2],
		}
		camPoint := rotatePoint(R, world)
		pixel, ok := projectPinhole(intr, camPoint)
		if !ok {
			out[i] = [2]float64{1e6, 1e6}
			continue
		}
		out[i] = [2]float64{pixel[0] - o.Pixel[0], pixel[1] - o.Pixel[1]}
	}
	return out
}

// Jacobian implements lmsolver.Provider.
func (p *CameraOrientationProvider) Jacobian() *mat.Dense {
	residualFn := func(params []float64) []float64 {
		var arr [11]float64
		copy(arr[:], params)
		return flattenResiduals2D(p.residualsAt(arr))
	}
	return numericJacobian(p.candidate[:], residualFn)
}

// RobustError implements lmsolver.Provider. Per spec.md §4.3 it returns
// +Inf when the candidate intrinsics are infeasible, without evaluating
// residuals against them.
func (p *CameraOrientationProvider) RobustError(estimator robustweight.Estimator, invCov *mat.Dense) (*mat.VecDense, []float64, float64) {
	if !feasibleIntrinsics(p.intrinsicsOf(p.candidate)) {
		return mat.NewVecDense(2*len(p.Obs), nil), make([]float64, 2*len(p.Obs)), math.Inf(1)
	}

	pairs := p.residualsAt(p.candidate)
	res := robustweight.Weight2(estimator, pairs, 11)

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
func (p *CameraOrientationProvider) ApplyCorrection(delta *mat.VecDense) {
	for i := 0; i < 11; i++ {
		p.candidate[i] = p.current[i] - delta.AtVec(i)
	}
}

// AcceptCorrection implements lmsolver.Provider.
func (p *CameraOrientationProvider) AcceptCorrection() {
	p.current = p.candidate
}
