package provider

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/robustweight"
	"github.com/nmichlo/sfmgo/sfmdb"
)

// PoseObservationOf pairs a fixed world-to-camera pose with the pixel
// observing an object point under that pose.
type PoseObservationOf struct {
	WorldTCamera *mat.Dense // 4x4
	Pixel        [2]float64
}

// ObjectPointFixedPosesProvider re-triangulates a single object point's
// position given fixed poses (spec.md §4.3 "ObjectPointFixedPoses" row).
// Used by sfm when re-optimizing a point's 3D position after its
// observing poses have already converged.
type ObjectPointFixedPosesProvider struct {
	Intrinsics sfmdb.CameraIntrinsics
	Obs        []PoseObservationOf

	current   [3]float64
	candidate [3]float64
}

// NewObjectPointFixedPosesProvider seeds the provider at point0.
func NewObjectPointFixedPosesProvider(intr sfmdb.CameraIntrinsics, obs []PoseObservationOf, point0 [3]float64) *ObjectPointFixedPosesProvider {
	return &ObjectPointFixedPosesProvider{Intrinsics: intr, Obs: obs, current: point0, candidate: point0}
}

// Position returns the current (accepted) 3D position.
func (p *ObjectPointFixedPosesProvider) Position() [3]float64 {
	return p.current
}

func (p *ObjectPointFixedPosesProvider) residualsAt(point [3]float64) [][2]float64 {
	out := make([][2]float64, len(p.Obs))
	homog := mat.NewVecDense(4, []float64{point[0], point[1], point[2], 1})
	for i, o := range p.Obs {
		var camHomog mat.VecDense
		camHomog.MulVec(o.WorldTCamera, homog)
		camPoint := [3]float64{camHomog.AtVec(0), camHomog.AtVec(1), camHomog.AtVec(2)}
		pixel, ok := projectPinhole(p.Intrinsics, camPoint)
		if !ok {
			out[i] = [2]float64{1e6, 1e6}
			continue
		}
		out[i] = [2]float64{pixel[0] - o.Pixel[0], pixel[1] - o.Pixel[1]}
	}
	return out
}

// Jacobian implements lmsolver.Provider.
func (p *ObjectPointFixedPosesProvider) Jacobian() *mat.Dense {
	residualFn := func(params []float64) []float64 {
		pt := [3]float64{params[0], params[1], params[2]}
		return flattenResiduals2D(p.residualsAt(pt))
	}
	return numericJacobian(p.candidate[:], residualFn)
}

// RobustError implements lmsolver.Provider.
func (p *ObjectPointFixedPosesProvider) RobustError(estimator robustweight.Estimator, invCov *mat.Dense) (*mat.VecDense, []float64, float64) {
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
func (p *ObjectPointFixedPosesProvider) ApplyCorrection(delta *mat.VecDense) {
	for i := 0; i < 3; i++ {
		p.candidate[i] = p.current[i] - delta.AtVec(i)
	}
}

// AcceptCorrection implements lmsolver.Provider.
func (p *ObjectPointFixedPosesProvider) AcceptCorrection() {
	p.current = p.candidate
}
