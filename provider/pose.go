package provider

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/robustweight"
	"github.com/nmichlo/sfmgo/sfmdb"
)

// PoseObservation pairs a fixed world object point with its pixel
// observation in the frame whose pose is being estimated.
type PoseObservation struct {
	ObjectPoint [3]float64
	Pixel       [2]float64
}

// PoseProvider estimates a full 6-DOF pose (rotation exponential map +
// translation) per spec.md §4.3's "Pose" row. Used by sfm.DeterminePose.
type PoseProvider struct {
	Intrinsics sfmdb.CameraIntrinsics
	Obs        []PoseObservation

	current   [6]float64 // r(3), t(3)
	candidate [6]float64
}

// NewPoseProvider constructs a provider seeded at pose0 = [r, t].
func NewPoseProvider(intr sfmdb.CameraIntrinsics, obs []PoseObservation, pose0 [6]float64) *PoseProvider {
	return &PoseProvider{Intrinsics: intr, Obs: obs, current: pose0, candidate: pose0}
}

// WorldTCamera returns the current pose as a 4x4 homogeneous transform.
func (p *PoseProvider) WorldTCamera() *mat.Dense {
	R := rodriguesToMatrix([3]float64{p.current[0], p.current[1], p.current[2]})
	T := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			T.Set(i, j, R.At(i, j))
		}
		T.Set(i, 3, p.current[3+i])
	}
	T.Set(3, 3, 1)
	return T
}

func (p *PoseProvider) residualsAt(params [6]float64) [][2]float64 {
	R := rodriguesToMatrix([3]float64{params[0], params[1], params[2]})
	t := [3]float64{params[3], params[4], params[5]}
	out := make([][2]float64, len(p.Obs))
	for i, o := range p.Obs {
		rotated := rotatePoint(R, o.ObjectPoint)
		camPoint := [3]float64{rotated[0] + t[0], rotated[1] + t[1], rotated[2] + t[2]}
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
func (p *PoseProvider) Jacobian() *mat.Dense {
	residualFn := func(params []float64) []float64 {
		var arr [6]float64
		copy(arr[:], params)
		return flattenResiduals2D(p.residualsAt(arr))
	}
	return numericJacobian(p.candidate[:], residualFn)
}

// RobustError implements lmsolver.Provider.
func (p *PoseProvider) RobustError(estimator robustweight.Estimator, invCov *mat.Dense) (*mat.VecDense, []float64, float64) {
	pairs := p.residualsAt(p.candidate)
	res := robustweight.Weight2(estimator, pairs, 6)

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
func (p *PoseProvider) ApplyCorrection(delta *mat.VecDense) {
	for i := 0; i < 6; i++ {
		p.candidate[i] = p.current[i] - delta.AtVec(i)
	}
}

// AcceptCorrection implements lmsolver.Provider.
func (p *PoseProvider) AcceptCorrection() {
	p.current = p.candidate
}
