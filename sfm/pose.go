package sfm

import (
	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/lmsolver"
	"github.com/nmichlo/sfmgo/provider"
	"github.com/nmichlo/sfmgo/sfmdb"
)

// PoseRecoveryInput is a single 3D-2D correspondence plus an optional
// priority flag (spec.md §4.5.2 "when priority points are provided").
type PoseRecoveryInput struct {
	ObjectPoint mat.VecDense
	ImagePoint  [2]float64
	Priority    bool
}

// PoseRecoveryResult is the output of DeterminePose.
type PoseRecoveryResult struct {
	WorldTCamera *mat.Dense
	RobustError  float64
	InlierRatio  float64
	OK           bool
}

// priorityInvCov builds the diagonal inverse-covariance weighting spec.md
// §4.5.2 describes: covariance I for priority observations and
// (priorityCount)^2 * I (clamped to [1,10]^2) for the rest, so the inverse
// covariance is I and I/(priorityCount)^2 respectively. Returns nil if no input carries the
// Priority flag, since the driver treats a nil invCov as uniform weighting.
func priorityInvCov(inputs []PoseRecoveryInput) *mat.Dense {
	priorityCount := 0
	for _, in := range inputs {
		if in.Priority {
			priorityCount++
		}
	}
	if priorityCount == 0 {
		return nil
	}

	scale := float64(priorityCount)
	if scale < 1 {
		scale = 1
	}
	if scale > 10 {
		scale = 10
	}
	// Non-priority observations are down-weighted, so their
	// inverse-covariance is the reciprocal of the squared scale.
	nonPriorityWeight := 1.0 / (scale * scale)

	n := 2 * len(inputs)
	diag := make([]float64, n*n)
	for i, in := range inputs {
		w := nonPriorityWeight
		if in.Priority {
			w = 1.0
		}
		diag[(2*i)*n+2*i] = w
		diag[(2*i+1)*n+2*i+1] = w
	}
	return mat.NewDense(n, n, diag)
}

// DeterminePose recovers a 6-DOF pose for a frame given 3D-2D
// correspondences, optionally seeded by a rough pose (spec.md §4.5.2).
// minCorrespondenceRatio is the minimum acceptable inlier/point ratio; per
// spec.md step 2, a shortfall of up to 2 absolute correspondences is
// still tolerated (SPEC_FULL.md's Open Question decision: kept verbatim).
func (s *Solver3) DeterminePose(intr sfmdb.CameraIntrinsics, inputs []PoseRecoveryInput, roughPose *mat.Dense, minCorrespondenceRatio float64) PoseRecoveryResult {
	if len(inputs) == 0 {
		return PoseRecoveryResult{}
	}

	var pose0 [6]float64
	inlierIdx := make([]int, len(inputs))
	for i := range inlierIdx {
		inlierIdx[i] = i
	}

	needsRansac := roughPose == nil || minCorrespondenceRatio < 1.0
	if needsRansac && s.PoseRec != nil {
		objectPoints := make([]mat.VecDense, len(inputs))
		imagePoints := make([][2]float64, len(inputs))
		for i, in := range inputs {
			objectPoints[i] = in.ObjectPoint
			imagePoints[i] = in.ImagePoint
		}
		recovered, inliers, ok := s.PoseRec.RecoverPose(objectPoints, imagePoints, s.Options.RansacIterations, s.Options.RansacSqrErr, s.Options.RansacMinSamples)
		if ok {
			roughPose = recovered
			inlierIdx = inliers
		}
	}

	requiredRatio := minCorrespondenceRatio
	actualRatio := float64(len(inlierIdx)) / float64(len(inputs))
	shortfallAbsolute := (requiredRatio - actualRatio) * float64(len(inputs))
	if actualRatio < requiredRatio && shortfallAbsolute > 2 {
		return PoseRecoveryResult{InlierRatio: actualRatio, OK: false}
	}

	if roughPose != nil {
		r0 := rotationMatrixToRodrigues(roughPose)
		pose0[0], pose0[1], pose0[2] = r0[0], r0[1], r0[2]
		for i := 0; i < 3; i++ {
			pose0[3+i] = roughPose.At(i, 3)
		}
	}

	selected := make([]PoseRecoveryInput, len(inlierIdx))
	for i, idx := range inlierIdx {
		selected[i] = inputs[idx]
	}

	obs := make([]provider.PoseObservation, len(selected))
	for i, in := range selected {
		obs[i] = provider.PoseObservation{
			ObjectPoint: [3]float64{in.ObjectPoint.AtVec(0), in.ObjectPoint.AtVec(1), in.ObjectPoint.AtVec(2)},
			Pixel:       in.ImagePoint,
		}
	}

	p := provider.NewPoseProvider(intr, obs, pose0)
	result, ok := lmsolver.DenseOptimize(p, lmsolver.Options{
		Iterations:   30,
		Lambda:       0.01,
		LambdaFactor: 10,
		Estimator:    s.Options.Estimator,
		InvCov:       priorityInvCov(selected),
	})

	return PoseRecoveryResult{
		WorldTCamera: p.WorldTCamera(),
		RobustError:  result.Error,
		InlierRatio:  actualRatio,
		OK:           ok,
	}
}

// OrientationRecoveryResult is the output of DetermineOrientation.
type OrientationRecoveryResult struct {
	Rotation    [3]float64
	RobustError float64
	OK          bool
}

// DetermineOrientation is DeterminePose's rotation-only counterpart,
// used under the rotational camera-motion hypothesis (spec.md §4.5.2,
// §4.5.6) where the camera position is fixed and only orientation is
// refined.
func (s *Solver3) DetermineOrientation(intr sfmdb.CameraIntrinsics, cameraPos [3]float64, inputs []PoseRecoveryInput, r0 [3]float64) OrientationRecoveryResult {
	if len(inputs) == 0 {
		return OrientationRecoveryResult{}
	}

	obs := make([]provider.OrientationObservation, len(inputs))
	for i, in := range inputs {
		obs[i] = provider.OrientationObservation{
			ObjectPoint: [3]float64{in.ObjectPoint.AtVec(0), in.ObjectPoint.AtVec(1), in.ObjectPoint.AtVec(2)},
			Pixel:       in.ImagePoint,
		}
	}

	p := provider.NewOrientationProvider(intr, cameraPos, obs, r0)
	result, ok := lmsolver.DenseOptimize(p, lmsolver.Options{
		Iterations:   30,
		Lambda:       0.01,
		LambdaFactor: 10,
		Estimator:    s.Options.Estimator,
	})

	return OrientationRecoveryResult{Rotation: p.Rotation(), RobustError: result.Error, OK: ok}
}
