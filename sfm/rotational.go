package sfm

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/lmsolver"
	"github.com/nmichlo/sfmgo/provider"
)

// rodriguesMatrixFor converts an exponential-map rotation vector to a 3x3
// rotation matrix, duplicating provider's unexported rodriguesToMatrix
// (package-private there) since sfm needs it to rewrite pose rows
// directly rather than through a Provider's accepted state.
func rodriguesMatrixFor(r [3]float64) *mat.Dense {
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

// poseWithMostCorrespondences picks the reference frame for the rotational
// rewrite (spec.md §4.5.6 step 1).
func (s *Solver3) poseWithMostCorrespondences(lo, up uint32, objectPointIDs []uint32) (uint32, bool) {
	wanted := make(map[uint32]bool, len(objectPointIDs))
	for _, id := range objectPointIDs {
		wanted[id] = true
	}

	var best uint32
	bestCount := -1
	found := false
	for id := lo; id < up; id++ {
		count := 0
		for _, o := range s.DB.Observations(id) {
			if wanted[o.ObjectPointID] {
				count++
			}
		}
		if count > bestCount {
			bestCount = count
			best = id
			found = true
		}
	}
	return best, found && bestCount > 0
}

// rayAtUnitDepth scales a camera-space direction so its z-component is 1,
// the "unit depth" convention spec.md §4.5.6 step 2 names. Falls back to
// the normalized direction if the ray is parallel to the image plane.
func rayAtUnitDepth(dir *mat.VecDense) [3]float64 {
	z := dir.AtVec(2)
	if z > 1e-9 || z < -1e-9 {
		scale := 1 / z
		return [3]float64{dir.AtVec(0) * scale, dir.AtVec(1) * scale, dir.AtVec(2) * scale}
	}
	return normalize3([3]float64{dir.AtVec(0), dir.AtVec(1), dir.AtVec(2)})
}

// worldFromCameraDirection rotates a camera-space point back into world
// coordinates under a zero-translation rotation-only pose: point_camera =
// R * point_world, so point_world = Rᵀ * point_camera.
func worldFromCameraDirection(R *mat.Dense, camPoint [3]float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		var sum float64
		for c := 0; c < 3; c++ {
			sum += R.At(c, r) * camPoint[c]
		}
		out[r] = sum
	}
	return out
}

// rotationOnlyPose embeds a 3x3 rotation into a 4x4 transform with zero
// translation.
func rotationOnlyPose(R *mat.Dense) *mat.Dense {
	T := mat.NewDense(4, 4, nil)
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			T.Set(a, b, R.At(a, b))
		}
	}
	T.Set(3, 3, 1)
	return T
}

// SupposeRotationalCameraMotion implements spec.md §4.5.6: rewrites the
// database over [lo, up) under the hypothesis that the camera only
// rotates about a fixed center. Returns false (no database changes) if no
// reference frame with correspondences exists.
func (s *Solver3) SupposeRotationalCameraMotion(lo, up uint32, objectPointIDs []uint32, optimizeIntrinsics bool) bool {
	refPoseID, ok := s.poseWithMostCorrespondences(lo, up, objectPointIDs)
	if !ok {
		return false
	}

	intr := s.Camera.Intrinsics()
	identity := identity4()
	s.DB.SetPose(refPoseID, identity)

	relocated := map[uint32]bool{}
	for _, o := range s.DB.Observations(refPoseID) {
		dir, ok := s.Camera.Ray(o.ImagePoint)
		if !ok {
			continue
		}
		pos := rayAtUnitDepth(dir)
		s.DB.SetObjectPointPosition(o.ObjectPointID, mat.NewVecDense(3, pos[:]))
		relocated[o.ObjectPointID] = true
	}

	rotationOf := map[uint32][3]float64{refPoseID: {}}

	walk := func(ids []uint32) {
		last := [3]float64{}
		for _, poseID := range ids {
			var inputs []PoseRecoveryInput
			for _, o := range s.DB.Observations(poseID) {
				if !relocated[o.ObjectPointID] {
					continue
				}
				pt, ok := s.DB.ObjectPoint(o.ObjectPointID)
				if !ok || !pt.Valid || pt.Position == nil {
					continue
				}
				inputs = append(inputs, PoseRecoveryInput{ObjectPoint: *pt.Position, ImagePoint: o.ImagePoint})
			}
			if len(inputs) < 3 {
				continue
			}

			result := s.DetermineOrientation(intr, [3]float64{}, inputs, last)
			if !result.OK {
				continue
			}
			last = result.Rotation
			rotationOf[poseID] = result.Rotation

			R := rodriguesMatrixFor(result.Rotation)
			s.DB.SetPose(poseID, rotationOnlyPose(R))

			for _, o := range s.DB.Observations(poseID) {
				if relocated[o.ObjectPointID] {
					continue
				}
				dir, ok := s.Camera.Ray(o.ImagePoint)
				if !ok {
					continue
				}
				camPoint := rayAtUnitDepth(dir)
				worldPoint := worldFromCameraDirection(R, camPoint)
				s.DB.SetObjectPointPosition(o.ObjectPointID, mat.NewVecDense(3, worldPoint[:]))
				relocated[o.ObjectPointID] = true
			}
		}
	}

	var forwardIDs, backwardIDs []uint32
	for id := refPoseID + 1; id < up; id++ {
		forwardIDs = append(forwardIDs, id)
	}
	for id := refPoseID; id > lo; id-- {
		backwardIDs = append(backwardIDs, id-1)
	}
	walk(forwardIDs)
	walk(backwardIDs)

	if optimizeIntrinsics {
		s.refineIntrinsicsAtReference(refPoseID)
	}

	s.UpdatePoses(lo, refPoseID, up, s.Options.MinCorrespondenceRatio)
	return true
}

// refineIntrinsicsAtReference implements spec.md §4.5.6 step 5's optional
// intrinsics optimization: the reference frame's orientation is fixed at
// identity, so its correspondences alone drive a CameraOrientationProvider
// solve that leaves rotation near zero and adjusts intrinsics.
func (s *Solver3) refineIntrinsicsAtReference(refPoseID uint32) {
	var obs []provider.OrientationObservation
	for _, o := range s.DB.Observations(refPoseID) {
		pt, ok := s.DB.ObjectPoint(o.ObjectPointID)
		if !ok || !pt.Valid || pt.Position == nil {
			continue
		}
		obs = append(obs, provider.OrientationObservation{
			ObjectPoint: [3]float64{pt.Position.AtVec(0), pt.Position.AtVec(1), pt.Position.AtVec(2)},
			Pixel:       o.ImagePoint,
		})
	}
	if len(obs) < 8 {
		return
	}

	intr := s.Camera.Intrinsics()
	p := provider.NewCameraOrientationProvider([3]float64{}, obs, intr, [3]float64{})
	_, ok := lmsolver.DenseOptimize(p, lmsolver.Options{
		Iterations: 25, Lambda: 0.01, LambdaFactor: 10, Estimator: s.Options.Estimator,
	})
	if ok {
		s.Camera.SetIntrinsics(p.Intrinsics())
	}
}
