package sfm

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/lmsolver"
	"github.com/nmichlo/sfmgo/obsindex"
	"github.com/nmichlo/sfmgo/provider"
	"github.com/nmichlo/sfmgo/sfmdb"
)

// BundleResult is the common return shape of the three bundle-adjust
// variants (spec.md §4.5.4).
type BundleResult struct {
	RobustError float64
	OK          bool
}

// selectKeyframesOrUse picks poseIDs via obsindex.SelectKeyframes when
// explicitPoseIDs is empty, per spec.md §4.5.4 "Keyframe selection before
// bundle: when no explicit list is given...".
func (s *Solver3) selectKeyframesOrUse(explicitPoseIDs, candidatePoseIDs, objectPointIDs []uint32) []uint32 {
	if len(explicitPoseIDs) > 0 {
		return explicitPoseIDs
	}
	return obsindex.SelectKeyframes(s.DB, candidatePoseIDs, objectPointIDs, s.Options.MinObservations, s.Options.MinKeyframes)
}

// BundleAdjustFixedPoses re-triangulates every requested object point
// independently given fixed poses (spec.md §4.5.4 "Fixed poses, variable
// points (embarrassingly parallel per point)"). Each point is solved via
// its own ObjectPointFixedPosesProvider, farmed across s.Pool.
func (s *Solver3) BundleAdjustFixedPoses(ctx context.Context, poseIDs, objectPointIDs []uint32) BundleResult {
	intr := s.Camera.Intrinsics()
	poses := make(map[uint32]sfmdb.CameraPose, len(poseIDs))
	for _, id := range poseIDs {
		if p, ok := s.DB.Pose(id); ok && p.Valid {
			poses[id] = p
		}
	}

	var mu sync.Mutex
	var totalError float64
	var count int

	s.Pool.ExecuteRange(ctx, 0, len(objectPointIDs), func(subStart, subEnd, worker int) {
		for i := subStart; i < subEnd; i++ {
			pointID := objectPointIDs[i]
			pt, ok := s.DB.ObjectPoint(pointID)
			if !ok || !pt.Valid || pt.Position == nil {
				continue
			}

			var obs []provider.PoseObservationOf
			for _, poseID := range poseIDs {
				pose, ok := poses[poseID]
				if !ok {
					continue
				}
				for _, o := range s.DB.Observations(poseID) {
					if o.ObjectPointID == pointID {
						obs = append(obs, provider.PoseObservationOf{WorldTCamera: pose.WorldTCamera, Pixel: o.ImagePoint})
					}
				}
			}
			if len(obs) < s.Options.MinObservations {
				continue
			}

			point0 := [3]float64{pt.Position.AtVec(0), pt.Position.AtVec(1), pt.Position.AtVec(2)}
			p := provider.NewObjectPointFixedPosesProvider(intr, obs, point0)
			result, ok := lmsolver.DenseOptimize(p, lmsolver.Options{
				Iterations: 20, Lambda: 0.01, LambdaFactor: 10, Estimator: s.Options.Estimator,
			})

			mu.Lock()
			if ok {
				pos := p.Position()
				s.DB.SetObjectPointPosition(pointID, mat.NewVecDense(3, pos[:]))
				totalError += result.Error
				count++
			}
			mu.Unlock()
		}
	})

	s.stats.LastBundleError = meanOrZero(totalError, count)
	return BundleResult{RobustError: s.stats.LastBundleError, OK: count > 0}
}

func meanOrZero(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// buildBundleObservations constructs the index-based observation list a
// Bundle*Provider expects from poseIDs/objectPointIDs, returning the
// initial pose/point estimates alongside it.
func (s *Solver3) buildBundleObservations(poseIDs, objectPointIDs []uint32) ([]provider.BundleObservation, [][6]float64, [][3]float64, bool) {
	poseIndexOf := make(map[uint32]int, len(poseIDs))
	poses0 := make([][6]float64, 0, len(poseIDs))
	for _, id := range poseIDs {
		pose, ok := s.DB.Pose(id)
		if !ok || !pose.Valid {
			return nil, nil, nil, false
		}
		poseIndexOf[id] = len(poses0)
		r := rotationMatrixToRodrigues(pose.WorldTCamera)
		var t [3]float64
		for i := 0; i < 3; i++ {
			t[i] = pose.WorldTCamera.At(i, 3)
		}
		poses0 = append(poses0, [6]float64{r[0], r[1], r[2], t[0], t[1], t[2]})
	}

	pointIndexOf := make(map[uint32]int, len(objectPointIDs))
	points0 := make([][3]float64, 0, len(objectPointIDs))
	for _, id := range objectPointIDs {
		pt, ok := s.DB.ObjectPoint(id)
		if !ok || !pt.Valid || pt.Position == nil {
			return nil, nil, nil, false
		}
		pointIndexOf[id] = len(points0)
		points0 = append(points0, [3]float64{pt.Position.AtVec(0), pt.Position.AtVec(1), pt.Position.AtVec(2)})
	}

	var obs []provider.BundleObservation
	for _, poseID := range poseIDs {
		for _, o := range s.DB.Observations(poseID) {
			pointIdx, known := pointIndexOf[o.ObjectPointID]
			if !known {
				continue
			}
			obs = append(obs, provider.BundleObservation{
				PoseIndex:  poseIndexOf[poseID],
				PointIndex: pointIdx,
				Pixel:      o.ImagePoint,
			})
		}
	}
	return obs, poses0, points0, true
}

// BundleAdjustPosesAndPoints jointly refines poses and points in a single
// non-linear system (spec.md §4.5.4 "Variable poses and points").
func (s *Solver3) BundleAdjustPosesAndPoints(explicitPoseIDs, objectPointIDs, candidatePoseIDs []uint32) BundleResult {
	poseIDs := s.selectKeyframesOrUse(explicitPoseIDs, candidatePoseIDs, objectPointIDs)
	obs, poses0, points0, ok := s.buildBundleObservations(poseIDs, objectPointIDs)
	if !ok || len(obs) == 0 {
		return BundleResult{}
	}

	intr := s.Camera.Intrinsics()
	p := provider.NewBundleDensePosesAndPointsProvider(intr, obs, poses0, points0)
	result, solved := lmsolver.DenseOptimize(p, lmsolver.Options{
		Iterations: 25, Lambda: 0.01, LambdaFactor: 10, Estimator: s.Options.Estimator,
	})
	if !solved {
		return BundleResult{RobustError: result.Error}
	}

	for i, poseID := range poseIDs {
		s.DB.SetPose(poseID, p.Pose(i))
	}
	for i, pointID := range objectPointIDs {
		pos := p.Point(i)
		s.DB.SetObjectPointPosition(pointID, mat.NewVecDense(3, pos[:]))
	}
	s.stats.LastBundleError = result.Error
	return BundleResult{RobustError: result.Error, OK: true}
}

// BundleAdjustPosesPointsIntrinsics jointly refines poses, points, and the
// shared camera intrinsics (spec.md §4.5.4 "Variable poses, points, and
// intrinsics"). On success only the refined intrinsics are stored (via
// s.Camera.SetIntrinsics); the refined poses and points are not written
// back to the database, which keeps its previous values for them.
func (s *Solver3) BundleAdjustPosesPointsIntrinsics(explicitPoseIDs, objectPointIDs, candidatePoseIDs []uint32) BundleResult {
	poseIDs := s.selectKeyframesOrUse(explicitPoseIDs, candidatePoseIDs, objectPointIDs)
	obs, poses0, points0, ok := s.buildBundleObservations(poseIDs, objectPointIDs)
	if !ok || len(obs) == 0 {
		return BundleResult{}
	}

	intr := s.Camera.Intrinsics()
	p := provider.NewBundleWithIntrinsicsProvider(obs, poses0, points0, intr)
	// The combined pose+point+intrinsics system is the largest normal
	// equation sfmgo assembles (6P+3N+8 parameters), so it uses the
	// advanced/sparse driver variant (spec.md §4.2): the provider owns and
	// re-damps its own cached Hessian across lambda trials instead of
	// rebuilding JtJ from the dense Jacobian on every trial.
	result, solved := lmsolver.AdvancedOptimize(p, lmsolver.Options{
		Iterations: 25, Lambda: 0.01, LambdaFactor: 10, Estimator: s.Options.Estimator,
	})
	if !solved {
		return BundleResult{RobustError: result.Error}
	}

	s.Camera.SetIntrinsics(p.Intrinsics())
	s.stats.LastBundleError = result.Error
	return BundleResult{RobustError: result.Error, OK: true}
}
